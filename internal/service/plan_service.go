package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"plans/internal/apperr"
	"plans/internal/audit"
	"plans/internal/workflow"
	"plans/models"
)

// EntityTypePlan is the audit registry key for plans.
const EntityTypePlan = "plan"

// PermReadAny lets an actor read plans outside their own department.
const PermReadAny = "plans:read_any"

// PlanStore is the persistence the service drives. UpdatePlan must be
// version-guarded: it persists only when the stored version still equals
// expectedVersion and returns a conflict error otherwise.
type PlanStore interface {
	CreatePlan(ctx context.Context, p *models.Plan) error
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	UpdatePlan(ctx context.Context, p *models.Plan, expectedVersion int) error
	ListPlans(ctx context.Context, f ListFilter) ([]models.Plan, error)
	NextPlanSequence(ctx context.Context) (int64, error)
}

type ListFilter struct {
	Department string
	Status     models.PlanStatus
	PlanType   models.PlanType
	FiscalYear int
	Limit      int
	Offset     int
}

// Actor is the resolved identity plus its owning department.
type Actor struct {
	ID          string
	Role        string
	Department  string
	Permissions []string
}

func (a Actor) workflowActor() workflow.Actor {
	return workflow.Actor{ID: a.ID, Role: a.Role, Permissions: a.Permissions}
}

func (a Actor) auditActor() audit.Actor {
	return audit.Actor{ID: a.ID, Role: a.Role}
}

func (a Actor) has(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Service composes the workflow engine and the audit recorder behind the
// plan operations. Business writes commit first; the audit record is
// appended best-effort afterwards.
type Service struct {
	store    PlanStore
	engine   *workflow.Engine
	recorder *audit.Recorder
	log      zerolog.Logger
	now      func() time.Time
}

func New(store PlanStore, engine *workflow.Engine, recorder *audit.Recorder, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
}

// withRetry retries storage_unavailable failures a bounded number of times.
// Writes are version-guarded, so a retried write can never double-apply.
func (s *Service) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if apperr.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// CreateInput is the typed body of POST /plans.
type CreateInput struct {
	PlanType       models.PlanType                `json:"planType"`
	FiscalYear     int                            `json:"fiscalYear"`
	Department     string                         `json:"department"`
	Categories     []string                       `json:"categories"`
	Objectives     []string                       `json:"objectives"`
	Budget         models.Budget                  `json:"budget"`
	Risks          []models.Risk                  `json:"risks"`
	Compliance     []models.ComplianceDeclaration `json:"complianceDeclarations"`
	DeclaredLevels []models.ApprovalLevel         `json:"declaredApprovalLevels"`
	PlanOwner      string                         `json:"planOwner"`
	Stakeholders   []string                       `json:"stakeholders"`
	StartDate      time.Time                      `json:"startDate"`
	EndDate        time.Time                      `json:"endDate"`
}

var planNumberPrefix = map[models.PlanType]string{
	models.TypeAnnual:       "ANN",
	models.TypeQuarterly:    "QTR",
	models.TypeProjectBased: "PRJ",
	models.TypeEmergency:    "EMG",
	models.TypeStrategic:    "STR",
	models.TypeOperational:  "OPS",
}

// Create validates the input and persists a new plan in draft.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput, reqCtx audit.RequestContext) (*models.Plan, error) {
	prefix, ok := planNumberPrefix[in.PlanType]
	if !ok {
		return nil, apperr.Validation("unknown plan type", "planType")
	}
	var missing []string
	if in.FiscalYear <= 0 {
		missing = append(missing, "fiscalYear")
	}
	if in.Department == "" {
		missing = append(missing, "department")
	}
	if len(missing) > 0 {
		return nil, apperr.Validation("required fields are missing", missing...)
	}
	if !in.StartDate.IsZero() && !in.EndDate.IsZero() && !in.EndDate.After(in.StartDate) {
		return nil, apperr.Validation("endDate must be after startDate")
	}
	if v := workflow.ValidateAllocations(in.Budget.TotalAmount, in.Budget.Allocations); !v.Valid {
		return nil, apperr.Newf(apperr.CodeValidation,
			"allocations differ from total amount by %.2f", v.Difference)
	}
	// Declared levels are checked now so a misconfigured plan never reaches
	// submission.
	if in.DeclaredLevels != nil {
		if _, err := s.engine.Policy().Route(in.Budget.TotalAmount, in.Department, in.DeclaredLevels); err != nil {
			return nil, err
		}
	}

	var seq int64
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		seq, err = s.store.NextPlanSequence(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	now := s.now()
	assessment := workflow.AssessRisks(in.Risks)
	complianceStatus, _ := workflow.EvaluateCompliance(in.Compliance)

	p := &models.Plan{
		ID:               uuid.NewString(),
		PlanNumber:       planNumber(prefix, in.FiscalYear, seq),
		PlanType:         in.PlanType,
		FiscalYear:       in.FiscalYear,
		Department:       in.Department,
		Categories:       in.Categories,
		Objectives:       in.Objectives,
		Status:           models.StatusDraft,
		Version:          1,
		Budget:           models.BudgetColumn(in.Budget),
		Workflow:         models.WorkflowColumn{DeclaredLevels: in.DeclaredLevels},
		Risks:            in.Risks,
		RiskScore:        assessment.TotalScore,
		RiskLevel:        assessment.Level,
		Compliance:       in.Compliance,
		ComplianceStatus: complianceStatus,
		PlanOwner:        in.PlanOwner,
		Stakeholders:     in.Stakeholders,
		StartDate:        in.StartDate,
		EndDate:          in.EndDate,
		CreatedAt:        now,
		CreatedBy:        actor.ID,
		UpdatedAt:        now,
		UpdatedBy:        actor.ID,
	}

	if err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.store.CreatePlan(ctx, p)
	}); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, models.ActionCreate, EntityTypePlan, p.ID, actor.auditActor(), nil, p, reqCtx)
	return p, nil
}

// UpdateInput carries the editable plan fields plus the version the client
// last observed. Nil fields are left unchanged.
type UpdateInput struct {
	Version      int                             `json:"version"`
	Categories   *[]string                       `json:"categories"`
	Objectives   *[]string                       `json:"objectives"`
	Budget       *models.Budget                  `json:"budget"`
	Risks        *[]models.Risk                  `json:"risks"`
	Compliance   *[]models.ComplianceDeclaration `json:"complianceDeclarations"`
	PlanOwner    *string                         `json:"planOwner"`
	Stakeholders *[]string                       `json:"stakeholders"`
	StartDate    *time.Time                      `json:"startDate"`
	EndDate      *time.Time                      `json:"endDate"`
}

// Update edits a plan in an editable state under optimistic concurrency.
func (s *Service) Update(ctx context.Context, actor Actor, id string, in UpdateInput, reqCtx audit.RequestContext) (*models.Plan, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOwner(p, actor); err != nil {
		return nil, err
	}
	if err := s.engine.EnsureEditable(p, actor.workflowActor()); err != nil {
		return nil, err
	}
	if in.Version != p.Version {
		return nil, apperr.Conflict(in.Version, p.Version)
	}

	before := *p

	if in.Categories != nil {
		p.Categories = *in.Categories
	}
	if in.Objectives != nil {
		p.Objectives = *in.Objectives
	}
	if in.Budget != nil {
		if v := workflow.ValidateAllocations(in.Budget.TotalAmount, in.Budget.Allocations); !v.Valid {
			return nil, apperr.Newf(apperr.CodeValidation,
				"allocations differ from total amount by %.2f", v.Difference)
		}
		p.Budget = models.BudgetColumn(*in.Budget)
	}
	if in.Risks != nil {
		p.Risks = *in.Risks
		assessment := workflow.AssessRisks(p.Risks)
		p.RiskScore = assessment.TotalScore
		p.RiskLevel = assessment.Level
	}
	if in.Compliance != nil {
		p.Compliance = *in.Compliance
		p.ComplianceStatus, _ = workflow.EvaluateCompliance(p.Compliance)
	}
	if in.PlanOwner != nil {
		p.PlanOwner = *in.PlanOwner
	}
	if in.Stakeholders != nil {
		p.Stakeholders = *in.Stakeholders
	}
	if in.StartDate != nil {
		p.StartDate = *in.StartDate
	}
	if in.EndDate != nil {
		p.EndDate = *in.EndDate
	}
	if !p.StartDate.IsZero() && !p.EndDate.IsZero() && !p.EndDate.After(p.StartDate) {
		return nil, apperr.Validation("endDate must be after startDate")
	}

	if err := s.persist(ctx, actor, p, in.Version); err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, models.ActionUpdate, EntityTypePlan, p.ID, actor.auditActor(), &before, p, reqCtx)
	return p, nil
}

// Submit moves the plan into review.
func (s *Service) Submit(ctx context.Context, actor Actor, id string, reqCtx audit.RequestContext) (*models.Plan, error) {
	return s.transition(ctx, actor, id, models.ActionSubmit, reqCtx, func(p *models.Plan) error {
		if err := s.ensureOwner(p, actor); err != nil {
			return err
		}
		return s.engine.Submit(p, actor.workflowActor(), s.now())
	})
}

// Approve applies an approval-level decision (approve, reject or
// request_changes). A repeated identical approval is a no-op: the plan is
// returned unchanged and no audit entry is written.
func (s *Service) Approve(ctx context.Context, actor Actor, id string, d workflow.Decision, reqCtx audit.RequestContext) (*models.Plan, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *p

	noop, err := s.engine.Decide(p, actor.workflowActor(), d, s.now())
	if err != nil {
		return nil, err
	}
	if noop {
		return p, nil
	}

	if err := s.persist(ctx, actor, p, before.Version); err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, d.Action, EntityTypePlan, p.ID, actor.auditActor(), &before, p, reqCtx)
	return p, nil
}

// Activate moves an approved plan to active.
func (s *Service) Activate(ctx context.Context, actor Actor, id string, reqCtx audit.RequestContext) (*models.Plan, error) {
	return s.transition(ctx, actor, id, models.ActionActivate, reqCtx, func(p *models.Plan) error {
		if err := s.ensureOwner(p, actor); err != nil {
			return err
		}
		return s.engine.Activate(p, actor.workflowActor(), s.now())
	})
}

// Complete closes out an active plan.
func (s *Service) Complete(ctx context.Context, actor Actor, id string, reqCtx audit.RequestContext) (*models.Plan, error) {
	return s.transition(ctx, actor, id, models.ActionStatusChange, reqCtx, func(p *models.Plan) error {
		if err := s.ensureOwner(p, actor); err != nil {
			return err
		}
		return s.engine.Complete(p, actor.workflowActor())
	})
}

// Terminate ends an active plan early.
func (s *Service) Terminate(ctx context.Context, actor Actor, id string, reqCtx audit.RequestContext) (*models.Plan, error) {
	return s.transition(ctx, actor, id, models.ActionStatusChange, reqCtx, func(p *models.Plan) error {
		if err := s.ensureOwner(p, actor); err != nil {
			return err
		}
		return s.engine.Terminate(p, actor.workflowActor())
	})
}

// Cancel abandons a draft or rejected plan.
func (s *Service) Cancel(ctx context.Context, actor Actor, id string, reqCtx audit.RequestContext) (*models.Plan, error) {
	return s.transition(ctx, actor, id, models.ActionStatusChange, reqCtx, func(p *models.Plan) error {
		if err := s.ensureOwner(p, actor); err != nil {
			return err
		}
		return s.engine.Cancel(p, actor.workflowActor())
	})
}

// Remove soft-deletes or archives the plan depending on its state. The
// plan's audit history survives either way.
func (s *Service) Remove(ctx context.Context, actor Actor, id string, reqCtx audit.RequestContext) (*models.Plan, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOwner(p, actor); err != nil {
		return nil, err
	}
	before := *p

	action, err := s.engine.Remove(p, actor.workflowActor(), s.now())
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, actor, p, before.Version); err != nil {
		return nil, err
	}

	auditAction := models.ActionDelete
	if action == workflow.ActionArchive {
		auditAction = models.ActionArchive
	}
	s.recorder.Record(ctx, auditAction, EntityTypePlan, p.ID, actor.auditActor(), &before, p, reqCtx)
	return p, nil
}

// PlanView is a plan plus read-only derived fields.
type PlanView struct {
	models.Plan
	BudgetUtilization float64  `json:"budgetUtilization"`
	ScheduleStatus    string   `json:"scheduleStatus"`
	LegalActions      []string `json:"legalActions"`
}

// Get returns a plan with derived fields. Reads outside the actor's
// department require the plans:read_any permission.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (*PlanView, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Department != actor.Department && !actor.has(PermReadAny) {
		return nil, apperr.New(apperr.CodeNotAuthorized, "plan belongs to another department")
	}

	view := &PlanView{
		Plan:           *p,
		ScheduleStatus: scheduleStatus(p, s.now()),
		LegalActions:   s.engine.LegalActions(p, actor.workflowActor()),
	}
	if p.Budget.ApprovedAmount > 0 {
		view.BudgetUtilization = p.Budget.SpentAmount / p.Budget.ApprovedAmount
	}
	return view, nil
}

// List returns plans matching the filter. Without the plans:read_any
// permission the listing is confined to the actor's own department, same as
// single-plan reads.
func (s *Service) List(ctx context.Context, actor Actor, f ListFilter) ([]models.Plan, error) {
	if !actor.has(PermReadAny) {
		if f.Department != "" && f.Department != actor.Department {
			return nil, apperr.New(apperr.CodeNotAuthorized, "plan listing is limited to your department")
		}
		f.Department = actor.Department
	}
	var out []models.Plan
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListPlans(ctx, f)
		return err
	})
	return out, err
}

// AuditTrail queries the audit log. Entries come back in server-assigned
// sequence order.
func (s *Service) AuditTrail(ctx context.Context, f audit.Filter) ([]models.AuditLogEntry, error) {
	return s.recorder.Query(ctx, f)
}

// scheduleStatus derives pending, in_window or overdue from the plan dates.
// An undated plan has not started, so it reads as pending.
func scheduleStatus(p *models.Plan, now time.Time) string {
	switch {
	case p.StartDate.IsZero() || p.EndDate.IsZero(), now.Before(p.StartDate):
		return "pending"
	case now.After(p.EndDate):
		return "overdue"
	default:
		return "in_window"
	}
}

// transition is the shared load / mutate / persist / record sequence for
// simple status transitions.
func (s *Service) transition(
	ctx context.Context,
	actor Actor,
	id, auditAction string,
	reqCtx audit.RequestContext,
	apply func(p *models.Plan) error,
) (*models.Plan, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *p

	if err := apply(p); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, actor, p, before.Version); err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, auditAction, EntityTypePlan, p.ID, actor.auditActor(), &before, p, reqCtx)
	return p, nil
}

func (s *Service) load(ctx context.Context, id string) (*models.Plan, error) {
	var p *models.Plan
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		p, err = s.store.GetPlan(ctx, id)
		return err
	})
	return p, err
}

// persist writes the mutated plan, bumping its version under the guard of
// the version the mutation started from.
func (s *Service) persist(ctx context.Context, actor Actor, p *models.Plan, expectedVersion int) error {
	p.Version = expectedVersion + 1
	p.UpdatedAt = s.now()
	p.UpdatedBy = actor.ID
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.store.UpdatePlan(ctx, p, expectedVersion)
	})
}

func (s *Service) ensureOwner(p *models.Plan, actor Actor) error {
	if p.Department != actor.Department {
		return apperr.New(apperr.CodeNotAuthorized, "plan belongs to another department")
	}
	return nil
}

func planNumber(prefix string, fiscalYear int, seq int64) string {
	return fmt.Sprintf("%s-%d-%06d", prefix, fiscalYear, seq)
}
