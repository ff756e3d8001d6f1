package workflow

import (
	"fmt"
	"time"

	"plans/internal/apperr"
	"plans/models"
)

// Actor is the resolved identity performing an operation. Token verification
// happens upstream; the engine only consumes the result.
type Actor struct {
	ID          string
	Role        string
	Permissions []string
}

// PermApproveAny lets an actor approve at any level regardless of the
// level's approver list.
const PermApproveAny = "plans:approve_any"

func (a Actor) Has(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Workflow actions.
const (
	ActionUpdate         = "update"
	ActionSubmit         = "submit"
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ActionRequestChanges = "request_changes"
	ActionActivate       = "activate"
	ActionComplete       = "complete"
	ActionTerminate      = "terminate"
	ActionCancel         = "cancel"
	ActionDelete         = "delete"
	ActionArchive        = "archive"
)

// actionsByStatus is the full transition table. An action absent from the
// current status's row is a workflow violation, no exceptions.
var actionsByStatus = map[models.PlanStatus][]string{
	models.StatusDraft:              {ActionUpdate, ActionSubmit, ActionCancel, ActionDelete},
	models.StatusReturnedForChanges: {ActionUpdate, ActionSubmit},
	models.StatusUnderReview:        {ActionApprove, ActionReject, ActionRequestChanges},
	models.StatusApproved:           {ActionActivate, ActionArchive},
	models.StatusRejected:           {ActionCancel, ActionDelete},
	models.StatusActive:             {ActionComplete, ActionTerminate, ActionArchive},
	models.StatusCompleted:          {ActionArchive},
}

// Engine owns the plan status state machine. Methods mutate the passed plan
// in place and return a taxonomy error on any illegal request; on error the
// plan is left untouched.
type Engine struct {
	policy ApprovalPolicy
}

func NewEngine(policy ApprovalPolicy) *Engine {
	return &Engine{policy: policy}
}

// Policy returns the immutable approval policy the engine was built with.
func (e *Engine) Policy() ApprovalPolicy { return e.policy }

// LegalActions lists the actions the given actor may take on the plan right
// now. Review actions are filtered by level authorization.
func (e *Engine) LegalActions(p *models.Plan, actor Actor) []string {
	legal := []string{}
	for _, action := range actionsByStatus[p.Status] {
		switch action {
		case ActionApprove, ActionReject, ActionRequestChanges:
			if e.canDecide(p, actor) {
				legal = append(legal, action)
			}
		default:
			legal = append(legal, action)
		}
	}
	return legal
}

func (e *Engine) allowed(p *models.Plan, action string) bool {
	for _, a := range actionsByStatus[p.Status] {
		if a == action {
			return true
		}
	}
	return false
}

func (e *Engine) violation(p *models.Plan, actor Actor, action string) error {
	return apperr.WorkflowViolation(string(p.Status), action, e.LegalActions(p, actor))
}

func (e *Engine) canDecide(p *models.Plan, actor Actor) bool {
	if actor.Has(PermApproveAny) {
		return true
	}
	level := p.CurrentLevel()
	if level == nil {
		return false
	}
	for _, id := range level.Approvers {
		if id == actor.ID {
			return true
		}
	}
	return false
}

// EnsureEditable gates direct field updates.
func (e *Engine) EnsureEditable(p *models.Plan, actor Actor) error {
	if !e.allowed(p, ActionUpdate) {
		return e.violation(p, actor, ActionUpdate)
	}
	return nil
}

// Submit moves a draft (or returned) plan into review: validates the budget
// and completeness, re-scores risk and compliance, routes the approval
// levels and resets the level cursor.
func (e *Engine) Submit(p *models.Plan, actor Actor, now time.Time) error {
	if !e.allowed(p, ActionSubmit) {
		return e.violation(p, actor, ActionSubmit)
	}

	if missing := missingForSubmission(p); len(missing) > 0 {
		return apperr.Validation("plan is not complete enough to submit", missing...)
	}

	if v := ValidateAllocations(p.Budget.TotalAmount, p.Budget.Allocations); !v.Valid {
		return apperr.Validation(fmt.Sprintf(
			"allocations differ from total amount by %.2f", v.Difference))
	}

	levels, err := e.policy.Route(p.Budget.TotalAmount, p.Department, p.Workflow.DeclaredLevels)
	if err != nil {
		return err
	}

	assessment := AssessRisks(p.Risks)
	p.RiskScore = assessment.TotalScore
	p.RiskLevel = assessment.Level
	p.ComplianceStatus, _ = EvaluateCompliance(p.Compliance)

	p.Workflow.RequiredLevels = levels
	p.Workflow.SubmissionCycle++
	p.Workflow.CurrentLevelIndex = 0
	p.Status = models.StatusUnderReview
	p.SubmittedAt = &now
	p.SubmittedBy = &actor.ID
	return nil
}

func missingForSubmission(p *models.Plan) []string {
	var missing []string
	if len(p.Objectives) == 0 {
		missing = append(missing, "objectives")
	}
	if len(p.Budget.Allocations) == 0 {
		missing = append(missing, "budget.allocations")
	}
	if p.Budget.TotalAmount <= 0 {
		missing = append(missing, "budget.totalAmount")
	}
	if p.Department == "" {
		missing = append(missing, "department")
	}
	if len(p.Compliance) == 0 {
		missing = append(missing, "complianceDeclarations")
	}
	if p.StartDate.IsZero() || p.EndDate.IsZero() || !p.EndDate.After(p.StartDate) {
		missing = append(missing, "startDate/endDate")
	}
	return missing
}

// Decision is one approval-level verdict.
type Decision struct {
	Action   string // approve | reject | request_changes
	Comments string
}

// Decide applies an approval-level decision. The returned noop flag is true
// when an identical approval from the same actor at the same level was already
// recorded in this review cycle; callers must then skip persistence and audit.
func (e *Engine) Decide(p *models.Plan, actor Actor, d Decision, now time.Time) (noop bool, err error) {
	switch d.Action {
	case ActionApprove, ActionReject, ActionRequestChanges:
	default:
		return false, apperr.Validation(fmt.Sprintf("unknown decision %q", d.Action))
	}
	if !e.allowed(p, d.Action) {
		return false, e.violation(p, actor, d.Action)
	}

	level := p.CurrentLevel()
	if level == nil {
		return false, apperr.Configuration("plan is under review without a current approval level")
	}
	if !e.canDecide(p, actor) {
		return false, apperr.NotAuthorized(string(p.Status), d.Action, e.LegalActions(p, actor))
	}

	if d.Action == ActionApprove && hasApproval(p.Workflow, level.Level, actor.ID) {
		return true, nil
	}

	p.Workflow.History = append(p.Workflow.History, models.ApprovalDecision{
		Cycle:     p.Workflow.SubmissionCycle,
		Level:     level.Level,
		ActorID:   actor.ID,
		Decision:  d.Action,
		Comments:  d.Comments,
		Timestamp: now,
	})

	switch d.Action {
	case ActionApprove:
		if p.Workflow.CurrentLevelIndex == len(p.Workflow.RequiredLevels)-1 {
			p.Status = models.StatusApproved
			p.ApprovedAt = &now
			p.ApprovedBy = &actor.ID
			p.Budget.ApprovedAmount = p.Budget.TotalAmount
		} else {
			p.Workflow.CurrentLevelIndex++
		}
	case ActionReject:
		p.Status = models.StatusRejected
	case ActionRequestChanges:
		p.Status = models.StatusReturnedForChanges
		p.Workflow.CurrentLevelIndex = 0
	}
	return false, nil
}

// hasApproval reports a recorded approval by this actor at this level within
// the current submission cycle. Approvals from before a changes loop do not
// count: the revised plan needs a fresh decision.
func hasApproval(wf models.WorkflowColumn, level int, actorID string) bool {
	for _, h := range wf.History {
		if h.Cycle == wf.SubmissionCycle && h.Level == level && h.ActorID == actorID && h.Decision == ActionApprove {
			return true
		}
	}
	return false
}

// Activate moves an approved plan to active and seeds budget tracking.
// Only a compliant plan may activate; pending_review blocks.
func (e *Engine) Activate(p *models.Plan, actor Actor, now time.Time) error {
	if !e.allowed(p, ActionActivate) {
		return e.violation(p, actor, ActionActivate)
	}
	if p.ComplianceStatus != models.ComplianceCompliant {
		return apperr.Newf(apperr.CodeWorkflow,
			"plan cannot activate with compliance status %q", p.ComplianceStatus)
	}
	p.Status = models.StatusActive
	p.ActivatedAt = &now
	p.ActivatedBy = &actor.ID
	p.Budget.SpentAmount = 0
	p.Budget.CommittedAmount = 0
	return nil
}

// Complete closes out an active plan.
func (e *Engine) Complete(p *models.Plan, actor Actor) error {
	if !e.allowed(p, ActionComplete) {
		return e.violation(p, actor, ActionComplete)
	}
	p.Status = models.StatusCompleted
	return nil
}

// Terminate ends an active plan early.
func (e *Engine) Terminate(p *models.Plan, actor Actor) error {
	if !e.allowed(p, ActionTerminate) {
		return e.violation(p, actor, ActionTerminate)
	}
	p.Status = models.StatusTerminated
	return nil
}

// Cancel abandons a plan that never reached review completion.
func (e *Engine) Cancel(p *models.Plan, actor Actor) error {
	if !e.allowed(p, ActionCancel) {
		return e.violation(p, actor, ActionCancel)
	}
	p.Status = models.StatusCancelled
	return nil
}

// Remove soft-deletes an abandoned plan or archives a finished one,
// depending on where it is in the lifecycle. The audit history survives
// either way. Returns the action actually taken.
func (e *Engine) Remove(p *models.Plan, actor Actor, now time.Time) (string, error) {
	switch {
	case e.allowed(p, ActionDelete):
		p.Status = models.StatusDeleted
		p.DeletedAt = &now
		return ActionDelete, nil
	case e.allowed(p, ActionArchive):
		p.Status = models.StatusArchived
		return ActionArchive, nil
	default:
		return "", e.violation(p, actor, ActionDelete)
	}
}
