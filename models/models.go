package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Plan lifecycle statuses.
type PlanStatus string

const (
	StatusDraft              PlanStatus = "draft"
	StatusSubmitted          PlanStatus = "submitted"
	StatusUnderReview        PlanStatus = "under_review"
	StatusApproved           PlanStatus = "approved"
	StatusRejected           PlanStatus = "rejected"
	StatusReturnedForChanges PlanStatus = "returned_for_changes"
	StatusActive             PlanStatus = "active"
	StatusCompleted          PlanStatus = "completed"
	StatusTerminated         PlanStatus = "terminated"
	StatusCancelled          PlanStatus = "cancelled"
	StatusArchived           PlanStatus = "archived"
	StatusDeleted            PlanStatus = "deleted"
)

type PlanType string

const (
	TypeAnnual       PlanType = "annual"
	TypeQuarterly    PlanType = "quarterly"
	TypeProjectBased PlanType = "project_based"
	TypeEmergency    PlanType = "emergency"
	TypeStrategic    PlanType = "strategic"
	TypeOperational  PlanType = "operational"
)

var PlanTypes = []PlanType{
	TypeAnnual, TypeQuarterly, TypeProjectBased,
	TypeEmergency, TypeStrategic, TypeOperational,
}

// Allocation is one budget line-item within a plan's total amount.
type Allocation struct {
	Category    string  `json:"category"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description,omitempty"`
}

type Budget struct {
	TotalAmount        float64      `json:"totalAmount"`
	Currency           string       `json:"currency"`
	Allocations        []Allocation `json:"allocations"`
	ContingencyPercent float64      `json:"contingencyPercent,omitempty"`
	ApprovedAmount     float64      `json:"approvedAmount,omitempty"`
	SpentAmount        float64      `json:"spentAmount,omitempty"`
	CommittedAmount    float64      `json:"committedAmount,omitempty"`
}

// ApprovalLevel is one authorization tier in a plan's sign-off sequence.
type ApprovalLevel struct {
	Level      int      `json:"level"`
	Name       string   `json:"name,omitempty"`
	Threshold  float64  `json:"threshold"`
	Approvers  []string `json:"approvers"`
	Conditions string   `json:"conditions,omitempty"`
}

type ApprovalDecision struct {
	Cycle     int       `json:"cycle,omitempty"`
	Level     int       `json:"level"`
	ActorID   string    `json:"actorId"`
	Decision  string    `json:"decision"` // approve | reject | request_changes
	Comments  string    `json:"comments,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ApprovalWorkflow struct {
	// DeclaredLevels, when present, is a compliance-mandated override of the
	// department threshold bands. Captured at creation, consumed at submit.
	DeclaredLevels []ApprovalLevel `json:"declaredLevels,omitempty"`
	RequiredLevels []ApprovalLevel `json:"requiredLevels"`
	// SubmissionCycle counts submissions; each request_changes round trip
	// starts a new cycle, so decisions from earlier cycles never short-circuit
	// a fresh review.
	SubmissionCycle   int                `json:"submissionCycle,omitempty"`
	CurrentLevelIndex int                `json:"currentLevelIndex"`
	History           []ApprovalDecision `json:"history"`
}

type Risk struct {
	Category    string `json:"category"`
	Probability string `json:"probability"` // rare | unlikely | possible | likely | almost_certain
	Impact      string `json:"impact"`      // negligible | minor | moderate | major | severe
	Mitigation  string `json:"mitigation,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

type ComplianceDeclaration struct {
	Regulation    string `json:"regulation"`
	Declaration   string `json:"declaration"`
	AuditRequired bool   `json:"auditRequired,omitempty"`
	Evidence      string `json:"evidence,omitempty"`
	Verified      bool   `json:"verified,omitempty"`
}

type ComplianceIssue struct {
	Regulation string `json:"regulation"`
	Detail     string `json:"detail"`
}

const (
	ComplianceCompliant     = "compliant"
	ComplianceNonCompliant  = "non_compliant"
	CompliancePendingReview = "pending_review"
)

// Plan is the budgeted procurement entity whose lifecycle this service governs.
type Plan struct {
	ID         string     `db:"id" json:"id"`
	PlanNumber string     `db:"plan_number" json:"planNumber"`
	PlanType   PlanType   `db:"plan_type" json:"planType"`
	FiscalYear int        `db:"fiscal_year" json:"fiscalYear"`
	Department string     `db:"department" json:"department"`
	Categories StringList `db:"categories" json:"categories"`
	Objectives StringList `db:"objectives" json:"objectives"`

	Status  PlanStatus `db:"status" json:"status"`
	Version int        `db:"version" json:"version"`

	Budget   BudgetColumn   `db:"budget" json:"budget"`
	Workflow WorkflowColumn `db:"workflow" json:"approvalWorkflow"`

	Risks     RiskList `db:"risks" json:"risks"`
	RiskScore float64  `db:"risk_score" json:"riskScore"`
	RiskLevel string   `db:"risk_level" json:"riskLevel"`

	Compliance       ComplianceList `db:"compliance" json:"complianceDeclarations"`
	ComplianceStatus string         `db:"compliance_status" json:"complianceStatus"`

	PlanOwner    string     `db:"plan_owner" json:"planOwner"`
	Stakeholders StringList `db:"stakeholders" json:"stakeholders"`

	StartDate time.Time `db:"start_date" json:"startDate"`
	EndDate   time.Time `db:"end_date" json:"endDate"`

	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	CreatedBy   string     `db:"created_by" json:"createdBy"`
	SubmittedAt *time.Time `db:"submitted_at" json:"submittedAt,omitempty"`
	SubmittedBy *string    `db:"submitted_by" json:"submittedBy,omitempty"`
	ApprovedAt  *time.Time `db:"approved_at" json:"approvedAt,omitempty"`
	ApprovedBy  *string    `db:"approved_by" json:"approvedBy,omitempty"`
	ActivatedAt *time.Time `db:"activated_at" json:"activatedAt,omitempty"`
	ActivatedBy *string    `db:"activated_by" json:"activatedBy,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
	UpdatedBy   string     `db:"updated_by" json:"updatedBy"`
	DeletedAt   *time.Time `db:"deleted_at" json:"-"`
}

// Editable reports whether plan fields may still be changed directly.
func (p *Plan) Editable() bool {
	return p.Status == StatusDraft || p.Status == StatusReturnedForChanges
}

// CurrentLevel returns the approval level awaiting a decision, or nil when
// there is none.
func (p *Plan) CurrentLevel() *ApprovalLevel {
	wf := p.Workflow
	if wf.CurrentLevelIndex < 0 || wf.CurrentLevelIndex >= len(wf.RequiredLevels) {
		return nil
	}
	return &wf.RequiredLevels[wf.CurrentLevelIndex]
}

// Audit actions.
const (
	ActionCreate         = "create"
	ActionUpdate         = "update"
	ActionDelete         = "delete"
	ActionArchive        = "archive"
	ActionStatusChange   = "status_change"
	ActionSubmit         = "submit"
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ActionRequestChanges = "request_changes"
	ActionActivate       = "activate"
	ActionBulkUpdate     = "bulk_update"
	ActionBulkDelete     = "bulk_delete"
)

// FieldChange is one changed top-level field in an audit diff.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// AuditLogEntry is the immutable record of one state-changing operation.
// Rows are append-only; nothing in this codebase updates or deletes them.
type AuditLogEntry struct {
	ID         int64     `db:"id" json:"id"`
	EntityType string    `db:"entity_type" json:"entityType"`
	EntityID   string    `db:"entity_id" json:"entityId"`
	Action     string    `db:"action" json:"action"`
	ActorID    string    `db:"actor_id" json:"actorId"`
	ActorRole  string    `db:"actor_role" json:"actorRole"`
	OldState   Snapshot  `db:"old_state" json:"oldState,omitempty"`
	NewState   Snapshot  `db:"new_state" json:"newState,omitempty"`
	FieldDiff  FieldDiff `db:"field_diff" json:"fieldDiff,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ipAddress,omitempty"`
	RequestID  string    `db:"request_id" json:"requestId,omitempty"`
	SessionID  string    `db:"session_id" json:"sessionId,omitempty"`
	HTTPMethod string    `db:"http_method" json:"httpMethod,omitempty"`
	Path       string    `db:"path" json:"path,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"timestamp"`
}

// JSONB column types. Postgres hands jsonb back as []byte; everything below
// round-trips through encoding/json.

type StringList []string

func (l StringList) Value() (driver.Value, error) { return jsonValue(l) }
func (l *StringList) Scan(src any) error          { return jsonScan(src, l) }

type BudgetColumn Budget

func (b BudgetColumn) Value() (driver.Value, error) { return jsonValue(b) }
func (b *BudgetColumn) Scan(src any) error          { return jsonScan(src, b) }

type WorkflowColumn ApprovalWorkflow

func (w WorkflowColumn) Value() (driver.Value, error) { return jsonValue(w) }
func (w *WorkflowColumn) Scan(src any) error          { return jsonScan(src, w) }

type RiskList []Risk

func (l RiskList) Value() (driver.Value, error) { return jsonValue(l) }
func (l *RiskList) Scan(src any) error          { return jsonScan(src, l) }

type ComplianceList []ComplianceDeclaration

func (l ComplianceList) Value() (driver.Value, error) { return jsonValue(l) }
func (l *ComplianceList) Scan(src any) error          { return jsonScan(src, l) }

// Snapshot is a serialized top-level view of an entity at one instant.
type Snapshot map[string]any

func (s Snapshot) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return jsonValue(s)
}

func (s *Snapshot) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	return jsonScan(src, s)
}

type FieldDiff map[string]FieldChange

func (d FieldDiff) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return jsonValue(d)
}

func (d *FieldDiff) Scan(src any) error {
	if src == nil {
		*d = nil
		return nil
	}
	return jsonScan(src, d)
}

func jsonValue(v any) (driver.Value, error) {
	return json.Marshal(v)
}

func jsonScan(src, dst any) error {
	switch b := src.(type) {
	case []byte:
		return json.Unmarshal(b, dst)
	case string:
		return json.Unmarshal([]byte(b), dst)
	case nil:
		return nil
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}
