package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"plans/internal/apperr"
	"plans/internal/audit"
	"plans/internal/service"
	"plans/models"
)

// queryTimeout bounds every single statement. A statement that cannot finish
// in time surfaces as storage_unavailable, never as a hang.
const queryTimeout = 5 * time.Second

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}

// classify maps driver errors onto the service taxonomy. Timeouts and
// connection-class failures are retryable; everything else is internal.
func classify(err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.StorageUnavailable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.StorageUnavailable(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && strings.HasPrefix(string(pqErr.Code), "08") {
		return apperr.StorageUnavailable(err)
	}
	return apperr.Wrap(err, apperr.CodeInternal, msg)
}

const planColumns = `
	id, plan_number, plan_type, fiscal_year, department, categories, objectives,
	status, version, budget, workflow,
	risks, risk_score, risk_level, compliance, compliance_status,
	plan_owner, stakeholders, start_date, end_date,
	created_at, created_by, submitted_at, submitted_by,
	approved_at, approved_by, activated_at, activated_by,
	updated_at, updated_by, deleted_at`

func (s *Storage) CreatePlan(ctx context.Context, p *models.Plan) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query := `
        INSERT INTO plans (` + planColumns + `)
        VALUES
            (:id, :plan_number, :plan_type, :fiscal_year, :department, :categories, :objectives,
             :status, :version, :budget, :workflow,
             :risks, :risk_score, :risk_level, :compliance, :compliance_status,
             :plan_owner, :stakeholders, :start_date, :end_date,
             :created_at, :created_by, :submitted_at, :submitted_by,
             :approved_at, :approved_by, :activated_at, :activated_by,
             :updated_at, :updated_by, :deleted_at)`
	if _, err := s.db.NamedExecContext(ctx, query, p); err != nil {
		return classify(err, "create plan")
	}
	return nil
}

func (s *Storage) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	p := &models.Plan{}
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1 AND deleted_at IS NULL`
	if err := s.db.GetContext(ctx, p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("plan", id)
		}
		return nil, classify(err, "get plan")
	}
	return p, nil
}

// UpdatePlan persists the plan only while its stored version still equals
// expectedVersion. A lost race surfaces as a conflict with the winner's
// version; the caller's changes are never merged.
func (s *Storage) UpdatePlan(ctx context.Context, p *models.Plan, expectedVersion int) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query := `
        UPDATE plans SET
            categories = :categories, objectives = :objectives,
            status = :status, version = :version,
            budget = :budget, workflow = :workflow,
            risks = :risks, risk_score = :risk_score, risk_level = :risk_level,
            compliance = :compliance, compliance_status = :compliance_status,
            plan_owner = :plan_owner, stakeholders = :stakeholders,
            start_date = :start_date, end_date = :end_date,
            submitted_at = :submitted_at, submitted_by = :submitted_by,
            approved_at = :approved_at, approved_by = :approved_by,
            activated_at = :activated_at, activated_by = :activated_by,
            updated_at = :updated_at, updated_by = :updated_by,
            deleted_at = :deleted_at
        WHERE id = :id AND version = :expected_version AND deleted_at IS NULL`

	arg := struct {
		*models.Plan
		ExpectedVersion int `db:"expected_version"`
	}{Plan: p, ExpectedVersion: expectedVersion}

	res, err := s.db.NamedExecContext(ctx, query, arg)
	if err != nil {
		return classify(err, "update plan")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, "update plan")
	}
	if n > 0 {
		return nil
	}

	var actual int
	err = s.db.GetContext(ctx, &actual,
		`SELECT version FROM plans WHERE id = $1 AND deleted_at IS NULL`, p.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("plan", p.ID)
	}
	if err != nil {
		return classify(err, "update plan")
	}
	return apperr.Conflict(expectedVersion, actual)
}

func (s *Storage) ListPlans(ctx context.Context, f service.ListFilter) ([]models.Plan, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query := `SELECT ` + planColumns + ` FROM plans WHERE deleted_at IS NULL`
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.Department != "" {
		add("department", f.Department)
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.PlanType != "" {
		add("plan_type", f.PlanType)
	}
	if f.FiscalYear > 0 {
		add("fiscal_year", f.FiscalYear)
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, f.Offset)

	out := []models.Plan{}
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, classify(err, "list plans")
	}
	return out, nil
}

func (s *Storage) NextPlanSequence(ctx context.Context) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var seq int64
	if err := s.db.GetContext(ctx, &seq, `SELECT nextval('plan_number_seq')`); err != nil {
		return 0, classify(err, "next plan sequence")
	}
	return seq, nil
}

// AppendAuditEntry inserts one audit row. The table carries no update or
// delete path anywhere in this codebase; the serial id is the ordering of
// record.
func (s *Storage) AppendAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query := `
        INSERT INTO audit_log
            (entity_type, entity_id, action, actor_id, actor_role,
             old_state, new_state, field_diff,
             ip_address, request_id, session_id, http_method, path)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        RETURNING id, created_at`
	err := s.db.QueryRowContext(ctx, query,
		e.EntityType, e.EntityID, e.Action, e.ActorID, e.ActorRole,
		e.OldState, e.NewState, e.FieldDiff,
		e.IPAddress, e.RequestID, e.SessionID, e.HTTPMethod, e.Path).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return classify(err, "append audit entry")
	}
	return nil
}

func (s *Storage) QueryAuditEntries(ctx context.Context, f audit.Filter) ([]models.AuditLogEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query := `
        SELECT id, entity_type, entity_id, action, actor_id, actor_role,
               old_state, new_state, field_diff,
               ip_address, request_id, session_id, http_method, path, created_at
        FROM audit_log WHERE 1=1`
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if f.EntityType != "" {
		add("entity_type =", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id =", f.EntityID)
	}
	if !f.From.IsZero() {
		add("created_at >=", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <=", f.To)
	}
	query += " ORDER BY id ASC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, f.Offset)

	out := []models.AuditLogEntry{}
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, classify(err, "query audit entries")
	}
	return out, nil
}
