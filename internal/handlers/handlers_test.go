package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"plans/internal/apperr"
	"plans/internal/audit"
	"plans/internal/handlers"
	"plans/internal/handlers/testutils"
	"plans/internal/service"
	"plans/internal/workflow"
	"plans/models"
)

type memStore struct {
	plans map[string]*models.Plan
	seq   int64

	auditEntries []models.AuditLogEntry
}

func newMemStore() *memStore {
	return &memStore{plans: map[string]*models.Plan{}}
}

func (m *memStore) CreatePlan(ctx context.Context, p *models.Plan) error {
	cp := *p
	m.plans[p.ID] = &cp
	return nil
}

func (m *memStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	p, ok := m.plans[id]
	if !ok || p.DeletedAt != nil {
		return nil, apperr.NotFound("plan", id)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) UpdatePlan(ctx context.Context, p *models.Plan, expectedVersion int) error {
	existing, ok := m.plans[p.ID]
	if !ok {
		return apperr.NotFound("plan", p.ID)
	}
	if existing.Version != expectedVersion {
		return apperr.Conflict(expectedVersion, existing.Version)
	}
	cp := *p
	m.plans[p.ID] = &cp
	return nil
}

func (m *memStore) ListPlans(ctx context.Context, f service.ListFilter) ([]models.Plan, error) {
	out := []models.Plan{}
	for _, p := range m.plans {
		if p.DeletedAt != nil {
			continue
		}
		if f.Department != "" && p.Department != f.Department {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (m *memStore) NextPlanSequence(ctx context.Context) (int64, error) {
	m.seq++
	return m.seq, nil
}

func (m *memStore) AppendAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	e.ID = int64(len(m.auditEntries) + 1)
	m.auditEntries = append(m.auditEntries, *e)
	return nil
}

func (m *memStore) QueryAuditEntries(ctx context.Context, f audit.Filter) ([]models.AuditLogEntry, error) {
	out := []models.AuditLogEntry{}
	for _, e := range m.auditEntries {
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func newTestHandler(store *memStore) *handlers.Handler {
	registry := audit.NewRegistry().Register(service.EntityTypePlan, audit.PlanSnapshotter)
	recorder := audit.NewRecorder(store, registry, zerolog.Nop())
	engine := workflow.NewEngine(workflow.ApprovalPolicy{
		Default: []workflow.ThresholdBand{
			{Name: "department_head", Threshold: 0, Approvers: []string{"alice"}},
			{Name: "finance_director", Threshold: 50000, Approvers: []string{"frank"}},
		},
	})
	svc := service.New(store, engine, recorder, zerolog.Nop())
	return handlers.NewHandler(svc, zerolog.Nop())
}

var planner = service.Actor{ID: "owner", Role: "planner", Department: "ops"}

func createBody() map[string]any {
	return map[string]any{
		"planType":   "annual",
		"fiscalYear": 2026,
		"department": "ops",
		"objectives": []string{"replace fleet"},
		"budget": map[string]any{
			"totalAmount": 100000,
			"currency":    "EUR",
			"allocations": []map[string]any{
				{"category": "goods", "amount": 60000},
				{"category": "services", "amount": 40000},
			},
		},
		"complianceDeclarations": []map[string]any{
			{"regulation": "FAR-15", "declaration": "documented"},
		},
		"startDate": "2026-04-01T00:00:00Z",
		"endDate":   "2026-12-31T00:00:00Z",
	}
}

func doJSON(t *testing.T, h http.HandlerFunc, method, target string, actor service.Actor, body any, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req = handlers.WithActor(req, actor)
	if params != nil {
		req = testutils.WithChiURLParams(req, params)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func createPlan(t *testing.T, h *handlers.Handler) models.Plan {
	t.Helper()
	rec := doJSON(t, h.CreatePlanHandler, http.MethodPost, "/api/plans", planner, createBody(), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var p models.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestCreatePlanHandler(t *testing.T) {
	h := newTestHandler(newMemStore())

	p := createPlan(t, h)
	require.NotEmpty(t, p.ID)
	require.Equal(t, models.StatusDraft, p.Status)
	require.Equal(t, "ANN-2026-000001", p.PlanNumber)
	require.Equal(t, 1, p.Version)
}

func TestCreatePlanHandlerRejectsUnknownField(t *testing.T) {
	h := newTestHandler(newMemStore())

	body := createBody()
	body["unexpected"] = true
	rec := doJSON(t, h.CreatePlanHandler, http.MethodPost, "/api/plans", planner, body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var e struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	require.Equal(t, "validation_error", e.Code)
}

func TestCreatePlanHandlerBudgetMismatch(t *testing.T) {
	h := newTestHandler(newMemStore())

	body := createBody()
	body["budget"].(map[string]any)["totalAmount"] = 90000
	rec := doJSON(t, h.CreatePlanHandler, http.MethodPost, "/api/plans", planner, body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPlanHandler(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(store)
	p := createPlan(t, h)

	rec := doJSON(t, h.GetPlanHandler, http.MethodGet, "/api/plans/"+p.ID, planner, nil,
		map[string]string{"planId": p.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	var view struct {
		models.Plan
		ScheduleStatus string   `json:"scheduleStatus"`
		LegalActions   []string `json:"legalActions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, p.ID, view.ID)
	require.Contains(t, view.LegalActions, "submit")
}

func TestGetPlanHandlerNotFound(t *testing.T) {
	h := newTestHandler(newMemStore())

	rec := doJSON(t, h.GetPlanHandler, http.MethodGet, "/api/plans/missing", planner, nil,
		map[string]string{"planId": "missing"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPlanHandlerForeignDepartment(t *testing.T) {
	h := newTestHandler(newMemStore())
	p := createPlan(t, h)

	outsider := service.Actor{ID: "eve", Department: "hr"}
	rec := doJSON(t, h.GetPlanHandler, http.MethodGet, "/api/plans/"+p.ID, outsider, nil,
		map[string]string{"planId": p.ID})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUpdatePlanHandlerVersionConflict(t *testing.T) {
	h := newTestHandler(newMemStore())
	p := createPlan(t, h)

	rec := doJSON(t, h.UpdatePlanHandler, http.MethodPut, "/api/plans/"+p.ID, planner,
		map[string]any{"version": p.Version + 3, "planOwner": "bob"},
		map[string]string{"planId": p.ID})
	require.Equal(t, http.StatusConflict, rec.Code)

	var e struct {
		Code          string `json:"code"`
		ActualVersion int    `json:"actualVersion"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	require.Equal(t, "conflict", e.Code)
	require.Equal(t, p.Version, e.ActualVersion)
}

func TestUpdatePlanHandlerRequiresVersion(t *testing.T) {
	h := newTestHandler(newMemStore())
	p := createPlan(t, h)

	rec := doJSON(t, h.UpdatePlanHandler, http.MethodPut, "/api/plans/"+p.ID, planner,
		map[string]any{"planOwner": "bob"},
		map[string]string{"planId": p.ID})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAndApproveFlow(t *testing.T) {
	h := newTestHandler(newMemStore())
	p := createPlan(t, h)
	params := map[string]string{"planId": p.ID}

	rec := doJSON(t, h.SubmitPlanHandler, http.MethodPost, "/api/plans/"+p.ID+"/submit", planner, nil, params)
	require.Equal(t, http.StatusOK, rec.Code)

	var submitted models.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.Equal(t, models.StatusUnderReview, submitted.Status)
	require.Len(t, submitted.Workflow.RequiredLevels, 2)

	// Empty body defaults the decision to approve.
	alice := service.Actor{ID: "alice", Department: "ops"}
	rec = doJSON(t, h.ApprovePlanHandler, http.MethodPost, "/api/plans/"+p.ID+"/approve", alice, nil, params)
	require.Equal(t, http.StatusOK, rec.Code)

	frank := service.Actor{ID: "frank", Department: "finance"}
	rec = doJSON(t, h.ApprovePlanHandler, http.MethodPost, "/api/plans/"+p.ID+"/approve", frank, nil, params)
	require.Equal(t, http.StatusOK, rec.Code)

	var approved models.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	require.Equal(t, models.StatusApproved, approved.Status)
	require.Equal(t, approved.Budget.TotalAmount, approved.Budget.ApprovedAmount)
}

func TestApprovePlanHandlerUnauthorized(t *testing.T) {
	h := newTestHandler(newMemStore())
	p := createPlan(t, h)
	params := map[string]string{"planId": p.ID}

	rec := doJSON(t, h.SubmitPlanHandler, http.MethodPost, "/api/plans/"+p.ID+"/submit", planner, nil, params)
	require.Equal(t, http.StatusOK, rec.Code)

	mallory := service.Actor{ID: "mallory", Department: "ops"}
	rec = doJSON(t, h.ApprovePlanHandler, http.MethodPost, "/api/plans/"+p.ID+"/approve", mallory,
		map[string]any{"decision": "approve"}, params)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApprovePlanHandlerRejectDecision(t *testing.T) {
	h := newTestHandler(newMemStore())
	p := createPlan(t, h)
	params := map[string]string{"planId": p.ID}

	rec := doJSON(t, h.SubmitPlanHandler, http.MethodPost, "/api/plans/"+p.ID+"/submit", planner, nil, params)
	require.Equal(t, http.StatusOK, rec.Code)

	alice := service.Actor{ID: "alice", Department: "ops"}
	rec = doJSON(t, h.ApprovePlanHandler, http.MethodPost, "/api/plans/"+p.ID+"/approve", alice,
		map[string]any{"decision": "reject", "comments": "over budget"}, params)
	require.Equal(t, http.StatusOK, rec.Code)

	var rejected models.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejected))
	require.Equal(t, models.StatusRejected, rejected.Status)
}

func TestApprovePlanHandlerChunkedBodyIsDecoded(t *testing.T) {
	h := newTestHandler(newMemStore())
	p := createPlan(t, h)
	params := map[string]string{"planId": p.ID}

	rec := doJSON(t, h.SubmitPlanHandler, http.MethodPost, "/api/plans/"+p.ID+"/submit", planner, nil, params)
	require.Equal(t, http.StatusOK, rec.Code)

	// A chunked request carries no Content-Length; the reject must still be
	// read, not silently replaced by the default approve.
	body := io.MultiReader(bytes.NewBufferString(`{"decision":"reject","comments":"over budget"}`))
	req := httptest.NewRequest(http.MethodPost, "/api/plans/"+p.ID+"/approve", body)
	require.Equal(t, int64(-1), req.ContentLength)
	req = handlers.WithActor(req, service.Actor{ID: "alice", Department: "ops"})
	req = testutils.WithChiURLParams(req, params)

	rec = httptest.NewRecorder()
	h.ApprovePlanHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rejected models.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejected))
	require.Equal(t, models.StatusRejected, rejected.Status)
	require.Equal(t, "reject", rejected.Workflow.History[0].Decision)
}

func TestSubmitPlanHandlerWorkflowViolation(t *testing.T) {
	h := newTestHandler(newMemStore())
	p := createPlan(t, h)
	params := map[string]string{"planId": p.ID}

	rec := doJSON(t, h.SubmitPlanHandler, http.MethodPost, "/api/plans/"+p.ID+"/submit", planner, nil, params)
	require.Equal(t, http.StatusOK, rec.Code)

	// Submitting again from under_review is rejected with the legal actions.
	rec = doJSON(t, h.SubmitPlanHandler, http.MethodPost, "/api/plans/"+p.ID+"/submit", planner, nil, params)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var e struct {
		Code          string   `json:"code"`
		CurrentStatus string   `json:"currentStatus"`
		LegalActions  []string `json:"legalActions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	require.Equal(t, "workflow_violation", e.Code)
	require.Equal(t, "under_review", e.CurrentStatus)
	require.NotContains(t, e.LegalActions, "submit")
}

func TestDeletePlanHandlerSoftDeletesDraft(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(store)
	p := createPlan(t, h)
	params := map[string]string{"planId": p.ID}

	rec := doJSON(t, h.DeletePlanHandler, http.MethodDelete, "/api/plans/"+p.ID, planner, nil, params)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h.GetPlanHandler, http.MethodGet, "/api/plans/"+p.ID, planner, nil, params)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAuditTrailHandler(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(store)
	p := createPlan(t, h)

	rec := doJSON(t, h.GetAuditTrailHandler, http.MethodGet,
		"/api/audit?entityType=plan&entityId="+p.ID, planner, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []models.AuditLogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, models.ActionCreate, entries[0].Action)
}

func TestGetAuditTrailHandlerBadDate(t *testing.T) {
	h := newTestHandler(newMemStore())

	rec := doJSON(t, h.GetAuditTrailHandler, http.MethodGet,
		"/api/audit?from=yesterday", planner, nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActorMiddleware(t *testing.T) {
	var got service.Actor
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = handlers.ActorFromRequest(r)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/plans", nil)
	req.Header.Set("X-Actor-Id", "alice")
	req.Header.Set("X-Actor-Role", "approver")
	req.Header.Set("X-Actor-Department", "ops")
	req.Header.Set("X-Actor-Permissions", "plans:read_any, plans:approve_any")
	rec := httptest.NewRecorder()
	handlers.ActorMiddleware(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", got.ID)
	require.Equal(t, "ops", got.Department)
	require.Equal(t, []string{"plans:read_any", "plans:approve_any"}, got.Permissions)
}

func TestActorMiddlewareMissingIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/plans", nil)
	rec := httptest.NewRecorder()
	handlers.ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	})).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
