package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"plans/internal/apperr"
	"plans/internal/service"
	"plans/internal/workflow"
	"plans/models"
)

// CreatePlanHandler handles POST /api/plans.
func (h *Handler) CreatePlanHandler(w http.ResponseWriter, r *http.Request) {
	var in service.CreateInput
	if err := decodeBody(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	plan, err := h.Svc.Create(r.Context(), actorFrom(r), in, requestContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

// ListPlansHandler handles GET /api/plans with filters and pagination.
func (h *Handler) ListPlansHandler(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	q := r.URL.Query()

	filter := service.ListFilter{
		Department: q.Get("department"),
		Status:     models.PlanStatus(q.Get("status")),
		PlanType:   models.PlanType(q.Get("planType")),
		Limit:      params.Limit,
		Offset:     params.Offset,
	}
	if fy := q.Get("fiscalYear"); fy != "" {
		year, err := strconv.Atoi(fy)
		if err != nil {
			h.writeError(w, r, apperr.Validation("fiscalYear must be a number"))
			return
		}
		filter.FiscalYear = year
	}

	out, err := h.Svc.List(r.Context(), actorFrom(r), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPlanHandler handles GET /api/plans/{planId}.
func (h *Handler) GetPlanHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.Svc.Get(r.Context(), actorFrom(r), chi.URLParam(r, "planId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdatePlanHandler handles PUT /api/plans/{planId}. The body must carry the
// version the client last observed.
func (h *Handler) UpdatePlanHandler(w http.ResponseWriter, r *http.Request) {
	var in service.UpdateInput
	if err := decodeBody(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	if in.Version <= 0 {
		h.writeError(w, r, apperr.Validation("version is required", "version"))
		return
	}

	plan, err := h.Svc.Update(r.Context(), actorFrom(r), chi.URLParam(r, "planId"), in, requestContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// SubmitPlanHandler handles POST /api/plans/{planId}/submit.
func (h *Handler) SubmitPlanHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Svc.Submit(r.Context(), actorFrom(r), chi.URLParam(r, "planId"), requestContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type approveRequest struct {
	Decision string `json:"decision"`
	Comments string `json:"comments"`
}

// ApprovePlanHandler handles POST /api/plans/{planId}/approve. The decision
// defaults to approve; reject and request_changes resolve the review
// instead of advancing it. An absent body keeps the default; a present body
// is always decoded, whatever the transfer encoding.
func (h *Handler) ApprovePlanHandler(w http.ResponseWriter, r *http.Request) {
	req := approveRequest{Decision: workflow.ActionApprove}
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, err)
		return
	}

	plan, err := h.Svc.Approve(r.Context(), actorFrom(r), chi.URLParam(r, "planId"),
		workflow.Decision{Action: req.Decision, Comments: req.Comments}, requestContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ActivatePlanHandler handles POST /api/plans/{planId}/activate.
func (h *Handler) ActivatePlanHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Svc.Activate(r.Context(), actorFrom(r), chi.URLParam(r, "planId"), requestContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// CompletePlanHandler handles POST /api/plans/{planId}/complete.
func (h *Handler) CompletePlanHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Svc.Complete(r.Context(), actorFrom(r), chi.URLParam(r, "planId"), requestContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// TerminatePlanHandler handles POST /api/plans/{planId}/terminate.
func (h *Handler) TerminatePlanHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Svc.Terminate(r.Context(), actorFrom(r), chi.URLParam(r, "planId"), requestContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// CancelPlanHandler handles POST /api/plans/{planId}/cancel.
func (h *Handler) CancelPlanHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Svc.Cancel(r.Context(), actorFrom(r), chi.URLParam(r, "planId"), requestContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// DeletePlanHandler handles DELETE /api/plans/{planId}: soft delete from
// draft/rejected, archive from approved/active/completed.
func (h *Handler) DeletePlanHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Svc.Remove(r.Context(), actorFrom(r), chi.URLParam(r, "planId"), requestContext(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}
