package handlers

import (
	"net/http"
	"time"

	"plans/internal/apperr"
	"plans/internal/audit"
)

// GetAuditTrailHandler handles GET /api/audit. The trail is read-only; the
// only filters are entityType, entityId and a date range.
func (h *Handler) GetAuditTrailHandler(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	q := r.URL.Query()

	filter := audit.Filter{
		EntityType: q.Get("entityType"),
		EntityID:   q.Get("entityId"),
		Limit:      params.Limit,
		Offset:     params.Offset,
	}

	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			h.writeError(w, r, apperr.Validation("from must be RFC 3339"))
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			h.writeError(w, r, apperr.Validation("to must be RFC 3339"))
			return
		}
		filter.To = t
	}

	entries, err := h.Svc.AuditTrail(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
