package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"plans/internal/apperr"
	"plans/internal/audit"
	"plans/internal/service"
)

// Handler wraps the plan service for the REST surface.
type Handler struct {
	Svc *service.Service
	Log zerolog.Logger
}

func NewHandler(svc *service.Service, log zerolog.Logger) *Handler {
	return &Handler{Svc: svc, Log: log}
}

func (h *Handler) PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type actorCtxKey struct{}

// ActorMiddleware resolves the acting identity from reverse-proxy headers.
// Token verification happens upstream; these headers are trusted input.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Actor-Id")
		if id == "" {
			http.Error(w, "missing actor identity", http.StatusUnauthorized)
			return
		}
		actor := service.Actor{
			ID:         id,
			Role:       r.Header.Get("X-Actor-Role"),
			Department: r.Header.Get("X-Actor-Department"),
		}
		if perms := r.Header.Get("X-Actor-Permissions"); perms != "" {
			for _, p := range strings.Split(perms, ",") {
				if p = strings.TrimSpace(p); p != "" {
					actor.Permissions = append(actor.Permissions, p)
				}
			}
		}
		ctx := context.WithValue(r.Context(), actorCtxKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithActor attaches an actor to a request context. Exported for tests.
func WithActor(r *http.Request, actor service.Actor) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), actorCtxKey{}, actor))
}

// ActorFromRequest returns the actor resolved by ActorMiddleware, or the zero
// actor when none is attached.
func ActorFromRequest(r *http.Request) service.Actor {
	actor, _ := r.Context().Value(actorCtxKey{}).(service.Actor)
	return actor
}

func actorFrom(r *http.Request) service.Actor {
	return ActorFromRequest(r)
}

// requestContext collects the transport metadata recorded with every audit
// entry.
func requestContext(r *http.Request) audit.RequestContext {
	return audit.RequestContext{
		IPAddress:  r.RemoteAddr,
		RequestID:  middleware.GetReqID(r.Context()),
		SessionID:  r.Header.Get("X-Session-Id"),
		HTTPMethod: r.Method,
		Path:       r.URL.Path,
	}
}

type PaginationParams struct {
	Limit  int
	Offset int
}

func parsePaginationParams(r *http.Request) PaginationParams {
	params := PaginationParams{Limit: 20, Offset: 0}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			params.Limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			params.Offset = o
		}
	}
	return params
}

// decodeBody reads a typed request body, rejecting unknown fields so the
// core never sees an untyped payload.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1048576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(err, apperr.CodeValidation, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform rejection shape. A rejected transition always
// includes the current status, the attempted action and the actor's legal
// next actions so the caller can recover without guessing.
type errorBody struct {
	Code            apperr.Code `json:"code"`
	Message         string      `json:"message"`
	CurrentStatus   string      `json:"currentStatus,omitempty"`
	Action          string      `json:"action,omitempty"`
	LegalActions    []string    `json:"legalActions,omitempty"`
	MissingFields   []string    `json:"missingFields,omitempty"`
	ExpectedVersion int         `json:"expectedVersion,omitempty"`
	ActualVersion   int         `json:"actualVersion,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.AsError(err)
	if e == nil {
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("unclassified error")
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code: apperr.CodeInternal, Message: "internal error",
		})
		return
	}

	status := apperr.HTTPStatus(e.Code)
	if status >= 500 {
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorBody{
		Code:            e.Code,
		Message:         e.Message,
		CurrentStatus:   e.CurrentStatus,
		Action:          e.Action,
		LegalActions:    e.LegalActions,
		MissingFields:   e.MissingFields,
		ExpectedVersion: e.ExpectedVersion,
		ActualVersion:   e.ActualVersion,
	})
}
