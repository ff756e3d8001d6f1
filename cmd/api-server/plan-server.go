package main

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"plans/db"
	"plans/db/migrations"
	"plans/internal/audit"
	"plans/internal/handlers"
	"plans/internal/service"
	"plans/internal/workflow"
)

// defaultPolicy applies when APPROVAL_POLICY_PATH is not set: one base band
// for everything, a second sign-off at 50k.
var defaultPolicy = workflow.ApprovalPolicy{
	Default: []workflow.ThresholdBand{
		{Name: "department_head", Threshold: 0, Approvers: []string{"dept-head"}},
		{Name: "finance_director", Threshold: 50000, Approvers: []string{"fin-director"}},
	},
}

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "plans").Logger()

	connString := os.Getenv("POSTGRES_CONN")
	if connString == "" {
		log.Fatal().Msg("POSTGRES_CONN env variable is not set")
	}

	dbConn, err := sqlx.Connect("postgres", connString)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot connect to db")
	}
	defer dbConn.Close()

	migrations.Run(log)

	policy := defaultPolicy
	if path := os.Getenv("APPROVAL_POLICY_PATH"); path != "" {
		policy, err = workflow.LoadPolicy(path)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid approval policy")
		}
	} else if err := policy.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid default approval policy")
	}

	store := db.NewStorage(dbConn)
	registry := audit.NewRegistry().Register(service.EntityTypePlan, audit.PlanSnapshotter)
	recorder := audit.NewRecorder(store, registry, log)
	engine := workflow.NewEngine(policy)
	svc := service.New(store, engine, recorder, log)
	h := handlers.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", h.PingHandler)

		r.Group(func(r chi.Router) {
			r.Use(handlers.ActorMiddleware)

			r.Post("/plans", h.CreatePlanHandler)
			r.Get("/plans", h.ListPlansHandler)
			r.Get("/plans/{planId}", h.GetPlanHandler)
			r.Put("/plans/{planId}", h.UpdatePlanHandler)
			r.Post("/plans/{planId}/submit", h.SubmitPlanHandler)
			r.Post("/plans/{planId}/approve", h.ApprovePlanHandler)
			r.Post("/plans/{planId}/activate", h.ActivatePlanHandler)
			r.Post("/plans/{planId}/complete", h.CompletePlanHandler)
			r.Post("/plans/{planId}/terminate", h.TerminatePlanHandler)
			r.Post("/plans/{planId}/cancel", h.CancelPlanHandler)
			r.Delete("/plans/{planId}", h.DeletePlanHandler)

			r.Get("/audit", h.GetAuditTrailHandler)
		})
	})

	serverAddr := os.Getenv("SERVER_ADDRESS")
	if serverAddr == "" {
		serverAddr = "0.0.0.0:8080"
	}

	log.Info().Str("addr", serverAddr).Msg("starting server")
	if err := http.ListenAndServe(serverAddr, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
