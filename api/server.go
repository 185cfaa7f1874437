/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Access log through logrus
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters and latency
  5. CORS:       Cross-origin requests for frontend
  Authenticated routes add the bearer-token middleware, and settlement and
  configuration routes add role checks.

ROUTE GROUPS:
  /healthz              Liveness and store reachability
  /metrics              Prometheus scrape endpoint
  /api/auth/*           Token issuance (public)
  /api/requests/*       Approval workflow
  /api/users/*          Quota, warnings, resolved workflow
  /api/settlement/*     Overtime verification and ledger
  /api/config/*         Workflow, warning, category and user configuration

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/metrics"
)

// RouterOptions tune the router.
type RouterOptions struct {
	AllowedOrigins []string
	// Health reports whether the store is reachable. Nil means always healthy.
	Health func(ctx context.Context) error
	// AccessLog receives access log lines. Nil disables them.
	AccessLog *logrus.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if opts.AccessLog != nil {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: opts.AccessLog, NoColor: true}))
	}
	r.Use(middleware.Recoverer)
	r.Use(recordMetrics)
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", healthHandler(opts.Health))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/token", h.IssueToken)

		r.Group(func(r chi.Router) {
			r.Use(h.Auth.Middleware)

			// Request workflow routes
			r.Route("/requests", func(r chi.Router) {
				r.Get("/", h.ListRequests)
				r.Post("/", h.CreateRequest)
				r.Get("/pending", h.PendingApprovals)
				r.Post("/batch", h.Batch)
				r.Get("/{id}", h.GetRequest)
				r.Put("/{id}", h.EditRequest)
				r.Post("/{id}/submit", h.SubmitDraft)
				r.Post("/{id}/approve", h.Approve)
				r.Post("/{id}/reject", h.Reject)
				r.Post("/{id}/withdraw", h.Withdraw)
				r.Post("/{id}/cancel", h.ApplyCancellation)
				r.Post("/{id}/cancel/abort", h.AbortCancellation)
			})

			// Per-user views
			r.Route("/users/{id}", func(r chi.Router) {
				r.Get("/quota", h.GetQuota)
				r.Get("/warnings", h.GetWarnings)
				r.Get("/workflow", h.GetWorkflow)
			})

			// Ledger routes
			r.Route("/settlement", func(r chi.Router) {
				r.Use(RequireAccess(leave.CanSettle))
				r.Get("/records", h.ListSettlementRecords)
				r.Get("/checks", h.ListOvertimeChecks)
				r.Post("/verify", h.VerifyOvertime)
				r.Post("/reconcile", h.Reconcile)
				r.Post("/manual", h.ManualSettle)
			})

			// Configuration routes
			r.Route("/config", func(r chi.Router) {
				r.Get("/leave-categories", h.ListLeaveCategories)

				r.Group(func(r chi.Router) {
					r.Use(RequireAccess(leave.CanAdminister))
					r.Put("/leave-categories/{id}", h.SaveLeaveCategory)
					r.Get("/workflow-groups", h.ListWorkflowGroups)
					r.Put("/workflow-groups/{id}", h.SaveWorkflowGroup)
					r.Get("/warning-rules", h.ListWarningRules)
					r.Put("/warning-rules/{id}", h.SaveWarningRule)
					r.Get("/users", h.ListUsers)
					r.Put("/users/{id}", h.SyncUser)
				})
			})
		})
	})

	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// recordMetrics records request count and latency by route pattern.
func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordAPIRequest(r.Method, path, status, time.Since(start))
	})
}
