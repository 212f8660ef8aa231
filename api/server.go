/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     zerolog request logging (method, path, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests, origins from configuration

ROUTE GROUPS:
  /api/org/*                 Organization tree
  /api/fiscal-years/*        Fiscal years and their periods
  /api/periods/*             Period lifecycle
  /api/budgets/*             Budget ledger
  /api/processes/*           Approval process definitions
  /api/documents/*           Document submission and status
  /api/hops/*                Approver decisions
  /api/tasks/*               Task queue
  /api/workflow-approvals/*  Generic approvals
  /api/scenarios/*           Demo data

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Organization routes
		r.Route("/org", func(r chi.Router) {
			r.Post("/users", h.SaveUser)
			r.Post("/designations", h.SaveDesignation)
			r.Post("/departments", h.SaveDepartment)
			r.Post("/cost-centers", h.SaveCostCenter)
			r.Post("/sub-cost-centers", h.SaveSubCostCenter)
		})

		// Fiscal calendar routes
		r.Route("/fiscal-years", func(r chi.Router) {
			r.Post("/", h.CreateFiscalYear)
			r.Get("/{id}/periods", h.ListPeriods)
			r.Post("/{id}/periods", h.OpenPeriod)
		})
		r.Route("/periods/{id}", func(r chi.Router) {
			r.Post("/transition", h.TransitionPeriod)
			r.Post("/reopen", h.ReopenPeriod)
			r.Post("/close-upto", h.CloseTransactionsUpTo)
			r.Delete("/", h.DeletePeriod)
			r.Get("/budgets", h.ListPeriodBudgets)
		})

		// Budget routes
		r.Route("/budgets", func(r chi.Router) {
			r.Post("/", h.CreateBudget)
			r.Get("/{id}", h.GetBudget)
			r.Delete("/{id}", h.DeleteBudget)
			r.Put("/{id}/key", h.UpdateBudgetKey)
			r.Post("/{id}/{op}", h.MutateBudget)
		})
		r.Get("/usage", h.GetUsage)

		// Process routes
		r.Get("/policies", h.ListPolicies)
		r.Route("/processes", func(r chi.Router) {
			r.Post("/", h.CreateProcess)
			r.Get("/{id}", h.GetProcess)
		})

		// Approval chain routes
		r.Route("/documents", func(r chi.Router) {
			r.Post("/submit", h.SubmitDocument)
			r.Get("/{kind}/{id}", h.GetDocumentStatus)
			r.Get("/{kind}/{id}/hops", h.GetDocumentHops)
		})
		r.Post("/hops/{id}/act", h.ActOnHop)

		// Task routes
		r.Get("/users/{id}/tasks", h.ListUserTasks)
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/overdue", h.ListOverdueTasks)
			r.Post("/escalate", h.EscalateTasks)
			r.Post("/{id}/close", h.CloseTask)
		})

		// Workflow approval routes
		r.Route("/workflow-approvals", func(r chi.Router) {
			r.Post("/", h.CreateWorkflow)
			r.Get("/{id}", h.GetWorkflow)
			r.Post("/{id}/decide", h.DecideWorkflow)
			r.Get("/{id}/history", h.GetWorkflowHistory)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request once the response is written.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				ev := log.Info()
				if ww.Status() >= http.StatusInternalServerError {
					ev = log.Error()
				}
				ev.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
