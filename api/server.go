/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Structured request logging (logrus)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the review frontend

ROUTE GROUPS:
  /api/health             Liveness and store check
  /api/budgets/*          Approved budgets and their allocations
  /api/allocations/*      Allocation summary, deletion, journal, realignment
  /api/requests/*         PRE / PR / AD workflow
  /api/line-items/*       Line item realignment
  /api/fiscal-years/*     Fiscal year archive cascade
  /api/records/*          Single record archive
  /api/reconciliation/*   recalculate_and_fix
  /api/audit              Audit log
  /api/scenarios/*        Demo scenarios (dev only)

SECURITY NOTE:
  No authentication middleware. All endpoints are public; deploy behind
  the institution's gateway.

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
	"github.com/sirupsen/logrus"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string
	Logger      logrus.FieldLogger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = h.log
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/budgets", func(r chi.Router) {
			r.Get("/", h.ListBudgets)
			r.Post("/", h.CreateBudget)
			r.Get("/{id}", h.GetBudget)
			r.Get("/{id}/allocations", h.ListAllocations)
			r.Post("/{id}/allocations", h.Allocate)
		})

		r.Route("/allocations", func(r chi.Router) {
			r.Post("/realign", h.RealignAllocations)
			r.Get("/{id}", h.GetAllocation)
			r.Delete("/{id}", h.DeleteAllocation)
			r.Get("/{id}/entries", h.ListAllocationEntries)
		})

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/", h.SubmitRequest)
			r.Get("/{id}", h.GetRequest)
			r.Delete("/{id}", h.DeleteRequest)
			r.Post("/{id}/submit", h.ResubmitRequest)
			r.Post("/{id}/admin-decision", h.AdminDecision)
			r.Post("/{id}/officer-decision", h.OfficerDecision)
			r.Get("/{id}/line-items", h.GetRequestLineItems)
		})

		r.Post("/line-items/realign", h.RealignLineItems)

		r.Route("/fiscal-years/{year}", func(r chi.Router) {
			r.Post("/archive", h.ArchiveFiscalYear)
			r.Post("/unarchive", h.UnarchiveFiscalYear)
		})

		r.Route("/records", func(r chi.Router) {
			r.Post("/archive", h.ArchiveRecord)
			r.Post("/unarchive", h.UnarchiveRecord)
		})

		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", h.RunReconciliation)
			r.Get("/last", h.LastReconciliation)
		})

		r.Get("/audit", h.QueryAudit)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := log.WithFields(logrus.Fields{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      ww.Status(),
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
					"request_id":  middleware.GetReqID(r.Context()),
					"remote_addr": r.RemoteAddr,
				})
				if ww.Status() >= http.StatusInternalServerError {
					entry.Warn("request failed")
					return
				}
				entry.Debug("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
