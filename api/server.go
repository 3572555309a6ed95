/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. AccessLog:  zap request log
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend
  /api only:
  6. Identity:   TokenAuth or HeaderAuth
  7. RateLimit:  Per actor, when configured
  8. Idempotency on submit, when Redis is configured

ROUTE GROUPS:
  /healthz               Liveness plus storage ping
  /api/leave-types       Reference data
  /api/leave-requests/*  Submit, edit, review, cancel, history
  /api/employees/*       Balances
  /api/admin/*           HR/admin reference data maintenance

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Identity, rate limit, access log
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
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/garrison/leave-engine/leave"
)

// RouterConfig selects the optional middleware. Identity is required.
type RouterConfig struct {
	AllowOrigins []string
	Identity     func(http.Handler) http.Handler
	RateLimit    float64 // requests per second per actor; 0 disables
	RateBurst    int
	Idempotency  *Idempotency
	Pinger       interface{ Ping(context.Context) error }
	Logger       *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	identity := cfg.Identity
	if identity == nil {
		identity = HeaderAuth
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderIdempotencyKey, HeaderUserID, HeaderUserRole, HeaderDepartment},
		ExposedHeaders:   []string{HeaderReplay},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Pinger.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(identity)
		if cfg.RateLimit > 0 {
			burst := cfg.RateBurst
			if burst <= 0 {
				burst = 1
			}
			r.Use(NewActorRateLimiter(rate.Limit(cfg.RateLimit), burst).Middleware)
		}

		r.Get("/leave-types", h.ListLeaveTypes)

		r.Route("/leave-requests", func(r chi.Router) {
			submit := http.Handler(http.HandlerFunc(h.SubmitLeave))
			if cfg.Idempotency != nil {
				submit = cfg.Idempotency.Middleware(submit)
			}
			r.Method(http.MethodPost, "/", submit)
			r.Get("/", h.ListLeave)
			r.Get("/{id}", h.GetLeave)
			r.Put("/{id}", h.AmendLeave)
			r.Put("/{id}/evidence", h.AttachEvidence)
			r.Get("/{id}/audit", h.LeaveAudit)
			r.Post("/{id}/approve", h.ApproveLeave)
			r.Post("/{id}/reject", h.RejectLeave)
			r.Post("/{id}/cancel", h.CancelLeave)
		})

		r.Route("/employees/{id}", func(r chi.Router) {
			r.Get("/balances", h.ListBalances)
			r.Get("/balances/{type}", h.GetBalance)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(leave.RoleHR, leave.RoleAdmin))
			r.Post("/leave-types", h.SaveLeaveType)
			r.Get("/employees", h.ListEmployees)
			r.Post("/employees", h.SaveEmployee)
			r.Put("/balances", h.AllocateBalance)
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		})
	})

	return r
}
