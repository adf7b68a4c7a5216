// Package handlers exposes the host over HTTP.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"McpHost/internal/host"
	"McpHost/internal/models"
)

// Host is the set of operations the control surface serves.
type Host interface {
	Call(ctx context.Context, in host.CallInput) models.ToolCallResponse
	Resolve(ctx context.Context, id string, action models.ApprovalAction, actor string) (models.ToolCallResponse, error)
	DryRun(in host.CallInput) models.PermissionDecision
	PendingApprovals() []models.ApprovalTicket
	Ticket(id string) (models.ApprovalTicket, error)
	Status() host.StatusReport
	Servers() []models.ServerStatus
	Tools() []models.ToolInfo
	SetServerEnabled(ctx context.Context, id string, enabled bool) (models.ServerStatus, error)
	RestartServer(ctx context.Context, id string) (models.ServerStatus, error)
}

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// API holds routing state for the control surface.
type API struct {
	host       Host
	auth       Middleware
	limiter    *KeyedLimiter
	logger     zerolog.Logger
	trustProxy bool
	started    time.Time
	now        func() time.Time
}

// APIOption configures an API.
type APIOption func(*API)

// WithTrustedProxy takes the client address from proxy headers.
func WithTrustedProxy(trust bool) APIOption {
	return func(a *API) { a.trustProxy = trust }
}

// NewAPI creates the control surface. auth and limiter may be nil.
func NewAPI(h Host, auth Middleware, limiter *KeyedLimiter, logger zerolog.Logger, opts ...APIOption) *API {
	a := &API{
		host:    h,
		auth:    auth,
		limiter: limiter,
		logger:  logger.With().Str("component", "http").Logger(),
		started: time.Now(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router builds the HTTP router.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if a.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(a.logger))
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", a.handleHealth)

	r.Route("/api", func(r chi.Router) {
		if a.auth != nil {
			r.Use(a.auth)
		}
		if a.limiter != nil {
			r.Use(a.limiter.Middleware)
		}

		r.Get("/status", a.handleStatus)

		r.Get("/tools", a.handleListTools)
		r.Post("/tools/call", a.handleCallTool)

		r.Get("/approvals", a.handleListApprovals)
		r.Post("/approvals", a.handleResolveApproval)
		r.Get("/approvals/{id}", a.handleGetApproval)
		r.Post("/approvals/{id}", a.handleResolveApproval)

		r.Get("/servers", a.handleListServers)
		r.Post("/servers/{id}/toggle", a.handleToggleServer)
		r.Put("/servers/{id}", a.handleToggleServer)
		r.Post("/servers/{id}/restart", a.handleRestartServer)

		r.Post("/permissions/check", a.handlePermissionCheck)
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			event := logger.Debug()
			if ww.Status() >= http.StatusInternalServerError {
				event = logger.Warn()
			}
			event.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(started)).
				Msg("http request")
		})
	}
}
