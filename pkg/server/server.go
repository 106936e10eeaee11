// Package server exposes the mandate registry over HTTP.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/trustagent/mandates/pkg/api"
	"github.com/trustagent/mandates/pkg/auth"
	"github.com/trustagent/mandates/pkg/lock"
	"github.com/trustagent/mandates/pkg/mandate"
	"github.com/trustagent/mandates/pkg/observability"
	"github.com/trustagent/mandates/pkg/protocol"
)

// Route paths.
const (
	BasePath    = "/api/ap2"
	HealthPath  = BasePath + "/health"
	MetricsPath = "/metrics"
)

const maxBodyBytes = 1 << 20

// Features advertised by the health endpoint.
var Features = []string{
	"intent_mandates",
	"cart_mandates",
	"payment_mandates",
	"autonomous_execution",
}

// Options wires the server's collaborators. Registry and Validator are
// required; the rest are skipped when nil.
type Options struct {
	Registry    *protocol.Registry
	Validator   *auth.JWTValidator
	Limiter     *api.RateLimiter
	Negotiator  *api.VersionNegotiator
	Telemetry   *observability.Provider
	Metrics     http.Handler
	CORSOrigins []string
	Logger      *slog.Logger

	// Idempotency enables Idempotency-Key replay on mandate POSTs. Locker
	// serialises retries of one key and defaults to an in-process mutex.
	Idempotency api.IdempotencyStore
	Locker      lock.Locker
}

// Server serves the AP2 mandate API.
type Server struct {
	opts    Options
	schemas map[mandate.Kind]*jsonschema.Schema
	logger  *slog.Logger
}

// New validates opts and compiles the request schemas.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	if opts.Validator == nil {
		return nil, errors.New("server: token validator is required")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewKeyedMutex()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, schemas: schemas, logger: logger.With("component", "server")}, nil
}

func (s *Server) version() string {
	if s.opts.Negotiator != nil {
		return s.opts.Negotiator.Current()
	}
	return "1.0.0"
}

// Handler builds the router with the full middleware chain.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(auth.CORSMiddleware(s.opts.CORSOrigins))
	}
	if s.opts.Telemetry != nil {
		r.Use(s.opts.Telemetry.HTTPMiddleware)
	}
	if s.opts.Limiter != nil {
		r.Use(s.opts.Limiter.Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteNotFound(w, "No route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		api.WriteMethodNotAllowed(w)
	})

	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, MetricsPath, s.opts.Metrics)
	}

	r.Route(BasePath, func(r chi.Router) {
		if s.opts.Negotiator != nil {
			r.Use(s.opts.Negotiator.Middleware)
		}
		r.Use(auth.NewMiddleware(s.opts.Validator, HealthPath))

		r.Get("/health", s.handleHealth)

		r.Route("/mandates", func(r chi.Router) {
			if s.opts.Idempotency != nil {
				r.Use(api.IdempotencyMiddleware(s.opts.Idempotency, s.opts.Locker, idempotencyScope))
			}
			r.Get("/", s.handleList)
			r.Post("/intent", s.handleCreate(mandate.KindIntent))
			r.Post("/cart", s.handleCreate(mandate.KindCart))
			r.Post("/payment", s.handleCreate(mandate.KindPayment))
			r.Get("/{id}", s.handleGet)
			r.Post("/{id}/approve", s.handleApprove)
			r.Post("/{id}/execute", s.handleExecute)
			r.Post("/{id}/cancel", s.handleCancel)
		})
		r.Get("/stats", s.handleStats)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAdmin))
			r.Post("/sweeps/auto-approve", s.handleAutoApprove)
			r.Post("/cleanup", s.handleCleanup)
		})
	})
	return r
}

func idempotencyScope(r *http.Request) string {
	id, _ := auth.GetOwnerID(r.Context())
	return id
}
