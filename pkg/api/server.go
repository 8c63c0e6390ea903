package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/puffer/broker/pkg/auth"
	"github.com/Mindburn-Labs/puffer/broker/pkg/decision"
	"github.com/Mindburn-Labs/puffer/broker/pkg/intake"
	"github.com/Mindburn-Labs/puffer/broker/pkg/observability"
	"github.com/Mindburn-Labs/puffer/broker/pkg/ratelimit"
	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
	"github.com/Mindburn-Labs/puffer/broker/pkg/store"
)

// Reader is the read side of the request store.
type Reader interface {
	FindByIDForAgent(ctx context.Context, id, agent string) (*requests.Request, error)
	List(ctx context.Context, q store.ListQuery) (store.Page, error)
	ListPending(ctx context.Context, limit int) ([]*requests.Request, error)
}

// Creator creates requests.
type Creator interface {
	Create(ctx context.Context, in intake.Input) (intake.Result, error)
}

// Decider applies phone decisions and failure reports.
type Decider interface {
	Decide(ctx context.Context, id string, d requests.Decision) (decision.Result, error)
	ReportFailure(ctx context.Context, id string, rec requests.ErrorRecord) (decision.Result, error)
}

// Sweeper expires stale requests before reads.
type Sweeper interface {
	SweepNow(ctx context.Context) error
}

// Deps are the collaborators of a Server.
type Deps struct {
	Store     Reader
	Intake    Creator
	Decisions Decider
	Sweeper   Sweeper

	Auth         *auth.Authenticator
	AgentLimiter *ratelimit.Limiter
	PhoneLimiter *ratelimit.Limiter
	IPLimiter    *IPRateLimiter

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Server serves the broker API.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	handler http.Handler
}

// NewServer builds the routing table.
func NewServer(d Deps) *Server {
	s := &Server{deps: d, logger: d.Logger}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "api")
	}

	agent := s.guard(auth.RoleAgent, d.AgentLimiter)
	phone := s.guard(auth.RolePhone, d.PhoneLimiter)

	mux := http.NewServeMux()
	s.route(mux, http.MethodGet, "/healthz", http.HandlerFunc(s.handleHealth))
	if d.Metrics != nil {
		s.route(mux, http.MethodGet, "/metrics", d.Metrics.Handler())
	}
	s.route(mux, http.MethodPost, "/v1/request", agent(http.HandlerFunc(s.handleCreate)))
	s.route(mux, http.MethodGet, "/v1/request/{id}", agent(http.HandlerFunc(s.handleGet)))
	s.route(mux, http.MethodGet, "/v1/requests", agent(http.HandlerFunc(s.handleList)))
	s.route(mux, http.MethodGet, "/v1/phone/requests/pending", phone(http.HandlerFunc(s.handlePending)))
	s.route(mux, http.MethodPost, "/v1/phone/requests/{id}/decision", phone(http.HandlerFunc(s.handleDecision)))
	s.route(mux, http.MethodPost, "/v1/phone/requests/{id}/failure", phone(http.HandlerFunc(s.handleFailure)))
	mux.Handle("/", instrument(d.Metrics, "unmatched", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, requests.CodeNotFound)
	})))

	var h http.Handler = mux
	if d.IPLimiter != nil {
		h = d.IPLimiter.Middleware(h)
	}
	s.handler = auth.RequestIDMiddleware(h)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// route registers pattern for exactly one method; other methods get the
// uniform 404.
func (s *Server) route(mux *http.ServeMux, method, pattern string, h http.Handler) {
	mux.Handle(pattern, instrument(s.deps.Metrics, pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			WriteNotFound(w, requests.CodeNotFound)
			return
		}
		h.ServeHTTP(w, r)
	})))
}

// guard authenticates role and applies its limiter.
func (s *Server) guard(role auth.Role, limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	authn := auth.NewMiddleware(s.deps.Auth, role, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteUnauthorized(w)
	}))
	limit := auth.RateLimitMiddleware(limiter, func(w http.ResponseWriter, _ *http.Request, retryAfter int) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimited.WithLabelValues(string(role)).Inc()
		}
		WriteTooManyRequests(w, retryAfter)
	})
	return func(next http.Handler) http.Handler {
		return authn(limit(next))
	}
}

// sweep expires stale requests so reads never show an overdue status.
func (s *Server) sweep(ctx context.Context) {
	if s.deps.Sweeper == nil {
		return
	}
	if err := s.deps.Sweeper.SweepNow(ctx); err != nil {
		s.logger.WarnContext(ctx, "expiry sweep before read failed", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
