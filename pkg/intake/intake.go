// Package intake creates statement requests on behalf of agents, enforcing
// idempotency keys and issuing the signed envelope the phone will approve.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/puffer/broker/pkg/envelope"
	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
	"github.com/Mindburn-Labs/puffer/broker/pkg/store"
)

// ConflictMessage accompanies IDEMPOTENCY_CONFLICT.
const ConflictMessage = "idempotency key reused with different payload"

// Store is the persistence used by intake.
type Store interface {
	Insert(ctx context.Context, req *requests.Request) error
	FindByIdempotency(ctx context.Context, agent, key string) (*requests.Request, error)
}

// Nudge describes a freshly created request for out-of-band notification.
type Nudge struct {
	RequestID string
	Params    requests.Params
}

// Notifier tells the approver that a request is waiting. Failures never
// affect the request.
type Notifier interface {
	NotifyPending(ctx context.Context, n Nudge) error
}

// ValidationError is a rejected creation input.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Input is a creation request from an authenticated agent.
type Input struct {
	AgentIdentity  string
	Type           requests.Type
	Params         requests.Params
	AgentRequestID string
	IdempotencyKey string
}

// Result is the request to report back. Created is false when an existing
// request was returned for a matching idempotency key.
type Result struct {
	Request *requests.Request
	Created bool
}

// Service creates requests.
type Service struct {
	store    Store
	builder  *envelope.Builder
	events   requests.EventSink
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	notifyTimeout time.Duration
}

// Option customizes a Service.
type Option func(*Service)

// WithNotifier sends a nudge after every creation.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates an intake service.
func NewService(st Store, builder *envelope.Builder, events requests.EventSink, opts ...Option) *Service {
	if events == nil {
		events = requests.DiscardEvents
	}
	s := &Service{
		store:         st,
		builder:       builder,
		events:        events,
		logger:        slog.Default().With("component", "intake"),
		now:           time.Now,
		newID:         uuid.NewString,
		notifyTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates in, replays an existing request for a matching
// idempotency key, or persists a new PENDING_APPROVAL request.
func (s *Service) Create(ctx context.Context, in Input) (Result, error) {
	if in.Type != requests.TypeStatement {
		return Result{}, &ValidationError{Code: requests.CodeInvalidRequestType}
	}
	if msg, ok := in.Params.Validate(); !ok {
		return Result{}, &ValidationError{Code: requests.CodeMissingField, Message: msg}
	}

	fingerprint, err := requests.Fingerprint(in.Type, in.Params)
	if err != nil {
		return Result{}, err
	}

	if in.IdempotencyKey != "" {
		res, found, err := s.replay(ctx, in, fingerprint)
		if err != nil || found {
			return res, err
		}
	}

	id := s.newID()
	env, err := s.builder.Build(id, in.Params, s.now())
	if err != nil {
		return Result{}, fmt.Errorf("build envelope: %w", err)
	}
	raw, err := env.Marshal()
	if err != nil {
		return Result{}, fmt.Errorf("marshal envelope: %w", err)
	}
	issued, err := requests.ParseTime(env.IssuedAt)
	if err != nil {
		return Result{}, err
	}
	expires, err := requests.ParseTime(env.ApprovalExpiresAt)
	if err != nil {
		return Result{}, err
	}

	req := &requests.Request{
		ID:                id,
		AgentIdentity:     in.AgentIdentity,
		AgentRequestID:    in.AgentRequestID,
		Type:              in.Type,
		Params:            in.Params,
		IdempotencyKey:    in.IdempotencyKey,
		Fingerprint:       fingerprint,
		Nonce:             env.Nonce,
		SignedEnvelope:    raw,
		Status:            requests.StatusPendingApproval,
		CreatedAt:         issued,
		UpdatedAt:         issued,
		ApprovalExpiresAt: expires,
	}

	if err := s.store.Insert(ctx, req); err != nil {
		// A concurrent create with the same key won the insert.
		if errors.Is(err, store.ErrDuplicate) && in.IdempotencyKey != "" {
			res, found, rerr := s.replay(ctx, in, fingerprint)
			if rerr != nil {
				return Result{}, rerr
			}
			if found {
				return res, nil
			}
		}
		return Result{}, fmt.Errorf("insert request: %w", err)
	}

	s.events.Emit(ctx, requests.Event{
		Name:        requests.EventRequestCreated,
		RequestID:   id,
		StatusAfter: requests.StatusPendingApproval,
		Attrs: map[string]any{
			"bank_id":          requests.BankDefault,
			"period_month":     in.Params.Month,
			"period_year":      in.Params.Year,
			"agent_request_id": in.AgentRequestID,
		},
	})
	s.events.Emit(ctx, requests.Event{
		Name:         requests.EventRequestPresentedToPhone,
		RequestID:    id,
		StatusBefore: requests.StatusPendingApproval,
		StatusAfter:  requests.StatusPendingApproval,
	})
	s.nudge(ctx, Nudge{RequestID: id, Params: in.Params})

	return Result{Request: req, Created: true}, nil
}

func (s *Service) replay(ctx context.Context, in Input, fingerprint string) (Result, bool, error) {
	existing, err := s.store.FindByIdempotency(ctx, in.AgentIdentity, in.IdempotencyKey)
	if errors.Is(err, requests.ErrRequestNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if storedFingerprint(existing) != fingerprint {
		return Result{}, true, requests.ErrIdempotencyConflict
	}
	return Result{Request: existing}, true, nil
}

// storedFingerprint falls back to recomputing for rows written without one.
func storedFingerprint(r *requests.Request) string {
	if r.Fingerprint != "" {
		return r.Fingerprint
	}
	fp, err := requests.Fingerprint(r.Type, r.Params)
	if err != nil {
		return ""
	}
	return fp
}

// nudge notifies asynchronously; the creation response never waits on it.
func (s *Service) nudge(ctx context.Context, n Nudge) {
	if s.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	go func() {
		defer cancel()
		if err := s.notifier.NotifyPending(nctx, n); err != nil {
			s.logger.WarnContext(nctx, "telegram_nudge_failed",
				"request_id", n.RequestID,
				"status_before", requests.StatusPendingApproval,
				"status_after", requests.StatusPendingApproval,
				"error_code", "TELEGRAM_ERROR",
				"source", requests.SourceBroker,
				"stage", requests.StageApproval,
				"retriable", true,
				"error", err,
			)
		}
	}()
}
