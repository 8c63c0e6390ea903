// Package decision applies approver verdicts and downstream failure reports
// to requests. Concurrency safety comes entirely from the store's
// conditional updates; the coordinator holds no locks.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/puffer/broker/pkg/observability"
	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
	"github.com/Mindburn-Labs/puffer/broker/pkg/store"
)

// DefaultExecutionTimeout bounds how long an approved request may execute.
const DefaultExecutionTimeout = 10 * time.Minute

// ErrInvalidFailureReport is returned when a failure report is incomplete.
var ErrInvalidFailureReport = errors.New(requests.CodeMissingField)

// Store is the persistence used by the coordinator.
type Store interface {
	FindByID(ctx context.Context, id string) (*requests.Request, error)
	ApplyDecision(ctx context.Context, req *requests.Request, d requests.Decision, executionTimeoutAt, now time.Time) (store.Outcome, error)
	ReportFailure(ctx context.Context, req *requests.Request, rec requests.ErrorRecord, now time.Time) (store.Outcome, error)
}

// Sweeper expires stale requests before a decision is evaluated.
type Sweeper interface {
	SweepNow(ctx context.Context) error
}

// Result is returned to the phone.
type Result struct {
	RequestID  string          `json:"request_id"`
	Status     requests.Status `json:"status"`
	Idempotent bool            `json:"idempotent"`
}

// Coordinator applies decisions and failure reports.
type Coordinator struct {
	store            Store
	sweeper          Sweeper
	events           requests.EventSink
	telemetry        *observability.Provider
	logger           *slog.Logger
	now              func() time.Time
	executionTimeout time.Duration
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSweeper sweeps expirations before every decision.
func WithSweeper(s Sweeper) Option {
	return func(c *Coordinator) { c.sweeper = s }
}

// WithExecutionTimeout overrides DefaultExecutionTimeout.
func WithExecutionTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.executionTimeout = d
		}
	}
}

// WithTelemetry traces decisions.
func WithTelemetry(p *observability.Provider) Option {
	return func(c *Coordinator) { c.telemetry = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(st Store, events requests.EventSink, opts ...Option) *Coordinator {
	if events == nil {
		events = requests.DiscardEvents
	}
	c := &Coordinator{
		store:            st,
		events:           events,
		logger:           slog.Default().With("component", "decision"),
		now:              time.Now,
		executionTimeout: DefaultExecutionTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decide applies d to request id.
//
// When a concurrent caller changes the row between our read and our
// conditional update, the update affects no rows. The request is then read
// again and the decision replayed against the fresh row, so the loser of an
// APPROVE race reports an idempotent EXECUTING instead of a conflict.
func (c *Coordinator) Decide(ctx context.Context, id string, d requests.Decision) (res Result, err error) {
	if !d.Valid() {
		return Result{}, requests.ErrInvalidDecision
	}

	ctx, done := c.telemetry.TrackOperation(ctx, "decision.decide", observability.DecisionAttrs(id, string(d))...)
	defer func() { done(err) }()

	c.sweep(ctx)

	req, err := c.store.FindByID(ctx, id)
	if err != nil {
		return Result{}, err
	}

	now := c.now()
	out, err := c.store.ApplyDecision(ctx, req, d, now.Add(c.executionTimeout), now)
	if errors.Is(err, requests.ErrInvalidRequestState) && req.Status == requests.StatusPendingApproval {
		if req, err = c.store.FindByID(ctx, id); err != nil {
			return Result{}, err
		}
		out, err = c.store.ApplyDecision(ctx, req, d, now.Add(c.executionTimeout), now)
	}
	if err != nil {
		return Result{}, err
	}

	if !out.Idempotent {
		c.emitDecision(ctx, id, d)
	}
	return c.result(ctx, id, out)
}

// ReportFailure records a downstream failure on request id.
func (c *Coordinator) ReportFailure(ctx context.Context, id string, rec requests.ErrorRecord) (res Result, err error) {
	if rec.Code == "" || !rec.Source.Valid() || !rec.Stage.Valid() {
		return Result{}, ErrInvalidFailureReport
	}

	ctx, done := c.telemetry.TrackOperation(ctx, "decision.report_failure", observability.RequestAttrs(id)...)
	defer func() { done(err) }()

	req, err := c.store.FindByID(ctx, id)
	if err != nil {
		return Result{}, err
	}

	out, err := c.store.ReportFailure(ctx, req, rec, c.now())
	if errors.Is(err, requests.ErrInvalidRequestState) && !req.Terminal() {
		if req, err = c.store.FindByID(ctx, id); err != nil {
			return Result{}, err
		}
		out, err = c.store.ReportFailure(ctx, req, rec, c.now())
	}
	if err != nil {
		return Result{}, err
	}

	if !out.Idempotent {
		failure := rec
		c.events.Emit(ctx, requests.Event{
			Name:         requests.EventExecutionFailed,
			RequestID:    id,
			StatusBefore: req.Status,
			StatusAfter:  requests.StatusFailed,
			Error:        &failure,
		})
	}
	return c.result(ctx, id, out)
}

func (c *Coordinator) sweep(ctx context.Context) {
	if c.sweeper == nil {
		return
	}
	if err := c.sweeper.SweepNow(ctx); err != nil {
		c.logger.WarnContext(ctx, "expiry sweep before decision failed", "error", err)
	}
}

func (c *Coordinator) emitDecision(ctx context.Context, id string, d requests.Decision) {
	if d == requests.DecisionDeny {
		c.events.Emit(ctx, requests.Event{
			Name:         requests.EventRequestDenied,
			RequestID:    id,
			StatusBefore: requests.StatusPendingApproval,
			StatusAfter:  requests.StatusDenied,
			Error: &requests.ErrorRecord{
				Code:   requests.CodeDeniedByUser,
				Source: requests.SourcePhone,
				Stage:  requests.StageApproval,
			},
		})
		return
	}
	c.events.Emit(ctx, requests.Event{
		Name:         requests.EventRequestApproved,
		RequestID:    id,
		StatusBefore: requests.StatusPendingApproval,
		StatusAfter:  requests.StatusApproved,
	})
	c.events.Emit(ctx, requests.Event{
		Name:         requests.EventExecutionStarted,
		RequestID:    id,
		StatusBefore: requests.StatusApproved,
		StatusAfter:  requests.StatusExecuting,
	})
}

// result re-reads the row so the response reflects what is stored.
func (c *Coordinator) result(ctx context.Context, id string, out store.Outcome) (Result, error) {
	fresh, err := c.store.FindByID(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("reload request: %w", err)
	}
	return Result{RequestID: id, Status: fresh.Status, Idempotent: out.Idempotent}, nil
}
