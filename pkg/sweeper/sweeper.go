// Package sweeper moves requests whose deadlines have passed into their
// terminal statuses.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/puffer/broker/pkg/observability"
	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

// DefaultInterval is the background sweep period.
const DefaultInterval = time.Second

// Store is the subset of the request store the sweeper mutates.
type Store interface {
	ExpirePendingApprovals(ctx context.Context, now time.Time) (int64, error)
	ExpireExecutionTimeouts(ctx context.Context, now time.Time) (int64, error)
}

// Result counts the rows moved by one sweep.
type Result struct {
	Expired  int64
	TimedOut int64
}

// Sweeper expires stale approvals and executions.
type Sweeper struct {
	store    Store
	events   requests.EventSink
	metrics  *observability.Metrics
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the Run period.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMetrics counts transitions.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithClock overrides the time source used by SweepNow and Run.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// New creates a sweeper.
func New(st Store, events requests.EventSink, opts ...Option) *Sweeper {
	if events == nil {
		events = requests.DiscardEvents
	}
	s := &Sweeper{
		store:    st,
		events:   events,
		logger:   slog.Default().With("component", "sweeper"),
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep expires pending approvals past their deadline, then fails
// executions past their timeout.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	var res Result

	expired, err := s.store.ExpirePendingApprovals(ctx, now)
	if err != nil {
		return res, fmt.Errorf("expire approvals: %w", err)
	}
	res.Expired = expired
	if expired > 0 {
		s.events.Emit(ctx, requests.Event{
			Name:         requests.EventRequestExpired,
			StatusBefore: requests.StatusPendingApproval,
			StatusAfter:  requests.StatusExpired,
			Count:        expired,
			Error: &requests.ErrorRecord{
				Code:   requests.CodeApprovalExpired,
				Source: requests.SourceBroker,
				Stage:  requests.StageApproval,
			},
		})
		s.count("approval_expired", expired)
	}

	timedOut, err := s.store.ExpireExecutionTimeouts(ctx, now)
	if err != nil {
		return res, fmt.Errorf("expire executions: %w", err)
	}
	res.TimedOut = timedOut
	if timedOut > 0 {
		s.events.Emit(ctx, requests.Event{
			Name:         requests.EventExecutionTimedOut,
			StatusBefore: requests.StatusExecuting,
			StatusAfter:  requests.StatusFailed,
			Count:        timedOut,
			Error: &requests.ErrorRecord{
				Code:      requests.CodeExecutionTimeout,
				Source:    requests.SourceBroker,
				Stage:     requests.StageDownload,
				Retriable: true,
				Message:   "execution timeout",
			},
		})
		s.count("execution_timed_out", timedOut)
	}

	return res, nil
}

// SweepNow sweeps at the current time.
func (s *Sweeper) SweepNow(ctx context.Context) error {
	_, err := s.Sweep(ctx, s.now())
	return err
}

// Run sweeps every interval until ctx is cancelled. Errors are logged and
// the loop continues.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepNow(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "expiry sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) count(kind string, n int64) {
	if s.metrics == nil {
		return
	}
	s.metrics.SweepTransition.WithLabelValues(kind).Add(float64(n))
}
