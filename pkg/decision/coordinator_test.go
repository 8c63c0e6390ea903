package decision

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
	"github.com/Mindburn-Labs/puffer/broker/pkg/store"
)

var t0 = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []requests.Event
}

func (r *recorder) Emit(_ context.Context, ev requests.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Name)
	}
	return out
}

type sweepFunc func(ctx context.Context) error

func (f sweepFunc) SweepNow(ctx context.Context) error { return f(ctx) }

func setup(t *testing.T, opts ...Option) (*Coordinator, *store.Store, *recorder) {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "broker.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db, store.DialectSQLite))
	st := store.New(db)
	rec := &recorder{}
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return NewCoordinator(st, rec, opts...), st, rec
}

func seed(t *testing.T, st *store.Store, id string) {
	t.Helper()
	require.NoError(t, st.Insert(context.Background(), &requests.Request{
		ID:                id,
		AgentIdentity:     "agent",
		Type:              requests.TypeStatement,
		Params:            requests.Params{Month: 2, Year: 2026},
		Nonce:             "nonce-" + id,
		SignedEnvelope:    "{}",
		Status:            requests.StatusPendingApproval,
		CreatedAt:         t0,
		UpdatedAt:         t0,
		ApprovalExpiresAt: t0.Add(5 * time.Minute),
	}))
}

func TestDecide_Approve(t *testing.T) {
	c, st, rec := setup(t)
	seed(t, st, "r1")

	res, err := c.Decide(context.Background(), "r1", requests.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, Result{RequestID: "r1", Status: requests.StatusExecuting}, res)
	assert.Equal(t, []string{requests.EventRequestApproved, requests.EventExecutionStarted}, rec.names())

	got, err := st.FindByID(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, got.ExecutionTimeoutAt)
	assert.Equal(t, t0.Add(DefaultExecutionTimeout), *got.ExecutionTimeoutAt)

	res, err = c.Decide(context.Background(), "r1", requests.DecisionApprove)
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.Len(t, rec.names(), 2, "replays emit nothing")
}

func TestDecide_Deny(t *testing.T) {
	c, st, rec := setup(t)
	seed(t, st, "r1")

	res, err := c.Decide(context.Background(), "r1", requests.DecisionDeny)
	require.NoError(t, err)
	assert.Equal(t, requests.StatusDenied, res.Status)
	assert.False(t, res.Idempotent)
	assert.Equal(t, []string{requests.EventRequestDenied}, rec.names())

	res, err = c.Decide(context.Background(), "r1", requests.DecisionDeny)
	require.NoError(t, err)
	assert.True(t, res.Idempotent)

	_, err = c.Decide(context.Background(), "r1", requests.DecisionApprove)
	assert.ErrorIs(t, err, requests.ErrDecisionConflict)
}

func TestDecide_Errors(t *testing.T) {
	c, _, _ := setup(t)

	_, err := c.Decide(context.Background(), "r1", requests.Decision("MAYBE"))
	assert.ErrorIs(t, err, requests.ErrInvalidDecision)

	_, err = c.Decide(context.Background(), "missing", requests.DecisionApprove)
	assert.ErrorIs(t, err, requests.ErrRequestNotFound)
}

func TestDecide_SweepsFirst(t *testing.T) {
	var swept bool
	c, st, _ := setup(t, WithSweeper(sweepFunc(func(ctx context.Context) error {
		swept = true
		return errors.New("sweep failed")
	})))
	seed(t, st, "r1")

	res, err := c.Decide(context.Background(), "r1", requests.DecisionApprove)
	require.NoError(t, err, "a failing sweep does not block the decision")
	assert.True(t, swept)
	assert.Equal(t, requests.StatusExecuting, res.Status)
}

func TestDecide_ExpiredRequestConflicts(t *testing.T) {
	c, st, _ := setup(t)
	seed(t, st, "r1")
	_, err := st.ExpirePendingApprovals(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)

	_, err = c.Decide(context.Background(), "r1", requests.DecisionApprove)
	assert.ErrorIs(t, err, requests.ErrDecisionConflict)
}

func TestDecide_ConcurrentApproveExactlyOneWins(t *testing.T) {
	c, st, rec := setup(t)
	seed(t, st, "r1")

	const n = 8
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = c.Decide(context.Background(), "r1", requests.DecisionApprove)
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, requests.StatusExecuting, results[i].Status)
		if !results[i].Idempotent {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, []string{requests.EventRequestApproved, requests.EventExecutionStarted}, rec.names())
}

func TestReportFailure(t *testing.T) {
	c, st, rec := setup(t)
	seed(t, st, "r1")
	_, err := c.Decide(context.Background(), "r1", requests.DecisionApprove)
	require.NoError(t, err)

	report := requests.ErrorRecord{
		Code:      "BANK_LOGIN_FAILED",
		Source:    requests.SourceBank,
		Stage:     requests.StageAuth,
		Retriable: true,
		Message:   "session expired",
	}
	res, err := c.ReportFailure(context.Background(), "r1", report)
	require.NoError(t, err)
	assert.Equal(t, Result{RequestID: "r1", Status: requests.StatusFailed}, res)
	assert.Equal(t, requests.EventExecutionFailed, rec.names()[len(rec.names())-1])

	got, err := st.FindByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, &report, got.Error)

	res, err = c.ReportFailure(context.Background(), "r1", report)
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.Len(t, rec.names(), 3)
}

func TestReportFailure_Validation(t *testing.T) {
	c, st, _ := setup(t)
	seed(t, st, "r1")

	cases := []requests.ErrorRecord{
		{Source: requests.SourcePhone, Stage: requests.StageDownload},
		{Code: "X", Source: "SATELLITE", Stage: requests.StageDownload},
		{Code: "X", Source: requests.SourcePhone, Stage: "LUNCH"},
	}
	for _, rec := range cases {
		_, err := c.ReportFailure(context.Background(), "r1", rec)
		assert.ErrorIs(t, err, ErrInvalidFailureReport)
	}

	_, err := c.ReportFailure(context.Background(), "r1", requests.ErrorRecord{
		Code: "X", Source: requests.SourcePhone, Stage: requests.StageDownload,
	})
	assert.ErrorIs(t, err, requests.ErrInvalidRequestState, "pending requests cannot fail")

	_, err = c.ReportFailure(context.Background(), "nope", requests.ErrorRecord{
		Code: "X", Source: requests.SourcePhone, Stage: requests.StageDownload,
	})
	assert.ErrorIs(t, err, requests.ErrRequestNotFound)
}
