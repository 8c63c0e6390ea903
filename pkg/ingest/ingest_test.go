package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/puffer/broker/pkg/artifacts"
	"github.com/Mindburn-Labs/puffer/broker/pkg/crypto"
	"github.com/Mindburn-Labs/puffer/broker/pkg/manifest"
	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
	"github.com/Mindburn-Labs/puffer/broker/pkg/store"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type events struct {
	mu  sync.Mutex
	all []requests.Event
}

func (e *events) Emit(_ context.Context, ev requests.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) named(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.all {
		if ev.Name == name {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	inbox  string
	store  *store.Store
	signer *crypto.HMACSigner
	events *events
	ing    *Ingestor
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "broker.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db, store.DialectSQLite))

	signer, err := crypto.NewHMACSigner("phone-secret")
	require.NoError(t, err)

	h := &harness{
		t:      t,
		inbox:  t.TempDir(),
		store:  store.New(db),
		signer: signer,
		events: &events{},
	}
	h.ing, err = New(Config{InboxPath: h.inbox, StabilityWindow: 10 * time.Millisecond, ReconcileInterval: 25 * time.Millisecond},
		h.store, signer, h.events, opts...)
	require.NoError(t, err)
	return h
}

// executing inserts a request and approves it.
func (h *harness) executing(id string) {
	h.t.Helper()
	ctx := context.Background()
	req := &requests.Request{
		ID:                id,
		AgentIdentity:     "agent",
		Type:              requests.TypeStatement,
		Params:            requests.Params{Month: 5, Year: 2026},
		Nonce:             "env-" + id,
		SignedEnvelope:    "{}",
		Status:            requests.StatusPendingApproval,
		CreatedAt:         t0,
		UpdatedAt:         t0,
		ApprovalExpiresAt: t0.Add(5 * time.Minute),
	}
	require.NoError(h.t, h.store.Insert(ctx, req))
	_, err := h.store.ApplyDecision(ctx, req, requests.DecisionApprove, t0.Add(10*time.Minute), t0)
	require.NoError(h.t, err)
}

func (h *harness) artifact(name string, data []byte) string {
	h.t.Helper()
	path := filepath.Join(h.inbox, name)
	require.NoError(h.t, os.WriteFile(path, data, 0o600))
	return path
}

// drop writes a signed manifest; mutate runs before signing.
func (h *harness) drop(id, filename string, data []byte, mutate func(*manifest.Manifest)) string {
	h.t.Helper()
	m := &manifest.Manifest{
		RequestID:   id,
		Filename:    filename,
		SHA256:      crypto.SHA256Hex(data),
		Bytes:       int64(len(data)),
		CompletedAt: "2026-06-01T10:03:00.000Z",
		Nonce:       "completion-" + id,
	}
	if mutate != nil {
		mutate(m)
	}
	raw, err := manifest.Sign(h.signer, m)
	require.NoError(h.t, err)
	path := filepath.Join(h.inbox, id+manifest.Suffix)
	require.NoError(h.t, os.WriteFile(path, raw, 0o600))
	return path
}

func (h *harness) status(id string) *requests.Request {
	h.t.Helper()
	req, err := h.store.FindByID(context.Background(), id)
	require.NoError(h.t, err)
	return req
}

func (h *harness) assertRejected(id, message string) {
	h.t.Helper()
	req := h.status(id)
	assert.Equal(h.t, requests.StatusFailed, req.Status)
	require.NotNil(h.t, req.Error)
	assert.Equal(h.t, requests.CodeManifestVerificationFailed, req.Error.Code)
	assert.Equal(h.t, requests.StageVerify, req.Error.Stage)
	assert.False(h.t, req.Error.Retriable)
	assert.Equal(h.t, message, req.Error.Message)

	_, err := h.store.FindManifest(context.Background(), id)
	assert.ErrorIs(h.t, err, store.ErrManifestNotFound)
	assert.Equal(h.t, 1, h.events.named(requests.EventManifestVerified))
}

func TestProcessManifest_Completes(t *testing.T) {
	h := newHarness(t)
	h.executing("r1")
	data := []byte("%PDF statement for May")
	artifactPath := h.artifact("r1.pdf", data)
	mp := h.drop("r1", "r1.pdf", data, nil)

	out, err := h.ing.ProcessManifest(context.Background(), mp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out)

	req := h.status("r1")
	assert.Equal(t, requests.StatusCompleted, req.Status)
	assert.Equal(t, artifactPath, req.ResultFilePath)
	assert.Equal(t, crypto.SHA256Hex(data), req.ResultSHA256)
	assert.Equal(t, "completion-r1", req.CompletionNonce)
	require.NotNil(t, req.CompletedAt)
	assert.Equal(t, time.Date(2026, 6, 1, 10, 3, 0, 0, time.UTC), *req.CompletedAt)
	assert.Nil(t, req.Error)

	rec, err := h.store.FindManifest(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), rec.Bytes)
	assert.Equal(t, 1, h.events.named(requests.EventRequestCompleted))

	// Redelivery changes nothing.
	out, err = h.ing.ProcessManifest(context.Background(), mp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out)
	assert.Equal(t, 1, h.events.named(requests.EventRequestCompleted))
	assert.Equal(t, req.UpdatedAt, h.status("r1").UpdatedAt)
}

func TestProcessManifest_Archives(t *testing.T) {
	vault, err := artifacts.NewFileVault(t.TempDir())
	require.NoError(t, err)
	h := newHarness(t, WithVault(vault))
	h.executing("r1")
	data := []byte("statement")
	h.artifact("r1.pdf", data)

	_, err = h.ing.ProcessManifest(context.Background(), h.drop("r1", "r1.pdf", data, nil))
	require.NoError(t, err)

	req := h.status("r1")
	assert.Equal(t, artifacts.Ref(data), req.ArchiveRef)
	stored, err := vault.Get(context.Background(), req.ArchiveRef)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestProcessManifest_InvalidSignature(t *testing.T) {
	h := newHarness(t)
	h.executing("r1")
	data := []byte("statement")
	h.artifact("r1.pdf", data)
	mp := h.drop("r1", "r1.pdf", data, nil)

	other, err := crypto.NewHMACSigner("someone-else")
	require.NoError(t, err)
	forged, err := manifest.Sign(other, &manifest.Manifest{
		RequestID: "r1", Filename: "r1.pdf", SHA256: crypto.SHA256Hex(data),
		Bytes: int64(len(data)), CompletedAt: "2026-06-01T10:03:00.000Z", Nonce: "completion-r1",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mp, forged, 0o600))

	out, err := h.ing.ProcessManifest(context.Background(), mp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out)
	h.assertRejected("r1", MsgInvalidSignature)
}

func TestProcessManifest_TamperedField(t *testing.T) {
	h := newHarness(t)
	h.executing("r1")
	data := []byte("statement")
	h.artifact("r1.pdf", data)
	mp := h.drop("r1", "r1.pdf", data, nil)

	raw, err := os.ReadFile(mp)
	require.NoError(t, err)
	tampered := []byte(string(raw[:len(raw)-1]) + `,"note":"injected"}`)
	require.NoError(t, os.WriteFile(mp, tampered, 0o600))

	out, err := h.ing.ProcessManifest(context.Background(), mp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out)
	h.assertRejected("r1", MsgInvalidSignature)
}

func TestProcessManifest_DigestMismatch(t *testing.T) {
	h := newHarness(t)
	h.executing("r1")
	h.artifact("r1.pdf", []byte("actual bytes"))
	mp := h.drop("r1", "r1.pdf", []byte("claimed bytes"), nil)

	out, err := h.ing.ProcessManifest(context.Background(), mp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out)
	h.assertRejected("r1", MsgDigestMismatch)
}

func TestProcessManifest_PathTraversal(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "outside.pdf")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))

	cases := map[string]string{
		"relative": "../" + filepath.Base(filepath.Dir(outside)) + "/outside.pdf",
		"absolute": outside,
	}
	for name, filename := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.executing("r1")
			mp := h.drop("r1", filename, []byte("secret"), nil)

			out, err := h.ing.ProcessManifest(context.Background(), mp)
			require.NoError(t, err)
			assert.Equal(t, OutcomeRejected, out)
			h.assertRejected("r1", MsgPathTraversal)
		})
	}
}

func TestProcessManifest_SymlinkEscape(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "outside.pdf")
	data := []byte("secret")
	require.NoError(t, os.WriteFile(outside, data, 0o600))

	h := newHarness(t)
	h.executing("r1")
	if err := os.Symlink(outside, filepath.Join(h.inbox, "link.pdf")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	mp := h.drop("r1", "link.pdf", data, nil)

	out, err := h.ing.ProcessManifest(context.Background(), mp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out)
	h.assertRejected("r1", MsgPathTraversal)
}

func TestProcessManifest_Skips(t *testing.T) {
	h := newHarness(t)
	h.executing("r1")

	// Artifact not there yet.
	mp := h.drop("r1", "r1.pdf", []byte("later"), nil)
	out, err := h.ing.ProcessManifest(context.Background(), mp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	// Empty artifact.
	h.artifact("r1.pdf", nil)
	out, err = h.ing.ProcessManifest(context.Background(), mp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	// A directory where the artifact should be.
	require.NoError(t, os.Mkdir(filepath.Join(h.inbox, "dir.pdf"), 0o755))
	out, err = h.ing.ProcessManifest(context.Background(), h.drop("r1", "dir.pdf", []byte("x"), nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	// Unknown request.
	out, err = h.ing.ProcessManifest(context.Background(), h.drop("ghost", "r1.pdf", []byte("x"), nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	// Partially written manifest.
	partial := filepath.Join(h.inbox, "partial"+manifest.Suffix)
	require.NoError(t, os.WriteFile(partial, []byte(`{"request_id":"r1","filen`), 0o600))
	out, err = h.ing.ProcessManifest(context.Background(), partial)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	assert.Equal(t, requests.StatusExecuting, h.status("r1").Status)
}

func TestProcessManifest_UnsupportedVersionSkipped(t *testing.T) {
	h := newHarness(t)
	h.executing("r1")
	data := []byte("statement")
	h.artifact("r1.pdf", data)
	mp := h.drop("r1", "r1.pdf", data, func(m *manifest.Manifest) { m.Version = "2" })

	out, err := h.ing.ProcessManifest(context.Background(), mp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Equal(t, requests.StatusExecuting, h.status("r1").Status)
}

func TestProcessManifest_AfterTimeoutLeavesFailure(t *testing.T) {
	h := newHarness(t)
	h.executing("r1")
	_, err := h.store.ExpireExecutionTimeouts(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)

	data := []byte("late statement")
	h.artifact("r1.pdf", data)
	out, err := h.ing.ProcessManifest(context.Background(), h.drop("r1", "r1.pdf", data, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out)
	assert.Equal(t, requests.CodeExecutionTimeout, h.status("r1").Error.Code)
}

func TestReconcile_ProcessesInboxAndGuardsOverlap(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b"} {
		h.executing(id)
		data := []byte("statement " + id)
		h.artifact(id+".pdf", data)
		h.drop(id, id+".pdf", data, nil)
	}

	h.ing.inFlight.Store(true)
	ran, err := h.ing.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	h.ing.inFlight.Store(false)

	ran, err = h.ing.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, requests.StatusCompleted, h.status("a").Status)
	assert.Equal(t, requests.StatusCompleted, h.status("b").Status)
}

func TestRun_PicksUpLateManifest(t *testing.T) {
	h := newHarness(t)
	h.executing("r1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.ing.Run(ctx)

	data := []byte("statement")
	h.artifact("r1.pdf", data)
	h.drop("r1", "r1.pdf", data, nil)

	require.Eventually(t, func() bool {
		return h.status("r1").Status == requests.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWithin(t *testing.T) {
	root := filepath.FromSlash("/inbox")
	assert.True(t, within(root, root))
	assert.True(t, within(root, filepath.Join(root, "a.pdf")))
	assert.False(t, within(root, filepath.FromSlash("/inbox-evil/a.pdf")))
	assert.False(t, within(root, filepath.FromSlash("/etc/passwd")))
}

func TestResolveInbox(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := ResolveInbox("~/Inbox")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "Inbox"), got)

	_, err = ResolveInbox("  ")
	assert.Error(t, err)
}
