// Package ingest reconciles the shared inbox against pending requests. The
// inbox is untrusted: every artifact is re-verified against its signed
// manifest before a request is completed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/puffer/broker/pkg/artifacts"
	"github.com/Mindburn-Labs/puffer/broker/pkg/crypto"
	"github.com/Mindburn-Labs/puffer/broker/pkg/manifest"
	"github.com/Mindburn-Labs/puffer/broker/pkg/observability"
	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
	"github.com/Mindburn-Labs/puffer/broker/pkg/store"
)

// Defaults for Config.
const (
	DefaultStabilityWindow   = 2 * time.Second
	DefaultReconcileInterval = 10 * time.Second
)

// Rejection messages stored on the failed request.
const (
	MsgInvalidSignature = "invalid manifest signature"
	MsgPathTraversal    = "path traversal rejected"
	MsgDigestMismatch   = "digest mismatch"
)

// Outcome classifies what happened to one manifest.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	// OutcomeUnchanged means the manifest verified but the request was
	// already finalized or the manifest was seen before.
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeRejected  Outcome = "rejected"
	OutcomeSkipped   Outcome = "skipped"
)

// Store is the persistence used by the ingestor.
type Store interface {
	FindByID(ctx context.Context, id string) (*requests.Request, error)
	MarkCompleted(ctx context.Context, c store.Completion) (bool, error)
	MarkManifestVerificationFailure(ctx context.Context, id, message string, now time.Time) (bool, error)
	RecordArchive(ctx context.Context, id, ref string) error
}

// Config configures an Ingestor.
type Config struct {
	InboxPath         string
	StabilityWindow   time.Duration
	ReconcileInterval time.Duration
}

// Ingestor verifies inbox manifests and completes requests.
type Ingestor struct {
	store     Store
	signer    crypto.Signer
	events    requests.EventSink
	vault     artifacts.Vault
	metrics   *observability.Metrics
	telemetry *observability.Provider
	logger    *slog.Logger
	now       func() time.Time

	inbox     string
	stability time.Duration
	interval  time.Duration

	inFlight atomic.Bool
}

// Option customizes an Ingestor.
type Option func(*Ingestor)

// WithVault archives completed statements.
func WithVault(v artifacts.Vault) Option {
	return func(i *Ingestor) { i.vault = v }
}

// WithMetrics counts outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

// WithTelemetry traces manifest processing.
func WithTelemetry(p *observability.Provider) Option {
	return func(i *Ingestor) { i.telemetry = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) { i.logger = l }
}

// New creates an ingestor for cfg.InboxPath.
func New(cfg Config, st Store, signer crypto.Signer, events requests.EventSink, opts ...Option) (*Ingestor, error) {
	inbox, err := ResolveInbox(cfg.InboxPath)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = requests.DiscardEvents
	}
	i := &Ingestor{
		store:     st,
		signer:    signer,
		events:    events,
		logger:    slog.Default().With("component", "ingest"),
		now:       time.Now,
		inbox:     inbox,
		stability: cfg.StabilityWindow,
		interval:  cfg.ReconcileInterval,
	}
	if i.stability < 0 {
		i.stability = 0
	}
	if i.interval <= 0 {
		i.interval = DefaultReconcileInterval
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Inbox returns the absolute inbox root.
func (i *Ingestor) Inbox() string {
	return i.inbox
}

// Reconcile processes every manifest currently in the inbox. If another
// reconcile is running it returns immediately with ran=false.
func (i *Ingestor) Reconcile(ctx context.Context) (ran bool, err error) {
	if !i.inFlight.CompareAndSwap(false, true) {
		return false, nil
	}
	defer i.inFlight.Store(false)

	entries, err := os.ReadDir(i.inbox)
	if err != nil {
		return true, fmt.Errorf("read inbox: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		if e.IsDir() || !manifest.IsManifestName(e.Name()) {
			continue
		}
		path := filepath.Join(i.inbox, e.Name())
		if _, err := i.ProcessManifest(ctx, path); err != nil {
			if errors.Is(err, context.Canceled) {
				return true, err
			}
			i.logger.ErrorContext(ctx, "manifest processing failed", "manifest_file", e.Name(), "error", err)
		}
	}
	return true, nil
}

// ProcessManifest runs the verification pipeline for one manifest file.
// Conditions that may resolve later (partial writes, missing artifact,
// unknown request) are skipped without error so the next sweep retries.
func (i *Ingestor) ProcessManifest(ctx context.Context, manifestPath string) (outcome Outcome, err error) {
	ctx, done := i.telemetry.TrackOperation(ctx, "ingest.manifest",
		observability.AttrManifestFile.String(filepath.Base(manifestPath)))
	defer func() {
		if outcome != "" {
			i.count(outcome)
		}
		done(err)
	}()

	raw, err := os.ReadFile(manifestPath) //nolint:gosec // listed from inbox
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("read manifest: %w", err)
	}

	m, err := manifest.Parse(raw)
	if err != nil {
		if errors.Is(err, manifest.ErrUnsupportedVersion) {
			i.logger.WarnContext(ctx, "manifest version unsupported", "manifest_file", filepath.Base(manifestPath), "error", err)
		}
		return OutcomeSkipped, nil
	}

	req, err := i.store.FindByID(ctx, m.RequestID)
	if errors.Is(err, requests.ErrRequestNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}

	ok, err := manifest.Verify(i.signer, m)
	if err != nil {
		return "", fmt.Errorf("verify manifest: %w", err)
	}
	if !ok {
		return i.reject(ctx, req, MsgInvalidSignature)
	}

	artifactPath := resolveArtifact(i.inbox, m.Filename)
	if !within(i.inbox, artifactPath) {
		return i.reject(ctx, req, MsgPathTraversal)
	}

	info, ok := readable(artifactPath)
	if !ok {
		return OutcomeSkipped, nil
	}
	escapes, err := escapesViaSymlink(i.inbox, artifactPath)
	if err != nil {
		return OutcomeSkipped, nil
	}
	if escapes {
		return i.reject(ctx, req, MsgPathTraversal)
	}

	stable, err := i.stable(ctx, artifactPath, info)
	if err != nil {
		return "", err
	}
	if !stable {
		return OutcomeSkipped, nil
	}

	digest, size, err := crypto.SHA256File(artifactPath)
	if err != nil {
		return OutcomeSkipped, nil
	}
	if !strings.EqualFold(digest, m.SHA256) {
		return i.reject(ctx, req, MsgDigestMismatch)
	}

	now := requests.Truncate(i.now())
	completedAt, err := requests.ParseTime(m.CompletedAt)
	if err != nil {
		completedAt = now
	}
	bytes := m.Bytes
	if bytes <= 0 {
		bytes = size
	}

	changed, err := i.store.MarkCompleted(ctx, store.Completion{
		Manifest: requests.CompletionManifest{
			RequestID:    m.RequestID,
			Filename:     m.Filename,
			SHA256:       digest,
			Bytes:        bytes,
			CompletedAt:  m.CompletedAt,
			Nonce:        m.Nonce,
			Signature:    m.Signature,
			ManifestJSON: string(raw),
			VerifiedAt:   now,
		},
		ResultFilePath: artifactPath,
		CompletedAt:    completedAt,
	})
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeUnchanged, nil
	}

	i.events.Emit(ctx, requests.Event{
		Name:         requests.EventRequestCompleted,
		RequestID:    req.ID,
		StatusBefore: req.Status,
		StatusAfter:  requests.StatusCompleted,
		Attrs:        map[string]any{"result_sha256": digest, "bytes": bytes},
	})
	i.archive(ctx, req.ID, artifactPath)
	return OutcomeCompleted, nil
}

// reject fails the request with a trust error. Requests that already left
// APPROVED/EXECUTING are untouched and produce no event.
func (i *Ingestor) reject(ctx context.Context, req *requests.Request, message string) (Outcome, error) {
	changed, err := i.store.MarkManifestVerificationFailure(ctx, req.ID, message, i.now())
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeUnchanged, nil
	}
	i.events.Emit(ctx, requests.Event{
		Name:         requests.EventManifestVerified,
		RequestID:    req.ID,
		StatusBefore: req.Status,
		StatusAfter:  requests.StatusFailed,
		Error: &requests.ErrorRecord{
			Code:    requests.CodeManifestVerificationFailed,
			Source:  requests.SourceBroker,
			Stage:   requests.StageVerify,
			Message: message,
		},
	})
	return OutcomeRejected, nil
}

// stable reports whether the file kept its size and mtime across the
// stability window and is non-empty.
func (i *Ingestor) stable(ctx context.Context, path string, first os.FileInfo) (bool, error) {
	if i.stability > 0 {
		t := time.NewTimer(i.stability)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
	second, err := os.Stat(path)
	if err != nil {
		return false, nil
	}
	return first.Size() > 0 &&
		first.Size() == second.Size() &&
		first.ModTime().Equal(second.ModTime()), nil
}

func (i *Ingestor) archive(ctx context.Context, id, path string) {
	if i.vault == nil {
		return
	}
	result := "ok"
	defer func() {
		if i.metrics != nil {
			i.metrics.Archived.WithLabelValues(result).Inc()
		}
	}()

	data, err := os.ReadFile(path) //nolint:gosec // verified inbox artifact
	if err != nil {
		result = "error"
		i.logger.WarnContext(ctx, "statement archive failed", "request_id", id, "error", err)
		return
	}
	ref, err := i.vault.Put(ctx, data)
	if err != nil {
		result = "error"
		i.logger.WarnContext(ctx, "statement archive failed", "request_id", id, "error", err)
		return
	}
	if err := i.store.RecordArchive(ctx, id, ref); err != nil {
		result = "error"
		i.logger.WarnContext(ctx, "statement archive not recorded", "request_id", id, "archive_ref", ref, "error", err)
		return
	}
	i.logger.InfoContext(ctx, "statement_archived", "request_id", id, "archive_ref", ref)
}

func (i *Ingestor) count(o Outcome) {
	if i.metrics != nil {
		i.metrics.IngestOutcomes.WithLabelValues(string(o)).Inc()
	}
}
