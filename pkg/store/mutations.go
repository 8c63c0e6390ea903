package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

// ApplyDecision applies an approver decision to req, which must have been read
// fresh by the caller. APPROVE chains APPROVED and EXECUTING in a single
// transaction so no reader ever observes a bare APPROVED row.
func (s *Store) ApplyDecision(ctx context.Context, req *requests.Request, d requests.Decision, executionTimeoutAt, now time.Time) (Outcome, error) {
	if !d.Valid() {
		return Outcome{}, requests.ErrInvalidDecision
	}
	if req.Status != requests.StatusPendingApproval {
		return ReplayDecision(req, d)
	}

	switch d {
	case requests.DecisionDeny:
		if !requests.CanTransition(req.Status, requests.StatusDenied) {
			return Outcome{}, requests.ErrInvalidStateTransition
		}
		return s.deny(ctx, req.ID, now)
	default:
		if !requests.CanTransition(req.Status, requests.StatusApproved) ||
			!requests.CanTransition(requests.StatusApproved, requests.StatusExecuting) {
			return Outcome{}, requests.ErrInvalidStateTransition
		}
		return s.approve(ctx, req.ID, executionTimeoutAt, now)
	}
}

// ReplayDecision classifies a decision against a request that has already
// left PENDING_APPROVAL. A replay of the decision that was applied is
// idempotent; anything else is a conflict.
func ReplayDecision(req *requests.Request, d requests.Decision) (Outcome, error) {
	switch {
	case req.Status == requests.StatusDenied && req.Decision == requests.DecisionDeny && d == requests.DecisionDeny:
		return Outcome{Status: req.Status, Idempotent: true}, nil
	case (req.Status == requests.StatusExecuting || req.Status == requests.StatusCompleted || req.Status == requests.StatusFailed) &&
		req.Decision == requests.DecisionApprove && d == requests.DecisionApprove:
		return Outcome{Status: req.Status, Idempotent: true}, nil
	case !req.Status.Terminal():
		return Outcome{}, requests.ErrInvalidRequestState
	default:
		return Outcome{}, requests.ErrDecisionConflict
	}
}

func (s *Store) deny(ctx context.Context, id string, now time.Time) (Outcome, error) {
	ts := requests.FormatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_requests
		SET status = $1, decision = $2, decision_at = $3, updated_at = $3,
			error_code = $4, error_source = $5, error_stage = $6, error_retriable = $7, error_message = NULL
		WHERE id = $8 AND status = $9`,
		string(requests.StatusDenied), string(requests.DecisionDeny), ts,
		requests.CodeDeniedByUser, string(requests.SourcePhone), string(requests.StageApproval), 0,
		id, string(requests.StatusPendingApproval),
	)
	if err != nil {
		return Outcome{}, fmt.Errorf("deny request: %w", err)
	}
	if err := expectOne(res); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: requests.StatusDenied}, nil
}

func (s *Store) approve(ctx context.Context, id string, executionTimeoutAt, now time.Time) (Outcome, error) {
	ts := requests.FormatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin approve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE pending_requests
		SET status = $1, decision = $2, decision_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(requests.StatusApproved), string(requests.DecisionApprove), ts,
		id, string(requests.StatusPendingApproval),
	)
	if err != nil {
		return Outcome{}, fmt.Errorf("mark approved: %w", err)
	}
	if err := expectOne(res); err != nil {
		return Outcome{}, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE pending_requests
		SET status = $1, execution_started_at = $2, execution_timeout_at = $3, updated_at = $2
		WHERE id = $4 AND status = $5`,
		string(requests.StatusExecuting), ts, requests.FormatTime(executionTimeoutAt),
		id, string(requests.StatusApproved),
	)
	if err != nil {
		return Outcome{}, fmt.Errorf("mark executing: %w", err)
	}
	if err := expectOne(res); err != nil {
		return Outcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("commit approve: %w", err)
	}
	return Outcome{Status: requests.StatusExecuting}, nil
}

// ReportFailure records a downstream failure on an APPROVED or EXECUTING
// request. Requests that are already terminal are left untouched.
func (s *Store) ReportFailure(ctx context.Context, req *requests.Request, rec requests.ErrorRecord, now time.Time) (Outcome, error) {
	if req.Status.Terminal() {
		return Outcome{Status: req.Status, Idempotent: true}, nil
	}
	if req.Status != requests.StatusExecuting && req.Status != requests.StatusApproved {
		return Outcome{}, requests.ErrInvalidRequestState
	}
	if !requests.CanTransition(req.Status, requests.StatusFailed) {
		return Outcome{}, requests.ErrInvalidStateTransition
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_requests
		SET status = $1, updated_at = $2,
			error_code = $3, error_source = $4, error_stage = $5, error_retriable = $6, error_message = $7
		WHERE id = $8 AND status IN ($9, $10)`,
		string(requests.StatusFailed), requests.FormatTime(now),
		rec.Code, string(rec.Source), string(rec.Stage), boolInt(rec.Retriable), nullString(rec.Message),
		req.ID, string(requests.StatusExecuting), string(requests.StatusApproved),
	)
	if err != nil {
		return Outcome{}, fmt.Errorf("report failure: %w", err)
	}
	if err := expectOne(res); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: requests.StatusFailed}, nil
}

// Completion carries a verified manifest and the artifact it describes.
type Completion struct {
	Manifest       requests.CompletionManifest
	ResultFilePath string
	CompletedAt    time.Time
}

// MarkCompleted records the manifest and moves the request to COMPLETED in
// one transaction. It returns false without error when the request already
// left APPROVED/EXECUTING or the manifest was recorded before.
func (s *Store) MarkCompleted(ctx context.Context, c Completion) (bool, error) {
	m := c.Manifest
	verifiedAt := requests.FormatTime(m.VerifiedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin completion: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO completion_manifests (
			request_id, filename, sha256, bytes, completed_at, nonce, signature, manifest_json, verified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.RequestID, m.Filename, m.SHA256, m.Bytes, m.CompletedAt, m.Nonce, m.Signature, m.ManifestJSON, verifiedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert manifest: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE pending_requests
		SET status = $1, updated_at = $2, completed_at = $3,
			result_file_path = $4, result_sha256 = $5, completion_nonce = $6,
			error_code = NULL, error_source = NULL, error_stage = NULL, error_retriable = NULL, error_message = NULL
		WHERE id = $7 AND status IN ($8, $9)`,
		string(requests.StatusCompleted), verifiedAt, requests.FormatTime(c.CompletedAt),
		c.ResultFilePath, m.SHA256, m.Nonce,
		m.RequestID, string(requests.StatusExecuting), string(requests.StatusApproved),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("mark completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n != 1 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit completion: %w", err)
	}
	return true, nil
}

// MarkManifestVerificationFailure fails an APPROVED or EXECUTING request whose
// artifact could not be trusted. It reports whether a row changed.
func (s *Store) MarkManifestVerificationFailure(ctx context.Context, id, message string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_requests
		SET status = $1, updated_at = $2,
			error_code = $3, error_source = $4, error_stage = $5, error_retriable = $6, error_message = $7
		WHERE id = $8 AND status IN ($9, $10)`,
		string(requests.StatusFailed), requests.FormatTime(now),
		requests.CodeManifestVerificationFailed, string(requests.SourceBroker), string(requests.StageVerify), 0, message,
		id, string(requests.StatusApproved), string(requests.StatusExecuting),
	)
	if err != nil {
		return false, fmt.Errorf("mark verification failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

// ExpirePendingApprovals moves every PENDING_APPROVAL request whose approval
// deadline is before now to EXPIRED.
func (s *Store) ExpirePendingApprovals(ctx context.Context, now time.Time) (int64, error) {
	ts := requests.FormatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_requests
		SET status = $1, updated_at = $2,
			error_code = $3, error_source = $4, error_stage = $5, error_retriable = $6, error_message = NULL
		WHERE status = $7 AND approval_expires_at < $2`,
		string(requests.StatusExpired), ts,
		requests.CodeApprovalExpired, string(requests.SourceBroker), string(requests.StageApproval), 0,
		string(requests.StatusPendingApproval),
	)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return res.RowsAffected()
}

// ExpireExecutionTimeouts fails every EXECUTING request whose execution
// deadline is before now.
func (s *Store) ExpireExecutionTimeouts(ctx context.Context, now time.Time) (int64, error) {
	ts := requests.FormatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_requests
		SET status = $1, updated_at = $2,
			error_code = $3, error_source = $4, error_stage = $5, error_retriable = $6, error_message = $7
		WHERE status = $8 AND execution_timeout_at IS NOT NULL AND execution_timeout_at < $2`,
		string(requests.StatusFailed), ts,
		requests.CodeExecutionTimeout, string(requests.SourceBroker), string(requests.StageDownload), 1, "execution timeout",
		string(requests.StatusExecuting),
	)
	if err != nil {
		return 0, fmt.Errorf("expire executions: %w", err)
	}
	return res.RowsAffected()
}

// RecordArchive stores the vault reference of a completed request's artifact.
func (s *Store) RecordArchive(ctx context.Context, id, ref string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_requests SET archive_ref = $1 WHERE id = $2 AND status = $3`,
		ref, id, string(requests.StatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("record archive: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n != 1 {
		return requests.ErrInvalidRequestState
	}
	return nil
}
