// Package store persists statement requests and completion manifests.
//
// Every mutation is a conditional update guarded by the expected prior
// status. The rows-affected count decides whether the caller won: anything
// other than one row means a concurrent writer got there first.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

var (
	// ErrDuplicate is returned by Insert when the nonce or the
	// (agent, idempotency key) pair already exists.
	ErrDuplicate = errors.New("duplicate request")
	// ErrManifestNotFound is returned when no completion manifest exists.
	ErrManifestNotFound = errors.New("completion manifest not found")
)

// Store is the SQL-backed request repository. It works unchanged against
// SQLite and Postgres since both accept $N placeholders.
type Store struct {
	db *sql.DB
}

// New wraps an open, migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Outcome is the result of a decision or failure report.
type Outcome struct {
	Status     requests.Status
	Idempotent bool
}

const requestColumns = `id, agent_identity, agent_request_id, request_type, parameters_json,
	idempotency_key, idempotency_fingerprint, nonce, signed_envelope_json, status, decision,
	decision_at, created_at, updated_at, approval_expires_at, execution_started_at,
	execution_timeout_at, result_file_path, result_sha256, completion_nonce, completed_at,
	error_code, error_source, error_stage, error_retriable, error_message, archive_ref`

// Insert persists a new request.
func (s *Store) Insert(ctx context.Context, req *requests.Request) error {
	params, err := json.Marshal(req.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	query := `
		INSERT INTO pending_requests (
			id, agent_identity, agent_request_id, request_type, parameters_json,
			idempotency_key, idempotency_fingerprint, nonce, signed_envelope_json,
			status, created_at, updated_at, approval_expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		req.ID, req.AgentIdentity, nullString(req.AgentRequestID), string(req.Type), string(params),
		nullString(req.IdempotencyKey), nullString(req.Fingerprint), req.Nonce, req.SignedEnvelope,
		string(req.Status), requests.FormatTime(req.CreatedAt), requests.FormatTime(req.UpdatedAt),
		requests.FormatTime(req.ApprovalExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// FindByID returns the request with the given id.
func (s *Store) FindByID(ctx context.Context, id string) (*requests.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM pending_requests WHERE id = $1`, id)
	return scanRequest(row)
}

// FindByIDForAgent returns the request only if it belongs to agent.
func (s *Store) FindByIDForAgent(ctx context.Context, id, agent string) (*requests.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM pending_requests WHERE id = $1 AND agent_identity = $2`, id, agent)
	return scanRequest(row)
}

// FindByIdempotency returns the request an agent created under key.
func (s *Store) FindByIdempotency(ctx context.Context, agent, key string) (*requests.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM pending_requests WHERE agent_identity = $1 AND idempotency_key = $2`,
		agent, key)
	return scanRequest(row)
}

// ListPending returns up to limit requests awaiting approval, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*requests.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM pending_requests WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT $2`,
		string(requests.StatusPendingApproval), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collect(rows)
}

// ListQuery selects one page of an agent's requests.
type ListQuery struct {
	AgentIdentity string
	Limit         int
	Cursor        string
	Status        requests.Status
}

// DefaultListLimit applies when a ListQuery carries no limit.
const DefaultListLimit = 50

// Page is one page of List results. NextCursor is empty on the last page.
type Page struct {
	Requests   []*requests.Request
	NextCursor string
}

// List pages through an agent's requests newest first. An undecodable cursor
// is ignored and the first page is returned.
func (s *Store) List(ctx context.Context, q ListQuery) (Page, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	var (
		where []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "agent_identity = "+bind(q.AgentIdentity))
	if q.Status != "" {
		where = append(where, "status = "+bind(string(q.Status)))
	}
	if c, ok := DecodeCursor(q.Cursor); ok {
		created := bind(c.CreatedAt)
		where = append(where, fmt.Sprintf("(created_at < %s OR (created_at = %s AND id < %s))",
			created, created, bind(c.ID)))
	}

	query := `SELECT ` + requestColumns + ` FROM pending_requests WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT ` + bind(q.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list requests: %w", err)
	}
	items, err := collect(rows)
	if err != nil {
		return Page{}, err
	}

	page := Page{Requests: items}
	if len(items) > q.Limit {
		page.Requests = items[:q.Limit]
		last := page.Requests[q.Limit-1]
		page.NextCursor = EncodeCursor(Cursor{CreatedAt: requests.FormatTime(last.CreatedAt), ID: last.ID})
	}
	return page, nil
}

// FindManifest returns the completion manifest recorded for a request.
func (s *Store) FindManifest(ctx context.Context, requestID string) (*requests.CompletionManifest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, filename, sha256, bytes, completed_at, nonce, signature, manifest_json, verified_at
		FROM completion_manifests WHERE request_id = $1`, requestID)

	var (
		m          requests.CompletionManifest
		verifiedAt string
	)
	err := row.Scan(&m.RequestID, &m.Filename, &m.SHA256, &m.Bytes, &m.CompletedAt,
		&m.Nonce, &m.Signature, &m.ManifestJSON, &verifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("scan manifest: %w", err)
	}
	if m.VerifiedAt, err = requests.ParseTime(verifiedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*requests.Request, error) {
	var (
		r requests.Request

		agentRequestID, idemKey, fingerprint, decision       sql.NullString
		decisionAt, startedAt, timeoutAt, completedAt        sql.NullString
		resultPath, resultSHA, completionNonce, archiveRef   sql.NullString
		errCode, errSource, errStage, errMessage             sql.NullString
		errRetriable                                         sql.NullInt64
		reqType, params, status, createdAt, updatedAt, expAt string
	)
	err := row.Scan(
		&r.ID, &r.AgentIdentity, &agentRequestID, &reqType, &params,
		&idemKey, &fingerprint, &r.Nonce, &r.SignedEnvelope, &status, &decision,
		&decisionAt, &createdAt, &updatedAt, &expAt, &startedAt,
		&timeoutAt, &resultPath, &resultSHA, &completionNonce, &completedAt,
		&errCode, &errSource, &errStage, &errRetriable, &errMessage, &archiveRef,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, requests.ErrRequestNotFound
		}
		return nil, fmt.Errorf("scan request: %w", err)
	}

	r.Type = requests.Type(reqType)
	r.Status = requests.Status(status)
	r.AgentRequestID = agentRequestID.String
	r.IdempotencyKey = idemKey.String
	r.Fingerprint = fingerprint.String
	r.Decision = requests.Decision(decision.String)
	r.ResultFilePath = resultPath.String
	r.ResultSHA256 = resultSHA.String
	r.CompletionNonce = completionNonce.String
	r.ArchiveRef = archiveRef.String

	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("decode params for %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = requests.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = requests.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if r.ApprovalExpiresAt, err = requests.ParseTime(expAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{decisionAt, &r.DecisionAt},
		{startedAt, &r.ExecutionStartedAt},
		{timeoutAt, &r.ExecutionTimeoutAt},
		{completedAt, &r.CompletedAt},
	} {
		if !f.src.Valid {
			continue
		}
		t, err := requests.ParseTime(f.src.String)
		if err != nil {
			return nil, err
		}
		*f.dst = &t
	}

	if errCode.Valid {
		r.Error = &requests.ErrorRecord{
			Code:      errCode.String,
			Source:    requests.Source(errSource.String),
			Stage:     requests.Stage(errStage.String),
			Retriable: errRetriable.Valid && errRetriable.Int64 != 0,
			Message:   errMessage.String,
		}
	}
	return &r, nil
}

func collect(rows *sql.Rows) ([]*requests.Request, error) {
	defer func() { _ = rows.Close() }()

	result := make([]*requests.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return result, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
