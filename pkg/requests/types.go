// Package requests defines the statement request entity, its lifecycle and
// the error taxonomy shared by every component that mutates it.
package requests

import (
	"time"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusSent            Status = "SENT"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusExecuting       Status = "EXECUTING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusDenied          Status = "DENIED"
	StatusExpired         Status = "EXPIRED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusSent,
	StatusPendingApproval,
	StatusApproved,
	StatusExecuting,
	StatusCompleted,
	StatusFailed,
	StatusDenied,
	StatusExpired,
}

// Decision is the approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionDeny    Decision = "DENY"
)

// Valid reports whether d is APPROVE or DENY.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionDeny
}

// Type is the kind of document requested.
type Type string

// TypeStatement is the only supported request type.
const TypeStatement Type = "statement"

// BankDefault is the fixed bank identifier carried in envelopes.
const BankDefault = "default"

// Params are the statement period.
type Params struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

// Validate checks the period bounds and returns the message used in the
// MISSING_FIELD error body.
func (p Params) Validate() (string, bool) {
	if p.Month < 1 || p.Month > 12 {
		return "month must be 1-12", false
	}
	if p.Year < 2000 || p.Year > 2100 {
		return "year must be valid", false
	}
	return "", true
}

// Request is the durable projection of a statement request.
type Request struct {
	ID             string
	AgentIdentity  string
	AgentRequestID string
	Type           Type
	Params         Params

	IdempotencyKey string
	Fingerprint    string

	Nonce          string
	SignedEnvelope string

	Status   Status
	Decision Decision

	CreatedAt          time.Time
	UpdatedAt          time.Time
	DecisionAt         *time.Time
	ApprovalExpiresAt  time.Time
	ExecutionStartedAt *time.Time
	ExecutionTimeoutAt *time.Time
	CompletedAt        *time.Time

	ResultFilePath  string
	ResultSHA256    string
	CompletionNonce string
	ArchiveRef      string

	Error *ErrorRecord
}

// Terminal reports whether the request has reached a final status.
func (r *Request) Terminal() bool {
	return r.Status.Terminal()
}

// CompletionManifest is the audit record written once per accepted completion.
type CompletionManifest struct {
	RequestID    string
	Filename     string
	SHA256       string
	Bytes        int64
	CompletedAt  string
	Nonce        string
	Signature    string
	ManifestJSON string
	VerifiedAt   time.Time
}
