package requests

import "errors"

// Source identifies which party reported a failure.
type Source string

const (
	SourceBroker Source = "BROKER"
	SourcePhone  Source = "PHONE"
	SourceBank   Source = "BANK"
	SourceICloud Source = "ICLOUD"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceBroker, SourcePhone, SourceBank, SourceICloud:
		return true
	}
	return false
}

// Stage identifies where in the pipeline a failure happened.
type Stage string

const (
	StageApproval   Stage = "APPROVAL"
	StageAuth       Stage = "AUTH"
	StageNavigation Stage = "NAVIGATION"
	StageDownload   Stage = "DOWNLOAD"
	StageIngest     Stage = "INGEST"
	StageVerify     Stage = "VERIFY"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageApproval, StageAuth, StageNavigation, StageDownload, StageIngest, StageVerify:
		return true
	}
	return false
}

// Error codes stored on requests or returned at the HTTP boundary.
const (
	CodeUnauthorized               = "UNAUTHORIZED"
	CodeRateLimited                = "RATE_LIMITED"
	CodeInvalidJSON                = "INVALID_JSON"
	CodeRequestTooLarge            = "REQUEST_TOO_LARGE"
	CodeInvalidRequestType         = "INVALID_REQUEST_TYPE"
	CodeMissingField               = "MISSING_FIELD"
	CodeInvalidDecision            = "INVALID_DECISION"
	CodeInvalidStatus              = "INVALID_STATUS"
	CodeRequestNotFound            = "REQUEST_NOT_FOUND"
	CodeNotFound                   = "NOT_FOUND"
	CodeIdempotencyConflict        = "IDEMPOTENCY_CONFLICT"
	CodeInvalidRequestState        = "INVALID_REQUEST_STATE"
	CodeDecisionConflict           = "DECISION_CONFLICT"
	CodeInvalidStateTransition     = "INVALID_STATE_TRANSITION"
	CodeManifestVerificationFailed = "MANIFEST_VERIFICATION_FAILED"
	CodeApprovalExpired            = "APPROVAL_EXPIRED"
	CodeExecutionTimeout           = "EXECUTION_TIMEOUT"
	CodeDeniedByUser               = "DENIED_BY_USER"
	CodeInternal                   = "INTERNAL_ERROR"
)

// ErrorRecord is the structured failure stored on a terminal request.
type ErrorRecord struct {
	Code      string `json:"error_code"`
	Source    Source `json:"source"`
	Stage     Stage  `json:"stage"`
	Retriable bool   `json:"retriable"`
	Message   string `json:"error_message,omitempty"`
}

var (
	// ErrRequestNotFound is returned when no request matches an id.
	ErrRequestNotFound = errors.New(CodeRequestNotFound)
	// ErrInvalidRequestState is returned when a conditional mutation found
	// the request in a status it does not accept.
	ErrInvalidRequestState = errors.New(CodeInvalidRequestState)
	// ErrDecisionConflict is returned when a decision contradicts the one
	// already applied.
	ErrDecisionConflict = errors.New(CodeDecisionConflict)
	// ErrInvalidStateTransition is returned when an operation would leave
	// the lifecycle graph.
	ErrInvalidStateTransition = errors.New(CodeInvalidStateTransition)
	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// with a different payload.
	ErrIdempotencyConflict = errors.New(CodeIdempotencyConflict)
	// ErrInvalidDecision is returned for anything other than APPROVE or DENY.
	ErrInvalidDecision = errors.New(CodeInvalidDecision)
)
