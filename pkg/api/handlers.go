package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/puffer/broker/pkg/auth"
	"github.com/Mindburn-Labs/puffer/broker/pkg/decision"
	"github.com/Mindburn-Labs/puffer/broker/pkg/intake"
	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
	"github.com/Mindburn-Labs/puffer/broker/pkg/store"
)

// Limits on list endpoints.
const (
	MaxListLimit = 200
	PendingLimit = 100
)

type createBody struct {
	Type           string `json:"type"`
	Month          any    `json:"month"`
	Year           any    `json:"year"`
	AgentRequestID string `json:"agent_request_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type createResponse struct {
	RequestID         string          `json:"request_id"`
	Status            requests.Status `json:"status"`
	CreatedAt         string          `json:"created_at"`
	ApprovalExpiresAt string          `json:"approval_expires_at"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if !readJSON(w, r, &body) {
		return
	}
	if requests.Type(body.Type) != requests.TypeStatement {
		WriteBadRequest(w, requests.CodeInvalidRequestType, "")
		return
	}
	// Non-integer periods fall through to range validation as zero.
	month, _ := intValue(body.Month)
	year, _ := intValue(body.Year)

	if body.IdempotencyKey != "" {
		// A replay reports the current status.
		s.sweep(r.Context())
	}
	res, err := s.deps.Intake.Create(r.Context(), intake.Input{
		AgentIdentity:  auth.Identity(r.Context()),
		Type:           requests.TypeStatement,
		Params:         requests.Params{Month: month, Year: year},
		AgentRequestID: body.AgentRequestID,
		IdempotencyKey: body.IdempotencyKey,
	})
	var verr *intake.ValidationError
	switch {
	case errors.As(err, &verr):
		WriteBadRequest(w, verr.Code, verr.Message)
		return
	case errors.Is(err, requests.ErrIdempotencyConflict):
		WriteConflict(w, requests.CodeIdempotencyConflict, requests.StageApproval, intake.ConflictMessage)
		return
	case err != nil:
		WriteInternal(w, r, err)
		return
	}

	if !res.Created {
		WriteJSON(w, statusCode(res.Request), StatusPayload(res.Request))
		return
	}
	WriteJSON(w, http.StatusAccepted, createResponse{
		RequestID:         res.Request.ID,
		Status:            res.Request.Status,
		CreatedAt:         requests.FormatTime(res.Request.CreatedAt),
		ApprovalExpiresAt: requests.FormatTime(res.Request.ApprovalExpiresAt),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.sweep(r.Context())

	req, err := s.deps.Store.FindByIDForAgent(r.Context(), r.PathValue("id"), auth.Identity(r.Context()))
	if errors.Is(err, requests.ErrRequestNotFound) {
		WriteNotFound(w, requests.CodeRequestNotFound)
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, statusCode(req), StatusPayload(req))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status requests.Status
	if raw := q.Get("status"); raw != "" {
		parsed, ok := requests.ParseStatus(raw)
		if !ok {
			WriteBadRequest(w, requests.CodeInvalidStatus, "")
			return
		}
		status = parsed
	}

	s.sweep(r.Context())

	page, err := s.deps.Store.List(r.Context(), store.ListQuery{
		AgentIdentity: auth.Identity(r.Context()),
		Limit:         parseLimit(q.Get("limit")),
		Cursor:        q.Get("cursor"),
		Status:        status,
	})
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	items := make([]map[string]any, 0, len(page.Requests))
	for _, req := range page.Requests {
		items = append(items, StatusPayload(req))
	}
	var next any
	if page.NextCursor != "" {
		next = page.NextCursor
	}
	WriteJSON(w, http.StatusOK, map[string]any{"requests": items, "next_cursor": next})
}

type pendingItem struct {
	Envelope json.RawMessage `json:"envelope"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	s.sweep(r.Context())

	rows, err := s.deps.Store.ListPending(r.Context(), PendingLimit)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	items := make([]pendingItem, 0, len(rows))
	for _, req := range rows {
		if !json.Valid([]byte(req.SignedEnvelope)) {
			s.logger.ErrorContext(r.Context(), "stored envelope is not valid JSON", "request_id", req.ID)
			continue
		}
		items = append(items, pendingItem{Envelope: json.RawMessage(req.SignedEnvelope)})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"requests": items})
}

type decisionBody struct {
	Decision string `json:"decision"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if !readJSON(w, r, &body) {
		return
	}
	d := requests.Decision(body.Decision)
	if !d.Valid() {
		WriteBadRequest(w, requests.CodeInvalidDecision, "")
		return
	}

	res, err := s.deps.Decisions.Decide(r.Context(), r.PathValue("id"), d)
	if err != nil {
		s.writeDomainError(w, r, err, requests.StageApproval)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

type failureBody struct {
	ErrorCode    string `json:"error_code"`
	Source       string `json:"source"`
	Stage        string `json:"stage"`
	Retriable    *bool  `json:"retriable"`
	ErrorMessage string `json:"error_message"`
}

func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	var body failureBody
	if !readJSON(w, r, &body) {
		return
	}
	rec := requests.ErrorRecord{
		Code:    body.ErrorCode,
		Source:  requests.Source(body.Source),
		Stage:   requests.Stage(body.Stage),
		Message: body.ErrorMessage,
	}
	if body.Retriable == nil || rec.Code == "" || !rec.Source.Valid() || !rec.Stage.Valid() {
		WriteBadRequest(w, requests.CodeMissingField, "")
		return
	}
	rec.Retriable = *body.Retriable

	res, err := s.deps.Decisions.ReportFailure(r.Context(), r.PathValue("id"), rec)
	if err != nil {
		s.writeDomainError(w, r, err, requests.StageDownload)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// writeDomainError maps coordinator sentinels to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error, stage requests.Stage) {
	switch {
	case errors.Is(err, requests.ErrRequestNotFound):
		WriteNotFound(w, requests.CodeRequestNotFound)
	case errors.Is(err, requests.ErrInvalidDecision):
		WriteBadRequest(w, requests.CodeInvalidDecision, "")
	case errors.Is(err, decision.ErrInvalidFailureReport):
		WriteBadRequest(w, requests.CodeMissingField, "")
	case errors.Is(err, requests.ErrInvalidRequestState):
		WriteConflict(w, requests.CodeInvalidRequestState, stage, "")
	case errors.Is(err, requests.ErrDecisionConflict):
		WriteConflict(w, requests.CodeDecisionConflict, stage, "")
	case errors.Is(err, requests.ErrInvalidStateTransition):
		WriteError(w, http.StatusInternalServerError, brokerError(requests.CodeInvalidStateTransition, stage, false, ""))
	default:
		WriteInternal(w, r, err)
	}
}

// statusCode is 202 while the request can still change and 200 after.
func statusCode(r *requests.Request) int {
	if r.Terminal() {
		return http.StatusOK
	}
	return http.StatusAccepted
}

// parseLimit floors and clamps to 1..MaxListLimit; anything unparsable
// falls back to the default.
func parseLimit(raw string) int {
	if raw == "" {
		return store.DefaultListLimit
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) {
		return store.DefaultListLimit
	}
	n := math.Floor(f)
	switch {
	case n < 1:
		return 1
	case n > MaxListLimit:
		return MaxListLimit
	}
	return int(n)
}
