// Package api is the broker's HTTP boundary: routing, request decoding and
// the uniform error body.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Code      string          `json:"error_code"`
	Source    requests.Source `json:"source"`
	Stage     requests.Stage  `json:"stage"`
	Retriable bool            `json:"retriable"`
	Message   string          `json:"error_message,omitempty"`
}

// Error implements the error interface.
func (e *ErrorBody) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an error body.
func WriteError(w http.ResponseWriter, status int, body ErrorBody) {
	WriteJSON(w, status, body)
}

func brokerError(code string, stage requests.Stage, retriable bool, message string) ErrorBody {
	return ErrorBody{Code: code, Source: requests.SourceBroker, Stage: stage, Retriable: retriable, Message: message}
}

// WriteBadRequest writes a 400 validation error.
func WriteBadRequest(w http.ResponseWriter, code, message string) {
	WriteError(w, http.StatusBadRequest, brokerError(code, requests.StageApproval, false, message))
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter) {
	WriteError(w, http.StatusUnauthorized, brokerError(requests.CodeUnauthorized, requests.StageAuth, false, ""))
}

// WriteNotFound writes a 404 with code.
func WriteNotFound(w http.ResponseWriter, code string) {
	WriteError(w, http.StatusNotFound, brokerError(code, requests.StageApproval, false, ""))
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, code string, stage requests.Stage, message string) {
	WriteError(w, http.StatusConflict, brokerError(code, stage, false, message))
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, brokerError(requests.CodeRateLimited, requests.StageApproval, true, ""))
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	WriteError(w, http.StatusInternalServerError, brokerError(requests.CodeInternal, requests.StageApproval, true, ""))
}
