// Package client is a typed HTTP client for the broker API. The CLI uses it
// for operator commands.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Mindburn-Labs/puffer/broker/pkg/api"
	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

// DefaultTimeout bounds each call.
const DefaultTimeout = 15 * time.Second

// Error is a non-2xx response. Body is nil when the server did not send
// the broker error shape.
type Error struct {
	StatusCode int
	Body       *api.ErrorBody
}

func (e *Error) Error() string {
	if e.Body == nil {
		return fmt.Sprintf("broker returned %d", e.StatusCode)
	}
	return fmt.Sprintf("broker returned %d: %s", e.StatusCode, e.Body.Error())
}

// Code returns the error_code, or "" when there is none.
func (e *Error) Code() string {
	if e.Body == nil {
		return ""
	}
	return e.Body.Code
}

// Request is the status payload of one request.
type Request struct {
	RequestID          string          `json:"request_id"`
	Status             requests.Status `json:"status"`
	CreatedAt          string          `json:"created_at"`
	UpdatedAt          string          `json:"updated_at"`
	ApprovalExpiresAt  string          `json:"approval_expires_at,omitempty"`
	ExecutionTimeoutAt *string         `json:"execution_timeout_at,omitempty"`
	FilePath           string          `json:"file_path,omitempty"`
	CompletedAt        *string         `json:"completed_at,omitempty"`
	ResultSHA256       string          `json:"result_sha256,omitempty"`
	ArchiveRef         string          `json:"archive_ref,omitempty"`

	ErrorCode    string          `json:"error_code,omitempty"`
	Source       requests.Source `json:"source,omitempty"`
	Stage        requests.Stage  `json:"stage,omitempty"`
	Retriable    *bool           `json:"retriable,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// CreateInput is the body of POST /v1/request.
type CreateInput struct {
	Month          int    `json:"month"`
	Year           int    `json:"year"`
	AgentRequestID string `json:"agent_request_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ListOptions filters GET /v1/requests.
type ListOptions struct {
	Limit  int
	Cursor string
	Status requests.Status
}

// Page is one page of requests.
type Page struct {
	Requests   []Request `json:"requests"`
	NextCursor *string   `json:"next_cursor"`
}

// Decision is the phone endpoints' result.
type Decision struct {
	RequestID  string          `json:"request_id"`
	Status     requests.Status `json:"status"`
	Idempotent bool            `json:"idempotent"`
}

// Client talks to one broker with one bearer token. Agent and phone
// endpoints need different tokens, so callers usually hold two clients.
type Client struct {
	http *resty.Client
}

// New returns a client for baseURL authenticating with token.
func New(baseURL, token string) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("User-Agent", "puffer-broker-client/1.0").
		SetHeader("Accept", "application/json").
		SetTimeout(DefaultTimeout)
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c}
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("broker reported not ok")
	}
	return nil
}

// Create submits a statement request. The returned Request carries the
// creation fields, or the full status payload on an idempotent replay.
func (c *Client) Create(ctx context.Context, in CreateInput) (*Request, error) {
	body := struct {
		Type requests.Type `json:"type"`
		CreateInput
	}{Type: requests.TypeStatement, CreateInput: in}

	var out Request
	if err := c.do(ctx, http.MethodPost, "/v1/request", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns one request.
func (c *Client) Get(ctx context.Context, id string) (*Request, error) {
	var out Request
	if err := c.do(ctx, http.MethodGet, "/v1/request/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns one page of the caller's requests.
func (c *Client) List(ctx context.Context, opts ListOptions) (*Page, error) {
	q := map[string]string{}
	if opts.Limit > 0 {
		q["limit"] = strconv.Itoa(opts.Limit)
	}
	if opts.Cursor != "" {
		q["cursor"] = opts.Cursor
	}
	if opts.Status != "" {
		q["status"] = string(opts.Status)
	}
	var out Page
	if err := c.do(ctx, http.MethodGet, "/v1/requests", nil, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending returns the signed envelopes awaiting a decision, verbatim.
func (c *Client) Pending(ctx context.Context) ([]json.RawMessage, error) {
	var out struct {
		Requests []struct {
			Envelope json.RawMessage `json:"envelope"`
		} `json:"requests"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/phone/requests/pending", nil, nil, &out); err != nil {
		return nil, err
	}
	envs := make([]json.RawMessage, 0, len(out.Requests))
	for _, r := range out.Requests {
		envs = append(envs, r.Envelope)
	}
	return envs, nil
}

// Decide records APPROVE or DENY.
func (c *Client) Decide(ctx context.Context, id string, d requests.Decision) (*Decision, error) {
	var out Decision
	body := map[string]requests.Decision{"decision": d}
	if err := c.do(ctx, http.MethodPost, "/v1/phone/requests/"+id+"/decision", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportFailure reports a downstream failure for an executing request.
func (c *Client) ReportFailure(ctx context.Context, id string, rec requests.ErrorRecord) (*Decision, error) {
	var out Decision
	if err := c.do(ctx, http.MethodPost, "/v1/phone/requests/"+id+"/failure", rec, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string, out any) error {
	req := c.http.R().SetContext(ctx).SetResult(out).SetError(&api.ErrorBody{})
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := &Error{StatusCode: resp.StatusCode()}
		if eb, ok := resp.Error().(*api.ErrorBody); ok && eb.Code != "" {
			apiErr.Body = eb
		}
		return apiErr
	}
	return nil
}
