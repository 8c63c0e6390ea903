package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

// MaxBodyBytes bounds every JSON request body.
const MaxBodyBytes = 256 << 10

// readJSON decodes the body into dst. On failure it writes the 400 response
// and returns false.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength > MaxBodyBytes {
		WriteBadRequest(w, requests.CodeRequestTooLarge, "")
		return false
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		WriteBadRequest(w, requests.CodeInvalidJSON, "")
		return false
	}
	if len(raw) > MaxBodyBytes {
		WriteBadRequest(w, requests.CodeRequestTooLarge, "")
		return false
	}
	if len(raw) == 0 || json.Unmarshal(raw, dst) != nil {
		WriteBadRequest(w, requests.CodeInvalidJSON, "")
		return false
	}
	return true
}

// intValue accepts JSON numbers with no fractional part.
func intValue(v any) (int, bool) {
	n, ok := v.(float64)
	if !ok || n != float64(int64(n)) {
		return 0, false
	}
	if n > 1<<31 || n < -(1<<31) {
		return 0, false
	}
	return int(n), true
}
