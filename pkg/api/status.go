package api

import (
	"time"

	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

// StatusPayload renders a request for agents. The fields present depend on
// the status.
func StatusPayload(r *requests.Request) map[string]any {
	out := map[string]any{
		"request_id": r.ID,
		"status":     r.Status,
		"created_at": requests.FormatTime(r.CreatedAt),
		"updated_at": requests.FormatTime(r.UpdatedAt),
	}

	switch {
	case !r.Status.Terminal():
		out["approval_expires_at"] = requests.FormatTime(r.ApprovalExpiresAt)
		out["execution_timeout_at"] = optionalTime(r.ExecutionTimeoutAt)
	case r.Status == requests.StatusCompleted:
		out["file_path"] = r.ResultFilePath
		out["completed_at"] = optionalTime(r.CompletedAt)
		out["result_sha256"] = r.ResultSHA256
		if r.ArchiveRef != "" {
			out["archive_ref"] = r.ArchiveRef
		}
	default:
		if r.Error == nil {
			break
		}
		out["error_code"] = r.Error.Code
		out["source"] = r.Error.Source
		out["stage"] = r.Error.Stage
		out["retriable"] = r.Error.Retriable
		if r.Error.Message != "" {
			out["error_message"] = r.Error.Message
		}
	}
	return out
}

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return requests.FormatTime(*t)
}
