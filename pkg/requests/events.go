package requests

import "context"

// Event names emitted on effective state changes.
const (
	EventRequestCreated          = "request_created"
	EventRequestPresentedToPhone = "request_presented_to_phone"
	EventRequestApproved         = "request_approved"
	EventExecutionStarted        = "execution_started"
	EventRequestDenied           = "request_denied"
	EventExecutionFailed         = "execution_failed"
	EventManifestVerified        = "manifest_verified_broker"
	EventRequestCompleted        = "request_completed"
	EventRequestExpired          = "request_expired"
	EventExecutionTimedOut       = "execution_timed_out"
)

// Event describes one effective transition. Idempotent replays never
// produce events.
type Event struct {
	Name         string
	RequestID    string
	StatusBefore Status
	StatusAfter  Status
	Error        *ErrorRecord
	// Count is set by bulk transitions (sweeps) instead of RequestID.
	Count int64
	Attrs map[string]any
}

// EventSink receives domain events.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// DiscardEvents drops every event.
var DiscardEvents EventSink = EventSinkFunc(func(context.Context, Event) {})
