package observability

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

// EventRecorder logs every domain event and counts it. It implements
// requests.EventSink.
type EventRecorder struct {
	logger  *slog.Logger
	metrics *Metrics
}

// NewEventRecorder creates a recorder. metrics may be nil.
func NewEventRecorder(logger *slog.Logger, metrics *Metrics) *EventRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRecorder{logger: logger, metrics: metrics}
}

// Emit implements requests.EventSink.
func (r *EventRecorder) Emit(ctx context.Context, ev requests.Event) {
	attrs := make([]slog.Attr, 0, 8+len(ev.Attrs))
	if ev.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", ev.RequestID))
	}
	if ev.StatusBefore != "" {
		attrs = append(attrs, slog.String("status_before", string(ev.StatusBefore)))
	}
	if ev.StatusAfter != "" {
		attrs = append(attrs, slog.String("status_after", string(ev.StatusAfter)))
	}
	if ev.Count > 0 {
		attrs = append(attrs, slog.Int64("count", ev.Count))
	}
	if ev.Error != nil {
		attrs = append(attrs,
			slog.String("error_code", ev.Error.Code),
			slog.String("source", string(ev.Error.Source)),
			slog.String("stage", string(ev.Error.Stage)),
			slog.Bool("retriable", ev.Error.Retriable),
		)
		if ev.Error.Message != "" {
			attrs = append(attrs, slog.String("error_message", ev.Error.Message))
		}
	}
	for k, v := range ev.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}

	level := slog.LevelInfo
	if ev.Error != nil {
		level = slog.LevelWarn
	}
	r.logger.LogAttrs(ctx, level, ev.Name, attrs...)

	if r.metrics != nil {
		n := ev.Count
		if n <= 0 {
			n = 1
		}
		r.metrics.Events.WithLabelValues(ev.Name).Add(float64(n))
	}
}
