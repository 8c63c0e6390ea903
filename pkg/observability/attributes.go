package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span and metric attribute keys.
var (
	AttrOperation     = attribute.Key("broker.operation")
	AttrRequestID     = attribute.Key("broker.request.id")
	AttrDecision      = attribute.Key("broker.request.decision")
	AttrStatus        = attribute.Key("broker.request.status")
	AttrManifestFile  = attribute.Key("broker.manifest.file")
	AttrIngestOutcome = attribute.Key("broker.ingest.outcome")
)

// RequestAttrs identifies a request on a span.
func RequestAttrs(id string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrRequestID.String(id)}
}

// DecisionAttrs describes a decision being applied.
func DecisionAttrs(id, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRequestID.String(id),
		AttrDecision.String(decision),
	}
}
