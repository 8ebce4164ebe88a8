package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by the client's instruments.
const (
	AttrEnvironment     = attribute.Key("environment")
	AttrVenue           = attribute.Key("venue")
	AttrOperation       = attribute.Key("operation")
	AttrMessageKind     = attribute.Key("message.kind")
	AttrSymbol          = attribute.Key("symbol")
	AttrTimeframe       = attribute.Key("timeframe")
	AttrResult          = attribute.Key("result")
	AttrReason          = attribute.Key("reason")
	AttrConnectionState = attribute.Key("connection.state")
)

// Instrument names.
const (
	MetricFramesReceived  = "ndax.transport.frames.received"
	MetricFramesDropped   = "ndax.transport.frames.dropped"
	MetricFramesSent      = "ndax.transport.frames.sent"
	MetricReconnects      = "ndax.transport.reconnects"
	MetricPendingRequests = "ndax.transport.requests.pending"
	MetricRequestDuration = "ndax.transport.request.duration"
	MetricEventsHandled   = "ndax.client.events.handled"
)

// Result values.
const (
	ResultOK        = "ok"
	ResultTimeout   = "timeout"
	ResultClosed    = "connection_closed"
	ResultRejected  = "rejected"
	ResultMalformed = "malformed"
)

// VenueNDAX labels every signal emitted by this client.
const VenueNDAX = "ndax"

// OperationAttributes returns the common attribute set for per-operation signals.
func OperationAttributes(environment, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(VenueNDAX),
		AttrOperation.String(operation),
	}
}

// ResultAttributes extends OperationAttributes with an outcome label.
func ResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return append(OperationAttributes(environment, operation), AttrResult.String(result))
}

// ConnectionAttributes labels connection lifecycle signals.
func ConnectionAttributes(environment, state, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(VenueNDAX),
		AttrConnectionState.String(state),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}
