package transport

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/ndaxstream/internal/telemetry"
)

type connMetrics struct {
	environment string

	framesReceived  metric.Int64Counter
	framesDropped   metric.Int64Counter
	framesSent      metric.Int64Counter
	reconnects      metric.Int64Counter
	requestDuration metric.Float64Histogram
	pending         metric.Int64ObservableGauge
}

func newConnMetrics(c *Conn) *connMetrics {
	meter := otel.Meter("ndax.transport")
	m := &connMetrics{environment: telemetry.Environment()}

	m.framesReceived, _ = meter.Int64Counter(telemetry.MetricFramesReceived,
		metric.WithDescription("Envelopes decoded from the gateway socket"),
		metric.WithUnit("{frame}"))
	m.framesDropped, _ = meter.Int64Counter(telemetry.MetricFramesDropped,
		metric.WithDescription("Inbound frames dropped as malformed or unactionable"),
		metric.WithUnit("{frame}"))
	m.framesSent, _ = meter.Int64Counter(telemetry.MetricFramesSent,
		metric.WithDescription("Envelopes written to the gateway socket"),
		metric.WithUnit("{frame}"))
	m.reconnects, _ = meter.Int64Counter(telemetry.MetricReconnects,
		metric.WithDescription("Gateway socket reconnect attempts"),
		metric.WithUnit("{reconnect}"))
	m.requestDuration, _ = meter.Float64Histogram(telemetry.MetricRequestDuration,
		metric.WithDescription("Round trip of correlated request/reply exchanges"),
		metric.WithUnit("ms"))
	m.pending, _ = meter.Int64ObservableGauge(telemetry.MetricPendingRequests,
		metric.WithDescription("One-shot requests awaiting a reply"),
		metric.WithUnit("{request}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(c.registry.pendingCount()),
				metric.WithAttributes(telemetry.ConnectionAttributes(m.environment, "open", "")...))
			return nil
		}))
	return m
}

func (m *connMetrics) received(ctx context.Context, kind, name string) {
	if m == nil || m.framesReceived == nil {
		return
	}
	attrs := append(telemetry.OperationAttributes(m.environment, name), telemetry.AttrMessageKind.String(kind))
	m.framesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *connMetrics) dropped(ctx context.Context) {
	if m == nil || m.framesDropped == nil {
		return
	}
	m.framesDropped.Add(ctx, 1, metric.WithAttributes(
		telemetry.ResultAttributes(m.environment, "", telemetry.ResultMalformed)...))
}

func (m *connMetrics) sent(ctx context.Context, name string) {
	if m == nil || m.framesSent == nil {
		return
	}
	m.framesSent.Add(ctx, 1, metric.WithAttributes(telemetry.OperationAttributes(m.environment, name)...))
}

func (m *connMetrics) reconnect(ctx context.Context, reason string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(telemetry.ConnectionAttributes(m.environment, "reconnecting", reason)...))
}

func (m *connMetrics) request(ctx context.Context, name, result string, started time.Time) {
	if m == nil || m.requestDuration == nil {
		return
	}
	elapsed := float64(time.Since(started).Microseconds()) / 1000
	m.requestDuration.Record(ctx, elapsed, metric.WithAttributes(telemetry.ResultAttributes(m.environment, name, result)...))
}
