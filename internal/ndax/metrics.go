package ndax

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/ndaxstream/internal/telemetry"
)

type clientMetrics struct {
	environment string
	events      metric.Int64Counter
}

func newClientMetrics() *clientMetrics {
	m := &clientMetrics{environment: telemetry.Environment()}
	m.events, _ = otel.Meter("ndax.client").Int64Counter(telemetry.MetricEventsHandled,
		metric.WithDescription("Gateway events folded into client state"),
		metric.WithUnit("{event}"))
	return m
}

func (m *clientMetrics) handled(name string, ok bool) {
	if m == nil || m.events == nil {
		return
	}
	result := telemetry.ResultOK
	if !ok {
		result = telemetry.ResultMalformed
	}
	m.events.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ResultAttributes(m.environment, name, result)...))
}
