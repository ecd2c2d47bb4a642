package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/probedesk/probedesk/internal/resilience"

// Metrics holds the OpenTelemetry instruments for the resilient client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requestDuration    metric.Float64Histogram
	requestTotal       metric.Int64Counter
	retryTotal         metric.Int64Counter
	breakerTransitions metric.Int64Counter
}

// NewMetrics creates a Metrics instance with initialized instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	requestDuration, err := meter.Float64Histogram(
		"probe.client.request.duration",
		metric.WithDescription("Duration of probe requests in seconds, including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	requestTotal, err := meter.Int64Counter(
		"probe.client.request.total",
		metric.WithDescription("Total number of logical probe requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	retryTotal, err := meter.Int64Counter(
		"probe.client.retry.total",
		metric.WithDescription("Total number of retry attempts performed"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	breakerTransitions, err := meter.Int64Counter(
		"probe.client.breaker.transition.total",
		metric.WithDescription("Total number of circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		retryTotal:         retryTotal,
		breakerTransitions: breakerTransitions,
	}, nil
}

func (m *Metrics) recordRequest(ctx context.Context, service, outcome string, elapsed time.Duration, retries int) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("outcome", outcome),
	}
	m.requestTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.requestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
	if retries > 0 {
		m.retryTotal.Add(ctx, int64(retries), metric.WithAttributes(attribute.String("service", service)))
	}
}

func (m *Metrics) recordBreakerTransition(service string, from, to BreakerState) {
	if m == nil {
		return
	}
	m.breakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}
