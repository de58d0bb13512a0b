package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const checkoutMetricNamespace = "github.com/calanque-market/api/internal/services"

type checkoutMetrics struct {
	sessions        metric.Int64Counter
	sessionsEnabled bool
	failures        metric.Int64Counter
	failuresEnabled bool
	replays         metric.Int64Counter
	replaysEnabled  bool
}

func newCheckoutMetrics(meter metric.Meter) *checkoutMetrics {
	if meter == nil {
		meter = otel.Meter(checkoutMetricNamespace)
	}

	m := &checkoutMetrics{}
	if counter, err := meter.Int64Counter(
		"checkout.sessions.created",
		metric.WithDescription("Count of hosted checkout sessions created"),
	); err == nil {
		m.sessions = counter
		m.sessionsEnabled = true
	}
	if counter, err := meter.Int64Counter(
		"checkout.partitions.failed",
		metric.WithDescription("Count of merchant partitions whose session creation failed"),
	); err == nil {
		m.failures = counter
		m.failuresEnabled = true
	}
	if counter, err := meter.Int64Counter(
		"checkout.attempts.replayed",
		metric.WithDescription("Count of checkout attempts answered from the idempotency guard"),
	); err == nil {
		m.replays = counter
		m.replaysEnabled = true
	}
	return m
}

func (m *checkoutMetrics) recordSessions(ctx context.Context, count int, status string) {
	if m == nil || !m.sessionsEnabled || count <= 0 {
		return
	}
	m.sessions.Add(ctx, int64(count), metric.WithAttributes(attribute.String("status", status)))
}

func (m *checkoutMetrics) recordFailures(ctx context.Context, count int) {
	if m == nil || !m.failuresEnabled || count <= 0 {
		return
	}
	m.failures.Add(ctx, int64(count))
}

func (m *checkoutMetrics) recordReplay(ctx context.Context) {
	if m == nil || !m.replaysEnabled {
		return
	}
	m.replays.Add(ctx, 1)
}
