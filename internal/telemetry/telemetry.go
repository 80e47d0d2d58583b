// Package telemetry exposes the OpenTelemetry counters recorded by the sync
// and webhook paths. Without an installed MeterProvider the global no-op
// provider is used and recording costs nothing.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/wesm/github-issue-mirror"

// Metrics holds the instruments. A nil *Metrics records nothing.
type Metrics struct {
	syncs         metric.Int64Counter
	webhooks      metric.Int64Counter
	reconciled    metric.Int64Counter
	invalidations metric.Int64Counter
}

// New creates the instruments from the global meter provider
func New() *Metrics {
	return NewWithMeter(otel.Meter(scopeName))
}

// NewWithMeter creates the instruments from m
func NewWithMeter(m metric.Meter) *Metrics {
	syncs, _ := m.Int64Counter("mirror.sync.attempts",
		metric.WithDescription("Sync attempts by type and outcome"),
	)
	webhooks, _ := m.Int64Counter("mirror.webhook.deliveries",
		metric.WithDescription("Webhook deliveries by event and outcome"),
	)
	reconciled, _ := m.Int64Counter("mirror.reconcile.writes",
		metric.WithDescription("Rows written by the reconciler"),
	)
	invalidations, _ := m.Int64Counter("mirror.cache.invalidations",
		metric.WithDescription("Tenant cache invalidations"),
	)
	return &Metrics{
		syncs:         syncs,
		webhooks:      webhooks,
		reconciled:    reconciled,
		invalidations: invalidations,
	}
}

// SyncAttempt counts one sync attempt
func (m *Metrics) SyncAttempt(ctx context.Context, syncType, status string) {
	if m == nil || m.syncs == nil {
		return
	}
	m.syncs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sync.type", syncType),
		attribute.String("sync.status", status),
	))
}

// WebhookDelivery counts one webhook delivery
func (m *Metrics) WebhookDelivery(ctx context.Context, event, outcome string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("webhook.event", event),
		attribute.String("webhook.outcome", outcome),
	))
}

// Reconciled counts one reconciled row of the given kind
func (m *Metrics) Reconciled(ctx context.Context, kind string) {
	if m == nil || m.reconciled == nil {
		return
	}
	m.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Invalidated counts one tenant cache invalidation
func (m *Metrics) Invalidated(ctx context.Context) {
	if m == nil || m.invalidations == nil {
		return
	}
	m.invalidations.Add(ctx, 1)
}
