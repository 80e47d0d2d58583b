// Package webhook applies GitHub webhook deliveries to the mirror through the
// same reconciliation path the sync coordinator uses.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wesm/github-issue-mirror/internal/apperr"
	"github.com/wesm/github-issue-mirror/internal/ledger"
	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/reconcile"
	"github.com/wesm/github-issue-mirror/internal/telemetry"
)

const signaturePrefix = "sha256="

// Ingestor verifies, decodes and applies webhook deliveries
type Ingestor struct {
	secret     []byte
	reconciler *reconcile.Reconciler
	ledger     *ledger.Ledger
	now        func() time.Time
	log        *slog.Logger
	metrics    *telemetry.Metrics
}

// Option configures an Ingestor
type Option func(*Ingestor)

// WithClock overrides the time source for ledger records.
func WithClock(now func() time.Time) Option {
	return func(in *Ingestor) {
		if now != nil {
			in.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(in *Ingestor) {
		if log != nil {
			in.log = log
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(in *Ingestor) {
		in.metrics = m
	}
}

// New creates an ingestor. An empty secret is accepted but rejects every delivery.
func New(secret string, reconciler *reconcile.Reconciler, ldg *ledger.Ledger, opts ...Option) *Ingestor {
	in := &Ingestor{
		secret:     []byte(secret),
		reconciler: reconciler,
		ledger:     ldg,
		now:        time.Now,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	if len(in.secret) == 0 {
		in.log.Warn("webhook secret is not configured; all deliveries will be rejected")
	}
	return in
}

// VerifySignature checks that signature is "sha256=" followed by the hex
// HMAC-SHA256 of payload under secret.
func VerifySignature(secret, payload []byte, signature string) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: webhook secret is not configured", apperr.ErrAuthentication)
	}
	if signature == "" {
		return fmt.Errorf("%w: signature header is missing", apperr.ErrAuthentication)
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return fmt.Errorf("%w: signature must start with %s", apperr.ErrAuthentication, signaturePrefix)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", apperr.ErrAuthentication)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), got) {
		return fmt.Errorf("%w: signature mismatch", apperr.ErrAuthentication)
	}
	return nil
}

// Sign returns the signature header value for payload. Used by tests and
// by tooling that replays deliveries.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Handle processes one delivery. Authentication and validation failures are
// returned before anything is written. Every other outcome is recorded in
// the ledger as a webhook sync.
func (in *Ingestor) Handle(ctx context.Context, payload []byte, signature, eventType string) error {
	if err := VerifySignature(in.secret, payload, signature); err != nil {
		in.log.Warn("webhook rejected", "event", eventType, "error", err)
		in.metrics.WebhookDelivery(ctx, eventType, "unauthorized")
		return err
	}

	ev, err := Decode(eventType, payload)
	if err != nil {
		in.log.Warn("webhook payload invalid", "event", eventType, "error", err)
		in.metrics.WebhookDelivery(ctx, eventType, "invalid")
		return err
	}

	var (
		tenant models.Tenant
		count  int
	)
	switch e := ev.(type) {
	case IssuesEvent:
		tenant = e.Tenant
		count, err = in.applyIssue(ctx, e)
	case LabelEvent:
		tenant = e.Tenant
		count, err = in.applyLabel(ctx, e)
	default:
		in.metrics.WebhookDelivery(ctx, eventType, "unsupported")
		return fmt.Errorf("%w: %q", apperr.ErrUnsupportedEvent, ev.EventType())
	}

	at := in.now().UTC()
	if err != nil {
		in.log.Error("webhook processing failed", "event", eventType, "tenant", tenant.String(), "error", err)
		in.ledger.RecordFailure(ctx, tenant, models.SyncWebhook, err, at)
		in.metrics.WebhookDelivery(ctx, eventType, "failed")
		return err
	}

	in.ledger.RecordSuccess(ctx, tenant, models.SyncWebhook, count, at)
	in.metrics.WebhookDelivery(ctx, eventType, "applied")
	return nil
}

func (in *Ingestor) applyIssue(ctx context.Context, e IssuesEvent) (int, error) {
	if err := in.reconciler.ReconcileIssue(ctx, e.Tenant, e.Issue); err != nil {
		return 0, err
	}
	in.log.Info("issue applied from webhook", "tenant", e.Tenant.String(), "issue", e.Issue.Number, "action", e.Action)
	return 1, nil
}

// applyLabel returns the number of issues whose updated_at was bumped.
func (in *Ingestor) applyLabel(ctx context.Context, e LabelEvent) (int, error) {
	if e.Action == "deleted" {
		deleted, err := in.reconciler.DeleteLabel(ctx, e.Tenant, e.Label.Name)
		if err != nil {
			return 0, err
		}
		in.log.Info("label deleted from webhook", "tenant", e.Tenant.String(), "label", e.Label.Name, "existed", deleted)
		return 0, nil
	}

	if err := in.reconciler.ReconcileLabel(ctx, e.Tenant, e.Label); err != nil {
		return 0, err
	}
	touched, err := in.reconciler.TouchIssuesWithLabel(ctx, e.Tenant, e.Label.Name)
	if err != nil {
		return 0, err
	}
	in.log.Info("label applied from webhook", "tenant", e.Tenant.String(), "label", e.Label.Name, "action", e.Action, "issues_touched", touched)
	return touched, nil
}
