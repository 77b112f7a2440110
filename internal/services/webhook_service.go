package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/honeynil/split-settlement/internal/gateway"
	"github.com/honeynil/split-settlement/internal/infrastructure/observability"
	pkgerrors "github.com/honeynil/split-settlement/pkg/errors"
	"go.opentelemetry.io/otel"
)

type Finalizer interface {
	Finalize(ctx context.Context, referenceID string) (*FinalizeResult, error)
}

// WebhookReceiver authenticates gateway deliveries and hands the reference to
// Finalize. Callers acknowledge every delivery regardless of the returned
// error; it is reported for logging only.
type WebhookReceiver struct {
	gateway   gateway.Gateway
	finalizer Finalizer
}

func NewWebhookReceiver(gw gateway.Gateway, finalizer Finalizer) *WebhookReceiver {
	return &WebhookReceiver{gateway: gw, finalizer: finalizer}
}

// SignatureHeader is the header the gateway signs deliveries with.
func (w *WebhookReceiver) SignatureHeader() string {
	return w.gateway.SignatureHeader()
}

func (w *WebhookReceiver) Handle(ctx context.Context, payload []byte, signature string) error {
	ctx, span := otel.Tracer("webhook-receiver").Start(ctx, "Handle")
	defer span.End()

	if !w.gateway.CheckSignature(payload, signature) {
		observability.WebhookDeliveries.WithLabelValues("invalid_signature").Inc()
		slog.Warn("webhook dropped: invalid signature", "method", "Handle", "size", len(payload))
		return pkgerrors.ErrSignatureInvalid
	}

	event, err := w.gateway.ParseEvent(payload)
	if err != nil {
		observability.WebhookDeliveries.WithLabelValues("malformed").Inc()
		slog.Warn("webhook dropped: malformed event", "method", "Handle", "error", err)
		return err
	}

	res, err := w.finalizer.Finalize(ctx, event.Reference)
	if err != nil {
		observability.WebhookDeliveries.WithLabelValues("error").Inc()
		slog.Error("webhook finalize failed", "method", "Handle", "event", event.Type, "reference", event.Reference, "error", err)
		return fmt.Errorf("failed to finalize %s: %w", event.Reference, err)
	}

	outcome := string(res.State)
	if res.AlreadyFinalized {
		outcome = "duplicate"
	}
	observability.WebhookDeliveries.WithLabelValues(outcome).Inc()
	slog.Info("webhook processed", "method", "Handle", "event", event.Type, "reference", event.Reference,
		"state", res.State, "already_finalized", res.AlreadyFinalized, "retry_later", res.RetryLater)
	return nil
}
