package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"premiumgate/internal/billing"
	"premiumgate/internal/config"
	"premiumgate/internal/core"
	"premiumgate/internal/types"
)

// maxWebhookBodySize caps the raw webhook payload. Stripe events are small;
// anything larger is not a legitimate event.
const maxWebhookBodySize = 64 * 1024 // 64 KB

// SignatureVerifier checks a payload against its Stripe-Signature header.
type SignatureVerifier interface {
	Verify(payload []byte, sigHeader string, secret string) error
}

// EventProcessor applies a parsed billing event. Implemented by
// billing.Reconciler.
type EventProcessor interface {
	Process(ctx context.Context, settings *config.RuntimeSettings, ev *billing.BillingEvent) error
}

// WebhookHandler serves POST /stripe-webhook.
type WebhookHandler struct {
	verifier  SignatureVerifier
	processor EventProcessor
	settings  SettingsSource
	logger    *slog.Logger
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(verifier SignatureVerifier, processor EventProcessor, settings SettingsSource, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{verifier: verifier, processor: processor, settings: settings, logger: logger}
}

// RegisterRoutes mounts the webhook endpoint. It is not behind user auth;
// the Stripe signature is its authentication.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/stripe-webhook", h.HandleWebhook)
}

// webhookAck is the body returned for every accepted webhook delivery.
type webhookAck struct {
	Received bool `json:"received"`
}

// HandleWebhook verifies, parses and applies one Stripe event.
//
// Response contract, chosen around Stripe's retry behavior:
//   - 400 for signature failures and unparseable payloads. Retrying them
//     can never succeed.
//   - 200 for events that were processed, deliberately ignored, or failed
//     terminally (unresolvable customer). Stripe must not retry those.
//   - 5xx only for transient failures (Stripe or database unavailable),
//     so the delivery is retried and reconciliation stays eventually
//     consistent.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	settings := h.settings.Current()

	secret := settings.StripeWebhookSecret.Unmask()
	if secret == "" {
		// Without a secret no delivery can be verified. 503 keeps Stripe
		// retrying until the operator finishes configuration.
		core.Error(w, r, types.NewAppError(types.ErrCodeConfigMissing,
			"webhook secret is not configured", nil))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookPayloadInvalid,
			"failed to read webhook payload", err))
		return
	}

	if err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"), secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err, "remote_addr", r.RemoteAddr)
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookSignatureInvalid,
			"webhook signature verification failed", err))
		return
	}

	if !settings.Enabled {
		// Acknowledge while disabled so Stripe does not accumulate
		// retries; reconciliation restarts with live state once enabled.
		core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
		return
	}

	ev, handled, err := billing.ParseEvent(payload)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !handled {
		core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
		return
	}

	if err := h.processor.Process(r.Context(), settings, ev); err != nil {
		if types.IsTransient(err) {
			core.Error(w, r, err)
			return
		}
		// Terminal failure: log loudly, acknowledge so Stripe stops
		// retrying a delivery that can never succeed.
		h.logger.ErrorContext(r.Context(), "webhook event failed terminally",
			"event_id", ev.ID, "kind", string(ev.Kind), "error", err)
	}

	core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
}
