package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"ms-checkout/internal/errs"
)

const maxWebhookBody = 65536

// WebhookError represents an error that occurred during webhook processing
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int    // HTTP status code
	PublicError   string // Safe to expose to clients
	InternalError string // Detailed error for logs only
	OriginalErr   error  // Underlying error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

// HandleStripeWebhook verifies a Stripe webhook and routes payment intent
// events through the same idempotent paths as client confirmations. Stripe
// redelivers on any non-2xx answer, so only failures a retry could fix are
// reported with a 5xx status.
func (r *Reconciler) HandleStripeWebhook(req *http.Request) error {
	if r.WebhookSecret == "" {
		r.Logger.Error("WEBHOOK", "Stripe webhook secret is not configured")
		return &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "Stripe webhook secret is not configured",
		}
	}

	payload, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		r.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to read webhook payload: %v", err))
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("Failed to read webhook payload: %v", err),
			OriginalErr:   err,
		}
	}

	opts := webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}
	event, err := webhook.ConstructEventWithOptions(payload, req.Header.Get("Stripe-Signature"), r.WebhookSecret, opts)
	if err != nil {
		r.Logger.LogSecurity("WEBHOOK_SIGNATURE", fmt.Sprintf("Webhook signature verification failed: %v", err))
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Webhook signature verification failed",
			InternalError: fmt.Sprintf("Webhook signature verification failed: %v", err),
			OriginalErr:   err,
		}
	}

	r.Logger.Info("WEBHOOK", fmt.Sprintf("Processing Stripe webhook event: %s", event.Type))

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
	default:
		r.Logger.Info("WEBHOOK", fmt.Sprintf("Unhandled event type: %s", event.Type))
		return nil
	}

	var paymentIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil || paymentIntent.ID == "" {
		r.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to unmarshal payment intent: %v", err))
		return &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid event data",
			InternalError: fmt.Sprintf("Failed to unmarshal payment intent from %s", event.ID),
			OriginalErr:   err,
		}
	}

	if event.Type == "payment_intent.succeeded" {
		_, err = r.Confirm(req.Context(), paymentIntent.ID)
	} else {
		err = r.MarkFailed(req.Context(), paymentIntent.ID)
	}

	switch {
	case isSettledOutcome(err):
		r.Logger.Info("WEBHOOK", fmt.Sprintf("Processed %s for intent %s", event.Type, paymentIntent.ID))
		return nil
	case errors.Is(err, errs.ErrNotFound):
		// Intents opened by other systems share the Stripe account.
		r.Logger.Warn("WEBHOOK", fmt.Sprintf("Ignoring %s for unknown intent %s", event.Type, paymentIntent.ID))
		return nil
	default:
		r.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to process %s for intent %s: %v", event.Type, paymentIntent.ID, err))
		return &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Failed to process payment",
			InternalError: fmt.Sprintf("Failed to process %s for intent %s: %v", event.Type, paymentIntent.ID, err),
			OriginalErr:   err,
		}
	}
}
