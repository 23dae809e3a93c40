package order_api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-checkout/internal/auth"
	"ms-checkout/internal/models"
	"ms-checkout/internal/payment"
	"ms-checkout/internal/utils"
)

// CreatePaymentIntent opens (or reuses) the gateway intent for an order.
func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	h.Logger.Info("API", fmt.Sprintf("CreatePaymentIntent: orderId=%s", orderID))

	intent, err := h.Payments.CreateIntent(r.Context(), orderID, auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "CreatePaymentIntent", err)
		return
	}
	h.respond(w, "CreatePaymentIntent", http.StatusOK, intent)
}

// ConfirmPayment is the client-driven confirmation path. A gateway that has
// not settled yet answers 202 so the client polls again.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req models.ConfirmPaymentRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.fail(w, "ConfirmPayment", err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("ConfirmPayment: intent=%s", req.ExternalIntentID))

	res, err := h.Payments.ConfirmForUser(r.Context(), req.ExternalIntentID, auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "ConfirmPayment", err)
		return
	}
	h.respond(w, "ConfirmPayment", http.StatusOK, models.ConfirmPaymentResponse{
		Success: res.Success,
		OrderID: res.OrderID,
	})
}

func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	h.Logger.Info("API", fmt.Sprintf("RefundOrder: orderId=%s", orderID))

	resp, err := h.Refunds.Refund(r.Context(), orderID, auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "RefundOrder", err)
		return
	}
	h.respond(w, "RefundOrder", http.StatusOK, resp)
}

// StripeWebhook handles webhook events from Stripe
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	err := h.Payments.HandleStripeWebhook(r)
	if err != nil {
		var webhookErr *payment.WebhookError
		if errors.As(err, &webhookErr) {
			h.Logger.Error("API", fmt.Sprintf("StripeWebhook: category=%s status=%d: %s",
				webhookErr.Category, webhookErr.StatusCode, webhookErr.InternalError))
			http.Error(w, webhookErr.PublicError, webhookErr.StatusCode)
			return
		}

		h.Logger.Error("API", fmt.Sprintf("StripeWebhook: failed to process webhook: %v", err))
		http.Error(w, "Webhook processing error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
