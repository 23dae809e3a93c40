// Package errs holds the checkout error taxonomy. Callers wrap these with
// fmt.Errorf("...: %w") and match them with errors.Is / errors.As.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation            = errors.New("validation error")
	ErrQuantityOutOfBounds   = fmt.Errorf("%w: quantity out of bounds", ErrValidation)
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrTicketTypeUnavailable = errors.New("ticket type is not on sale")
	ErrReservationNotFound   = errors.New("reservation not found or already settled")
	ErrInvalidTransition     = errors.New("invalid order state transition")
	ErrOrderNotPending       = fmt.Errorf("%w: order is not pending", ErrInvalidTransition)
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrPaymentGateway        = errors.New("payment gateway unavailable, payment pending")
	ErrPaymentPending        = errors.New("payment pending")
	ErrPaymentDeclined       = errors.New("payment declined")
	ErrRefundFailed          = errors.New("refund failed")
	ErrTicketAlreadyUsed     = errors.New("ticket already used")
	ErrTicketInvalid         = errors.New("ticket invalid")
	ErrLocked                = errors.New("resource is locked by another request")
)

type PromoReason string

const (
	ReasonNotFound      PromoReason = "promo code not found"
	ReasonInactive      PromoReason = "promo code is not active"
	ReasonNotYetValid   PromoReason = "promo code is not yet valid"
	ReasonExpired       PromoReason = "promo code has expired"
	ReasonExhausted     PromoReason = "promo code usage limit has been reached"
	ReasonNotApplicable PromoReason = "promo code is not applicable to this event"
	ReasonBelowMinimum  PromoReason = "order subtotal is below the promo code minimum purchase"
	ReasonPerUserLimit  PromoReason = "promo code per-user limit reached"
)

// PromoCodeError carries a user-facing reason for a rejected promo code.
type PromoCodeError struct {
	Code   string
	Reason PromoReason
}

func (e *PromoCodeError) Error() string {
	return fmt.Sprintf("invalid promo code %q: %s", e.Code, e.Reason)
}

func NewPromoError(code string, reason PromoReason) *PromoCodeError {
	return &PromoCodeError{Code: code, Reason: reason}
}

// IsPromoReason reports whether err is a PromoCodeError with the given reason.
func IsPromoReason(err error, reason PromoReason) bool {
	var pe *PromoCodeError
	return errors.As(err, &pe) && pe.Reason == reason
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	var pe *PromoCodeError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrReservationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.As(err, &pe),
		errors.Is(err, ErrInsufficientInventory),
		errors.Is(err, ErrTicketTypeUnavailable),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrTicketAlreadyUsed),
		errors.Is(err, ErrTicketInvalid),
		errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrLocked):
		return http.StatusConflict
	case errors.Is(err, ErrPaymentDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrPaymentGateway), errors.Is(err, ErrPaymentPending):
		return http.StatusAccepted
	case errors.Is(err, ErrRefundFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
