package errs_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"ms-checkout/internal/errs"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", errs.ErrQuantityOutOfBounds, http.StatusBadRequest},
		{"wrapped not found", fmt.Errorf("order o1: %w", errs.ErrNotFound), http.StatusNotFound},
		{"inventory", errs.ErrInsufficientInventory, http.StatusConflict},
		{"promo", errs.NewPromoError("X", errs.ReasonExpired), http.StatusConflict},
		{"order not pending", errs.ErrOrderNotPending, http.StatusConflict},
		{"declined", errs.ErrPaymentDeclined, http.StatusPaymentRequired},
		{"gateway", errs.ErrPaymentGateway, http.StatusAccepted},
		{"refund", errs.ErrRefundFailed, http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errs.HTTPStatus(tc.err))
		})
	}
}

func TestIsPromoReason(t *testing.T) {
	err := fmt.Errorf("create order: %w", errs.NewPromoError("SUMMER", errs.ReasonExhausted))
	assert.True(t, errs.IsPromoReason(err, errs.ReasonExhausted))
	assert.False(t, errs.IsPromoReason(err, errs.ReasonExpired))
	assert.True(t, errors.Is(errs.ErrOrderNotPending, errs.ErrInvalidTransition))
}
