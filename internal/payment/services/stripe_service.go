package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"ms-checkout/internal/config"
	"ms-checkout/internal/errs"
	"ms-checkout/internal/logger"
)

var ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")

// IntentStatus collapses Stripe's intent states into what reconciliation
// needs to decide.
type IntentStatus string

const (
	IntentSucceeded IntentStatus = "succeeded"
	// IntentPending covers intents still awaiting the buyer or in flight.
	IntentPending IntentStatus = "pending"
	// IntentProcessing means funds are moving and the outcome is not known yet.
	IntentProcessing IntentStatus = "processing"
	IntentFailed     IntentStatus = "failed"
)

type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	Amount       int64
	Currency     string
	Metadata     map[string]string
}

// StripeService handles integration with Stripe payment gateway
type StripeService struct {
	client     *client.API
	log        *logger.Logger
	maxRetries uint64
}

// NewStripeService builds a client whose HTTP calls are bounded by
// cfg.Timeout. Stripe's own network retries are disabled; retries happen
// here with exponential backoff.
func NewStripeService(cfg config.StripeConfig, log *logger.Logger) (*StripeService, error) {
	if cfg.SecretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY environment variable not set")
		return nil, ErrStripeClientInitFailed
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	backendConfig := func() *stripe.BackendConfig {
		return &stripe.BackendConfig{
			HTTPClient:        httpClient,
			MaxNetworkRetries: stripe.Int64(0),
		}
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig()),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig()),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig()),
	}

	sc := client.New(cfg.SecretKey, backends)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeService{
		client:     sc,
		log:        log,
		maxRetries: uint64(cfg.MaxRetries),
	}, nil
}

// retry runs op with bounded exponential backoff. Only transient failures
// (network errors, 429, 5xx) are retried; exhausting the budget yields
// errs.ErrPaymentGateway.
func (s *StripeService) retry(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 15 * time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			s.log.Warn("STRIPE", fmt.Sprintf("%s attempt %d failed: %v", name, attempt, err))
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx))

	if err == nil {
		return nil
	}
	if isTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", name, errs.ErrPaymentGateway, err)
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
		return fmt.Errorf("%s: %w: %s", name, errs.ErrPaymentDeclined, se.Msg)
	}
	return fmt.Errorf("%s: stripe API error: %w", name, err)
}

func isTransient(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 || se.HTTPStatusCode == 0
	}
	return true
}

func toIntent(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       mapStatus(pi),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
}

func mapStatus(pi *stripe.PaymentIntent) IntentStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return IntentSucceeded
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return IntentProcessing
	case stripe.PaymentIntentStatusCanceled:
		return IntentFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return IntentFailed
		}
		return IntentPending
	default:
		return IntentPending
	}
}

// CreatePaymentIntent opens an intent for amount minor units. The
// idempotency key makes a retried create return the same intent.
func (s *StripeService) CreatePaymentIntent(ctx context.Context, amount int64, currency string, metadata map[string]string, idempotencyKey string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	var pi *stripe.PaymentIntent
	err := s.retry(ctx, "create payment intent", func() error {
		var err error
		pi, err = s.client.PaymentIntents.New(params)
		return err
	})
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to create payment intent: %v", err))
		return nil, err
	}

	s.log.Info("STRIPE", fmt.Sprintf("Payment intent created: %s (%d %s)", pi.ID, amount, currency))
	return toIntent(pi), nil
}

func (s *StripeService) RetrievePaymentIntent(ctx context.Context, externalID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	var pi *stripe.PaymentIntent
	err := s.retry(ctx, "retrieve payment intent", func() error {
		var err error
		pi, err = s.client.PaymentIntents.Get(externalID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toIntent(pi), nil
}

// CreateRefund refunds amount minor units of a succeeded intent.
func (s *StripeService) CreateRefund(ctx context.Context, externalID string, amount int64, idempotencyKey string) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(externalID),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	var refund *stripe.Refund
	err := s.retry(ctx, "create refund", func() error {
		var err error
		refund, err = s.client.Refunds.New(params)
		return err
	})
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Refund of %s failed: %v", externalID, err))
		return err
	}
	if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
		return fmt.Errorf("refund %s ended in status %s", refund.ID, refund.Status)
	}

	s.log.Info("STRIPE", fmt.Sprintf("Refund %s created for %s (%s)", refund.ID, externalID, refund.Status))
	return nil
}

// CancelPaymentIntent cancels an intent the buyer abandoned.
func (s *StripeService) CancelPaymentIntent(ctx context.Context, externalID string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx

	err := s.retry(ctx, "cancel payment intent", func() error {
		_, err := s.client.PaymentIntents.Cancel(externalID, params)
		return err
	})
	if err != nil {
		s.log.Error("PAYMENT", fmt.Sprintf("Failed to cancel payment intent %s: %v", externalID, err))
		return err
	}

	s.log.Info("PAYMENT", fmt.Sprintf("Successfully cancelled payment intent: %s", externalID))
	return nil
}
