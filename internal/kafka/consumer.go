package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"ms-checkout/internal/errs"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConfirmationHandler processes one payment confirmation. It must be safe to
// call more than once for the same intent.
type ConfirmationHandler func(ctx context.Context, c models.PaymentConfirmation) error

type Consumer struct {
	reader  messageReader
	logger  *logger.Logger
	backOff func() backoff.BackOff
}

// NewConsumer creates a new Kafka consumer for the given topic and group
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader, logger: log}
}

// Start consumes until ctx is cancelled. A confirmation the payment gateway
// could not answer is retried with backoff before its offset is committed;
// once the retries run out it is left to the expiry sweep. Shutting down
// mid-retry leaves the offset uncommitted so the next start redelivers it.
func (c *Consumer) Start(ctx context.Context, handler ConfirmationHandler) error {
	c.logger.Info("KAFKA", "Payment confirmation consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			c.logger.Error("KAFKA", fmt.Sprintf("Error reading message: %v", err))
			return err
		}

		if !c.handle(ctx, msg, handler) {
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("KAFKA", fmt.Sprintf("Failed to commit offset %d: %v", msg.Offset, err))
		}
	}
}

// handle reports whether the message is done with and may be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler ConfirmationHandler) bool {
	var confirmation models.PaymentConfirmation
	if err := json.Unmarshal(msg.Value, &confirmation); err != nil || confirmation.ExternalIntentID == "" {
		c.logger.Warn("KAFKA", fmt.Sprintf("Skipping malformed confirmation at offset %d: %s", msg.Offset, string(msg.Value)))
		return true
	}

	c.logger.LogKafka("RECEIVE", msg.Topic, fmt.Sprintf("confirmation for intent %s", confirmation.ExternalIntentID))
	err := backoff.Retry(func() error {
		err := handler(ctx, confirmation)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errs.ErrPaymentGateway) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("KAFKA", fmt.Sprintf("Gateway unavailable for %s, retrying: %v", confirmation.ExternalIntentID, err))
		return err
	}, backoff.WithContext(c.newBackOff(), ctx))

	if err != nil && ctx.Err() != nil {
		return false
	}
	if err != nil {
		c.logger.Warn("KAFKA", fmt.Sprintf("Confirmation for %s not applied: %v", confirmation.ExternalIntentID, err))
	}
	return true
}

func (c *Consumer) newBackOff() backoff.BackOff {
	if c.backOff != nil {
		return c.backOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithMaxRetries(b, 5)
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
