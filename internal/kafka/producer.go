package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-checkout/internal/config"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topics config.TopicConfig
	logger *logger.Logger
}

func NewProducer(brokers []string, topics config.TopicConfig, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
	return &Producer{writer: writer, topics: topics, logger: log}
}

// TopicFor maps an order event type to its topic.
func (p *Producer) TopicFor(eventType string) (string, error) {
	switch eventType {
	case models.EventOrderCreated:
		return p.topics.OrderCreated, nil
	case models.EventOrderConfirmed:
		return p.topics.OrderConfirmed, nil
	case models.EventOrderCancelled:
		return p.topics.OrderCancelled, nil
	case models.EventOrderRefunded:
		return p.topics.OrderRefunded, nil
	}
	return "", fmt.Errorf("no topic for event type %q", eventType)
}

// Publish writes one message keyed by key, so all events of an order land
// on the same partition in order.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

// PublishOrderEvent streams an order lifecycle event to Kafka
func (p *Producer) PublishOrderEvent(ctx context.Context, event models.OrderEvent) error {
	topic, err := p.TopicFor(event.Type)
	if err != nil {
		return err
	}

	msgBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}

	if err := p.Publish(ctx, topic, event.OrderID, msgBytes); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.logger.LogKafka("PUBLISH", topic, fmt.Sprintf("order %s", event.OrderID))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// DisabledProducer stands in for Kafka when KAFKA_ENABLED=false and only logs.
type DisabledProducer struct {
	Logger *logger.Logger
}

func (d DisabledProducer) PublishOrderEvent(_ context.Context, event models.OrderEvent) error {
	d.Logger.Debug("KAFKA", fmt.Sprintf("Kafka disabled, dropping %s for order %s", event.Type, event.OrderID))
	return nil
}
