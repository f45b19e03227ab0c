// Package events publishes sale lifecycle events for downstream consumers
// such as reporting and stock planning.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"kasirsync/terminal/internal/domain"
)

const DefaultTopic = "pos.sales"

type Publisher interface {
	Publish(ctx context.Context, event domain.SaleEvent) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, domain.SaleEvent) error { return nil }
func (Noop) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, logger)
}

func newKafkaPublisher(w messageWriter, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, logger: logger.Named("events")}
}

// Publish writes the event keyed by client ref so every event of one sale
// lands on the same partition.
func (p *KafkaPublisher) Publish(ctx context.Context, event domain.SaleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.EventType, err)
	}
	msg := kafka.Message{
		Key:   []byte(event.ClientRef),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s event: %w", event.EventType, err)
	}
	p.logger.Debug("sale event published", zap.String("event_type", event.EventType), zap.String("client_ref", event.ClientRef))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
