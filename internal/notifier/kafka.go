package notifier

import (
	"context"
	"encoding/json"
	"time"

	"CMMPayWatch/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka publishes completion events keyed by order id.
type Kafka struct {
	Writer MessageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
	}
}

func (k Kafka) NotifyCompleted(ctx context.Context, c models.Completion) error {
	value, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return k.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(c.OrderID),
		Value: value,
		Time:  c.CompletedAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte("order.fully_paid")},
		},
	})
}
