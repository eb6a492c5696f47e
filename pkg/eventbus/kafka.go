package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"conclave/pkg/config"
)

// messageWriter is the part of *kafka.Writer the destination uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDestination publishes events to a topic keyed by agent id, so one
// agent's events stay ordered within a partition.
type KafkaDestination struct {
	writer messageWriter
	topic  string
}

// NewKafkaDestination creates a writer for cfg.Topic on cfg.Brokers.
func NewKafkaDestination(cfg *config.KafkaConfig) (*KafkaDestination, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka destination needs brokers and a topic")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}
	return &KafkaDestination{writer: writer, topic: cfg.Topic}, nil
}

// Publish implements Destination.
func (k *KafkaDestination) Publish(ctx context.Context, ev Event) error {
	value, err := ev.ToJSON()
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.AgentID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write event to kafka topic %s: %w", k.topic, err)
	}
	return nil
}

// Close implements Destination.
func (k *KafkaDestination) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
