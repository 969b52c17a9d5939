package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// Producer publishes driver positions and ride lifecycle transitions. Writes are async so the
// position path and session workers never wait on the broker; failures are logged.
type Producer struct {
	locations *kafka.Writer
	lifecycle *kafka.Writer
	logger    *slog.Logger
}

func NewProducer(brokers []string, locationTopic, lifecycleTopic string, logger *slog.Logger) *Producer {
	p := &Producer{logger: logger}
	p.locations = p.writer(brokers, locationTopic)
	p.lifecycle = p.writer(brokers, lifecycleTopic)
	return p
}

func (p *Producer) writer(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // same key, same partition: per-driver and per-ride order
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				p.logger.Warn("kafka publish failed", "topic", topic, "messages", len(msgs), "error", err)
			}
		},
	}
}

// PublishLocation is keyed by driver id.
func (p *Producer) PublishLocation(d models.DriverPresence) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return p.locations.WriteMessages(context.Background(), kafka.Message{Key: []byte(d.DriverID), Value: b})
}

// PublishLifecycle is keyed by ride id.
func (p *Producer) PublishLifecycle(ev models.LifecycleEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.lifecycle.WriteMessages(context.Background(), kafka.Message{Key: []byte(ev.RideID), Value: b})
}

func (p *Producer) Close() error {
	err := p.locations.Close()
	if lerr := p.lifecycle.Close(); err == nil {
		err = lerr
	}
	return err
}
