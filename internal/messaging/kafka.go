// Package messaging publishes committed marketplace events to Kafka for
// downstream indexers.
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uniqx/market-engine/internal/market"
)

// Publisher wraps a Kafka writer. Messages are keyed by the event's
// partition key so records for one collection stay ordered.
type Publisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

// NewPublisher creates a publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string, log *zap.Logger) *Publisher {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	})
	return &Publisher{writer: w, log: log}
}

var _ market.Sink = (*Publisher)(nil)

// Publish sends the event. Transport errors are logged and dropped; the
// journal remains the durable record.
func (p *Publisher) Publish(ctx context.Context, ev market.Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("kafka marshal failed", zap.Uint64("seq", ev.Seq), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.PartitionKey()),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("kafka publish failed",
			zap.Uint64("seq", ev.Seq),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
