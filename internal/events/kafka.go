package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/opencode-mem/memoryd/internal/model"
)

// KafkaPublisher is the alternate EventPublisher backend selected by
// OPENCODE_MEM_EVENTS_BACKEND=kafka (SPEC_FULL §5): genuinely optional
// ambient plumbing, sitting next to PostgresPublisher rather than replacing
// it — this repo never reads its own events back off the topic.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher builds a KafkaPublisher that writes to topic across
// brokers, keyed by session_id so all of one session's events land on the
// same partition and preserve ordering.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}
}

// PublishObservationCreated implements observation.EventPublisher.
func (k *KafkaPublisher) PublishObservationCreated(ctx context.Context, o *model.Observation) error {
	payload, err := json.Marshal(payloadFor(o))
	if err != nil {
		return fmt.Errorf("events: marshal observation.created: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(o.SessionID.String()),
		Value: payload,
	})
}

// Close flushes and releases the underlying Kafka connection.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
