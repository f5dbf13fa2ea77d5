package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/discharge-tracker/internal/config"
	"github.com/couchcryptid/discharge-tracker/internal/domain"
	"github.com/couchcryptid/discharge-tracker/internal/publish"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes batches to the feed topic, one message per event keyed
// by the event's record key. Consumers compact or dedupe on the key, so a
// re-sent batch is harmless.
type Writer struct {
	writer messageWriter
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured feed topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaFeedTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

func (w *Writer) Name() string { return "kafka" }

// Publish writes the whole batch in a single WriteMessages call.
func (w *Writer) Publish(ctx context.Context, batch publish.Batch) error {
	if len(batch.Events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(batch.Events))
	for i := range batch.Events {
		msg, err := serializeToMessage(batch, batch.Events[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write feed messages: %w", err)
	}
	w.logger.Info("feed batch produced", "batch_id", batch.ID, "messages", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals one event of a batch into a Kafka message.
func serializeToMessage(batch publish.Batch, event domain.Event) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize discharge event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.Key()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "batch_id", Value: []byte(batch.ID)},
			{Key: "source_id", Value: []byte(event.SourceID)},
			{Key: "published_at", Value: []byte(batch.CreatedAt.Format(time.RFC3339))},
		},
	}, nil
}
