package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kaphack/realtime-crisis-escalation/internal/events"
)

const maxRetries = 3

// Publisher writes observability events to a topic keyed by conversation id, so all events
// of one conversation land on one partition in order.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
}

func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
	})
	return newPublisher(writer, logger)
}

func newPublisher(w messageWriter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{writer: w, logger: logger.With(slog.String("component", "kafka-events"))}
}

func (p *Publisher) Publish(ctx context.Context, ev *events.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	msg := kafka.Message{Key: []byte(ev.ConversationID), Value: value, Time: ev.Timestamp}

	var writeErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		writeErr = p.writer.WriteMessages(ctx, msg)
		if writeErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		backoff := time.Duration((attempt+1)*100) * time.Millisecond
		p.logger.Warn("kafka write failed, backing off",
			slog.Int("attempt", attempt+1), slog.String("session_id", ev.ConversationID),
			slog.Duration("backoff", backoff), slog.String("error", writeErr.Error()))
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("publish %s for %s: %w", ev.Type, ev.ConversationID, writeErr)
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
