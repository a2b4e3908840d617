package events

import (
	"context"
	"log/slog"
)

// LogPublisher writes every event as a structured log line.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With(slog.String("component", "events"))}
}

func (p *LogPublisher) Publish(ctx context.Context, ev *Event) error {
	level := slog.LevelInfo
	if ev.Type == MessageReceived {
		level = slog.LevelDebug
	}
	p.logger.LogAttrs(ctx, level, "event",
		slog.String("event_id", ev.ID),
		slog.String("type", string(ev.Type)),
		slog.String("session_id", ev.ConversationID),
		slog.String("platform", string(ev.Platform)),
		slog.String("payload", string(ev.Payload)))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
