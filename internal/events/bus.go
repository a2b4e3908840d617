package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const publishTimeout = 5 * time.Second

// Bus fans events out to its publishers on a background goroutine so emitters never block
// on a slow sink. When the buffer is full new events are dropped and logged.
type Bus struct {
	publishers []Publisher
	queue      chan *Event
	done       chan struct{}
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewBus(buffer int, logger *slog.Logger, publishers ...Publisher) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		publishers: publishers,
		queue:      make(chan *Event, buffer),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "events")),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	defer close(b.done)
	for ev := range b.queue {
		for _, p := range b.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := p.Publish(ctx, ev); err != nil {
				b.logger.Error("failed to publish event",
					slog.String("type", string(ev.Type)),
					slog.String("session_id", ev.ConversationID),
					slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// Emit queues ev for delivery. It never blocks.
func (b *Bus) Emit(ev *Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.logger.Warn("event buffer full, dropping event",
			slog.String("type", string(ev.Type)), slog.String("session_id", ev.ConversationID))
	}
}

// Close delivers queued events, then closes every publisher.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	var errs []error
	for _, p := range b.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
