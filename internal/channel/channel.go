package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

var (
	// ErrMalformedEvent is returned by ProcessInboundEvent for payloads that cannot be parsed
	// or lack required fields. Nothing is emitted for them.
	ErrMalformedEvent = errors.New("malformed inbound event")
	// ErrUnknownConversation is returned by SendMessage when the adapter cannot reach the conversation.
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrNotInitialized      = errors.New("adapter not initialized")
)

type EventKind string

const (
	EventSessionCreated  EventKind = "session-created"
	EventMessageReceived EventKind = "message-received"
	EventSessionEnded    EventKind = "session-ended"
	EventError           EventKind = "error"
)

// Event is what an adapter reports to the core, already normalized.
type Event struct {
	Kind     EventKind
	Platform core.Platform
	NativeID string
	Message  *core.Message
	Metadata map[string]string
	Err      error
}

// Key identifies the conversation an event belongs to across adapters.
func (e Event) Key() string {
	return string(e.Platform) + "/" + e.NativeID
}

// Env is handed to an adapter on Initialize.
type Env struct {
	Events chan<- Event
	// History returns what the core has recorded for a platform conversation.
	History func(platform core.Platform, nativeID string) ([]core.Message, bool)
	Logger  *slog.Logger
}

type Health struct {
	Healthy bool           `json:"healthy"`
	Details map[string]any `json:"details,omitempty"`
}

// Adapter connects one communication platform to the core. The core only ever uses this
// interface and never inspects concrete adapter types.
type Adapter interface {
	Platform() core.Platform
	Initialize(ctx context.Context, env Env) error
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	SendMessage(ctx context.Context, nativeID, text string) error
	GetHistory(ctx context.Context, nativeID string) ([]core.Message, error)
	ProcessInboundEvent(ctx context.Context, payload []byte) error
	HealthCheck(ctx context.Context) Health
}

// Base carries the plumbing every adapter shares. Embed a *Base and call Init from Initialize.
type Base struct {
	platform  core.Platform
	env       Env
	logger    *slog.Logger
	ready     atomic.Bool
	listening atomic.Bool
	received  atomic.Int64
	rejected  atomic.Int64
	lastEvent atomic.Int64
}

func NewBase(platform core.Platform) *Base {
	return &Base{platform: platform, logger: slog.Default()}
}

func (b *Base) Platform() core.Platform { return b.platform }

func (b *Base) Logger() *slog.Logger { return b.logger }

func (b *Base) Init(env Env) error {
	if env.Events == nil {
		return fmt.Errorf("%s adapter: events channel is required", b.platform)
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	b.env = env
	b.logger = env.Logger.With(slog.String("component", "channel"), slog.String("platform", string(b.platform)))
	b.ready.Store(true)
	return nil
}

func (b *Base) Ready() bool { return b.ready.Load() }

func (b *Base) SetListening(v bool) { b.listening.Store(v) }

func (b *Base) Listening() bool { return b.listening.Load() }

// Emit hands an event to the core. It blocks until the core accepts it or ctx ends.
func (b *Base) Emit(ctx context.Context, ev Event) error {
	if !b.ready.Load() {
		return ErrNotInitialized
	}
	ev.Platform = b.platform
	select {
	case b.env.Events <- ev:
		b.received.Add(1)
		b.lastEvent.Store(time.Now().UnixNano())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reject counts and logs a malformed payload and returns an error wrapping ErrMalformedEvent.
func (b *Base) Reject(reason string, err error) error {
	b.rejected.Add(1)
	if err != nil {
		b.logger.Warn("malformed inbound event", slog.String("reason", reason), slog.String("error", err.Error()))
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, reason, err)
	}
	b.logger.Warn("malformed inbound event", slog.String("reason", reason))
	return fmt.Errorf("%w: %s", ErrMalformedEvent, reason)
}

// History reads the core's record of a conversation.
func (b *Base) History(nativeID string) ([]core.Message, error) {
	if !b.ready.Load() || b.env.History == nil {
		return nil, ErrNotInitialized
	}
	msgs, ok := b.env.History(b.platform, nativeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, nativeID)
	}
	return msgs, nil
}

// Details are the common health fields; adapters add their own.
func (b *Base) Details() map[string]any {
	d := map[string]any{
		"initialized":     b.ready.Load(),
		"listening":       b.listening.Load(),
		"events_received": b.received.Load(),
		"events_rejected": b.rejected.Load(),
	}
	if ns := b.lastEvent.Load(); ns > 0 {
		d["last_event_at"] = time.Unix(0, ns).UTC().Format(time.RFC3339)
	}
	return d
}
