package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kaphack/realtime-crisis-escalation/internal/channel"
	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

// TranscriptRecord is one record on the transcript topic. The record key is used as the
// conversation id when the field is empty.
type TranscriptRecord struct {
	ConversationID string            `json:"conversation_id"`
	Event          string            `json:"event,omitempty"` // start, message (default), end
	Speaker        string            `json:"speaker,omitempty"`
	Text           string            `json:"text,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	Timestamp      time.Time         `json:"timestamp,omitzero"`
	Confidence     *float64          `json:"confidence,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers    []string
	Topic      string
	GroupID    string
	ReplyTopic string
}

// Consumer is the telephony channel adapter: it reads transcript records from Kafka and
// writes agent replies to the reply topic.
type Consumer struct {
	*channel.Base
	cfg    Config
	reader messageReader
	writer messageWriter

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr string
}

type Option func(*Consumer)

func withReader(r messageReader) Option {
	return func(c *Consumer) { c.reader = r }
}

func withWriter(w messageWriter) Option {
	return func(c *Consumer) { c.writer = w }
}

func NewConsumer(cfg Config, opts ...Option) *Consumer {
	c := &Consumer{Base: channel.NewBase(core.PlatformTelephony), cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Consumer) Initialize(_ context.Context, env channel.Env) error {
	if err := c.Init(env); err != nil {
		return err
	}
	if c.writer == nil && c.cfg.ReplyTopic != "" {
		c.writer = kafka.NewWriter(kafka.WriterConfig{
			Brokers:      c.cfg.Brokers,
			Topic:        c.cfg.ReplyTopic,
			Balancer:     &kafka.Hash{}, // replies for one conversation stay ordered
			BatchTimeout: 10 * time.Millisecond,
		})
	}
	return nil
}

func (c *Consumer) StartListening(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	if c.reader == nil {
		c.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			Topic:    c.cfg.Topic,
			GroupID:  c.cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
			MaxWait:  250 * time.Millisecond,
		})
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(loopCtx, c.done)
	c.SetListening(true)
	c.Logger().Info("kafka consumer started", slog.String("topic", c.cfg.Topic), slog.String("group_id", c.cfg.GroupID))
	return nil
}

func (c *Consumer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setErr(err)
			c.Logger().Error("kafka read failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := c.handle(ctx, m.Value, string(m.Key)); err != nil && !errors.Is(err, channel.ErrMalformedEvent) {
			if ctx.Err() != nil {
				return
			}
			c.Logger().Error("failed to hand record to core",
				slog.Int("partition", m.Partition), slog.Int64("offset", m.Offset), slog.String("error", err.Error()))
		}
	}
}

// ProcessInboundEvent accepts a transcript record delivered outside the topic, e.g. a replay.
func (c *Consumer) ProcessInboundEvent(ctx context.Context, payload []byte) error {
	return c.handle(ctx, payload, "")
}

func (c *Consumer) handle(ctx context.Context, payload []byte, key string) error {
	var rec TranscriptRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return c.Reject("invalid transcript json", err)
	}
	if rec.ConversationID == "" {
		rec.ConversationID = key
	}
	ev, err := c.toEvent(rec)
	if err != nil {
		return err
	}
	return c.Emit(ctx, ev)
}

func (c *Consumer) toEvent(rec TranscriptRecord) (channel.Event, error) {
	if rec.ConversationID == "" {
		return channel.Event{}, c.Reject("missing conversation id", nil)
	}
	ev := channel.Event{NativeID: rec.ConversationID, Metadata: rec.Metadata}
	switch strings.ToLower(rec.Event) {
	case "start":
		ev.Kind = channel.EventSessionCreated
	case "end":
		ev.Kind = channel.EventSessionEnded
	case "", "message":
		ev.Kind = channel.EventMessageReceived
		if strings.TrimSpace(rec.Text) == "" {
			return channel.Event{}, c.Reject("message without text", nil)
		}
		speaker := core.SpeakerCaller
		if rec.Speaker != "" {
			var ok bool
			if speaker, ok = core.ParseSpeaker(rec.Speaker); !ok {
				return channel.Event{}, c.Reject(fmt.Sprintf("unknown speaker %q", rec.Speaker), nil)
			}
		}
		md := make(map[string]string, len(rec.Metadata)+1)
		for k, v := range rec.Metadata {
			md[k] = v
		}
		if rec.Confidence != nil {
			md["confidence"] = strconv.FormatFloat(*rec.Confidence, 'f', -1, 64)
		}
		ev.Message = &core.Message{
			ID:        rec.MessageID,
			Timestamp: rec.Timestamp,
			Speaker:   speaker,
			Content:   rec.Text,
			Metadata:  md,
		}
	default:
		return channel.Event{}, c.Reject(fmt.Sprintf("unknown event %q", rec.Event), nil)
	}
	return ev, nil
}

func (c *Consumer) SendMessage(ctx context.Context, nativeID, text string) error {
	if c.writer == nil {
		return fmt.Errorf("telephony adapter: no reply topic configured")
	}
	value, err := json.Marshal(TranscriptRecord{
		ConversationID: nativeID,
		Event:          "message",
		Speaker:        string(core.SpeakerAgent),
		Text:           text,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := c.writer.WriteMessages(ctx, kafka.Message{Key: []byte(nativeID), Value: value, Time: time.Now()}); err != nil {
		c.setErr(err)
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

func (c *Consumer) GetHistory(_ context.Context, nativeID string) ([]core.Message, error) {
	return c.History(nativeID)
}

func (c *Consumer) StopListening(_ context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	c.SetListening(false)

	var errs []error
	if err := c.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close reader: %w", err))
	}
	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer: %w", err))
		}
	}
	c.Logger().Info("kafka consumer stopped")
	return errors.Join(errs...)
}

func (c *Consumer) HealthCheck(_ context.Context) channel.Health {
	d := c.Details()
	d["topic"] = c.cfg.Topic
	d["group_id"] = c.cfg.GroupID
	d["reply_topic"] = c.cfg.ReplyTopic
	c.mu.Lock()
	lastErr := c.lastErr
	c.mu.Unlock()
	if lastErr != "" {
		d["last_error"] = lastErr
	}
	return channel.Health{Healthy: c.Ready() && c.Listening(), Details: d}
}

func (c *Consumer) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}
