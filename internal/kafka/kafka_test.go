package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kaphack/realtime-crisis-escalation/internal/channel"
	"github.com/kaphack/realtime-crisis-escalation/internal/core"
	"github.com/kaphack/realtime-crisis-escalation/internal/events"
)

type chanReader struct {
	msgs   chan kafka.Message
	closed bool
}

func (r *chanReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m, ok := <-r.msgs:
		if !ok {
			<-ctx.Done()
			return kafka.Message{}, io.EOF
		}
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *chanReader) Close() error { r.closed = true; return nil }

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func record(t *testing.T, key string, rec TranscriptRecord) kafka.Message {
	t.Helper()
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Key: []byte(key), Value: b}
}

func TestConsumerTranslatesRecords(t *testing.T) {
	reader := &chanReader{msgs: make(chan kafka.Message, 8)}
	c := NewConsumer(Config{Topic: "conversations"}, withReader(reader), withWriter(&fakeWriter{}))
	out := make(chan channel.Event, 8)
	if err := c.Initialize(context.Background(), channel.Env{Events: out}); err != nil {
		t.Fatal(err)
	}

	conf := 0.93
	reader.msgs <- record(t, "call-7", TranscriptRecord{Event: "start"})
	reader.msgs <- record(t, "ignored-key", TranscriptRecord{ConversationID: "call-7", Speaker: "customer", Text: "I can't go on", MessageID: "m1", Confidence: &conf})
	reader.msgs <- kafka.Message{Key: []byte("call-7"), Value: []byte("{not json")}
	reader.msgs <- record(t, "call-7", TranscriptRecord{Speaker: "alien", Text: "??"})
	reader.msgs <- record(t, "call-7", TranscriptRecord{Event: "end"})

	if err := c.StartListening(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.StopListening(context.Background())

	var got []channel.Event
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-out:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("received %d events, want 3", len(got))
		}
	}

	if got[0].Kind != channel.EventSessionCreated || got[0].NativeID != "call-7" || got[0].Platform != core.PlatformTelephony {
		t.Errorf("start event = %+v", got[0])
	}
	msg := got[1].Message
	if got[1].Kind != channel.EventMessageReceived || msg == nil || msg.Speaker != core.SpeakerCaller || msg.ID != "m1" {
		t.Fatalf("message event = %+v", got[1])
	}
	if msg.Metadata["confidence"] != "0.93" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
	if got[2].Kind != channel.EventSessionEnded {
		t.Errorf("end event = %+v", got[2])
	}
	if rejected := c.HealthCheck(context.Background()).Details["events_rejected"]; rejected != int64(2) {
		t.Errorf("events_rejected = %v, want 2", rejected)
	}
}

func TestProcessInboundEventRejectsMissingID(t *testing.T) {
	c := NewConsumer(Config{})
	c.Initialize(context.Background(), channel.Env{Events: make(chan channel.Event, 1)})
	err := c.ProcessInboundEvent(context.Background(), []byte(`{"text":"hello"}`))
	if !errors.Is(err, channel.ErrMalformedEvent) {
		t.Fatalf("err = %v, want ErrMalformedEvent", err)
	}
}

func TestSendMessageWritesKeyedReply(t *testing.T) {
	w := &fakeWriter{}
	c := NewConsumer(Config{ReplyTopic: "replies"}, withWriter(w))
	c.Initialize(context.Background(), channel.Env{Events: make(chan channel.Event)})

	if err := c.SendMessage(context.Background(), "call-7", "I'm here with you"); err != nil {
		t.Fatal(err)
	}
	if len(w.written) != 1 || string(w.written[0].Key) != "call-7" {
		t.Fatalf("written = %+v", w.written)
	}
	var rec TranscriptRecord
	json.Unmarshal(w.written[0].Value, &rec)
	if rec.Speaker != "agent" || rec.Text != "I'm here with you" {
		t.Errorf("reply = %+v", rec)
	}
}

func TestPublisherRetries(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newPublisher(w, nil)
	ev := events.New(events.SupervisorAlert, "s1", core.PlatformSocket, nil)

	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	if w.calls != 3 || len(w.written) != 1 || string(w.written[0].Key) != "s1" {
		t.Fatalf("calls = %d, written = %d", w.calls, len(w.written))
	}

	w.failures = 10
	if err := p.Publish(context.Background(), ev); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}
