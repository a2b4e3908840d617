package grpcserver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/kaphack/realtime-crisis-escalation/internal/channel"
	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

func startServer(t *testing.T) (*ConversationServer, chan channel.Event, *Client) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	events := make(chan channel.Event, 16)

	srv := NewConversationServer("bufnet", WithListener(lis))
	if err := srv.Initialize(context.Background(), channel.Env{Events: events}); err != nil {
		t.Fatal(err)
	}
	if err := srv.StartListening(context.Background()); err != nil {
		t.Fatal(err)
	}

	client, err := NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.StopListening(ctx)
	})
	return srv, events, client
}

func next(t *testing.T, ch chan channel.Event) channel.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return channel.Event{}
	}
}

func TestStreamLifecycle(t *testing.T) {
	srv, events, client := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := client.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.Send(Frame{Type: FrameStart, SessionID: "web-1", Metadata: map[string]string{"source": "widget"}}); err != nil {
		t.Fatal(err)
	}
	if ev := next(t, events); ev.Kind != channel.EventSessionCreated || ev.NativeID != "web-1" || ev.Metadata["source"] != "widget" {
		t.Fatalf("start event = %+v", ev)
	}

	stream.Send(Frame{Type: FrameMessage, SessionID: "web-1", MessageID: "m1", Sender: "CUSTOMER", Text: "nobody would miss me", TimestampMs: 1700000000000})
	ev := next(t, events)
	if ev.Kind != channel.EventMessageReceived || ev.Message.Speaker != core.SpeakerCaller || ev.Message.ID != "m1" {
		t.Fatalf("message event = %+v", ev)
	}
	if !ev.Message.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("timestamp = %v", ev.Message.Timestamp)
	}
	ack, err := stream.Recv()
	if err != nil || ack.Type != FrameAck || ack.MessageID != "m1" {
		t.Fatalf("ack = %+v, %v", ack, err)
	}

	if err := srv.SendMessage(ctx, "web-1", "I'm listening"); err != nil {
		t.Fatalf("SendMessage() = %v", err)
	}
	reply, err := stream.Recv()
	if err != nil || reply.Type != FrameMessage || reply.Sender != "AGENT" || reply.Text != "I'm listening" {
		t.Fatalf("reply = %+v, %v", reply, err)
	}

	stream.Send(Frame{Type: FrameMessage, SessionID: "web-1", Sender: "martian", Text: "x"})
	bad, err := stream.Recv()
	if err != nil || bad.Type != FrameError {
		t.Fatalf("expected error frame, got %+v, %v", bad, err)
	}

	// closing the send side ends the open session
	stream.CloseSend()
	if ev := next(t, events); ev.Kind != channel.EventSessionEnded || ev.NativeID != "web-1" {
		t.Fatalf("end event = %+v", ev)
	}
	if err := srv.SendMessage(ctx, "web-1", "still there?"); !errors.Is(err, channel.ErrUnknownConversation) {
		t.Fatalf("SendMessage after end = %v", err)
	}
}

func TestExplicitEndIsNotRepeatedOnClose(t *testing.T) {
	_, events, client := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, _ := client.Open(ctx)
	stream.Send(Frame{Type: FrameStart, SessionID: "web-2"})
	stream.Send(Frame{Type: FrameEnd, SessionID: "web-2"})
	stream.CloseSend()

	if ev := next(t, events); ev.Kind != channel.EventSessionCreated {
		t.Fatalf("first event = %+v", ev)
	}
	if ev := next(t, events); ev.Kind != channel.EventSessionEnded {
		t.Fatalf("second event = %+v", ev)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProcessInboundEvent(t *testing.T) {
	events := make(chan channel.Event, 1)
	srv := NewConversationServer(":0")
	srv.Initialize(context.Background(), channel.Env{Events: events})

	err := srv.ProcessInboundEvent(context.Background(), []byte(`{"type":"message","session_id":"s","sender":"caller","text":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev := <-events; ev.Message == nil || ev.Message.Content != "hi" {
		t.Fatalf("event = %+v", ev)
	}
	if err := srv.ProcessInboundEvent(context.Background(), []byte(`[1,2]`)); !errors.Is(err, channel.ErrMalformedEvent) {
		t.Fatalf("err = %v", err)
	}
}

func TestFrameRoundTripMetadata(t *testing.T) {
	f := FrameFromStruct(Frame{Type: "MESSAGE", SessionID: " s1 ", Metadata: map[string]string{"k": "v"}}.Struct())
	if f.Type != FrameMessage || f.SessionID != "s1" || f.Metadata["k"] != "v" {
		t.Fatalf("frame = %+v", f)
	}
}
