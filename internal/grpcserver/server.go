package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kaphack/realtime-crisis-escalation/internal/channel"
	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

const (
	serviceName  = "conversation.v1.ConversationStream"
	streamMethod = "/" + serviceName + "/StreamConversation"
	emitTimeout  = 5 * time.Second
)

// ConversationStreamServer handles one bidirectional stream of Struct frames.
type ConversationStreamServer interface {
	StreamConversation(stream grpc.ServerStream) error
}

// ServiceDesc is registered by hand; frames are google.protobuf.Struct so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ConversationStreamServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName: "StreamConversation",
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(ConversationStreamServer).StreamConversation(stream)
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "conversation/v1/conversation.proto",
}

type clientStream struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

func (c *clientStream) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.SendMsg(f.Struct())
}

// ConversationServer is the direct socket channel adapter.
type ConversationServer struct {
	*channel.Base
	addr     string
	listener net.Listener
	server   *grpc.Server

	mu      sync.RWMutex
	streams map[string]*clientStream
	serving bool
}

type Option func(*ConversationServer)

// WithListener serves on an existing listener instead of opening addr.
func WithListener(l net.Listener) Option {
	return func(s *ConversationServer) { s.listener = l }
}

func NewConversationServer(addr string, opts ...Option) *ConversationServer {
	s := &ConversationServer{
		Base:    channel.NewBase(core.PlatformSocket),
		addr:    addr,
		streams: make(map[string]*clientStream),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *ConversationServer) Initialize(_ context.Context, env channel.Env) error {
	if err := s.Init(env); err != nil {
		return err
	}
	s.server = grpc.NewServer()
	s.server.RegisterService(&ServiceDesc, s)
	return nil
}

func (s *ConversationServer) StartListening(_ context.Context) error {
	if s.server == nil {
		return channel.ErrNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving {
		return nil
	}
	if s.listener == nil {
		lis, err := net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.addr, err)
		}
		s.listener = lis
	}
	s.serving = true
	lis := s.listener
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.Logger().Error("grpc server stopped", slog.String("error", err.Error()))
		}
	}()
	s.SetListening(true)
	s.Logger().Info("gRPC socket adapter listening", slog.String("addr", lis.Addr().String()))
	return nil
}

func (s *ConversationServer) StopListening(ctx context.Context) error {
	s.mu.Lock()
	if !s.serving {
		s.mu.Unlock()
		return nil
	}
	s.serving = false
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.server.Stop()
	}
	s.SetListening(false)
	s.Logger().Info("gRPC socket adapter stopped")
	return nil
}

// StreamConversation reads frames until the client closes its side. Every session opened on
// the stream and not explicitly ended is ended when the stream goes away.
func (s *ConversationServer) StreamConversation(stream grpc.ServerStream) error {
	cs := &clientStream{stream: stream}
	open := make(map[string]bool)
	s.Logger().Info("stream started")

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		for id := range open {
			s.unregister(id, cs)
			if err := s.Emit(ctx, channel.Event{Kind: channel.EventSessionEnded, NativeID: id}); err != nil {
				s.Logger().Error("failed to emit session end", slog.String("native_id", id), slog.String("error", err.Error()))
			}
		}
	}()

	for {
		in := &structpb.Struct{}
		err := stream.RecvMsg(in)
		if err == io.EOF {
			s.Logger().Info("stream closed by client", slog.Int("sessions", len(open)))
			return nil
		}
		if err != nil {
			s.Logger().Warn("stream recv error", slog.String("error", err.Error()))
			return err
		}

		f := FrameFromStruct(in)
		ev, err := s.toEvent(f)
		if err != nil {
			if sendErr := cs.send(Frame{Type: FrameError, SessionID: f.SessionID, MessageID: f.MessageID, Error: err.Error()}); sendErr != nil {
				return sendErr
			}
			continue
		}

		if ev.Kind == channel.EventSessionEnded {
			delete(open, ev.NativeID)
			s.unregister(ev.NativeID, cs)
		} else if !open[ev.NativeID] {
			open[ev.NativeID] = true
			s.register(ev.NativeID, cs)
		}

		if err := s.Emit(stream.Context(), ev); err != nil {
			return err
		}
		if ev.Kind == channel.EventMessageReceived {
			if err := cs.send(Frame{Type: FrameAck, SessionID: f.SessionID, MessageID: f.MessageID}); err != nil {
				return err
			}
		}
	}
}

// ProcessInboundEvent accepts a single frame encoded as protobuf JSON.
func (s *ConversationServer) ProcessInboundEvent(ctx context.Context, payload []byte) error {
	in := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, in); err != nil {
		return s.Reject("invalid frame json", err)
	}
	ev, err := s.toEvent(FrameFromStruct(in))
	if err != nil {
		return err
	}
	return s.Emit(ctx, ev)
}

func (s *ConversationServer) toEvent(f Frame) (channel.Event, error) {
	if f.SessionID == "" {
		return channel.Event{}, s.Reject("frame without session_id", nil)
	}
	ev := channel.Event{NativeID: f.SessionID, Metadata: f.Metadata}
	switch f.Type {
	case FrameStart:
		ev.Kind = channel.EventSessionCreated
	case FrameEnd:
		ev.Kind = channel.EventSessionEnded
	case FrameMessage, "":
		if strings.TrimSpace(f.Text) == "" {
			return channel.Event{}, s.Reject("message frame without text", nil)
		}
		speaker := core.SpeakerCaller
		if f.Sender != "" {
			var ok bool
			if speaker, ok = core.ParseSpeaker(f.Sender); !ok {
				return channel.Event{}, s.Reject(fmt.Sprintf("unknown sender %q", f.Sender), nil)
			}
		}
		var ts time.Time
		if f.TimestampMs > 0 {
			ts = time.UnixMilli(f.TimestampMs).UTC()
		}
		ev.Kind = channel.EventMessageReceived
		ev.Message = &core.Message{ID: f.MessageID, Timestamp: ts, Speaker: speaker, Content: f.Text, Metadata: f.Metadata}
	default:
		return channel.Event{}, s.Reject(fmt.Sprintf("unknown frame type %q", f.Type), nil)
	}
	return ev, nil
}

func (s *ConversationServer) register(id string, cs *clientStream) {
	s.mu.Lock()
	s.streams[id] = cs
	s.mu.Unlock()
}

func (s *ConversationServer) unregister(id string, cs *clientStream) {
	s.mu.Lock()
	if s.streams[id] == cs {
		delete(s.streams, id)
	}
	s.mu.Unlock()
}

// SendMessage writes an agent frame on the stream that owns the session.
func (s *ConversationServer) SendMessage(_ context.Context, nativeID, text string) error {
	s.mu.RLock()
	cs, ok := s.streams[nativeID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no open stream for %s", channel.ErrUnknownConversation, nativeID)
	}
	return cs.send(Frame{
		Type:        FrameMessage,
		SessionID:   nativeID,
		Sender:      "AGENT",
		Text:        text,
		TimestampMs: time.Now().UnixMilli(),
	})
}

func (s *ConversationServer) GetHistory(_ context.Context, nativeID string) ([]core.Message, error) {
	return s.History(nativeID)
}

func (s *ConversationServer) HealthCheck(_ context.Context) channel.Health {
	d := s.Details()
	s.mu.RLock()
	d["open_sessions"] = len(s.streams)
	serving := s.serving
	if s.listener != nil {
		d["addr"] = s.listener.Addr().String()
	}
	s.mu.RUnlock()
	return channel.Health{Healthy: s.Ready() && serving, Details: d}
}
