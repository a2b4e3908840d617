package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kaphack/realtime-crisis-escalation/internal/channel"
	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

// WebhookEvent is the contact-center callback body.
type WebhookEvent struct {
	EventType      string            `json:"event_type"` // conversation.started, message.created, conversation.ended
	ConversationID string            `json:"conversation_id"`
	Message        *WebhookMessage   `json:"message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type WebhookMessage struct {
	ID          string            `json:"id"`
	Text        string            `json:"text"`
	Timestamp   time.Time         `json:"timestamp"`
	Participant struct {
		ID   string `json:"id"`
		Role string `json:"role"`
		Name string `json:"name"`
	} `json:"participant"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type outboundMessage struct {
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
}

// ContactCenterAdapter receives platform callbacks on the HTTP router and posts agent
// replies to the platform's outbound URL.
type ContactCenterAdapter struct {
	*channel.Base
	outboundURL string
	client      *http.Client

	mu       sync.Mutex
	lastSend string
}

func NewContactCenterAdapter(outboundURL string, client *http.Client) *ContactCenterAdapter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &ContactCenterAdapter{
		Base:        channel.NewBase(core.PlatformContactCenter),
		outboundURL: outboundURL,
		client:      client,
	}
}

func (a *ContactCenterAdapter) Initialize(_ context.Context, env channel.Env) error {
	return a.Init(env)
}

// StartListening only flips the flag; callbacks arrive through the router.
func (a *ContactCenterAdapter) StartListening(_ context.Context) error {
	if !a.Ready() {
		return channel.ErrNotInitialized
	}
	a.SetListening(true)
	return nil
}

func (a *ContactCenterAdapter) StopListening(_ context.Context) error {
	a.SetListening(false)
	return nil
}

func (a *ContactCenterAdapter) ProcessInboundEvent(ctx context.Context, payload []byte) error {
	if !a.Listening() {
		return fmt.Errorf("contact center adapter is not listening")
	}
	var in WebhookEvent
	if err := json.Unmarshal(payload, &in); err != nil {
		return a.Reject("invalid webhook json", err)
	}
	if in.ConversationID == "" {
		return a.Reject("missing conversation_id", nil)
	}

	ev := channel.Event{NativeID: in.ConversationID, Metadata: in.Metadata}
	switch in.EventType {
	case "conversation.started":
		ev.Kind = channel.EventSessionCreated
	case "conversation.ended":
		ev.Kind = channel.EventSessionEnded
	case "message.created":
		m := in.Message
		if m == nil || strings.TrimSpace(m.Text) == "" {
			return a.Reject("message.created without text", nil)
		}
		speaker, ok := core.ParseSpeaker(m.Participant.Role)
		if !ok {
			return a.Reject(fmt.Sprintf("unknown participant role %q", m.Participant.Role), nil)
		}
		md := make(map[string]string, len(m.Metadata)+2)
		for k, v := range m.Metadata {
			md[k] = v
		}
		if m.Participant.ID != "" {
			md["participant_id"] = m.Participant.ID
		}
		if m.Participant.Name != "" {
			md["participant_name"] = m.Participant.Name
		}
		ev.Kind = channel.EventMessageReceived
		ev.Message = &core.Message{ID: m.ID, Timestamp: m.Timestamp, Speaker: speaker, Content: m.Text, Metadata: md}
	default:
		return a.Reject(fmt.Sprintf("unknown event_type %q", in.EventType), nil)
	}
	return a.Emit(ctx, ev)
}

func (a *ContactCenterAdapter) SendMessage(ctx context.Context, nativeID, text string) error {
	if a.outboundURL == "" {
		return fmt.Errorf("contact center adapter: no outbound url configured")
	}
	body, err := json.Marshal(outboundMessage{ConversationID: nativeID, Sender: "agent", Text: text, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.outboundURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		a.setLastSend(err.Error())
		return fmt.Errorf("post reply: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", channel.ErrUnknownConversation, nativeID)
	}
	if resp.StatusCode >= 300 {
		a.setLastSend(resp.Status)
		return fmt.Errorf("post reply: status %d", resp.StatusCode)
	}
	a.setLastSend("ok")
	return nil
}

func (a *ContactCenterAdapter) setLastSend(s string) {
	a.mu.Lock()
	a.lastSend = s
	a.mu.Unlock()
}

func (a *ContactCenterAdapter) GetHistory(_ context.Context, nativeID string) ([]core.Message, error) {
	return a.History(nativeID)
}

func (a *ContactCenterAdapter) HealthCheck(_ context.Context) channel.Health {
	d := a.Details()
	d["outbound_configured"] = a.outboundURL != ""
	a.mu.Lock()
	if a.lastSend != "" {
		d["last_send"] = a.lastSend
	}
	a.mu.Unlock()
	return channel.Health{Healthy: a.Ready() && a.Listening(), Details: d}
}
