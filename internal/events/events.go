package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

type Type string

const (
	SessionCreated      Type = "session-created"
	SessionEnded        Type = "session-ended"
	MessageReceived     Type = "message-received"
	AnalysisUpdated     Type = "analysis-updated"
	SupervisorAlert     Type = "supervisor-alert"
	CallEscalate        Type = "call-escalate"
	CaseUpdated         Type = "case-updated"
	ProcessingCompleted Type = "processing-completed"
)

// Event is an outbound observability notification about one conversation.
type Event struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Platform       core.Platform   `json:"platform,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// New builds an event. A payload that cannot be marshaled is left empty.
func New(t Type, conversationID string, platform core.Platform, payload any) *Event {
	ev := &Event{
		ID:             uuid.NewString(),
		Type:           t,
		ConversationID: conversationID,
		Platform:       platform,
		Timestamp:      time.Now().UTC(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
	Close() error
}

// SupervisorAlertPayload is carried by supervisor-alert and call-escalate events.
type SupervisorAlertPayload struct {
	RiskLevel          core.RiskLevel `json:"risk_level"`
	Priority           core.Priority  `json:"priority"`
	Description        string         `json:"description"`
	CaseID             string         `json:"case_id,omitempty"`
	RecommendedActions []string       `json:"recommended_actions,omitempty"`
}

// CaseUpdatedPayload is carried by case-updated events.
type CaseUpdatedPayload struct {
	CaseID     string `json:"case_id"`
	CaseNumber string `json:"case_number,omitempty"`
	Created    bool   `json:"created"`
}
