package core

import (
	"strings"
	"time"
	"unicode"
)

// Platform identifies the channel a conversation arrived on.
type Platform string

const (
	PlatformTelephony     Platform = "telephony"
	PlatformContactCenter Platform = "contact_center"
	PlatformSocket        Platform = "socket"
)

// Status is the lifecycle state of a conversation session.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
	StatusError  Status = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusError
}

// Speaker is who said a message.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
	SpeakerSystem Speaker = "system"
)

// ParseSpeaker normalizes channel sender labels ("CUSTOMER", "AGENT", ...) to a Speaker.
func ParseSpeaker(s string) (Speaker, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "caller", "customer", "user", "client":
		return SpeakerCaller, true
	case "agent", "counselor", "operator":
		return SpeakerAgent, true
	case "system", "bot":
		return SpeakerSystem, true
	}
	return "", false
}

// Participant is someone taking part in a conversation.
type Participant struct {
	ID       string    `json:"id"`
	Role     Speaker   `json:"role"`
	Name     string    `json:"name,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// Message is one utterance in a conversation. Immutable once appended.
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Timestamp time.Time         `json:"timestamp"`
	Speaker   Speaker           `json:"speaker"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Snapshot is a point-in-time, read-only copy of a session handed to the analysis pipeline.
type Snapshot struct {
	ID           string            `json:"id"`
	Platform     Platform          `json:"platform"`
	NativeID     string            `json:"native_id"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Status       Status            `json:"status"`
	Participants []Participant     `json:"participants"`
	Messages     []Message         `json:"messages"`
	Analysis     *Analysis         `json:"analysis,omitempty"`
	CaseID       string            `json:"case_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CallerMessages returns the caller's messages in insertion order.
func (s *Snapshot) CallerMessages() []Message {
	var out []Message
	for _, m := range s.Messages {
		if m.Speaker == SpeakerCaller {
			out = append(out, m)
		}
	}
	return out
}

// Tokenize splits content into lowercase words.
func Tokenize(content string) []string {
	f := func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsNumber(c) && c != '\''
	}
	var words []string
	for _, w := range strings.FieldsFunc(content, f) {
		if w = strings.Trim(w, "'"); w != "" {
			words = append(words, strings.ToLower(w))
		}
	}
	return words
}
