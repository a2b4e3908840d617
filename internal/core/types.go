package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// RiskLevel is the ordered crisis classification: low < moderate < high < imminent.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskModerate
	RiskHigh
	RiskImminent
)

var riskNames = [...]string{"low", "moderate", "high", "imminent"}

func (r RiskLevel) String() string {
	if r < RiskLow || r > RiskImminent {
		return fmt.Sprintf("risk(%d)", int(r))
	}
	return riskNames[r]
}

// ParseRiskLevel is the inverse of RiskLevel.String.
func ParseRiskLevel(s string) (RiskLevel, error) {
	for i, n := range riskNames {
		if n == s {
			return RiskLevel(i), nil
		}
	}
	return RiskLow, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	lvl, err := ParseRiskLevel(s)
	if err != nil {
		return err
	}
	*r = lvl
	return nil
}

// CrisisType is a crisis indicator category.
type CrisisType string

const (
	CrisisSuicideRisk      CrisisType = "suicide_risk"
	CrisisViolenceThreat   CrisisType = "violence_threat"
	CrisisSelfHarm         CrisisType = "self_harm"
	CrisisSubstanceAbuse   CrisisType = "substance_abuse"
	CrisisDomesticViolence CrisisType = "domestic_violence"
	CrisisSevereDepression CrisisType = "severe_depression"
	CrisisPanicAttack      CrisisType = "panic_attack"
)

// EscalationOnly reports whether a severe indicator of this type forces an imminent risk level.
func (t CrisisType) EscalationOnly() bool {
	return t == CrisisSuicideRisk || t == CrisisViolenceThreat
}

// SentimentPoint is the score of one analyzed caller message.
type SentimentPoint struct {
	MessageID  string    `json:"message_id"`
	Timestamp  time.Time `json:"timestamp"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	Fallback   bool      `json:"fallback,omitempty"`
}

// CrisisIndicator signals that crisis language of one category appeared in the conversation.
type CrisisIndicator struct {
	Type        CrisisType `json:"type"`
	Severity    float64    `json:"severity"`
	Confidence  float64    `json:"confidence"`
	Signals     []string   `json:"signals"`
	MessageIDs  []string   `json:"message_ids"`
	Description string     `json:"description"`
}

// EmotionalState is an emotion detected across the caller's messages.
type EmotionalState struct {
	Emotion    string        `json:"emotion"`
	Intensity  float64       `json:"intensity"`
	Confidence float64       `json:"confidence"`
	Duration   time.Duration `json:"duration"`
}

// Analysis is a snapshot of the latest assessment of a conversation.
type Analysis struct {
	OverallSentiment   float64           `json:"overall_sentiment"`
	SentimentTrend     []SentimentPoint  `json:"sentiment_trend"`
	CrisisIndicators   []CrisisIndicator `json:"crisis_indicators"`
	KeyPhrases         []string          `json:"key_phrases"`
	EmotionalStates    []EmotionalState  `json:"emotional_states"`
	RiskLevel          RiskLevel         `json:"risk_level"`
	RecommendedActions []string          `json:"recommended_actions"`
	Confidence         float64           `json:"confidence"`
	ProcessingTime     time.Duration     `json:"processing_time"`
	Timestamp          time.Time         `json:"timestamp"`
	Degraded           bool              `json:"degraded,omitempty"`
}

// ActionType is a side effect the action engine can take.
type ActionType string

const (
	ActionCreateCase       ActionType = "create_case"
	ActionUpdateCase       ActionType = "update_case"
	ActionAlertSupervisor  ActionType = "alert_supervisor"
	ActionEscalateCall     ActionType = "escalate_call"
	ActionSendResources    ActionType = "send_resources"
	ActionScheduleFollowup ActionType = "schedule_followup"
)

// Priority of an action.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Action is a candidate or executed side effect of one processing pass.
type Action struct {
	ID          string         `json:"id"`
	Type        ActionType     `json:"type"`
	Description string         `json:"description"`
	Priority    Priority       `json:"priority"`
	Automated   bool           `json:"automated"`
	Executed    bool           `json:"executed"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ProcessingResult is the outcome of one analysis+action pass.
type ProcessingResult struct {
	ConversationID string    `json:"conversation_id"`
	Analysis       *Analysis `json:"analysis"`
	Actions        []Action  `json:"actions"`
	CaseCreated    bool      `json:"case_created"`
	CaseUpdated    bool      `json:"case_updated"`
	Errors         []string  `json:"errors,omitempty"`
	Final          bool      `json:"final,omitempty"`
}

// FindAction returns the first action of type t, if any.
func (r *ProcessingResult) FindAction(t ActionType) (*Action, bool) {
	for i := range r.Actions {
		if r.Actions[i].Type == t {
			return &r.Actions[i], true
		}
	}
	return nil, false
}
