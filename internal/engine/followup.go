package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

type FollowUp struct {
	SessionID string         `json:"session_id"`
	CaseID    string         `json:"case_id,omitempty"`
	RiskLevel core.RiskLevel `json:"risk_level"`
	Priority  core.Priority  `json:"priority"`
	Timeframe string         `json:"timeframe"`
	DueAt     time.Time      `json:"due_at"`
}

// FollowUpRegister keeps one pending follow-up per session. Scheduling again replaces it.
type FollowUpRegister struct {
	mu    sync.Mutex
	items map[string]FollowUp
}

func NewFollowUpRegister() *FollowUpRegister {
	return &FollowUpRegister{items: make(map[string]FollowUp)}
}

func (r *FollowUpRegister) Schedule(f FollowUp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[f.SessionID] = f
}

func (r *FollowUpRegister) Get(sessionID string) (FollowUp, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.items[sessionID]
	return f, ok
}

func (r *FollowUpRegister) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, sessionID)
}

// Due returns follow-ups due at or before now, earliest first.
func (r *FollowUpRegister) Due(now time.Time) []FollowUp {
	r.mu.Lock()
	var out []FollowUp
	for _, f := range r.items {
		if !f.DueAt.After(now) {
			out = append(out, f)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

func (r *FollowUpRegister) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
