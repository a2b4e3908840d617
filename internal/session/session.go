package session

import (
	"maps"
	"sync"
	"time"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

// Session is the live state of one conversation. Messages are append-only; every mutation
// goes through the session's own lock so appends for one conversation are serialized.
type Session struct {
	mu sync.RWMutex

	id           string
	platform     core.Platform
	nativeID     string
	startTime    time.Time
	endTime      *time.Time
	status       core.Status
	participants []core.Participant
	messages     []core.Message
	analysis     *core.Analysis
	caseID       string
	metadata     map[string]string
	finalized    bool
}

func (s *Session) ID() string { return s.id }
func (s *Session) Platform() core.Platform { return s.platform }
func (s *Session) NativeID() string { return s.nativeID }
func (s *Session) key() platformKey { return platformKey{s.platform, s.nativeID} }
func (s *Session) StartTime() time.Time { return s.startTime }

func (s *Session) Status() core.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// CaseID returns the linked external case id, or "" when none is linked.
func (s *Session) CaseID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caseID
}

// LinkCase records the external case id. A session is linked at most once; later calls
// return false and leave the first link in place.
func (s *Session) LinkCase(caseID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caseID != "" || caseID == "" {
		return false
	}
	s.caseID = caseID
	return true
}

// SetAnalysis replaces the latest analysis.
func (s *Session) SetAnalysis(a *core.Analysis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysis = a
}

func (s *Session) Analysis() *core.Analysis {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.analysis
}

// AddParticipant registers a participant once per id.
func (s *Session) AddParticipant(p core.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.participants {
		if existing.ID == p.ID {
			return
		}
	}
	s.participants = append(s.participants, p)
}

// Snapshot copies the session so the caller can read it without holding the lock.
func (s *Session) Snapshot() *core.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &core.Snapshot{
		ID:           s.id,
		Platform:     s.platform,
		NativeID:     s.nativeID,
		StartTime:    s.startTime,
		Status:       s.status,
		Participants: append([]core.Participant(nil), s.participants...),
		Messages:     append([]core.Message(nil), s.messages...),
		Analysis:     s.analysis,
		CaseID:       s.caseID,
		Metadata:     maps.Clone(s.metadata),
	}
	if s.endTime != nil {
		end := *s.endTime
		snap.EndTime = &end
	}
	return snap
}

func (s *Session) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
