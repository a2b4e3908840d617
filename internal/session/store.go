package session

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrExists            = errors.New("active session already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrClosed            = errors.New("session store closed")
)

const shardCount = 32

// transitions lists the allowed outgoing statuses. Terminal statuses have none.
var transitions = map[core.Status][]core.Status{
	core.StatusActive: {core.StatusPaused, core.StatusEnded, core.StatusError},
	core.StatusPaused: {core.StatusActive, core.StatusEnded},
}

// ChangeKind names a lifecycle change reported to the store's listener.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeStatus  ChangeKind = "status"
	ChangeEnded   ChangeKind = "ended"
	ChangeEvicted ChangeKind = "evicted"
)

// Change is delivered to the listener after the store lock is released.
type Change struct {
	Kind    ChangeKind
	Session *core.Snapshot
	From    core.Status
	To      core.Status
}

type platformKey struct {
	platform core.Platform
	nativeID string
}

type shard struct {
	mu    sync.RWMutex
	byID  map[string]*Session
	byKey map[platformKey]*Session
}

// Store is the in-memory registry of live sessions. Lookups by id and by
// (platform, native id) are O(1); sessions are spread over shards to limit lock contention.
type Store struct {
	ids  [shardCount]*shard
	keys [shardCount]*shard

	grace    time.Duration
	listener func(Change)
	now      func() time.Time
	logger   *slog.Logger

	closeMu sync.RWMutex
	closed  bool
}

type Option func(*Store)

// WithGrace sets how long an ended session stays in the store before eviction.
func WithGrace(d time.Duration) Option {
	return func(s *Store) { s.grace = d }
}

func WithListener(fn func(Change)) Option {
	return func(s *Store) { s.listener = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		grace:    10 * time.Minute,
		listener: func(Change) {},
		now:      time.Now,
		logger:   slog.Default(),
	}
	for i := 0; i < shardCount; i++ {
		s.ids[i] = &shard{byID: make(map[string]*Session)}
		s.keys[i] = &shard{byKey: make(map[platformKey]*Session)}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "session_store"))
	return s
}

func shardIndex(s string) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % shardCount)
}

func (s *Store) idShard(id string) *shard { return s.ids[shardIndex(id)] }

func (s *Store) keyShard(k platformKey) *shard {
	return s.keys[shardIndex(string(k.platform)+"\x00"+k.nativeID)]
}

// Create registers a new session for a platform-native id. It fails with ErrExists when a
// non-terminal session for that id is already registered; callers look up first.
func (s *Store) Create(platform core.Platform, nativeID string, metadata map[string]string) (*Session, error) {
	sess, created, err := s.create(platform, nativeID, metadata)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrExists
	}
	return sess, nil
}

// GetOrCreate returns the live session for a platform-native id, creating it when absent.
func (s *Store) GetOrCreate(platform core.Platform, nativeID string, metadata map[string]string) (*Session, bool, error) {
	return s.create(platform, nativeID, metadata)
}

func (s *Store) create(platform core.Platform, nativeID string, metadata map[string]string) (*Session, bool, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	key := platformKey{platform, nativeID}
	ks := s.keyShard(key)
	ks.mu.Lock()
	if existing, ok := ks.byKey[key]; ok && !existing.Status().Terminal() {
		ks.mu.Unlock()
		return existing, false, nil
	}

	sess := &Session{
		id:        uuid.NewString(),
		platform:  platform,
		nativeID:  nativeID,
		startTime: s.now(),
		status:    core.StatusActive,
		metadata:  maps.Clone(metadata),
	}
	if sess.metadata == nil {
		sess.metadata = make(map[string]string)
	}
	ks.byKey[key] = sess
	ks.mu.Unlock()

	is := s.idShard(sess.id)
	is.mu.Lock()
	is.byID[sess.id] = sess
	is.mu.Unlock()

	s.logger.Info("session created",
		slog.String("session_id", sess.id),
		slog.String("platform", string(platform)),
		slog.String("native_id", nativeID))
	s.listener(Change{Kind: ChangeCreated, Session: sess.Snapshot(), To: core.StatusActive})
	return sess, true, nil
}

// Get looks a session up by internal id.
func (s *Store) Get(id string) (*Session, bool) {
	is := s.idShard(id)
	is.mu.RLock()
	defer is.mu.RUnlock()
	sess, ok := is.byID[id]
	return sess, ok
}

// Lookup finds the most recent session registered for a platform-native id.
func (s *Store) Lookup(platform core.Platform, nativeID string) (*Session, bool) {
	key := platformKey{platform, nativeID}
	ks := s.keyShard(key)
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	sess, ok := ks.byKey[key]
	return sess, ok
}

// Append adds a message to a live session. It returns nil for unknown or ended sessions;
// late and retried channel events are expected and only logged.
func (s *Store) Append(sessionID string, msg core.Message) *core.Message {
	sess, ok := s.Get(sessionID)
	if !ok {
		s.logger.Warn("append to unknown session dropped", slog.String("session_id", sessionID))
		return nil
	}

	sess.mu.Lock()
	if sess.status == core.StatusEnded {
		sess.mu.Unlock()
		s.logger.Warn("append to ended session dropped", slog.String("session_id", sessionID))
		return nil
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	for _, m := range sess.messages {
		if m.ID == msg.ID {
			sess.mu.Unlock()
			s.logger.Debug("duplicate message dropped",
				slog.String("session_id", sessionID), slog.String("message_id", msg.ID))
			return nil
		}
	}
	msg.SessionID = sess.id
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if n := len(sess.messages); n > 0 && msg.Timestamp.Before(sess.messages[n-1].Timestamp) {
		// arrival order is kept as-is
		s.logger.Debug("message arrived out of order",
			slog.String("session_id", sessionID), slog.String("message_id", msg.ID))
	}
	msg.Metadata = maps.Clone(msg.Metadata)
	sess.messages = append(sess.messages, msg)
	sess.mu.Unlock()

	pid := msg.Metadata["participant_id"]
	if pid == "" {
		pid = string(msg.Speaker)
	}
	sess.AddParticipant(core.Participant{ID: pid, Role: msg.Speaker, JoinedAt: msg.Timestamp})
	return &msg
}

// SetStatus applies a status transition. Setting the current status again is a no-op, which
// makes ending a session idempotent: the ended change is emitted exactly once.
func (s *Store) SetStatus(sessionID string, status core.Status) (bool, error) {
	sess, ok := s.Get(sessionID)
	if !ok {
		return false, ErrNotFound
	}

	sess.mu.Lock()
	from := sess.status
	if from == status {
		sess.mu.Unlock()
		return false, nil
	}
	allowed := false
	for _, to := range transitions[from] {
		if to == status {
			allowed = true
			break
		}
	}
	if !allowed {
		sess.mu.Unlock()
		s.logger.Warn("status transition rejected",
			slog.String("session_id", sessionID),
			slog.String("from", string(from)), slog.String("to", string(status)))
		return false, ErrInvalidTransition
	}
	sess.status = status
	if status.Terminal() {
		end := s.now()
		sess.endTime = &end
	}
	sess.mu.Unlock()

	snap := sess.Snapshot()
	s.listener(Change{Kind: ChangeStatus, Session: snap, From: from, To: status})
	if status == core.StatusEnded {
		s.logger.Info("session ended", slog.String("session_id", sessionID))
		s.listener(Change{Kind: ChangeEnded, Session: snap, From: from, To: status})
	}
	return true, nil
}

// MarkFinalized records that the terminal processing pass for the session has completed,
// making it eligible for eviction once the grace period has passed.
func (s *Store) MarkFinalized(sessionID string) {
	if sess, ok := s.Get(sessionID); ok {
		sess.mu.Lock()
		sess.finalized = true
		sess.mu.Unlock()
	}
}

// Remove evicts a session immediately.
func (s *Store) Remove(sessionID string) bool {
	is := s.idShard(sessionID)
	is.mu.Lock()
	sess, ok := is.byID[sessionID]
	if ok {
		delete(is.byID, sessionID)
	}
	is.mu.Unlock()
	if !ok {
		return false
	}

	ks := s.keyShard(sess.key())
	ks.mu.Lock()
	if cur, ok := ks.byKey[sess.key()]; ok && cur == sess {
		delete(ks.byKey, sess.key())
	}
	ks.mu.Unlock()

	s.listener(Change{Kind: ChangeEvicted, Session: sess.Snapshot(), To: sess.Status()})
	return true
}

// List returns every registered session.
func (s *Store) List() []*Session {
	var out []*Session
	for _, is := range s.ids {
		is.mu.RLock()
		for _, sess := range is.byID {
			out = append(out, sess)
		}
		is.mu.RUnlock()
	}
	return out
}

// Len returns the number of registered sessions.
func (s *Store) Len() int {
	n := 0
	for _, is := range s.ids {
		is.mu.RLock()
		n += len(is.byID)
		is.mu.RUnlock()
	}
	return n
}

// Sweep evicts terminal sessions whose grace period has expired. Ended sessions wait for
// their final pass unless they have been waiting twice the grace period.
func (s *Store) Sweep() int {
	now := s.now()
	var expired []string
	for _, is := range s.ids {
		is.mu.RLock()
		for id, sess := range is.byID {
			sess.mu.RLock()
			end, status, finalized := sess.endTime, sess.status, sess.finalized
			sess.mu.RUnlock()
			if end == nil || !status.Terminal() {
				continue
			}
			age := now.Sub(*end)
			switch {
			case status == core.StatusEnded && !finalized && age < 2*s.grace:
			case age >= s.grace:
				expired = append(expired, id)
			}
		}
		is.mu.RUnlock()
	}
	for _, id := range expired {
		s.Remove(id)
	}
	if len(expired) > 0 {
		s.logger.Debug("evicted sessions", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// Close stops accepting new sessions. Existing sessions remain readable.
func (s *Store) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.closed = true
}
