package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kaphack/realtime-crisis-escalation/internal/channel"
	"github.com/kaphack/realtime-crisis-escalation/internal/core"
	"github.com/kaphack/realtime-crisis-escalation/internal/engine"
	"github.com/kaphack/realtime-crisis-escalation/internal/events"
	"github.com/kaphack/realtime-crisis-escalation/internal/scheduler"
	"github.com/kaphack/realtime-crisis-escalation/internal/session"
	"github.com/kaphack/realtime-crisis-escalation/internal/workers"
)

const (
	eventBuffer   = 256
	sweepInterval = 30 * time.Second
)

// lifecyclePayload is carried by session-created and session-ended events.
type lifecyclePayload struct {
	NativeID     string            `json:"native_id"`
	Status       core.Status       `json:"status"`
	MessageCount int               `json:"message_count"`
	CaseID       string            `json:"case_id,omitempty"`
	RiskLevel    *core.RiskLevel   `json:"risk_level,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type noopEmitter struct{}

func (noopEmitter) Emit(*events.Event) {}

// ConversationService connects channel adapters to the processing core. Inbound events are
// queued per conversation, so one conversation's events are applied in arrival order by a
// single worker while different conversations proceed in parallel.
type ConversationService struct {
	adapters map[core.Platform]channel.Adapter
	order    []channel.Adapter

	store     *session.Store
	sched     *scheduler.Scheduler
	followUps *engine.FollowUpRegister
	emitter   engine.Emitter
	inbound   *workers.WorkerPool
	events    chan channel.Event

	settings   func() scheduler.Settings
	autoCreate func() bool
	grace      time.Duration
	nworkers   int
	now        func() time.Time
	logger     *slog.Logger

	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

type Option func(*ConversationService)

func WithEmitter(em engine.Emitter) Option {
	return func(s *ConversationService) { s.emitter = em }
}

func WithSettings(fn func() scheduler.Settings) Option {
	return func(s *ConversationService) { s.settings = fn }
}

func WithAutoCreate(fn func() bool) Option {
	return func(s *ConversationService) { s.autoCreate = fn }
}

// WithGrace sets how long ended sessions stay inspectable before eviction.
func WithGrace(d time.Duration) Option {
	return func(s *ConversationService) { s.grace = d }
}

// WithWorkers sizes both the inbound and the processing worker pools.
func WithWorkers(n int) Option {
	return func(s *ConversationService) { s.nworkers = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *ConversationService) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ConversationService) { s.logger = l }
}

// New builds the service around the given adapters. The analyzer and engine run every
// processing pass; the service owns the session store and the scheduler.
func New(adapters []channel.Adapter, analyzer engine.Analyzer, eng *engine.Engine, opts ...Option) *ConversationService {
	s := &ConversationService{
		adapters: make(map[core.Platform]channel.Adapter, len(adapters)),
		events:   make(chan channel.Event, eventBuffer),
		settings: scheduler.DefaultSettings,
		grace:    10 * time.Minute,
		nworkers: 8,
		now:      time.Now,
		logger:   slog.Default(),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.emitter == nil {
		s.emitter = noopEmitter{}
	}
	s.logger = s.logger.With(slog.String("component", "service"))
	for _, a := range adapters {
		s.adapters[a.Platform()] = a
		s.order = append(s.order, a)
	}

	s.followUps = eng.FollowUps()
	s.store = session.NewStore(
		session.WithGrace(s.grace),
		session.WithListener(s.onChange),
		session.WithClock(s.now),
		session.WithLogger(s.logger),
	)
	proc := engine.NewProcessor(s.store, analyzer, eng, s.emitter, s.autoCreate, s.logger)
	s.sched = scheduler.New(proc,
		scheduler.WithSettings(s.settings),
		scheduler.WithWorkers(s.nworkers),
		scheduler.WithClock(s.now),
		scheduler.WithLogger(s.logger),
	)
	s.inbound = workers.NewWorkerPool("inbound", s.nworkers, s.logger)
	return s
}

// Store exposes the session store for inspection.
func (s *ConversationService) Store() *session.Store { return s.store }

// Start initializes every adapter, starts the dispatch loop and the eviction janitor, then
// opens the adapters for traffic. An adapter that fails to start is logged and reported
// unhealthy; Start fails only when none could start.
func (s *ConversationService) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.dispatchLoop()
		go s.janitor()

		started := 0
		for _, a := range s.order {
			env := channel.Env{Events: s.events, History: s.history, Logger: s.logger}
			if ierr := a.Initialize(ctx, env); ierr != nil {
				s.logger.Error("adapter failed to initialize",
					slog.String("platform", string(a.Platform())), slog.String("error", ierr.Error()))
				continue
			}
			if lerr := a.StartListening(ctx); lerr != nil {
				s.logger.Error("adapter failed to start listening",
					slog.String("platform", string(a.Platform())), slog.String("error", lerr.Error()))
				continue
			}
			started++
			s.logger.Info("adapter listening", slog.String("platform", string(a.Platform())))
		}
		if started == 0 {
			err = fmt.Errorf("no channel adapter could be started")
		}
	})
	return err
}

func (s *ConversationService) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.dispatch(ev)
		case <-s.quit:
			// adapters are stopped; apply what they already handed over
			for {
				select {
				case ev := <-s.events:
					s.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *ConversationService) dispatch(ev channel.Event) {
	if err := s.inbound.Dispatch(ev.Key(), func() { s.handle(context.Background(), ev) }); err != nil {
		s.logger.Warn("inbound event dropped",
			slog.String("platform", string(ev.Platform)), slog.String("native_id", ev.NativeID),
			slog.String("error", err.Error()))
	}
}

// handle runs on the conversation's inbound worker.
func (s *ConversationService) handle(ctx context.Context, ev channel.Event) {
	log := s.logger.With(slog.String("platform", string(ev.Platform)), slog.String("native_id", ev.NativeID))

	switch ev.Kind {
	case channel.EventSessionCreated:
		_, created, err := s.store.GetOrCreate(ev.Platform, ev.NativeID, ev.Metadata)
		if err != nil {
			log.Warn("session not created", slog.String("error", err.Error()))
			return
		}
		if !created {
			log.Debug("session already active")
		}

	case channel.EventMessageReceived:
		if ev.Message == nil {
			log.Warn("message event without message dropped")
			return
		}
		sess, ok := s.store.Lookup(ev.Platform, ev.NativeID)
		if !ok {
			var err error
			if sess, _, err = s.store.GetOrCreate(ev.Platform, ev.NativeID, ev.Metadata); err != nil {
				log.Warn("message for new conversation dropped", slog.String("error", err.Error()))
				return
			}
		}
		s.record(sess, *ev.Message)

	case channel.EventSessionEnded:
		sess, ok := s.store.Lookup(ev.Platform, ev.NativeID)
		if !ok {
			log.Debug("end for unknown conversation ignored")
			return
		}
		if _, err := s.end(ctx, sess); err != nil {
			log.Error("failed to end session", slog.String("session_id", sess.ID()), slog.String("error", err.Error()))
		}

	case channel.EventError:
		msg := "adapter error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		log.Error("channel reported an error", slog.String("error", msg))
	}
}

// record appends a message and triggers scheduling. Stale messages are dropped by the store.
func (s *ConversationService) record(sess *session.Session, m core.Message) *core.Message {
	msg := s.store.Append(sess.ID(), m)
	if msg == nil {
		return nil
	}
	s.emitter.Emit(events.New(events.MessageReceived, sess.ID(), sess.Platform(), msg))
	s.sched.OnMessage(*msg)
	return msg
}

// end marks the session ended and runs its final pass. Ending an already ended session is a no-op.
func (s *ConversationService) end(ctx context.Context, sess *session.Session) (*core.ProcessingResult, error) {
	changed, err := s.store.SetStatus(sess.ID(), core.StatusEnded)
	if err != nil {
		return nil, err
	}
	if !changed {
		s.logger.Debug("session already ended", slog.String("session_id", sess.ID()))
		return nil, nil
	}
	res, err := s.sched.OnSessionEnd(ctx, sess.ID())
	s.store.MarkFinalized(sess.ID())
	if err != nil {
		return nil, fmt.Errorf("final pass: %w", err)
	}
	return res, nil
}

// onChange turns store lifecycle changes into events and cleans up after evictions.
func (s *ConversationService) onChange(c session.Change) {
	switch c.Kind {
	case session.ChangeCreated:
		s.emitter.Emit(events.New(events.SessionCreated, c.Session.ID, c.Session.Platform, lifecycle(c.Session)))
	case session.ChangeEnded:
		s.emitter.Emit(events.New(events.SessionEnded, c.Session.ID, c.Session.Platform, lifecycle(c.Session)))
	case session.ChangeEvicted:
		s.sched.Forget(c.Session.ID)
		s.followUps.Remove(c.Session.ID)
	}
}

func lifecycle(snap *core.Snapshot) lifecyclePayload {
	p := lifecyclePayload{
		NativeID:     snap.NativeID,
		Status:       snap.Status,
		MessageCount: len(snap.Messages),
		CaseID:       snap.CaseID,
		Metadata:     snap.Metadata,
	}
	if snap.Analysis != nil {
		r := snap.Analysis.RiskLevel
		p.RiskLevel = &r
	}
	return p
}

func (s *ConversationService) history(platform core.Platform, nativeID string) ([]core.Message, bool) {
	sess, ok := s.store.Lookup(platform, nativeID)
	if !ok {
		return nil, false
	}
	return sess.Snapshot().Messages, true
}

func (s *ConversationService) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep evicts expired sessions and reports follow-ups that have come due.
func (s *ConversationService) sweep() {
	s.store.Sweep()
	for _, f := range s.followUps.Due(s.now()) {
		s.logger.Info("follow-up due",
			slog.String("session_id", f.SessionID),
			slog.String("case_id", f.CaseID),
			slog.String("risk", f.RiskLevel.String()),
			slog.Time("due_at", f.DueAt))
		s.followUps.Remove(f.SessionID)
	}
}

// serialize runs fn on the conversation's inbound worker and waits for it.
func (s *ConversationService) serialize(ctx context.Context, sess *session.Session, fn func()) error {
	key := channel.Event{Platform: sess.Platform(), NativeID: sess.NativeID()}.Key()
	done := make(chan struct{})
	if err := s.inbound.Dispatch(key, func() {
		defer close(done)
		fn()
	}); err != nil {
		if errors.Is(err, workers.ErrStopped) {
			return session.ErrClosed
		}
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the adapters, refuses new sessions, applies already received events,
// cancels debounce timers and waits for in-flight passes. ctx bounds the adapter stop.
func (s *ConversationService) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() {
		for _, a := range s.order {
			if err := a.StopListening(ctx); err != nil {
				s.logger.Warn("adapter did not stop cleanly",
					slog.String("platform", string(a.Platform())), slog.String("error", err.Error()))
			}
		}
		s.store.Close()
		close(s.quit)
		s.wg.Wait()
		s.inbound.Stop()
		s.sched.Shutdown()
		s.logger.Info("conversation service stopped")
	})
}
