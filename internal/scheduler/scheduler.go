package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
	"github.com/kaphack/realtime-crisis-escalation/internal/session"
	"github.com/kaphack/realtime-crisis-escalation/internal/workers"
)

// ErrClosed is returned for forced passes requested after Shutdown.
var ErrClosed = errors.New("scheduler closed")

// Processor runs one analysis+action pass over the current state of a session.
type Processor interface {
	Process(ctx context.Context, sessionID string, final bool) (*core.ProcessingResult, error)
}

// Settings are re-read on every decision, so changes apply to the next message.
type Settings struct {
	Debounce          time.Duration
	SuppressionWindow time.Duration
	PassTimeout       time.Duration
}

func DefaultSettings() Settings {
	return Settings{Debounce: 5 * time.Second, SuppressionWindow: 300 * time.Second, PassTimeout: 30 * time.Second}
}

type pending struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler decides when a session is analyzed. Caller messages arm a per-session debounce
// timer; a fired timer queues a pass on the processing pool unless the session was processed
// within the suppression window. Session end and explicit re-analysis bypass both.
// Passes for one session run on one worker, so at most one is in flight per session.
type Scheduler struct {
	proc     Processor
	pool     *workers.WorkerPool
	nworkers int
	settings func() Settings
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	timers    map[string]*pending
	gen       uint64
	processed map[string]time.Time
	lastPrune time.Time

	// sessions whose final pass was requested; later debounced passes are dropped
	finished map[string]bool
	closed   bool
}

type Option func(*Scheduler)

func WithSettings(fn func() Settings) Option {
	return func(s *Scheduler) { s.settings = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithWorkers sets the size of the processing pool.
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.nworkers = n }
}

func New(proc Processor, opts ...Option) *Scheduler {
	s := &Scheduler{
		proc:      proc,
		nworkers:  4,
		settings:  DefaultSettings,
		now:       time.Now,
		logger:    slog.Default(),
		timers:    make(map[string]*pending),
		processed: make(map[string]time.Time),
		finished:  make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(slog.String("component", "scheduler"))
	s.pool = workers.NewWorkerPool("processing", s.nworkers, s.logger)
	return s
}

// OnMessage re-arms the debounce timer for the message's session. Only caller messages count.
func (s *Scheduler) OnMessage(msg core.Message) {
	if msg.Speaker != core.SpeakerCaller {
		return
	}
	id := msg.SessionID
	debounce := s.settings().Debounce

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finished[id] {
		return
	}
	if p, ok := s.timers[id]; ok {
		p.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timers[id] = &pending{gen: gen, timer: time.AfterFunc(debounce, func() { s.fire(id, gen) })}
}

func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	p, ok := s.timers[id]
	if !ok || p.gen != gen || s.closed {
		// replaced, cancelled or shutting down
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	if err := s.pool.Dispatch(id, func() { s.run(context.Background(), id, false, false) }); err != nil {
		s.logger.Warn("failed to queue processing pass",
			slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

// OnSessionEnd cancels any pending timer and runs the final pass, waiting for it to finish.
// A debounced pass that was already queued is skipped, so the final result stays the last one.
// The pass is not cancelled by ctx; it is bounded by the pass timeout.
func (s *Scheduler) OnSessionEnd(ctx context.Context, sessionID string) (*core.ProcessingResult, error) {
	s.mu.Lock()
	s.finished[sessionID] = true
	s.mu.Unlock()
	s.cancel(sessionID)
	return s.forced(context.WithoutCancel(ctx), sessionID, true)
}

// Reanalyze runs a pass now, ignoring the suppression window.
func (s *Scheduler) Reanalyze(ctx context.Context, sessionID string) (*core.ProcessingResult, error) {
	return s.forced(ctx, sessionID, false)
}

func (s *Scheduler) forced(ctx context.Context, id string, final bool) (*core.ProcessingResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	type outcome struct {
		res *core.ProcessingResult
		err error
	}
	done := make(chan outcome, 1)
	passCtx := context.WithoutCancel(ctx)
	if err := s.pool.Dispatch(id, func() {
		res, err := s.run(passCtx, id, true, final)
		done <- outcome{res, err}
	}); err != nil {
		if errors.Is(err, workers.ErrStopped) {
			return nil, ErrClosed
		}
		return nil, err
	}

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes on the session's worker.
func (s *Scheduler) run(ctx context.Context, id string, force, final bool) (*core.ProcessingResult, error) {
	set := s.settings()
	if !force && s.isFinished(id) {
		s.logger.Debug("skipping pass, final pass already requested", slog.String("session_id", id))
		return nil, nil
	}
	if !force && s.recentlyProcessed(id, set.SuppressionWindow) {
		s.logger.Debug("skipping pass, session processed recently", slog.String("session_id", id))
		return nil, nil
	}

	if set.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, set.PassTimeout)
		defer cancel()
	}

	res, err := s.proc.Process(ctx, id, final)
	if errors.Is(err, session.ErrNotFound) {
		s.logger.Debug("session vanished before processing", slog.String("session_id", id))
		return nil, nil
	}
	if err != nil {
		s.logger.Error("processing pass failed",
			slog.String("session_id", id), slog.Bool("final", final), slog.String("error", err.Error()))
		return nil, fmt.Errorf("process session %s: %w", id, err)
	}
	s.markProcessed(id, set.SuppressionWindow)
	return res, nil
}

func (s *Scheduler) isFinished(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished[id]
}

func (s *Scheduler) recentlyProcessed(id string, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.processed[id]
	return ok && s.now().Sub(at) < window
}

func (s *Scheduler) markProcessed(id string, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.processed[id] = now
	if now.Sub(s.lastPrune) < window {
		return
	}
	s.lastPrune = now
	for k, at := range s.processed {
		if now.Sub(at) >= window {
			delete(s.processed, k)
		}
	}
}

func (s *Scheduler) cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.timers[id]; ok {
		p.timer.Stop()
		delete(s.timers, id)
	}
}

// Forget drops all scheduling state for an evicted session.
func (s *Scheduler) Forget(id string) {
	s.cancel(id)
	s.mu.Lock()
	delete(s.processed, id)
	delete(s.finished, id)
	s.mu.Unlock()
}

// Pending reports how many sessions have an armed debounce timer.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Shutdown cancels every timer and waits for queued and in-flight passes to finish.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.pool.Stop()
	s.logger.Info("scheduler stopped")
}
