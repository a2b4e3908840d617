package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kaphack/realtime-crisis-escalation/internal/cases"
	"github.com/kaphack/realtime-crisis-escalation/internal/channel"
	"github.com/kaphack/realtime-crisis-escalation/internal/core"
	"github.com/kaphack/realtime-crisis-escalation/internal/engine"
	"github.com/kaphack/realtime-crisis-escalation/internal/events"
	"github.com/kaphack/realtime-crisis-escalation/internal/scheduler"
	"github.com/kaphack/realtime-crisis-escalation/internal/session"
)

type fakeAdapter struct {
	*channel.Base
	failInit bool

	mu   sync.Mutex
	sent []string
}

func newFakeAdapter(p core.Platform) *fakeAdapter {
	return &fakeAdapter{Base: channel.NewBase(p)}
}

func (a *fakeAdapter) Initialize(_ context.Context, env channel.Env) error {
	if a.failInit {
		return errors.New("connection refused")
	}
	return a.Init(env)
}

func (a *fakeAdapter) StartListening(context.Context) error { a.SetListening(true); return nil }
func (a *fakeAdapter) StopListening(context.Context) error  { a.SetListening(false); return nil }

func (a *fakeAdapter) SendMessage(_ context.Context, nativeID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, nativeID+":"+text)
	return nil
}

func (a *fakeAdapter) GetHistory(_ context.Context, nativeID string) ([]core.Message, error) {
	return a.History(nativeID)
}

func (a *fakeAdapter) ProcessInboundEvent(context.Context, []byte) error {
	return a.Reject("not supported", nil)
}

func (a *fakeAdapter) HealthCheck(context.Context) channel.Health {
	return channel.Health{Healthy: a.Listening(), Details: a.Details()}
}

type fakeCases struct {
	mu      sync.Mutex
	created int
	updated int
}

func (f *fakeCases) CreateCase(context.Context, cases.Payload) (*cases.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &cases.Ref{CaseID: "case-7", CaseNumber: "CN-7"}, nil
}

func (f *fakeCases) UpdateCase(context.Context, string, cases.Payload) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated++
	return true, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingEmitter) Emit(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc     *ConversationService
	adapter *fakeAdapter
	cases   *fakeCases
	emitter *recordingEmitter
	clock   *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		adapter: newFakeAdapter(core.PlatformTelephony),
		cases:   &fakeCases{},
		emitter: &recordingEmitter{},
		clock:   &clock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	eng := engine.NewEngine(engine.WithCaseService(f.cases), engine.WithEmitter(f.emitter))
	f.svc = New([]channel.Adapter{f.adapter}, core.NewAnalyzer(), eng,
		WithEmitter(f.emitter),
		WithSettings(func() scheduler.Settings {
			return scheduler.Settings{Debounce: 20 * time.Millisecond, PassTimeout: time.Second}
		}),
		WithGrace(time.Minute),
		WithWorkers(2),
		WithClock(f.clock.now),
	)
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.svc.Shutdown(context.Background()) })
	return f
}

func (f *fixture) push(t *testing.T, ev channel.Event) {
	t.Helper()
	if err := f.adapter.Emit(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.push(t, channel.Event{Kind: channel.EventSessionCreated, NativeID: "call-1", Metadata: map[string]string{"line": "988"}})
	f.push(t, channel.Event{Kind: channel.EventMessageReceived, NativeID: "call-1",
		Message: &core.Message{ID: "m1", Speaker: core.SpeakerCaller, Content: "I want to kill myself"}})

	var sess *session.Session
	waitFor(t, "first analysis", func() bool {
		s, ok := f.svc.Store().Lookup(core.PlatformTelephony, "call-1")
		if ok && s.Analysis() != nil && s.CaseID() != "" {
			sess = s
			return true
		}
		return false
	})
	if got := sess.Analysis().RiskLevel; got != core.RiskImminent {
		t.Fatalf("risk = %s, want imminent", got)
	}
	if sess.CaseID() != "case-7" {
		t.Errorf("case = %q", sess.CaseID())
	}
	waitFor(t, "supervisor alert", func() bool { return f.emitter.count(events.SupervisorAlert) == 1 })

	msg, err := f.svc.Reply(ctx, sess.ID(), "I'm here with you")
	if err != nil {
		t.Fatalf("Reply() = %v", err)
	}
	if msg.Speaker != core.SpeakerAgent || f.adapter.sent[0] != "call-1:I'm here with you" {
		t.Errorf("reply = %+v, sent = %v", msg, f.adapter.sent)
	}

	res, err := f.svc.End(ctx, sess.ID())
	if err != nil {
		t.Fatalf("End() = %v", err)
	}
	if !res.Final || res.CaseCreated || !res.CaseUpdated {
		t.Errorf("final result = %+v", res)
	}
	if _, ok := res.FindAction(core.ActionCreateCase); ok {
		t.Error("final pass created a second case")
	}
	if f.cases.created != 1 {
		t.Errorf("cases created = %d", f.cases.created)
	}
	if f.emitter.count(events.SupervisorAlert) != 1 {
		t.Errorf("supervisor alerts = %d, want 1 for an unchanged risk level", f.emitter.count(events.SupervisorAlert))
	}

	again, err := f.svc.End(ctx, sess.ID())
	if err != nil || again != nil {
		t.Errorf("second End() = %v, %v", again, err)
	}
	if f.emitter.count(events.SessionEnded) != 1 {
		t.Errorf("session-ended events = %d", f.emitter.count(events.SessionEnded))
	}

	// a late message for the ended conversation is dropped
	f.svc.handle(ctx, channel.Event{Kind: channel.EventMessageReceived, Platform: core.PlatformTelephony, NativeID: "call-1",
		Message: &core.Message{ID: "m9", Speaker: core.SpeakerCaller, Content: "hello?"}})
	if n := sess.MessageCount(); n != 2 {
		t.Errorf("messages after late delivery = %d, want 2", n)
	}

	history, err := f.adapter.GetHistory(ctx, "call-1")
	if err != nil || len(history) != 2 {
		t.Errorf("history = %v, %v", history, err)
	}
}

func TestEndEventRunsFinalPass(t *testing.T) {
	f := newFixture(t)

	f.push(t, channel.Event{Kind: channel.EventMessageReceived, NativeID: "call-2",
		Message: &core.Message{Speaker: core.SpeakerCaller, Content: "I feel so hopeless and alone"}})
	f.push(t, channel.Event{Kind: channel.EventSessionEnded, NativeID: "call-2"})

	waitFor(t, "processing-completed", func() bool { return f.emitter.count(events.ProcessingCompleted) >= 1 })
	sess, ok := f.svc.Store().Lookup(core.PlatformTelephony, "call-2")
	if !ok {
		t.Fatal("session missing")
	}
	waitFor(t, "ended status", func() bool { return sess.Status() == core.StatusEnded })
	if sess.Analysis() == nil {
		t.Fatal("ended session has no analysis")
	}
}

func TestEvictionClearsFollowUps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.push(t, channel.Event{Kind: channel.EventMessageReceived, NativeID: "call-3",
		Message: &core.Message{Speaker: core.SpeakerCaller, Content: "I want to kill myself"}})
	var id string
	waitFor(t, "session", func() bool {
		s, ok := f.svc.Store().Lookup(core.PlatformTelephony, "call-3")
		if ok {
			id = s.ID()
		}
		return ok
	})
	if _, err := f.svc.End(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.svc.followUps.Get(id); !ok {
		t.Fatal("no follow-up scheduled for an imminent session")
	}

	f.svc.sweep()
	if _, ok := f.svc.Session(id); !ok {
		t.Fatal("session evicted before the grace period")
	}
	f.clock.advance(2 * time.Minute)
	f.svc.sweep()
	if _, ok := f.svc.Session(id); ok {
		t.Fatal("session not evicted after the grace period")
	}
	if _, ok := f.svc.followUps.Get(id); ok {
		t.Error("follow-up kept for an evicted session")
	}
	if _, err := f.svc.Reanalyze(ctx, id); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Reanalyze() on evicted session = %v", err)
	}
}

func TestBackendErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Reply(ctx, "missing", "hi"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Reply() = %v", err)
	}
	if _, err := f.svc.End(ctx, "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("End() = %v", err)
	}
	health := f.svc.Health(ctx)
	if !health[core.PlatformTelephony].Healthy {
		t.Errorf("health = %+v", health)
	}
}

func TestStartFailsWithoutAdapters(t *testing.T) {
	a := newFakeAdapter(core.PlatformSocket)
	a.failInit = true
	svc := New([]channel.Adapter{a}, core.NewAnalyzer(), engine.NewEngine())
	defer svc.Shutdown(context.Background())
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when no adapter starts")
	}
}

func TestShutdownRefusesNewSessions(t *testing.T) {
	f := newFixture(t)
	f.svc.Shutdown(context.Background())

	if f.adapter.Listening() {
		t.Error("adapter still listening after shutdown")
	}
	if _, _, err := f.svc.Store().GetOrCreate(core.PlatformTelephony, "late", nil); !errors.Is(err, session.ErrClosed) {
		t.Errorf("GetOrCreate() after shutdown = %v", err)
	}
}
