package service

import (
	"context"
	"fmt"

	"github.com/kaphack/realtime-crisis-escalation/internal/channel"
	"github.com/kaphack/realtime-crisis-escalation/internal/core"
	"github.com/kaphack/realtime-crisis-escalation/internal/session"
)

// Health probes every adapter.
func (s *ConversationService) Health(ctx context.Context) map[core.Platform]channel.Health {
	out := make(map[core.Platform]channel.Health, len(s.order))
	for _, a := range s.order {
		out[a.Platform()] = a.HealthCheck(ctx)
	}
	return out
}

func (s *ConversationService) Sessions() []*core.Snapshot {
	list := s.store.List()
	out := make([]*core.Snapshot, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Snapshot())
	}
	return out
}

func (s *ConversationService) Session(id string) (*core.Snapshot, bool) {
	sess, ok := s.store.Get(id)
	if !ok {
		return nil, false
	}
	return sess.Snapshot(), true
}

// Reanalyze runs a forced pass, ignoring the suppression window.
func (s *ConversationService) Reanalyze(ctx context.Context, id string) (*core.ProcessingResult, error) {
	if _, ok := s.store.Get(id); !ok {
		return nil, session.ErrNotFound
	}
	res, err := s.sched.Reanalyze(ctx, id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, session.ErrNotFound
	}
	return res, nil
}

// Reply sends an agent message through the adapter owning the session and records it.
func (s *ConversationService) Reply(ctx context.Context, id, text string) (*core.Message, error) {
	sess, ok := s.store.Get(id)
	if !ok {
		return nil, session.ErrNotFound
	}
	if sess.Status().Terminal() {
		return nil, fmt.Errorf("%w: session is %s", session.ErrInvalidTransition, sess.Status())
	}
	adapter, ok := s.adapters[sess.Platform()]
	if !ok {
		return nil, fmt.Errorf("no adapter for platform %s", sess.Platform())
	}
	if err := adapter.SendMessage(ctx, sess.NativeID(), text); err != nil {
		return nil, fmt.Errorf("send via %s: %w", sess.Platform(), err)
	}

	var msg *core.Message
	err := s.serialize(ctx, sess, func() {
		msg = s.record(sess, core.Message{
			Speaker:  core.SpeakerAgent,
			Content:  text,
			Metadata: map[string]string{"origin": "api"},
		})
	})
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: session ended before the reply was recorded", session.ErrInvalidTransition)
	}
	return msg, nil
}

// End ends a session on behalf of an operator and returns its final processing result.
func (s *ConversationService) End(ctx context.Context, id string) (*core.ProcessingResult, error) {
	sess, ok := s.store.Get(id)
	if !ok {
		return nil, session.ErrNotFound
	}
	var (
		res    *core.ProcessingResult
		endErr error
	)
	if err := s.serialize(ctx, sess, func() { res, endErr = s.end(ctx, sess) }); err != nil {
		return nil, err
	}
	return res, endErr
}
