package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kaphack/realtime-crisis-escalation/internal/cases"
	"github.com/kaphack/realtime-crisis-escalation/internal/core"
	"github.com/kaphack/realtime-crisis-escalation/internal/events"
)

// CaseService is the case integration boundary. A nil ref or false means the service declined.
type CaseService interface {
	CreateCase(ctx context.Context, p cases.Payload) (*cases.Ref, error)
	UpdateCase(ctx context.Context, caseID string, p cases.Payload) (bool, error)
}

// Emitter accepts outbound observability events.
type Emitter interface {
	Emit(ev *events.Event)
}

// CaseLinker stores the external case id on a session. It reports false if a case was already linked.
type CaseLinker interface {
	LinkCase(caseID string) bool
}

// Engine executes planned actions. Each action runs on its own; a failure is recorded on the
// action and in the result errors and never stops its siblings.
type Engine struct {
	cases     CaseService
	emitter   Emitter
	followUps *FollowUpRegister
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Engine)

func WithCaseService(c CaseService) Option {
	return func(e *Engine) { e.cases = c }
}

func WithEmitter(em Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

func WithFollowUps(r *FollowUpRegister) Option {
	return func(e *Engine) { e.followUps = r }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		followUps: NewFollowUpRegister(),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With(slog.String("component", "engine"))
	return e
}

func (e *Engine) FollowUps() *FollowUpRegister { return e.followUps }

// Execute runs actions for one pass. snap is the state the analysis was computed from and
// prev the analysis that preceded it (nil on the first pass).
func (e *Engine) Execute(ctx context.Context, link CaseLinker, snap *core.Snapshot, prev, analysis *core.Analysis, actions []core.Action) *core.ProcessingResult {
	res := &core.ProcessingResult{ConversationID: snap.ID, Analysis: analysis}
	caseID := snap.CaseID
	escalated := prev == nil || prev.RiskLevel != analysis.RiskLevel

	for _, a := range actions {
		a.ID = uuid.NewString()
		if !a.Automated {
			// emitted for a human to act on, never executed here
			if a.Type == core.ActionEscalateCall && escalated {
				e.emit(events.CallEscalate, snap, alertPayload(a, analysis, caseID))
			}
			res.Actions = append(res.Actions, a)
			continue
		}

		var err error
		switch a.Type {
		case core.ActionCreateCase:
			var ref *cases.Ref
			ref, err = e.createCase(ctx, snap, analysis, a.Priority)
			if err == nil {
				if link.LinkCase(ref.CaseID) {
					caseID = ref.CaseID
					res.CaseCreated = true
					a.Result = map[string]any{"case_id": ref.CaseID, "case_number": ref.CaseNumber}
					e.emit(events.CaseUpdated, snap, events.CaseUpdatedPayload{CaseID: ref.CaseID, CaseNumber: ref.CaseNumber, Created: true})
				} else {
					err = fmt.Errorf("session already linked to a case, created case %s left unlinked", ref.CaseID)
				}
			}
		case core.ActionUpdateCase:
			err = e.updateCase(ctx, caseID, snap, analysis, a.Priority)
			if err == nil {
				res.CaseUpdated = true
				a.Result = map[string]any{"case_id": caseID}
				e.emit(events.CaseUpdated, snap, events.CaseUpdatedPayload{CaseID: caseID})
			}
		case core.ActionAlertSupervisor:
			a.Result = map[string]any{"notified": escalated}
			if escalated {
				e.emit(events.SupervisorAlert, snap, alertPayload(a, analysis, caseID))
			}
		case core.ActionScheduleFollowup:
			a.Result = e.scheduleFollowUp(snap.ID, caseID, analysis.RiskLevel, a.Priority)
		default:
			err = fmt.Errorf("no executor for action %s", a.Type)
		}

		if err != nil {
			a.Error = err.Error()
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", a.Type, err))
			e.logger.Error("action failed",
				slog.String("session_id", snap.ID), slog.String("action", string(a.Type)), slog.String("error", err.Error()))
		} else {
			a.Executed = true
		}
		res.Actions = append(res.Actions, a)
	}
	return res
}

var (
	errCaseDeclined = errors.New("case service declined the request")
	errNoCases      = errors.New("no case service configured")
)

func (e *Engine) createCase(ctx context.Context, snap *core.Snapshot, a *core.Analysis, p core.Priority) (*cases.Ref, error) {
	if e.cases == nil {
		return nil, errNoCases
	}
	ref, err := e.cases.CreateCase(ctx, casePayload(snap, a, p))
	if err != nil {
		return nil, err
	}
	if ref == nil || ref.CaseID == "" {
		return nil, errCaseDeclined
	}
	return ref, nil
}

func (e *Engine) updateCase(ctx context.Context, caseID string, snap *core.Snapshot, a *core.Analysis, p core.Priority) error {
	if e.cases == nil {
		return errNoCases
	}
	ok, err := e.cases.UpdateCase(ctx, caseID, casePayload(snap, a, p))
	if err != nil {
		return err
	}
	if !ok {
		return errCaseDeclined
	}
	return nil
}

func (e *Engine) scheduleFollowUp(sessionID, caseID string, risk core.RiskLevel, p core.Priority) map[string]any {
	tf := FollowUpTimeframe(risk)
	f := FollowUp{
		SessionID: sessionID,
		CaseID:    caseID,
		RiskLevel: risk,
		Priority:  p,
		Timeframe: timeframeLabel(tf),
		DueAt:     e.now().Add(tf).UTC(),
	}
	e.followUps.Schedule(f)
	return map[string]any{"due_at": f.DueAt.Format(time.RFC3339), "timeframe": f.Timeframe}
}

func (e *Engine) emit(t events.Type, snap *core.Snapshot, payload any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(events.New(t, snap.ID, snap.Platform, payload))
}

func alertPayload(a core.Action, analysis *core.Analysis, caseID string) events.SupervisorAlertPayload {
	return events.SupervisorAlertPayload{
		RiskLevel:          analysis.RiskLevel,
		Priority:           a.Priority,
		Description:        a.Description,
		CaseID:             caseID,
		RecommendedActions: analysis.RecommendedActions,
	}
}

func casePayload(snap *core.Snapshot, a *core.Analysis, p core.Priority) cases.Payload {
	types := make([]core.CrisisType, 0, len(a.CrisisIndicators))
	for _, ind := range a.CrisisIndicators {
		types = append(types, ind.Type)
	}
	summary := fmt.Sprintf("%s risk conversation on %s", a.RiskLevel, snap.Platform)
	if len(a.CrisisIndicators) > 0 {
		summary += ": " + a.CrisisIndicators[0].Description
	}
	return cases.Payload{
		ConversationID:     snap.ID,
		Platform:           snap.Platform,
		NativeID:           snap.NativeID,
		RiskLevel:          a.RiskLevel,
		Priority:           p,
		Summary:            summary,
		CrisisTypes:        types,
		KeyPhrases:         a.KeyPhrases,
		RecommendedActions: a.RecommendedActions,
		OverallSentiment:   a.OverallSentiment,
		MessageCount:       len(snap.Messages),
		AnalyzedAt:         a.Timestamp,
	}
}
