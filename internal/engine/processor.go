package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
	"github.com/kaphack/realtime-crisis-escalation/internal/events"
	"github.com/kaphack/realtime-crisis-escalation/internal/session"
)

var tracer = otel.Tracer("github.com/kaphack/realtime-crisis-escalation/internal/engine")

type Analyzer interface {
	Analyze(ctx context.Context, snap *core.Snapshot) *core.Analysis
}

// Processor runs one analysis+action pass: snapshot, analyze, store the analysis, plan,
// execute and publish. The scheduler guarantees one pass per session at a time.
type Processor struct {
	store      *session.Store
	analyzer   Analyzer
	engine     *Engine
	emitter    Emitter
	autoCreate func() bool
	logger     *slog.Logger
}

func NewProcessor(store *session.Store, analyzer Analyzer, engine *Engine, emitter Emitter, autoCreate func() bool, logger *slog.Logger) *Processor {
	if autoCreate == nil {
		autoCreate = func() bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:      store,
		analyzer:   analyzer,
		engine:     engine,
		emitter:    emitter,
		autoCreate: autoCreate,
		logger:     logger.With(slog.String("component", "processor")),
	}
}

func (p *Processor) Process(ctx context.Context, sessionID string, final bool) (*core.ProcessingResult, error) {
	sess, ok := p.store.Get(sessionID)
	if !ok {
		return nil, session.ErrNotFound
	}

	ctx, span := tracer.Start(ctx, "engine.Process",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	start := time.Now()

	snap := sess.Snapshot()
	prev := snap.Analysis
	span.SetAttributes(
		attribute.String("session.platform", string(snap.Platform)),
		attribute.Int("session.messages", len(snap.Messages)),
		attribute.Bool("pass.final", final),
	)

	analysis := p.analyzer.Analyze(ctx, snap)
	sess.SetAnalysis(analysis)
	p.emit(events.AnalysisUpdated, snap, analysis)

	actions := Plan(analysis, snap.CaseID != "", p.autoCreate())
	res := p.engine.Execute(ctx, sess, snap, prev, analysis, actions)
	res.Final = final

	span.SetAttributes(
		attribute.String("analysis.risk", analysis.RiskLevel.String()),
		attribute.Int("result.actions", len(res.Actions)),
		attribute.Int("result.errors", len(res.Errors)),
	)
	if len(res.Errors) > 0 {
		span.SetStatus(codes.Error, "one or more actions failed")
	}

	p.emit(events.ProcessingCompleted, snap, res)
	p.logger.Info("processing pass complete",
		slog.String("session_id", sessionID),
		slog.String("risk", analysis.RiskLevel.String()),
		slog.Int("actions", len(res.Actions)),
		slog.Int("errors", len(res.Errors)),
		slog.Bool("final", final),
		slog.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (p *Processor) emit(t events.Type, snap *core.Snapshot, payload any) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(events.New(t, snap.ID, snap.Platform, payload))
}
