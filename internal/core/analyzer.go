package core

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/kaphack/realtime-crisis-escalation/internal/core")

// SentimentScore is a single sentiment reading in [-1, 1] with a confidence in [0, 1].
type SentimentScore struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// SentimentScorer scores the sentiment of one piece of text.
type SentimentScorer interface {
	Score(ctx context.Context, text string) (SentimentScore, error)
}

// Thresholds are the tunable cut-offs of risk classification.
type Thresholds struct {
	SevereSentiment    float64
	NegativeSentiment  float64
	EscalationSeverity float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{SevereSentiment: -0.7, NegativeSentiment: -0.4, EscalationSeverity: 0.5}
}

// Analyzer turns a session snapshot into an Analysis. It holds no per-session state.
type Analyzer struct {
	scorer     SentimentScorer
	fallback   SentimentScorer
	indicators func([]Message) []CrisisIndicator
	emotions   func([]Message) []EmotionalState
	thresholds func() Thresholds
	now        func() time.Time
	logger     *slog.Logger
}

type AnalyzerOption func(*Analyzer)

// WithScorer sets the external sentiment scorer. Failures fall back to the local scorer.
func WithScorer(s SentimentScorer) AnalyzerOption {
	return func(a *Analyzer) { a.scorer = s }
}

// WithFallbackScorer replaces the local lexicon scorer.
func WithFallbackScorer(s SentimentScorer) AnalyzerOption {
	return func(a *Analyzer) { a.fallback = s }
}

func WithIndicatorDetector(fn func([]Message) []CrisisIndicator) AnalyzerOption {
	return func(a *Analyzer) { a.indicators = fn }
}

func WithEmotionExtractor(fn func([]Message) []EmotionalState) AnalyzerOption {
	return func(a *Analyzer) { a.emotions = fn }
}

// WithThresholds makes the analyzer read thresholds on every call.
func WithThresholds(fn func() Thresholds) AnalyzerOption {
	return func(a *Analyzer) { a.thresholds = fn }
}

func WithClock(now func() time.Time) AnalyzerOption {
	return func(a *Analyzer) { a.now = now }
}

func WithLogger(l *slog.Logger) AnalyzerOption {
	return func(a *Analyzer) { a.logger = l }
}

func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		fallback:   LexiconScorer{},
		indicators: DetectIndicators,
		emotions:   ExtractEmotions,
		thresholds: DefaultThresholds,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("component", "analyzer"))
	return a
}

// Analyze never returns nil. Any panic inside a stage yields the degraded fallback analysis.
func (a *Analyzer) Analyze(ctx context.Context, snap *Snapshot) (out *Analysis) {
	if snap == nil {
		return FallbackAnalysis(a.now(), 0)
	}
	ctx, span := tracer.Start(ctx, "core.Analyze")
	defer span.End()
	start := a.now()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("analysis failed, using fallback",
				slog.String("session_id", snap.ID), slog.String("error", fmt.Sprint(r)))
			out = FallbackAnalysis(a.now(), a.now().Sub(start))
		}
		span.SetAttributes(
			attribute.String("session.id", snap.ID),
			attribute.String("risk.level", out.RiskLevel.String()),
			attribute.Bool("analysis.degraded", out.Degraded),
		)
	}()

	callers := snap.CallerMessages()
	th := a.thresholds()

	trend := a.sentimentTrend(ctx, snap.ID, callers)
	overall := OverallSentiment(trend)
	indicators := a.indicators(callers)
	emotions := a.emotions(callers)
	risk := ClassifyRisk(overall, indicators, th)

	return &Analysis{
		OverallSentiment:   overall,
		SentimentTrend:     trend,
		CrisisIndicators:   indicators,
		KeyPhrases:         KeyPhrases(callers, indicators),
		EmotionalStates:    emotions,
		RiskLevel:          risk,
		RecommendedActions: Recommend(risk, indicators, emotions),
		Confidence:         analysisConfidence(trend, indicators),
		ProcessingTime:     a.now().Sub(start),
		Timestamp:          a.now(),
	}
}

func (a *Analyzer) sentimentTrend(ctx context.Context, sessionID string, msgs []Message) []SentimentPoint {
	var points []SentimentPoint
	external := a.scorer
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		var (
			score    SentimentScore
			err      error
			fallback bool
		)
		if external != nil {
			score, err = external.Score(ctx, m.Content)
			if err == nil && !validScore(score) {
				err = fmt.Errorf("score out of range: %+v", score)
			}
			if err != nil {
				a.logger.Warn("external scorer failed, using local scorer for the rest of the pass",
					slog.String("session_id", sessionID), slog.String("error", err.Error()))
				// one failure is enough to stop paying the timeout on every message
				external = nil
			}
		}
		if external == nil {
			fallback = true
			score, err = a.fallback.Score(ctx, m.Content)
			if err != nil {
				score = SentimentScore{}
			}
		}
		points = append(points, SentimentPoint{
			MessageID:  m.ID,
			Timestamp:  m.Timestamp,
			Score:      score.Score,
			Confidence: score.Confidence,
			Fallback:   fallback && a.scorer != nil,
		})
	}
	return points
}

func validScore(s SentimentScore) bool {
	return s.Score >= -1 && s.Score <= 1 && s.Confidence >= 0 && s.Confidence <= 1 &&
		!math.IsNaN(s.Score) && !math.IsNaN(s.Confidence)
}

// OverallSentiment is the recency-weighted average of the trend: point i weighs 1.1^i.
func OverallSentiment(points []SentimentPoint) float64 {
	var num, den float64
	for i, p := range points {
		w := math.Pow(1.1, float64(i))
		num += p.Score * p.Confidence * w
		den += p.Confidence * w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// ClassifyRisk maps sentiment and indicators to a risk level. A severe indicator in an
// escalation-only category is imminent regardless of the aggregate score.
func ClassifyRisk(overall float64, indicators []CrisisIndicator, th Thresholds) RiskLevel {
	for _, ind := range indicators {
		if ind.Type.EscalationOnly() && ind.Severity > th.EscalationSeverity {
			return RiskImminent
		}
	}

	score := 0.0
	switch {
	case overall < th.SevereSentiment:
		score += 0.4
	case overall < th.NegativeSentiment:
		score += 0.2
	}
	for _, ind := range indicators {
		score += ind.Severity * ind.Confidence * 0.3
	}
	if len(indicators) > 2 {
		score += 0.2
	}

	switch {
	case score >= 0.8:
		return RiskImminent
	case score >= 0.6:
		return RiskHigh
	case score >= 0.3:
		return RiskModerate
	}
	return RiskLow
}

func analysisConfidence(points []SentimentPoint, indicators []CrisisIndicator) float64 {
	sentiment := 0.0
	if len(points) > 0 {
		for _, p := range points {
			sentiment += p.Confidence
		}
		sentiment /= float64(len(points))
	}
	indicator := 0.5
	if len(indicators) > 0 {
		indicator = 0
		for _, ind := range indicators {
			indicator += ind.Confidence
		}
		indicator /= float64(len(indicators))
	}
	return (sentiment + indicator) / 2
}

// FallbackAnalysis is the degraded result used when analysis cannot complete.
func FallbackAnalysis(now time.Time, elapsed time.Duration) *Analysis {
	return &Analysis{
		OverallSentiment:   0,
		RiskLevel:          RiskLow,
		RecommendedActions: []string{ManualReviewRecommendation},
		Confidence:         0,
		ProcessingTime:     elapsed,
		Timestamp:          now,
		Degraded:           true,
	}
}
