package core

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return t0 }

func snapshotOf(texts ...string) *Snapshot {
	s := &Snapshot{ID: "s1", Platform: PlatformSocket, NativeID: "n1", Status: StatusActive}
	for i, txt := range texts {
		s.Messages = append(s.Messages, Message{
			ID:        "m" + string(rune('a'+i)),
			SessionID: "s1",
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Speaker:   SpeakerCaller,
			Content:   txt,
		})
	}
	return s
}

type errScorer struct{ calls int }

func (e *errScorer) Score(context.Context, string) (SentimentScore, error) {
	e.calls++
	return SentimentScore{}, errors.New("scorer down")
}

type fixedScorer struct{ score SentimentScore }

func (f fixedScorer) Score(context.Context, string) (SentimentScore, error) { return f.score, nil }

func TestAnalyze_EmptySession(t *testing.T) {
	a := NewAnalyzer(WithClock(fixedClock))
	got := a.Analyze(context.Background(), snapshotOf())

	if got.OverallSentiment != 0 {
		t.Errorf("overall sentiment = %v, want 0", got.OverallSentiment)
	}
	if got.RiskLevel != RiskLow {
		t.Errorf("risk = %v, want low", got.RiskLevel)
	}
	if len(got.CrisisIndicators) != 0 || len(got.SentimentTrend) != 0 {
		t.Errorf("expected no indicators or trend, got %d/%d", len(got.CrisisIndicators), len(got.SentimentTrend))
	}
}

func TestAnalyze_EscalationOverride(t *testing.T) {
	// a positive external score must not soften the override
	a := NewAnalyzer(WithClock(fixedClock), WithScorer(fixedScorer{SentimentScore{Score: 0.9, Confidence: 1}}))
	got := a.Analyze(context.Background(), snapshotOf("I want to kill myself"))

	if got.RiskLevel != RiskImminent {
		t.Fatalf("risk = %v, want imminent", got.RiskLevel)
	}
	if got.OverallSentiment <= 0 {
		t.Errorf("expected positive sentiment from the scorer, got %v", got.OverallSentiment)
	}
	found := false
	for _, r := range got.RecommendedActions {
		if strings.Contains(strings.ToLower(r), "immediate intervention") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing immediate intervention recommendation: %v", got.RecommendedActions)
	}
	if got.CrisisIndicators[0].Type != CrisisSuicideRisk {
		t.Errorf("top indicator = %s, want suicide_risk", got.CrisisIndicators[0].Type)
	}
}

func TestAnalyze_Idempotent(t *testing.T) {
	a := NewAnalyzer(WithClock(fixedClock))
	snap := snapshotOf(
		"I feel so alone and hopeless",
		"my partner hits me and I'm scared",
		"sometimes I think about taking all my pills",
	)
	first := a.Analyze(context.Background(), snap)
	second := a.Analyze(context.Background(), snap)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("analyses differ:\n%+v\n%+v", first, second)
	}
}

func TestAnalyze_FallbackOnPanic(t *testing.T) {
	scorer := &errScorer{}
	a := NewAnalyzer(
		WithClock(fixedClock),
		WithScorer(scorer),
		WithIndicatorDetector(func([]Message) []CrisisIndicator { panic("detector exploded") }),
	)
	got := a.Analyze(context.Background(), snapshotOf("help me", "please"))

	if got == nil {
		t.Fatal("expected a fallback analysis, got nil")
	}
	if !got.Degraded || got.Confidence >= 1 {
		t.Errorf("expected degraded analysis with confidence < 1, got %+v", got)
	}
	if len(got.RecommendedActions) != 1 || got.RecommendedActions[0] != ManualReviewRecommendation {
		t.Errorf("unexpected recommendations: %v", got.RecommendedActions)
	}
	if got.RiskLevel != RiskLow {
		t.Errorf("risk = %v, want low", got.RiskLevel)
	}
}

func TestAnalyze_ScorerFailureUsesLocalScorer(t *testing.T) {
	scorer := &errScorer{}
	a := NewAnalyzer(WithClock(fixedClock), WithScorer(scorer))
	got := a.Analyze(context.Background(), snapshotOf("I feel terrible", "", "everything is awful"))

	if scorer.calls != 1 {
		t.Errorf("external scorer called %d times, want 1", scorer.calls)
	}
	if len(got.SentimentTrend) != 2 {
		t.Fatalf("trend length = %d, want 2 (empty message skipped)", len(got.SentimentTrend))
	}
	for _, p := range got.SentimentTrend {
		if !p.Fallback {
			t.Errorf("point %s not marked as fallback", p.MessageID)
		}
	}
	if got.OverallSentiment >= 0 {
		t.Errorf("expected negative sentiment, got %v", got.OverallSentiment)
	}
}

func TestAnalyze_AgentMessagesIgnored(t *testing.T) {
	snap := snapshotOf("I'm okay")
	snap.Messages = append(snap.Messages, Message{ID: "agent-1", Speaker: SpeakerAgent, Content: "do you want to kill yourself?"})

	got := NewAnalyzer(WithClock(fixedClock)).Analyze(context.Background(), snap)
	if len(got.CrisisIndicators) != 0 {
		t.Errorf("agent text produced indicators: %+v", got.CrisisIndicators)
	}
	if len(got.SentimentTrend) != 1 {
		t.Errorf("trend length = %d, want 1", len(got.SentimentTrend))
	}
}

func TestOverallSentiment_RecencyWeighted(t *testing.T) {
	points := []SentimentPoint{
		{Score: 1, Confidence: 1},
		{Score: -1, Confidence: 1},
	}
	// (1*1 + -1*1.1) / (1 + 1.1)
	want := (1 - 1.1) / 2.1
	if got := OverallSentiment(points); math.Abs(got-want) > 1e-12 {
		t.Errorf("OverallSentiment = %v, want %v", got, want)
	}
	if got := OverallSentiment([]SentimentPoint{{Score: -1, Confidence: 0}}); got != 0 {
		t.Errorf("zero-confidence trend = %v, want 0", got)
	}
}

func TestClassifyRisk(t *testing.T) {
	th := DefaultThresholds()
	ind := func(typ CrisisType, sev, conf float64) CrisisIndicator {
		return CrisisIndicator{Type: typ, Severity: sev, Confidence: conf}
	}

	tests := []struct {
		name       string
		overall    float64
		indicators []CrisisIndicator
		want       RiskLevel
	}{
		{"neutral", 0, nil, RiskLow},
		{"negative only", -0.5, nil, RiskLow},
		{"severe only", -0.8, nil, RiskModerate},
		{"negative plus indicator", -0.5, []CrisisIndicator{ind(CrisisSevereDepression, 0.5, 0.8)}, RiskModerate},
		{"escalation override", 0.9, []CrisisIndicator{ind(CrisisViolenceThreat, 0.6, 0.6)}, RiskImminent},
		{"escalation at threshold is not override", 0, []CrisisIndicator{ind(CrisisSuicideRisk, 0.5, 0.8)}, RiskLow},
		{"many indicators", -0.8, []CrisisIndicator{
			ind(CrisisSelfHarm, 0.5, 0.8),
			ind(CrisisSubstanceAbuse, 0.5, 0.8),
			ind(CrisisPanicAttack, 0.5, 0.8),
		}, RiskImminent},
		{"high", -0.8, []CrisisIndicator{ind(CrisisSelfHarm, 1, 0.8)}, RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyRisk(tt.overall, tt.indicators, th); got != tt.want {
				t.Errorf("ClassifyRisk = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectIndicators_SortedAndAttributed(t *testing.T) {
	msgs := snapshotOf(
		"I took all my pills, I think it was an overdose",
		"I feel hopeless",
	).Messages
	got := DetectIndicators(msgs)
	if len(got) < 2 {
		t.Fatalf("expected at least 2 indicators, got %+v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Severity > got[i-1].Severity {
			t.Fatalf("indicators not sorted by severity: %+v", got)
		}
	}
	for _, ind := range got {
		if ind.Type == CrisisSubstanceAbuse {
			if len(ind.MessageIDs) != 1 || ind.MessageIDs[0] != msgs[0].ID {
				t.Errorf("substance abuse contributors = %v", ind.MessageIDs)
			}
			if ind.Confidence != 0.8 {
				t.Errorf("confidence = %v, want 0.8", ind.Confidence)
			}
		}
	}
}

func TestDetectIndicators_DistinctSignals(t *testing.T) {
	tests := []struct {
		text       string
		signals    []string
		severity   float64
		confidence float64
	}{
		{"kill myself", []string{"kill myself"}, 1.0 / 3, 0.6},
		{"I want to end my life", []string{"end my life"}, 1.0 / 3, 0.6},
		{"I'm suicidal", []string{"suicidal"}, 1.0 / 3, 0.6},
		{"I want to  KILL myself", []string{"kill myself", "want to kill myself"}, 2.0 / 3, 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := DetectIndicators(snapshotOf(tt.text).Messages)
			if len(got) != 1 || got[0].Type != CrisisSuicideRisk {
				t.Fatalf("indicators = %+v, want only suicide_risk", got)
			}
			ind := got[0]
			if !reflect.DeepEqual(ind.Signals, tt.signals) {
				t.Errorf("signals = %q, want %q", ind.Signals, tt.signals)
			}
			if math.Abs(ind.Severity-tt.severity) > 1e-9 {
				t.Errorf("severity = %v, want %v", ind.Severity, tt.severity)
			}
			if ind.Confidence != tt.confidence {
				t.Errorf("confidence = %v, want %v", ind.Confidence, tt.confidence)
			}
		})
	}
}

func TestExtractEmotions(t *testing.T) {
	msgs := snapshotOf("I'm so scared and alone", "still scared", "ok").Messages
	got := ExtractEmotions(msgs)
	if len(got) != 2 {
		t.Fatalf("expected fear and loneliness, got %+v", got)
	}
	if got[0].Emotion != "fear" {
		t.Errorf("dominant emotion = %s, want fear", got[0].Emotion)
	}
	if math.Abs(got[0].Intensity-2.0/3.0) > 1e-9 {
		t.Errorf("fear intensity = %v", got[0].Intensity)
	}
	if got[0].Confidence != 1 {
		t.Errorf("fear confidence = %v, want 1 (2/3*2 clipped)", got[0].Confidence)
	}
	if got[0].Duration != time.Second {
		t.Errorf("fear duration = %v, want 1s", got[0].Duration)
	}
}

func TestRecommend_OrderAndDedup(t *testing.T) {
	got := Recommend(RiskModerate,
		[]CrisisIndicator{{Type: CrisisPanicAttack}, {Type: CrisisPanicAttack}},
		[]EmotionalState{{Emotion: "anxiety"}, {Emotion: "fear"}},
	)
	want := append(append([]string{}, riskRecommendations[RiskModerate]...),
		"Guide the caller through grounding and breathing exercises",
		"Use calming techniques to reduce anxiety",
	)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Recommend =\n%v\nwant\n%v", got, want)
	}
}

func TestLexiconScorer(t *testing.T) {
	var s LexiconScorer
	neg, _ := s.Score(context.Background(), "I feel hopeless and alone")
	pos, _ := s.Score(context.Background(), "thanks, I feel much better and safe")
	none, _ := s.Score(context.Background(), "the bus is late")

	if neg.Score >= 0 || pos.Score <= 0 {
		t.Errorf("unexpected polarity: neg=%v pos=%v", neg.Score, pos.Score)
	}
	if none.Score != 0 || none.Confidence != 0.2 {
		t.Errorf("no-signal score = %+v", none)
	}
}

func TestRiskLevelJSON(t *testing.T) {
	b, err := RiskHigh.MarshalJSON()
	if err != nil || string(b) != `"high"` {
		t.Fatalf("MarshalJSON = %s, %v", b, err)
	}
	var r RiskLevel
	if err := r.UnmarshalJSON([]byte(`"imminent"`)); err != nil || r != RiskImminent {
		t.Fatalf("UnmarshalJSON = %v, %v", r, err)
	}
	if RiskLow >= RiskModerate || RiskHigh >= RiskImminent {
		t.Fatal("risk levels are not ordered")
	}
}
