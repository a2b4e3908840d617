package core

import (
	"context"
	"regexp"
)

// Keyword tables are read-only after package initialization and shared by all analyses.

type crisisCategory struct {
	Type        CrisisType
	Label       string
	Keywords    []string
	Patterns    []*regexp.Regexp
	Recommended []string
}

var crisisCategories = []crisisCategory{
	{
		Type:     CrisisSuicideRisk,
		Label:    "Suicide risk",
		Keywords: []string{"suicide", "kill myself", "end my life"},
		Patterns: compile(
			`\bsuicid(e|al)\b`,
			`\bwant(s|ed)?\s+to\s+(die|kill\s+myself|end\s+it)\b`,
			`\b(kill|end)\s+(myself|my\s+life|it\s+all)\b`,
			`\bno\s+(reason|point)\s+(to|in)\s+(live|living|going\s+on)\b`,
			`\bbetter\s+off\s+dead\b`,
		),
		Recommended: []string{
			"Conduct a suicide risk assessment (ideation, plan, means, timeline)",
			"Ask directly about access to lethal means",
		},
	},
	{
		Type:     CrisisViolenceThreat,
		Label:    "Violence threat",
		Keywords: []string{"kill him", "kill her", "kill them", "hurt someone", "get a gun", "make them pay"},
		Patterns: compile(
			`\b(going|want|gonna)\s+to\s+(kill|hurt|shoot|stab)\s+(him|her|them|someone|everyone|you)\b`,
			`\b(gun|knife|weapon)s?\b`,
		),
		Recommended: []string{
			"Assess the immediacy of the threat to others",
			"Review duty-to-warn obligations with a supervisor",
		},
	},
	{
		Type:     CrisisSelfHarm,
		Label:    "Self-harm",
		Keywords: []string{"cut myself", "cutting", "hurt myself", "self harm", "burn myself", "harm myself"},
		Patterns: compile(
			`\bself[- ]harm(ing)?\b`,
			`\b(cut|cutting|burn|burning)\s+(myself|my\s+(arms?|wrists?|legs?))\b`,
		),
		Recommended: []string{
			"Assess current injuries and the need for medical care",
		},
	},
	{
		Type:     CrisisSubstanceAbuse,
		Label:    "Substance abuse",
		Keywords: []string{"overdose", "pills", "drunk", "relapse", "using again", "drinking too much"},
		Patterns: compile(
			`\b(took|taking|swallowed)\s+(a\s+lot\s+of\s+|all\s+(my|the)\s+)?pills\b`,
			`\bover\s?dos(e|ed|ing)\b`,
		),
		Recommended: []string{
			"Ask about current intoxication and overdose risk",
			"Offer substance use treatment resources",
		},
	},
	{
		Type:     CrisisDomesticViolence,
		Label:    "Domestic violence",
		Keywords: []string{"hits me", "beats me", "abusive", "abuse", "threatened me", "afraid of my partner"},
		Patterns: compile(
			`\b(he|she|partner|husband|wife|boyfriend|girlfriend)\s+(hit|hits|beat|beats|chok\w*|threaten\w*)\s+me\b`,
		),
		Recommended: []string{
			"Assess the caller's immediate physical safety",
			"Provide domestic violence hotline and shelter resources",
		},
	},
	{
		Type:     CrisisSevereDepression,
		Label:    "Severe depression",
		Keywords: []string{"hopeless", "worthless", "can't go on", "empty inside", "no point", "give up"},
		Patterns: compile(
			`\b(can'?t|cannot)\s+(go\s+on|take\s+(it|this)\s+anymore)\b`,
			`\bnothing\s+matters\b`,
		),
		Recommended: []string{
			"Explore depressive symptoms and current supports",
		},
	},
	{
		Type:     CrisisPanicAttack,
		Label:    "Panic attack",
		Keywords: []string{"panic attack", "can't breathe", "heart racing", "chest is tight", "shaking", "dizzy"},
		Patterns: compile(
			`\b(can'?t|cannot)\s+breathe\b`,
			`\bpanick?(ing)?\b`,
		),
		Recommended: []string{
			"Guide the caller through grounding and breathing exercises",
		},
	},
}

type emotionCategory struct {
	Name        string
	Keywords    []string
	patterns    []*regexp.Regexp
	Recommended string
}

var emotionCategories = []emotionCategory{
	{Name: "hopelessness", Keywords: []string{"hopeless", "no hope", "pointless", "give up", "no future"},
		Recommended: "Explore reasons for living and sources of hope"},
	{Name: "sadness", Keywords: []string{"sad", "crying", "depressed", "miserable", "heartbroken", "down"},
		Recommended: "Validate the caller's feelings of sadness"},
	{Name: "anxiety", Keywords: []string{"anxious", "worried", "nervous", "panic", "overwhelmed", "stressed"},
		Recommended: "Use calming techniques to reduce anxiety"},
	{Name: "anger", Keywords: []string{"angry", "furious", "mad", "hate", "rage", "pissed"},
		Recommended: "De-escalate with calm, non-confrontational language"},
	{Name: "fear", Keywords: []string{"scared", "afraid", "terrified", "frightened", "fear"},
		Recommended: "Reassure the caller and establish immediate safety"},
	{Name: "shame", Keywords: []string{"ashamed", "embarrassed", "guilty", "my fault", "failure"},
		Recommended: "Respond with non-judgmental acceptance"},
	{Name: "loneliness", Keywords: []string{"alone", "lonely", "isolated", "nobody cares", "no one cares"},
		Recommended: "Help identify people the caller can reach out to"},
}

func init() {
	for i := range emotionCategories {
		c := &emotionCategories[i]
		for _, kw := range c.Keywords {
			c.patterns = append(c.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
		}
	}
}

var riskRecommendations = map[RiskLevel][]string{
	RiskImminent: {
		"Immediate intervention required - keep the caller on the line",
		"Contact emergency services if the caller is in immediate danger",
		"Notify the on-duty supervisor",
	},
	RiskHigh: {
		"Escalate to a senior crisis counselor",
		"Conduct a full safety assessment",
		"Develop a safety plan with the caller",
	},
	RiskModerate: {
		"Continue active listening and monitor for escalation",
		"Explore coping strategies and support network",
		"Schedule a follow-up contact",
	},
	RiskLow: {
		"Continue supportive conversation",
		"Offer relevant community resources",
	},
}

// ManualReviewRecommendation is the single recommendation of a degraded analysis.
const ManualReviewRecommendation = "Manual review required - automated analysis unavailable"

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

var (
	positiveWords = map[string]float64{
		"good": 0.5, "better": 0.6, "great": 0.8, "happy": 0.8, "calm": 0.5, "safe": 0.6,
		"thanks": 0.4, "thank": 0.4, "hope": 0.5, "hopeful": 0.7, "love": 0.6, "relieved": 0.7,
		"okay": 0.2, "fine": 0.2, "helpful": 0.5, "glad": 0.6, "supported": 0.6,
	}
	negativeWords = map[string]float64{
		"bad": -0.5, "worse": -0.6, "terrible": -0.8, "awful": -0.8, "sad": -0.6, "alone": -0.5,
		"lonely": -0.6, "hopeless": -0.9, "worthless": -0.9, "hate": -0.7, "angry": -0.6,
		"scared": -0.6, "afraid": -0.6, "anxious": -0.5, "depressed": -0.8, "die": -0.9,
		"dead": -0.8, "kill": -0.9, "suicide": -1.0, "hurt": -0.7, "pain": -0.7, "crying": -0.6,
		"tired": -0.3, "empty": -0.6, "panic": -0.6, "abuse": -0.8, "miserable": -0.8,
	}
	negators = map[string]bool{
		"not": true, "no": true, "never": true, "don't": true, "dont": true, "isn't": true,
		"can't": true, "cant": true, "won't": true, "nothing": true,
	}
)

// LexiconScorer is the deterministic local sentiment scorer. It never returns an error.
type LexiconScorer struct{}

func (LexiconScorer) Score(_ context.Context, text string) (SentimentScore, error) {
	words := Tokenize(text)
	var sum float64
	hits := 0
	for i, w := range words {
		v, ok := positiveWords[w]
		if !ok {
			v, ok = negativeWords[w]
		}
		if !ok {
			continue
		}
		if i > 0 && negators[words[i-1]] {
			v = -v * 0.5
		}
		sum += v
		hits++
	}
	if hits == 0 {
		return SentimentScore{Score: 0, Confidence: 0.2}, nil
	}
	return SentimentScore{
		Score:      clamp(sum/float64(hits), -1, 1),
		Confidence: clamp(0.4+0.1*float64(hits), 0, 0.7),
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
