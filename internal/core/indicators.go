package core

import (
	"fmt"
	"sort"
	"strings"
)

// DetectIndicators flags every crisis category whose keywords or patterns occur in the caller's
// messages. A signal is a distinct matched phrase: a pattern hit that repeats a matched keyword
// is counted once. Indicators are sorted by severity, highest first; ties keep table order.
func DetectIndicators(msgs []Message) []CrisisIndicator {
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}
	all := strings.Join(texts, " ")
	lower := strings.ToLower(all)

	var out []CrisisIndicator
	for _, c := range crisisCategories {
		var signals []string
		seen := make(map[string]bool)
		add := func(s string) {
			s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
			if !seen[s] {
				seen[s] = true
				signals = append(signals, s)
			}
		}
		for _, kw := range c.Keywords {
			if strings.Contains(lower, kw) {
				add(kw)
			}
		}
		for _, p := range c.Patterns {
			if loc := p.FindString(all); loc != "" {
				add(loc)
			}
		}
		if len(signals) == 0 {
			continue
		}

		var ids []string
		for _, m := range msgs {
			if categoryMatches(c, m.Content) {
				ids = append(ids, m.ID)
			}
		}

		confidence := 0.6
		if len(signals) >= 2 {
			confidence = 0.8
		}
		out = append(out, CrisisIndicator{
			Type:        c.Type,
			Severity:    clamp(float64(len(signals))/float64(len(c.Keywords)), 0, 1),
			Confidence:  confidence,
			Signals:     signals,
			MessageIDs:  ids,
			Description: fmt.Sprintf("%s indicators detected (%d signals in %d messages)", c.Label, len(signals), len(ids)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity > out[j].Severity })
	return out
}

func categoryMatches(c crisisCategory, text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range c.Keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	for _, p := range c.Patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// ExtractEmotions measures each emotion category across the caller's messages. States are
// sorted by intensity, highest first.
func ExtractEmotions(msgs []Message) []EmotionalState {
	if len(msgs) == 0 {
		return nil
	}
	total := float64(len(msgs))

	var out []EmotionalState
	for _, c := range emotionCategories {
		occurrences, matched := 0, 0
		var first, last *Message
		for i := range msgs {
			n := 0
			for _, p := range c.patterns {
				n += len(p.FindAllStringIndex(msgs[i].Content, -1))
			}
			if n == 0 {
				continue
			}
			occurrences += n
			matched++
			if first == nil {
				first = &msgs[i]
			}
			last = &msgs[i]
		}
		if occurrences == 0 {
			continue
		}
		out = append(out, EmotionalState{
			Emotion:    c.Name,
			Intensity:  clamp(float64(occurrences)/total, 0, 1),
			Confidence: clamp(float64(matched)/total*2, 0, 1),
			Duration:   last.Timestamp.Sub(first.Timestamp),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Intensity > out[j].Intensity })
	return out
}

// Recommend assembles the deduplicated recommendation list: risk-level items, then
// per-indicator items in indicator order, then the dominant emotion's item.
func Recommend(risk RiskLevel, indicators []CrisisIndicator, emotions []EmotionalState) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(items ...string) {
		for _, s := range items {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}

	add(riskRecommendations[risk]...)
	for _, ind := range indicators {
		if c, ok := categoryByType(ind.Type); ok {
			add(c.Recommended...)
		}
	}
	if len(emotions) > 0 {
		for _, c := range emotionCategories {
			if c.Name == emotions[0].Emotion {
				add(c.Recommended)
				break
			}
		}
	}
	return out
}

func categoryByType(t CrisisType) (crisisCategory, bool) {
	for _, c := range crisisCategories {
		if c.Type == t {
			return c, true
		}
	}
	return crisisCategory{}, false
}

// KeyPhrases lists the matched crisis signals followed by matched emotion keywords, deduplicated.
func KeyPhrases(msgs []Message, indicators []CrisisIndicator) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ind := range indicators {
		for _, s := range ind.Signals {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	for _, c := range emotionCategories {
		for i, p := range c.patterns {
			kw := c.Keywords[i]
			if seen[kw] {
				continue
			}
			for _, m := range msgs {
				if p.MatchString(m.Content) {
					seen[kw] = true
					out = append(out, kw)
					break
				}
			}
		}
	}
	return out
}
