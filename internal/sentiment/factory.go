package sentiment

import (
	"fmt"

	"github.com/kaphack/realtime-crisis-escalation/internal/config"
	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

// FromConfig builds the external scorer named by scorer.type. "local" returns nil, leaving
// the analyzer on its lexicon scorer.
func FromConfig(cfg config.ScorerConfig) (core.SentimentScorer, error) {
	if cfg.Type == "local" || cfg.Type == "" {
		return nil, nil
	}
	truncator, err := NewTruncator(cfg.MaxTokens)
	if err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "http":
		return NewHTTPScorer(cfg.URL, WithTimeout(cfg.Timeout), WithTruncator(truncator)), nil
	case "openai":
		return NewOpenAIScorer(cfg.APIKey, cfg.Model, cfg.Timeout, truncator), nil
	default:
		return nil, fmt.Errorf("unknown scorer type %q", cfg.Type)
	}
}
