package sentiment

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Truncator cuts text down to a token budget before it is sent to a remote scorer.
type Truncator struct {
	codec     tokenizer.Codec
	maxTokens int
}

// NewTruncator uses the cl100k_base encoding. maxTokens <= 0 disables truncation.
func NewTruncator(maxTokens int) (*Truncator, error) {
	if maxTokens <= 0 {
		return &Truncator{}, nil
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	return &Truncator{codec: codec, maxTokens: maxTokens}, nil
}

// Truncate keeps the first maxTokens tokens of text. Encoding errors return text unchanged.
func (t *Truncator) Truncate(text string) string {
	if t == nil || t.codec == nil {
		return text
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil || len(ids) <= t.maxTokens {
		return text
	}
	out, err := t.codec.Decode(ids[:t.maxTokens])
	if err != nil {
		return text
	}
	return out
}
