package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

const defaultTimeout = 3 * time.Second

type analyzeRequest struct {
	Text string `json:"text"`
}

type analyzeResponse struct {
	Score      *float64 `json:"score"`
	Confidence *float64 `json:"confidence"`
}

// HTTPScorer calls an external sentiment service: POST {base}/analyze {text} -> {score, confidence}.
type HTTPScorer struct {
	endpoint  string
	client    *http.Client
	timeout   time.Duration
	truncator *Truncator
}

type HTTPOption func(*HTTPScorer)

// WithHTTPClient replaces the instrumented default client, e.g. with a recorder in tests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPScorer) { s.client = c }
}

func WithTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPScorer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithTruncator(t *Truncator) HTTPOption {
	return func(s *HTTPScorer) { s.truncator = t }
}

func NewHTTPScorer(baseURL string, opts ...HTTPOption) *HTTPScorer {
	s := &HTTPScorer{
		endpoint: strings.TrimRight(baseURL, "/") + "/analyze",
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		s.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return s
}

func (s *HTTPScorer) Score(ctx context.Context, text string) (core.SentimentScore, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(analyzeRequest{Text: s.truncator.Truncate(text)})
	if err != nil {
		return core.SentimentScore{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return core.SentimentScore{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return core.SentimentScore{}, fmt.Errorf("call scorer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return core.SentimentScore{}, fmt.Errorf("scorer returned status %d", resp.StatusCode)
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return core.SentimentScore{}, fmt.Errorf("decode scorer response: %w", err)
	}
	if out.Score == nil || out.Confidence == nil {
		return core.SentimentScore{}, fmt.Errorf("scorer response missing score or confidence")
	}
	return validate(core.SentimentScore{Score: *out.Score, Confidence: *out.Confidence})
}

func validate(s core.SentimentScore) (core.SentimentScore, error) {
	if s.Score < -1 || s.Score > 1 {
		return core.SentimentScore{}, fmt.Errorf("score %v outside [-1, 1]", s.Score)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return core.SentimentScore{}, fmt.Errorf("confidence %v outside [0, 1]", s.Confidence)
	}
	return s, nil
}
