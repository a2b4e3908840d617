package cases

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

// ErrNotConfigured is returned when no case service base URL is set.
var ErrNotConfigured = errors.New("case service not configured")

// Payload is the case record body sent on create and update.
type Payload struct {
	ConversationID     string            `json:"conversation_id"`
	Platform           core.Platform     `json:"platform"`
	NativeID           string            `json:"native_id,omitempty"`
	RiskLevel          core.RiskLevel    `json:"risk_level"`
	Priority           core.Priority     `json:"priority"`
	Summary            string            `json:"summary"`
	CrisisTypes        []core.CrisisType `json:"crisis_types,omitempty"`
	KeyPhrases         []string          `json:"key_phrases,omitempty"`
	RecommendedActions []string          `json:"recommended_actions,omitempty"`
	OverallSentiment   float64           `json:"overall_sentiment"`
	MessageCount       int               `json:"message_count"`
	AnalyzedAt         time.Time         `json:"analyzed_at"`
}

// Ref identifies a created case.
type Ref struct {
	CaseID     string `json:"case_id"`
	CaseNumber string `json:"case_number"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With(slog.String("component", "cases"))
	return c
}

// CreateCase returns nil without error when the service rejects the case (4xx or
// success=false). Transport failures and 5xx responses are errors.
func (c *Client) CreateCase(ctx context.Context, p Payload) (*Ref, error) {
	var out struct {
		Success *bool `json:"success"`
		Ref
	}
	ok, err := c.do(ctx, http.MethodPost, "/cases", p, &out)
	if err != nil || !ok {
		return nil, err
	}
	if (out.Success != nil && !*out.Success) || out.CaseID == "" {
		c.logger.Warn("case service declined case", slog.String("session_id", p.ConversationID))
		return nil, nil
	}
	return &out.Ref, nil
}

// UpdateCase returns false without error on business-level rejection.
func (c *Client) UpdateCase(ctx context.Context, caseID string, p Payload) (bool, error) {
	var out struct {
		Success *bool `json:"success"`
	}
	ok, err := c.do(ctx, http.MethodPatch, "/cases/"+url.PathEscape(caseID), p, &out)
	if err != nil || !ok {
		return false, err
	}
	return out.Success == nil || *out.Success, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	if c.baseURL == "" {
		return false, ErrNotConfigured
	}
	b, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("marshal case payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return false, fmt.Errorf("build case request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("case service %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("case service %s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Warn("case service rejected request",
			slog.String("method", method), slog.String("path", path),
			slog.Int("status", resp.StatusCode), slog.String("body", string(msg)))
		return false, nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("decode case response: %w", err)
	}
	return true, nil
}
