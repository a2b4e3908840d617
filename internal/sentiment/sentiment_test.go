package sentiment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go/option"

	"github.com/kaphack/realtime-crisis-escalation/internal/config"
	"github.com/kaphack/realtime-crisis-escalation/internal/testutil"
)

func TestHTTPScorer_Recorded(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "http_scorer_analyze")
	defer cleanup()

	s := NewHTTPScorer("http://scorer.internal:9000/", WithHTTPClient(testutil.VCRHTTPClient(recorder)))
	got, err := s.Score(context.Background(), "I just feel hopeless and alone tonight")
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if got.Score != -0.82 || got.Confidence != 0.91 {
		t.Errorf("Score() = %+v", got)
	}
}

func TestHTTPScorer_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusInternalServerError)
		}},
		{"missing confidence", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"score":0.2}`))
		}},
		{"score out of range", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"score":3,"confidence":0.5}`))
		}},
		{"not json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			if _, err := NewHTTPScorer(srv.URL).Score(context.Background(), "hello"); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestHTTPScorer_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := NewHTTPScorer(srv.URL, WithTimeout(50*time.Millisecond))
	start := time.Now()
	if _, err := s.Score(context.Background(), "hello"); err == nil {
		t.Fatal("expected a timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}
}

func TestHTTPScorer_TruncatesInput(t *testing.T) {
	var got analyzeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"score":-0.1,"confidence":0.5}`))
	}))
	defer srv.Close()

	truncator, err := NewTruncator(3)
	if err != nil {
		t.Fatal(err)
	}
	long := "one two three four five six seven"
	if _, err := NewHTTPScorer(srv.URL, WithTruncator(truncator)).Score(context.Background(), long); err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if got.Text == "" || len(got.Text) >= len(long) || !strings.HasPrefix(long, got.Text) {
		t.Errorf("sent text %q, want a truncated prefix of %q", got.Text, long)
	}
}

func TestTruncator_Disabled(t *testing.T) {
	tr, err := NewTruncator(0)
	if err != nil {
		t.Fatal(err)
	}
	if got := tr.Truncate("keep all of this"); got != "keep all of this" {
		t.Errorf("Truncate() = %q", got)
	}
}

func TestOpenAIScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/responses") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "resp_1",
			"object": "response",
			"created_at": 1700000000,
			"status": "completed",
			"model": "gpt-4o-mini",
			"output": [{
				"type": "message",
				"id": "msg_1",
				"status": "completed",
				"role": "assistant",
				"content": [{"type": "output_text", "text": "{\"score\":-0.75,\"confidence\":0.8}", "annotations": []}]
			}]
		}`))
	}))
	defer srv.Close()

	s := NewOpenAIScorer("test-key", "gpt-4o-mini", time.Second, nil, option.WithBaseURL(srv.URL+"/"))
	got, err := s.Score(context.Background(), "nothing matters anymore")
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if got.Score != -0.75 || got.Confidence != 0.8 {
		t.Errorf("Score() = %+v", got)
	}
}

func TestLLMScoreSchemaIsStrict(t *testing.T) {
	if llmScoreSchema["additionalProperties"] != false {
		t.Errorf("additionalProperties = %v", llmScoreSchema["additionalProperties"])
	}
	req, _ := llmScoreSchema["required"].([]string)
	if len(req) != 2 {
		t.Errorf("required = %v", llmScoreSchema["required"])
	}
}

func TestFromConfig(t *testing.T) {
	s, err := FromConfig(config.ScorerConfig{Type: "local"})
	if err != nil || s != nil {
		t.Fatalf("local: got %v, %v", s, err)
	}
	s, err = FromConfig(config.ScorerConfig{Type: "http", URL: "http://x", Timeout: time.Second, MaxTokens: 16})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*HTTPScorer); !ok {
		t.Fatalf("http: got %T", s)
	}
	if _, err := FromConfig(config.ScorerConfig{Type: "bogus"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
