package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
	"github.com/kaphack/realtime-crisis-escalation/internal/db"
)

func TestArchiveRoutes(t *testing.T) {
	repo, err := db.NewRepository("sqlite", "file:archive?mode=memory&cache=shared", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()
	ctx := context.Background()

	repo.SaveMessage(ctx, "s1", core.PlatformSocket, &core.Message{ID: "m1", Speaker: core.SpeakerCaller, Content: "so tired, so tired", Timestamp: time.Now()})
	repo.SaveResult(ctx, &core.ProcessingResult{ConversationID: "s1", Analysis: &core.Analysis{RiskLevel: core.RiskModerate}, Final: true}, time.Now())

	r := gin.New()
	RegisterArchive(r, repo, nil)

	w := do(r, http.MethodGet, "/api/v1/archive/s1/messages", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "so tired") {
		t.Fatalf("messages = %d %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodGet, "/api/v1/archive/unknown/messages", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown messages = %d", w.Code)
	}

	w = do(r, http.MethodGet, "/api/v1/archive/s1/results", "")
	var body struct {
		Results []storedResult `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || len(body.Results) != 1 {
		t.Fatalf("results = %s (%v)", w.Body.String(), err)
	}
	if body.Results[0].RiskLevel != core.RiskModerate || !body.Results[0].Final {
		t.Errorf("result = %+v", body.Results[0])
	}

	w = do(r, http.MethodGet, "/api/v1/archive/s1/words", "")
	if !strings.Contains(w.Body.String(), `"tired":2`) {
		t.Errorf("words = %s", w.Body.String())
	}
}
