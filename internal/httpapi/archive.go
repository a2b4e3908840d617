package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
	"github.com/kaphack/realtime-crisis-escalation/internal/db"
)

// Archive reads persisted conversations. *db.Repository implements it.
type Archive interface {
	Messages(ctx context.Context, conversationID string) ([]core.Message, error)
	Results(ctx context.Context, conversationID string) ([]db.StoredResult, error)
	WordCounts(ctx context.Context, conversationID string) (map[string]int, error)
}

type storedResult struct {
	ID        string                 `json:"id"`
	RiskLevel core.RiskLevel         `json:"risk_level"`
	Final     bool                   `json:"final"`
	CreatedAt time.Time              `json:"created_at"`
	Result    *core.ProcessingResult `json:"result"`
}

// RegisterArchive adds read-only routes over stored conversations. They outlive the
// in-memory session, so an evicted conversation can still be reviewed.
func RegisterArchive(r *gin.Engine, archive Archive, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &archiveHandler{archive: archive, logger: logger.With(slog.String("component", "archive"))}
	g := r.Group("/api/v1/archive/:id")
	g.GET("/messages", h.messages)
	g.GET("/results", h.results)
	g.GET("/words", h.words)
}

type archiveHandler struct {
	archive Archive
	logger  *slog.Logger
}

func (h *archiveHandler) messages(c *gin.Context) {
	msgs, err := h.archive.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(msgs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stored messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (h *archiveHandler) results(c *gin.Context) {
	stored, err := h.archive.Results(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]storedResult, 0, len(stored))
	for i := range stored {
		s := &stored[i]
		out = append(out, storedResult{ID: s.ID, RiskLevel: s.RiskLevel, Final: s.Final, CreatedAt: s.CreatedAt, Result: &s.Result})
	}
	c.JSON(http.StatusOK, gin.H{"results": out, "count": len(out)})
}

func (h *archiveHandler) words(c *gin.Context) {
	counts, err := h.archive.WordCounts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": c.Param("id"), "words": counts})
}

func (h *archiveHandler) fail(c *gin.Context, err error) {
	h.logger.Error("archive query failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "archive unavailable"})
}
