package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kaphack/realtime-crisis-escalation/internal/channel"
	"github.com/kaphack/realtime-crisis-escalation/internal/core"
	"github.com/kaphack/realtime-crisis-escalation/internal/scheduler"
	"github.com/kaphack/realtime-crisis-escalation/internal/session"
)

const maxWebhookBody = 1 << 20

// Backend is what the HTTP surface needs from the conversation service.
type Backend interface {
	Health(ctx context.Context) map[core.Platform]channel.Health
	Sessions() []*core.Snapshot
	Session(id string) (*core.Snapshot, bool)
	Reanalyze(ctx context.Context, id string) (*core.ProcessingResult, error)
	Reply(ctx context.Context, id, text string) (*core.Message, error)
	End(ctx context.Context, id string) (*core.ProcessingResult, error)
}

type API struct {
	backend Backend
	webhook *ContactCenterAdapter
	config  func() any
	logger  *slog.Logger
}

type sessionSummary struct {
	ID           string          `json:"id"`
	Platform     core.Platform   `json:"platform"`
	NativeID     string          `json:"native_id"`
	Status       core.Status     `json:"status"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	MessageCount int             `json:"message_count"`
	RiskLevel    *core.RiskLevel `json:"risk_level,omitempty"`
	CaseID       string          `json:"case_id,omitempty"`
}

type replyRequest struct {
	Text string `json:"text" binding:"required"`
}

// NewRouter builds the HTTP surface. webhook may be nil when the contact-center channel is
// disabled; config returns the effective configuration to expose.
func NewRouter(backend Backend, webhook *ContactCenterAdapter, config func() any, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	api := &API{backend: backend, webhook: webhook, config: config, logger: logger.With(slog.String("component", "http"))}

	r := gin.New()
	r.Use(gin.Recovery(), api.requestLogger())

	r.GET("/health", api.health)
	r.POST("/webhooks/contact-center", api.contactCenterWebhook)

	v1 := r.Group("/api/v1")
	v1.GET("/sessions", api.listSessions)
	v1.GET("/sessions/:id", api.getSession)
	v1.POST("/sessions/:id/reanalyze", api.reanalyze)
	v1.POST("/sessions/:id/messages", api.reply)
	v1.POST("/sessions/:id/end", api.end)
	v1.GET("/config", api.getConfig)

	return r
}

// NewServer wraps the router in an instrumented http.Server.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(h, "http"),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}

func (a *API) health(c *gin.Context) {
	adapters := a.backend.Health(c.Request.Context())
	status, code := "ok", http.StatusOK
	for _, h := range adapters {
		if !h.Healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{"status": status, "adapters": adapters})
}

func (a *API) contactCenterWebhook(c *gin.Context) {
	if a.webhook == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "contact center channel disabled"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if err := a.webhook.ProcessInboundEvent(c.Request.Context(), body); err != nil {
		if errors.Is(err, channel.ErrMalformedEvent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a.logger.Error("webhook not accepted", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event not accepted"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (a *API) listSessions(c *gin.Context) {
	snaps := a.backend.Sessions()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].StartTime.Before(snaps[j].StartTime) })
	out := make([]sessionSummary, 0, len(snaps))
	for _, s := range snaps {
		if st := c.Query("status"); st != "" && string(s.Status) != st {
			continue
		}
		out = append(out, summarize(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

func summarize(s *core.Snapshot) sessionSummary {
	sum := sessionSummary{
		ID:           s.ID,
		Platform:     s.Platform,
		NativeID:     s.NativeID,
		Status:       s.Status,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		MessageCount: len(s.Messages),
		CaseID:       s.CaseID,
	}
	if s.Analysis != nil {
		r := s.Analysis.RiskLevel
		sum.RiskLevel = &r
	}
	return sum
}

func (a *API) getSession(c *gin.Context) {
	snap, ok := a.backend.Session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) reanalyze(c *gin.Context) {
	res, err := a.backend.Reanalyze(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if res == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *API) reply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	msg, err := a.backend.Reply(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (a *API) end(c *gin.Context) {
	res, err := a.backend.End(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": true, "result": res})
}

func (a *API) getConfig(c *gin.Context) {
	if a.config == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "config view disabled"})
		return
	}
	c.JSON(http.StatusOK, a.config())
}

func (a *API) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, channel.ErrUnknownConversation):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrClosed), errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		a.logger.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
