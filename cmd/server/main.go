package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kaphack/realtime-crisis-escalation/internal/cases"
	"github.com/kaphack/realtime-crisis-escalation/internal/channel"
	"github.com/kaphack/realtime-crisis-escalation/internal/config"
	"github.com/kaphack/realtime-crisis-escalation/internal/core"
	"github.com/kaphack/realtime-crisis-escalation/internal/db"
	"github.com/kaphack/realtime-crisis-escalation/internal/engine"
	"github.com/kaphack/realtime-crisis-escalation/internal/events"
	"github.com/kaphack/realtime-crisis-escalation/internal/grpcserver"
	"github.com/kaphack/realtime-crisis-escalation/internal/httpapi"
	"github.com/kaphack/realtime-crisis-escalation/internal/kafka"
	"github.com/kaphack/realtime-crisis-escalation/internal/scheduler"
	"github.com/kaphack/realtime-crisis-escalation/internal/sentiment"
	"github.com/kaphack/realtime-crisis-escalation/internal/telemetry"
	"github.com/kaphack/realtime-crisis-escalation/service"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	configPath := os.Getenv("CRISIS_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	live := config.NewLive(cfg, configPath, logger)
	if _, statErr := os.Stat(configPath); statErr == nil {
		if err := live.Watch(nil); err != nil {
			logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		}
	}

	stopTracing := startTracing(cfg.Telemetry, logger)
	defer stopTracing()

	// Sentiment scoring: the configured external scorer, local lexicon on failure.
	analyzerOpts := []core.AnalyzerOption{
		core.WithThresholds(live.Thresholds),
		core.WithLogger(logger),
	}
	scorer, err := sentiment.FromConfig(cfg.Scorer)
	if err != nil {
		logger.Warn("external scorer unavailable, using local scorer", slog.String("error", err.Error()))
	} else if scorer != nil {
		analyzerOpts = append(analyzerOpts, core.WithScorer(scorer))
	}
	analyzer := core.NewAnalyzer(analyzerOpts...)

	// Observability events.
	publishers := []events.Publisher{events.NewLogPublisher(logger)}
	if cfg.Events.Kafka.Enabled {
		publishers = append(publishers, kafka.NewPublisher(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic, logger))
	}
	var repo *db.Repository
	if cfg.Storage.Driver == "mysql" || cfg.Storage.Driver == "sqlite" {
		repo, err = db.NewRepository(cfg.Storage.Driver, cfg.Storage.DSN, logger)
		if err != nil {
			logger.Error("storage disabled", slog.String("driver", cfg.Storage.Driver), slog.String("error", err.Error()))
		} else {
			publishers = append(publishers, repo)
		}
	}
	bus := events.NewBus(1024, logger, publishers...)

	caseClient := cases.NewClient(cfg.Cases.BaseURL, cfg.Cases.APIKey, cfg.Cases.Timeout, cases.WithLogger(logger))
	eng := engine.NewEngine(
		engine.WithCaseService(caseClient),
		engine.WithEmitter(bus),
		engine.WithLogger(logger),
	)

	// Channel adapters.
	var (
		adapters []channel.Adapter
		webhook  *httpapi.ContactCenterAdapter
	)
	if cfg.Channels.Kafka.Enabled {
		kc := cfg.Channels.Kafka
		adapters = append(adapters, kafka.NewConsumer(kafka.Config{
			Brokers:    kc.Brokers,
			Topic:      kc.Topic,
			GroupID:    kc.GroupID,
			ReplyTopic: kc.ReplyTopic,
		}))
	}
	if cfg.Channels.Webhook.Enabled {
		webhook = httpapi.NewContactCenterAdapter(cfg.Channels.Webhook.OutboundURL, nil)
		adapters = append(adapters, webhook)
	}
	if cfg.Channels.Socket.Enabled {
		adapters = append(adapters, grpcserver.NewConversationServer(cfg.Server.GRPCAddr))
	}

	svc := service.New(adapters, analyzer, eng,
		service.WithEmitter(bus),
		service.WithSettings(func() scheduler.Settings {
			p := live.Processing()
			return scheduler.Settings{
				Debounce:          p.Debounce,
				SuppressionWindow: p.SuppressionWindow,
				PassTimeout:       p.PassTimeout,
			}
		}),
		service.WithAutoCreate(func() bool { return live.Processing().AutoCreateCases }),
		service.WithGrace(cfg.Processing.SessionGrace),
		service.WithWorkers(cfg.Processing.Workers),
		service.WithLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := httpapi.NewRouter(svc, webhook, func() any { return live.Get() }, logger)
	if repo != nil {
		httpapi.RegisterArchive(router, repo, logger)
	}
	httpServer := httpapi.NewServer(cfg.Server.HTTPAddr, router)
	go serveHTTP(httpServer, logger)

	if err := svc.Start(ctx); err != nil {
		logger.Error("no channel is receiving conversations", slog.String("error", err.Error()))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	svc.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}
	if err := bus.Close(); err != nil {
		logger.Error("event publishers did not close cleanly", slog.String("error", err.Error()))
	}
	cancel()
	logger.Info("shutdown complete")
}

var initTracer = telemetry.InitTracer

// startTracing installs the tracer when enabled. A failure only disables tracing.
func startTracing(cfg config.TelemetryConfig, logger *slog.Logger) func() {
	if !cfg.Enabled {
		return func() {}
	}
	shutdown, err := initTracer(cfg.ServiceName, nil, logger)
	if err != nil {
		logger.Error("tracing disabled, failed to initialize tracer", slog.String("error", err.Error()))
		return func() {}
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}
}

// serveHTTP runs srv until it is shut down. The channel adapters keep running if the
// listener fails.
func serveHTTP(srv *http.Server, logger *slog.Logger) {
	logger.Info("starting HTTP server", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server stopped, REST API and webhooks unavailable",
			slog.String("addr", srv.Addr), slog.String("error", err.Error()))
	}
}
