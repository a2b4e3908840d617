package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CRISIS_"

// ErrNoChannels is returned by Validate when every channel adapter is disabled.
var ErrNoChannels = errors.New("no channel adapter enabled")

type Config struct {
	Server     ServerConfig     `koanf:"server" json:"server"`
	Processing ProcessingConfig `koanf:"processing" json:"processing"`
	Analysis   AnalysisConfig   `koanf:"analysis" json:"analysis"`
	Scorer     ScorerConfig     `koanf:"scorer" json:"scorer"`
	Cases      CasesConfig      `koanf:"cases" json:"cases"`
	Channels   ChannelsConfig   `koanf:"channels" json:"channels"`
	Events     EventsConfig     `koanf:"events" json:"events"`
	Storage    StorageConfig    `koanf:"storage" json:"storage"`
	Telemetry  TelemetryConfig  `koanf:"telemetry" json:"telemetry"`
}

type ServerConfig struct {
	HTTPAddr string `koanf:"http_addr" json:"http_addr"`
	GRPCAddr string `koanf:"grpc_addr" json:"grpc_addr"`
}

// ProcessingConfig is read on every scheduling decision, so file edits apply without restart.
type ProcessingConfig struct {
	Debounce          time.Duration `koanf:"debounce" json:"debounce"`
	SuppressionWindow time.Duration `koanf:"suppression_window" json:"suppression_window"`
	AutoCreateCases   bool          `koanf:"auto_create_cases" json:"auto_create_cases"`
	SessionGrace      time.Duration `koanf:"session_grace" json:"session_grace"`
	Workers           int           `koanf:"workers" json:"workers"`
	PassTimeout       time.Duration `koanf:"pass_timeout" json:"pass_timeout"`
}

type AnalysisConfig struct {
	SevereSentiment    float64 `koanf:"severe_sentiment" json:"severe_sentiment"`
	NegativeSentiment  float64 `koanf:"negative_sentiment" json:"negative_sentiment"`
	EscalationSeverity float64 `koanf:"escalation_severity" json:"escalation_severity"`
}

type ScorerConfig struct {
	Type      string        `koanf:"type" json:"type"` // local, http, openai
	URL       string        `koanf:"url" json:"url"`
	Timeout   time.Duration `koanf:"timeout" json:"timeout"`
	MaxTokens int           `koanf:"max_tokens" json:"max_tokens"`
	APIKey    string        `koanf:"api_key" json:"-"`
	Model     string        `koanf:"model" json:"model"`
}

type CasesConfig struct {
	BaseURL string        `koanf:"base_url" json:"base_url"`
	APIKey  string        `koanf:"api_key" json:"-"`
	Timeout time.Duration `koanf:"timeout" json:"timeout"`
}

type ChannelsConfig struct {
	Kafka   KafkaChannelConfig   `koanf:"kafka" json:"kafka"`
	Webhook WebhookChannelConfig `koanf:"webhook" json:"webhook"`
	Socket  SocketChannelConfig  `koanf:"socket" json:"socket"`
}

type KafkaChannelConfig struct {
	Enabled    bool     `koanf:"enabled" json:"enabled"`
	Brokers    []string `koanf:"brokers" json:"brokers"`
	Topic      string   `koanf:"topic" json:"topic"`
	GroupID    string   `koanf:"group_id" json:"group_id"`
	ReplyTopic string   `koanf:"reply_topic" json:"reply_topic"`
}

type WebhookChannelConfig struct {
	Enabled     bool   `koanf:"enabled" json:"enabled"`
	OutboundURL string `koanf:"outbound_url" json:"outbound_url"`
}

type SocketChannelConfig struct {
	Enabled bool `koanf:"enabled" json:"enabled"`
}

type EventsConfig struct {
	Kafka KafkaEventsConfig `koanf:"kafka" json:"kafka"`
}

type KafkaEventsConfig struct {
	Enabled bool     `koanf:"enabled" json:"enabled"`
	Brokers []string `koanf:"brokers" json:"brokers"`
	Topic   string   `koanf:"topic" json:"topic"`
}

type StorageConfig struct {
	Driver string `koanf:"driver" json:"driver"` // none, mysql, sqlite
	DSN    string `koanf:"dsn" json:"-"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled" json:"enabled"`
	ServiceName string `koanf:"service_name" json:"service_name"`
}

var defaults = map[string]any{
	"server.http_addr":              ":8080",
	"server.grpc_addr":              ":50051",
	"processing.debounce":           "5s",
	"processing.suppression_window": "300s",
	"processing.auto_create_cases":  true,
	"processing.session_grace":      "10m",
	"processing.workers":            8,
	"processing.pass_timeout":       "30s",
	"analysis.severe_sentiment":     -0.7,
	"analysis.negative_sentiment":   -0.4,
	"analysis.escalation_severity":  0.5,
	"scorer.type":                   "local",
	"scorer.timeout":                "3s",
	"scorer.max_tokens":             512,
	"scorer.model":                  "gpt-4o-mini",
	"cases.timeout":                 "5s",
	"channels.kafka.brokers":        []string{"localhost:9092"},
	"channels.kafka.topic":          "conversations",
	"channels.kafka.group_id":       "escalation-group",
	"channels.kafka.reply_topic":    "conversation-replies",
	"channels.socket.enabled":       true,
	"events.kafka.brokers":          []string{"localhost:9092"},
	"events.kafka.topic":            "conversation-events",
	"storage.driver":                "none",
	"telemetry.service_name":        "crisis-escalation",
}

// Load reads the YAML file at path (a missing file is fine), then environment overrides
// such as CRISIS_PROCESSING__DEBOUNCE=2s.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Channels.Kafka.Brokers = splitList(cfg.Channels.Kafka.Brokers)
	cfg.Events.Kafka.Brokers = splitList(cfg.Events.Kafka.Brokers)
	return &cfg, nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports configuration that must stop the service at startup.
func (c *Config) Validate() error {
	if !c.Channels.Kafka.Enabled && !c.Channels.Webhook.Enabled && !c.Channels.Socket.Enabled {
		return ErrNoChannels
	}
	if c.Processing.Debounce <= 0 {
		return fmt.Errorf("processing.debounce must be positive, got %s", c.Processing.Debounce)
	}
	if c.Processing.SuppressionWindow < 0 {
		return fmt.Errorf("processing.suppression_window must not be negative")
	}
	if c.Processing.PassTimeout <= 0 {
		return fmt.Errorf("processing.pass_timeout must be positive")
	}
	if c.Channels.Kafka.Enabled && (len(c.Channels.Kafka.Brokers) == 0 || c.Channels.Kafka.Topic == "") {
		return fmt.Errorf("channels.kafka requires brokers and topic")
	}
	switch c.Scorer.Type {
	case "local":
	case "http":
		if c.Scorer.URL == "" {
			return fmt.Errorf("scorer.url is required for the http scorer")
		}
	case "openai":
		if c.Scorer.APIKey == "" {
			return fmt.Errorf("scorer.api_key is required for the openai scorer")
		}
	default:
		return fmt.Errorf("unknown scorer.type %q", c.Scorer.Type)
	}
	switch c.Storage.Driver {
	case "none", "":
	case "mysql", "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	return nil
}
