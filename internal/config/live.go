package config

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/knadh/koanf/providers/file"

	"github.com/kaphack/realtime-crisis-escalation/internal/core"
)

// Live holds the current configuration and swaps it when the config file changes.
// Readers call Get on every use so settings apply without a restart.
type Live struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger
}

// NewLive wraps an already loaded configuration. path may be empty when there is no file.
func NewLive(cfg *Config, path string, logger *slog.Logger) *Live {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Live{path: path, logger: logger.With(slog.String("component", "config"))}
	l.current.Store(cfg)
	return l
}

func (l *Live) Get() *Config {
	return l.current.Load()
}

func (l *Live) Processing() ProcessingConfig {
	return l.Get().Processing
}

// Thresholds returns the analysis thresholds in the form the analyzer consumes.
func (l *Live) Thresholds() core.Thresholds {
	a := l.Get().Analysis
	return core.Thresholds{
		SevereSentiment:    a.SevereSentiment,
		NegativeSentiment:  a.NegativeSentiment,
		EscalationSeverity: a.EscalationSeverity,
	}
}

// Reload loads and validates the file again. An invalid file leaves the current config in place.
func (l *Live) Reload() error {
	cfg, err := Load(l.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	l.current.Store(cfg)
	return nil
}

// Watch reloads on every change of the config file. onChange may be nil.
func (l *Live) Watch(onChange func(*Config)) error {
	if l.path == "" {
		return nil
	}
	l.logger.Info("watching config file for changes", slog.String("path", l.path))
	return file.Provider(l.path).Watch(func(_ interface{}, err error) {
		if err != nil {
			l.logger.Error("config watch error", slog.String("error", err.Error()))
			return
		}
		if err := l.Reload(); err != nil {
			l.logger.Error("failed to reload config",
				slog.String("error", err.Error()), slog.String("path", l.path))
			return
		}
		l.logger.Info("config reloaded", slog.String("path", l.path))
		if onChange != nil {
			onChange(l.Get())
		}
	})
}
