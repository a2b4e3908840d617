package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kaphack/realtime-crisis-escalation/internal/config"
)

func TestStartTracing_FailureDisablesTracing(t *testing.T) {
	prev := initTracer
	t.Cleanup(func() { initTracer = prev })

	calls := 0
	initTracer = func(string, io.Writer, *slog.Logger) (func(context.Context) error, error) {
		calls++
		return nil, errors.New("exporter unavailable")
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	stop := startTracing(config.TelemetryConfig{Enabled: false}, logger)
	stop()
	if calls != 0 {
		t.Fatalf("tracer initialized %d times with telemetry disabled", calls)
	}

	stop = startTracing(config.TelemetryConfig{Enabled: true, ServiceName: "crisis"}, logger)
	stop()
	if calls != 1 {
		t.Fatalf("initTracer calls = %d, want 1", calls)
	}
	if !strings.Contains(buf.String(), "tracing disabled") {
		t.Errorf("log = %q", buf.String())
	}
}

func TestServeHTTP_ListenFailureReturns(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer lis.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	srv := &http.Server{Addr: lis.Addr().String(), Handler: http.NotFoundHandler()}

	done := make(chan struct{})
	go func() {
		serveHTTP(srv, logger)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("serveHTTP did not return for an address already in use")
	}
	if !strings.Contains(buf.String(), "HTTP server stopped") {
		t.Errorf("log = %q", buf.String())
	}
}
