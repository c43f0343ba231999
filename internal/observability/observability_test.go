package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithoutTracing(t *testing.T) {
	obs, err := New(context.Background(), ObsConfig{
		LogLevel:    "info",
		LogFormat:   "json",
		ServiceName: "groupd-test",
	}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer obs.Close(context.Background())

	if obs.Metrics == nil || obs.TracerProvider == nil {
		t.Fatal("metrics and tracer provider should be initialized")
	}
	if obs.sdkTP != nil {
		t.Error("no sdk tracer provider expected without an endpoint")
	}
}

func TestMetricsRegistered(t *testing.T) {
	m := NewMetrics()
	m.OperationTotal.WithLabelValues("resolve", "ok").Inc()
	m.SyncFallbacks.Inc()
	m.Conflicts.Inc()
	m.GroupRevision.WithLabelValues("abc").Set(7)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"groupd_operation_total",
		"groupd_sync_fallbacks_total",
		"groupd_change_conflicts_total",
		"groupd_group_revision",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

func TestShutdownLIFO(t *testing.T) {
	var order []string
	s := &ShutdownCoordinator{}
	s.Register("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	s.Register("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("handlers should run in reverse order, got %v", order)
	}
}

func TestShutdownCollectsErrors(t *testing.T) {
	s := &ShutdownCoordinator{}
	s.Register("ok", func(context.Context) error { return nil })
	s.Register("bad", func(context.Context) error { return errors.New("boom") })

	err := s.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Errorf("expected aggregated error naming the handler, got %v", err)
	}
}

func TestPrettyHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(h)

	logger.Info("resolved group", "revision", 12)
	out := buf.String()
	if !strings.Contains(out, "resolved group") || !strings.Contains(out, "revision=12") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("debug", "json", &buf)
	logger.Debug("hello")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("json output expected, got %q", buf.String())
	}
}
