package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.With(String("component", "oracle")).Info(context.Background(), "exchange done",
		Float("value", 85.3),
		Err(errors.New("boom")),
	)

	out := buf.String()
	for _, want := range []string{`"component":"oracle"`, `"value":85.3`, `"error":"boom"`, `"msg":"exchange done"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %q", out, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	log.Warn(context.Background(), "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn should pass the filter, got %q", buf.String())
	}
}

func TestStartExchangeIsStable(t *testing.T) {
	ctx, id := StartExchange(context.Background())
	if id == "" {
		t.Fatalf("expected a generated exchange id")
	}
	_, again := StartExchange(ctx)
	if again != id {
		t.Fatalf("StartExchange regenerated id: %q != %q", again, id)
	}
	if _, other := StartExchange(context.Background()); other == id {
		t.Fatalf("separate exchanges share id %q", id)
	}
}

func TestRecordsCarryExchangeAndTrace(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json", Output: &buf}).With(String("component", "oracle"))

	ctx, id := StartExchange(context.Background())
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xab},
		SpanID:     trace.SpanID{0xcd},
		TraceFlags: trace.FlagsSampled,
	})
	ctx = trace.ContextWithSpanContext(ctx, sc)
	log.Info(ctx, "oracle reply")

	out := buf.String()
	for _, want := range []string{
		`"exchange_id":"` + id + `"`,
		`"trace_id":"` + sc.TraceID().String() + `"`,
		`"span_id":"` + sc.SpanID().String() + `"`,
		`"component":"oracle"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %q", out, want)
		}
	}

	buf.Reset()
	log.Info(context.Background(), "no exchange")
	if strings.Contains(buf.String(), "exchange_id") || strings.Contains(buf.String(), "trace_id") {
		t.Fatalf("bare context should add no ids: %q", buf.String())
	}
}

func TestFirstEnvPrefersOracleVariables(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ORACLE_LOG_LEVEL", "error")
	if got := firstEnv("ORACLE_LOG_LEVEL", "LOG_LEVEL"); got != "error" {
		t.Fatalf("level = %q, want error", got)
	}
	t.Setenv("ORACLE_LOG_LEVEL", "")
	if got := firstEnv("ORACLE_LOG_LEVEL", "LOG_LEVEL"); got != "debug" {
		t.Fatalf("fallback level = %q, want debug", got)
	}
}
