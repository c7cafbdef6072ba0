package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/rt-oracle-bridge/internal/config"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/logging"
)

// ExchangeSpanPrefix starts the name of every span the oracle client opens
// for a datagram exchange.
const ExchangeSpanPrefix = "oracle."

// DefaultSampleRatio applies to spans other than oracle exchanges.
const DefaultSampleRatio = 0.1

// OracleTarget identifies the oracle a process talks to. It is stamped on
// the trace resource so spans from local and remote runs stay apart.
type OracleTarget struct {
	Mode          string
	Addr          string
	FailurePolicy string
}

// OracleTargetFromConfig describes the oracle cfg points at.
func OracleTargetFromConfig(cfg config.Config) OracleTarget {
	return OracleTarget{
		Mode:          cfg.Mode.String(),
		Addr:          cfg.OracleAddr(),
		FailurePolicy: string(cfg.FailurePolicy),
	}
}

func (t OracleTarget) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if t.Mode != "" {
		attrs = append(attrs, attribute.String("oracle.mode", t.Mode))
	}
	if t.Addr != "" {
		attrs = append(attrs, attribute.String("oracle.addr", t.Addr))
	}
	if t.FailurePolicy != "" {
		attrs = append(attrs, attribute.String("oracle.failure_policy", t.FailurePolicy))
	}
	return attrs
}

// TracingConfig governs span export.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	// SampleRatio thins host-side spans. Exchange spans are always kept.
	SampleRatio float64
	Oracle      OracleTarget
	// Writer receives stdout exporter output; defaults to stderr so spans
	// do not mix with host simulator output.
	Writer io.Writer
}

// TracingConfigFromEnv reads ORACLE_TRACING_* and ORACLE_OTLP_ENDPOINT.
// The oracle target is left for the caller to fill from the bridge config.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("ORACLE_TRACING_ENABLED"), "true"),
		ServiceName: envOr("ORACLE_TRACING_SERVICE_NAME", "rt-oracle-bridge"),
		Exporter:    strings.ToLower(envOr("ORACLE_TRACING_EXPORTER", "stdout")),
		Endpoint:    os.Getenv("ORACLE_OTLP_ENDPOINT"),
		SampleRatio: DefaultSampleRatio,
	}
	if v, err := strconv.ParseFloat(os.Getenv("ORACLE_TRACING_SAMPLE_RATIO"), 64); err == nil && v >= 0 && v <= 1 {
		cfg.SampleRatio = v
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// exchangeSampler keeps every oracle exchange span and defers everything
// else to rest.
type exchangeSampler struct {
	rest sdktrace.Sampler
}

func newExchangeSampler(ratio float64) sdktrace.Sampler {
	return exchangeSampler{rest: sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))}
}

func (s exchangeSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if p.Kind == trace.SpanKindClient && strings.HasPrefix(p.Name, ExchangeSpanPrefix) {
		return sdktrace.SamplingResult{
			Decision:   sdktrace.RecordAndSample,
			Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
		}
	}
	return s.rest.ShouldSample(p)
}

func (s exchangeSampler) Description() string {
	return fmt.Sprintf("OracleExchanges{rest:%s}", s.rest.Description())
}

// InitTracing installs the global tracer provider and propagators. The
// returned function flushes pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "oracle"),
	}, cfg.Oracle.attributes()...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	sampler := newExchangeSampler(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("oracle", cfg.Oracle.Addr),
		logging.String("sampler", sampler.Description()),
	)

	return tp.Shutdown, nil
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(
			stdouttrace.WithWriter(w),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// ShutdownWithTimeout flushes spans within five seconds. Failures are only
// logged; the process is exiting anyway.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
