package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Version is reported as service.version on every span.
var Version = "dev"

// Config holds telemetry configuration
type Config struct {
	Enabled     bool
	Exporter    string  // otlp-http, none
	Endpoint    string  // localhost:4318
	ServiceName string  // meteor
	SampleRate  float64 // 0.0 to 1.0
	// Role names the process kind (run, agent, status) so host and agent
	// spans of one job can be told apart.
	Role        string
	// InstanceID identifies this process; a random id when empty.
	InstanceID  string
}

// Provider wraps the OpenTelemetry TracerProvider
type Provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var globalProvider = disabledProvider()

func disabledProvider() *Provider {
	return &Provider{enabled: false, tracer: noop.NewTracerProvider().Tracer("")}
}

// Init initializes the global telemetry provider
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		globalProvider = disabledProvider()
		return nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp-http", "otlp":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("create OTLP exporter: %w", err)
		}
		exporter = exp
	case "none":
		exporter = &noopExporter{}
	default:
		return fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}
	return InitWithExporter(ctx, cfg, exporter)
}

// InitWithExporter installs a provider that sends spans to exporter.
func InitWithExporter(ctx context.Context, cfg Config, exporter sdktrace.SpanExporter) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "meteor"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(Version),
		attribute.String("service.instance.id", cfg.InstanceID),
	}
	if cfg.Role != "" {
		attrs = append(attrs, AttrRole.String(cfg.Role))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	// Agents follow the sampling decision carried in the payload traceparent.
	ratio := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		ratio = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(ratio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	globalProvider = &Provider{
		tp:      tp,
		tracer:  tp.Tracer("github.com/oriys/meteor"),
		enabled: true,
	}
	return nil
}

// Shutdown flushes pending spans and stops the provider. Tracing is
// disabled afterwards.
func Shutdown(ctx context.Context) error {
	p := globalProvider
	if p.tp == nil {
		return nil
	}
	globalProvider = disabledProvider()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

// Flush exports every span ended so far.
func Flush(ctx context.Context) error {
	if globalProvider.tp == nil {
		return nil
	}
	return globalProvider.tp.ForceFlush(ctx)
}

// Tracer returns the global tracer
func Tracer() trace.Tracer {
	return globalProvider.tracer
}

// Enabled returns whether tracing is enabled
func Enabled() bool {
	return globalProvider.enabled
}

type noopExporter struct{}

func (e *noopExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	return nil
}

func (e *noopExporter) Shutdown(ctx context.Context) error {
	return nil
}
