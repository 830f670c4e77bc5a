package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/iannil/code-coder-sub001"

// TracingConfig selects the span exporter. "none" still installs an SDK
// provider so spans carry real trace ids into the logs.
type TracingConfig struct {
	Exporter       string // none, otlp, zipkin
	OTLPEndpoint   string
	ZipkinEndpoint string
	SampleRate     float64
	ServiceName    string
	ServiceVersion string
}

type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider builds an SDK provider and installs it globally. Extra
// options are appended after the configured exporter.
func NewTracerProvider(ctx context.Context, cfg TracingConfig, opts ...sdktrace.TracerProviderOption) (*TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "taskd"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1.0 {
		cfg.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", "none":
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := cfg.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	all := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	if exporter != nil {
		all = append(all, sdktrace.WithBatcher(exporter))
	}
	provider := sdktrace.NewTracerProvider(append(all, opts...)...)
	otel.SetTracerProvider(provider)
	return &TracerProvider{provider: provider}, nil
}

func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.provider.Tracer(tracerName)
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
