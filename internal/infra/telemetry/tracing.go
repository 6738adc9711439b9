package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/infra/config"
)

const (
	serviceVersion  = "1.0.0"
	shutdownTimeout = 10 * time.Second
)

// TracerProvider owns the SDK provider that backs gRPC span export.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	logger   *zap.Logger
}

// TracingOption customises NewTracerProvider.
type TracingOption func(*tracingOptions)

type tracingOptions struct {
	exporter    sdktrace.SpanExporter
	environment string
	global      bool
}

// WithSpanExporter replaces the OTLP/HTTP exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) TracingOption {
	return func(o *tracingOptions) {
		o.exporter = exp
	}
}

// WithEnvironment tags every span with the deployment environment.
func WithEnvironment(env string) TracingOption {
	return func(o *tracingOptions) {
		o.environment = env
	}
}

// WithoutGlobalInstall keeps the provider out of the otel globals.
func WithoutGlobalInstall() TracingOption {
	return func(o *tracingOptions) {
		o.global = false
	}
}

// NewTracerProvider builds a provider sampling cfg.SamplingRate of new root
// traces. Spans that continue an incoming trace follow the caller's decision.
func NewTracerProvider(ctx context.Context, cfg config.TelemetrySettings, logger *zap.Logger, opts ...TracingOption) (*TracerProvider, error) {
	options := tracingOptions{global: true}
	for _, opt := range opts {
		opt(&options)
	}

	exporter := options.exporter
	if exporter == nil {
		var err error
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
			otlptracehttp.WithTimeout(shutdownTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "auth-core"
	}
	attrs := []resource.Option{resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)}
	if options.environment != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.DeploymentEnvironment(options.environment)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)

	if options.global {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	logger.Info("tracing enabled",
		zap.String("otlp_endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", serviceName),
		zap.Float64("sampling_rate", cfg.SamplingRate),
	)

	return &TracerProvider{provider: tp, logger: logger}, nil
}

// TracerProvider exposes the SDK provider for the gRPC stats handler.
func (tp *TracerProvider) TracerProvider() *sdktrace.TracerProvider {
	return tp.provider
}

// Shutdown flushes buffered spans. It gives up after shutdownTimeout even if
// ctx allows longer.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	tp.logger.Info("flushing traces")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := tp.provider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
