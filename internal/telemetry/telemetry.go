// Package telemetry provides the OTLP/HTTP tracer setup shared by the
// runtime: message turns, tool calls and HTTP requests all report
// through it. Until Init succeeds every tracer is a no-op, so
// instrumented code pays nothing when telemetry is off.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/config"
	"github.com/troupe-dev/troupe/internal/common/logger"
)

const defaultServiceName = "troupe"

var (
	mu          sync.Mutex
	provider    trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider *sdktrace.TracerProvider
)

// Init wires the OTLP/HTTP exporter when telemetry is enabled and an
// endpoint is configured. Calling it again replaces the provider.
func Init(ctx context.Context, cfg config.TelemetryConfig, log *logger.Logger) error {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpointHost(cfg.Endpoint)),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	mu.Lock()
	defer mu.Unlock()
	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	provider = sdkProvider
	otel.SetTracerProvider(provider)

	log.Info("telemetry enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("service", serviceName),
		zap.Float64("sample_ratio", ratio))
	return nil
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op until Init succeeds.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	defer mu.Unlock()
	return provider.Tracer(name)
}

// Shutdown flushes pending spans and resets the provider to no-op.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	p := sdkProvider
	sdkProvider = nil
	provider = noop.NewTracerProvider()
	mu.Unlock()

	if p == nil {
		return nil
	}
	return p.Shutdown(ctx)
}
