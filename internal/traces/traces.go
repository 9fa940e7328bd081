// Package traces provides OpenTelemetry distributed tracing for the metering service.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/shijo-seo/shijo"
	serviceName = "shijo-metering"
)

// Options configures the tracer provider.
type Options struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string
	// Insecure sends spans without TLS, for a collector sidecar.
	Insecure bool
	// SampleRatio is the fraction of new root traces recorded. Spans with a
	// sampled parent are always recorded so webhook traces stay whole.
	SampleRatio float64
	Version     string
	Environment string
}

// Sampler returns the parent-based ratio sampler for ratio, clamped to [0, 1].
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Init installs the global tracer provider and W3C propagators.
// With no endpoint the global no-op provider stays in place.
// The returned function flushes pending spans.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	if opts.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(opts.Version),
			semconv.DeploymentEnvironment(opts.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled",
		"endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio, "insecure", opts.Insecure)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Span attributes shared by the metering and billing paths.

func UserID(id string) attribute.KeyValue { return attribute.String("shijo.user_id", id) }

func Feature(key string) attribute.KeyValue { return attribute.String("shijo.feature", key) }

func Tier(tier string) attribute.KeyValue { return attribute.String("shijo.plan_tier", tier) }

func EventType(t string) attribute.KeyValue { return attribute.String("billing.event_type", t) }

func EventID(id string) attribute.KeyValue { return attribute.String("billing.event_id", id) }

func Credits(n int64) attribute.KeyValue { return attribute.Int64("shijo.credits", n) }
