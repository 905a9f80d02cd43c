// Package observability wires OpenTelemetry tracing, gated by
// Config.Tracing.Enabled, following the reference broker's Init/shutdown
// gate in internal/observability.
package observability

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether and how tracing is initialized.
type Config struct {
	Enabled      bool
	OTLPEndpoint string
	Insecure     bool
	SampleRatio  float64
	ServiceName  string
}

var (
	tracingEnabled atomic.Bool
	defaultTracer  trace.Tracer
)

// Enabled reports whether tracing was successfully initialized.
func Enabled() bool { return tracingEnabled.Load() }

// Tracer returns the broker's tracer, falling back to the global
// no-op tracer when tracing was never initialized.
func Tracer() trace.Tracer {
	if defaultTracer != nil {
		return defaultTracer
	}
	return otel.Tracer("stompd")
}

// Init starts the OTLP/gRPC exporter and installs a tracer provider when
// cfg.Enabled, returning a shutdown func to call on server stop.
func Init(ctx context.Context, cfg Config, l *slog.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	var opts []otlptracegrpc.Option
	opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		l.Error("init otlp exporter", "err", err)
		return noop, err
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}
	res, _ := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	defaultTracer = tp.Tracer("stompd")
	tracingEnabled.Store(true)

	l.Info("tracing initialized", "endpoint", cfg.OTLPEndpoint)
	return func(shCtx context.Context) error {
		shCtx, cancel := context.WithTimeout(shCtx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(shCtx)
	}, nil
}
