// Package telemetry installs the OpenTelemetry tracer provider and the
// propagator the relay uses to carry trace context across the bus.
package telemetry

import (
	"context"
	"fmt"

	"github.com/ose-micro/core/logger"
	"github.com/ose-micro/core/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Shutdown flushes and stops the tracer provider.
type Shutdown func(ctx context.Context) error

// Setup installs the W3C trace context propagator and, when cfg names an
// endpoint, an OTLP/gRPC exporting tracer provider built by tracing.NewOtel.
// Without an endpoint tracing is a no-op.
func Setup(cfg tracing.Config, log logger.Logger) (trace.TracerProvider, Shutdown, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		log.Info("tracing disabled")
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }, nil
	}

	tracer, err := tracing.NewOtel(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: %w", err)
	}

	log.Info("tracing enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("service", cfg.ServiceName),
		zap.Float64("sample_ratio", cfg.SampleRatio),
	)
	return otel.GetTracerProvider(), tracer.Shutdown, nil
}
