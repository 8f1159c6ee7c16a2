package telemetry

import (
	"context"
	"testing"

	"github.com/ose-micro/core/tracing"
	"github.com/ose-micro/events/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	tp, shutdown, err := Setup(tracing.Config{ServiceName: "orders"}, logging.FromZap(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer shutdown(ctx)

	_, span := tp.Tracer("test").Start(ctx, "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}
