package logging

import (
	"testing"

	"github.com/ose-micro/core/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := With(FromZap(zap.New(core)), zap.String("component", "memory_bus"))

	log.Info("published message", zap.String("subject", "events.order.placed"), "size", 12)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "published message", entry.Message)
	assert.Equal(t, map[string]any{
		"component": "memory_bus",
		"subject":   "events.order.placed",
		"size":      int64(12),
	}, entry.ContextMap())
}

func TestWithNil(t *testing.T) {
	log := With(nil, zap.String("component", "relay_consumer"))
	require.NotNil(t, log)
	assert.NotPanics(t, func() { log.Error("dropped") })
}

func TestCoreLoggerScopes(t *testing.T) {
	base, err := logger.NewZap(logger.Config{Environment: logger.ENV_DEVELOPMENT, Level: "warn"})
	require.NoError(t, err)

	log := With(base, zap.String("component", "event_dispatcher"))
	assert.False(t, log.Zap().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Zap().Core().Enabled(zapcore.WarnLevel))
}
