package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"cardline/internal/config"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger("warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = NewLogger("debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLogger("")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger("loud")
	require.Error(t, err)
}

func TestSetupTracingNoopWhenDisabled(t *testing.T) {
	for _, env := range []config.Env{
		{OTelEnabled: true},
		{OTelEnabled: false, OTelEndpoint: "http://localhost:4318"},
	} {
		shutdown, err := SetupTracing(context.Background(), "cardline-test", env)
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
	}
}

func TestSetupTracingWithEndpoint(t *testing.T) {
	// Non-routable address: nothing is exported before shutdown.
	shutdown, err := SetupTracing(context.Background(), "cardline-test", config.Env{OTelEnabled: true, OTelEndpoint: "http://192.0.2.1:4318"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
