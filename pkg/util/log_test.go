package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactingCoreMasksConfiguredKeys(t *testing.T) {
	obs, logs := observer.New(zap.InfoLevel)
	logger := zap.New(Redacting(obs, []string{"secret", "nonce"}))

	logger.Info("order received",
		zap.String("secret", "11111"),
		zap.String("nonce", "22222"),
		zap.String("quantity", "50"),
	)

	entries := logs.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "[REDACTED]", fields["secret"])
	assert.Equal(t, "[REDACTED]", fields["nonce"])
	assert.Equal(t, "50", fields["quantity"])
}

func TestRedactingCoreCaseInsensitive(t *testing.T) {
	obs, logs := observer.New(zap.InfoLevel)
	logger := zap.New(Redacting(obs, []string{"authorization"}))

	logger.Info("request", zap.String("Authorization", "Bearer abc"))

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "[REDACTED]", fields["Authorization"])
}

func TestRedactingCoreDefaults(t *testing.T) {
	obs, logs := observer.New(zap.InfoLevel)
	logger := zap.New(Redacting(obs, nil))

	logger.Info("request", zap.String("cookie", "session=xyz"), zap.String("trader", "GABC"))

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "[REDACTED]", fields["cookie"])
	assert.Equal(t, "GABC", fields["trader"])
}

func TestRedactingCorePreservesWithFields(t *testing.T) {
	obs, logs := observer.New(zap.InfoLevel)
	logger := zap.New(Redacting(obs, []string{"secret"})).With(zap.String("secret", "999"))

	logger.Info("event")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "[REDACTED]", fields["secret"])
}

func TestNewLoggerLevelFallback(t *testing.T) {
	logger, err := NewLogger("not-a-level", true, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}
