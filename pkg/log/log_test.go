package log

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	// Ctx without a logger in the context falls back to the default
	l1 := Ctx(ctx)
	require.NotNil(t, l1, "Ctx returned nil instead of default logger")
	assert.Equal(t, defaultLogger, l1, "Ctx should return defaultLogger")
	assert.Equal(t, Default(), l1, "Default should match defaultLogger")

	// Create a distinct logger to test With
	customLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	require.NotEqual(t, defaultLogger, customLogger, "failed to create a distinct custom logger for testing")

	ctxWithLogger := With(ctx, customLogger)
	l2 := Ctx(ctxWithLogger)
	require.NotNil(t, l2, "Ctx returned nil, expected custom logger")
	assert.Equal(t, customLogger, l2, "Ctx should return customLogger")
}

func TestSetDefaultLogLevel(t *testing.T) {
	defer SetDefaultLogLevel(slog.LevelInfo)

	SetDefaultLogLevel(slog.LevelDebug)
	assert.True(t, defaultLogger.Enabled(context.Background(), slog.LevelDebug))

	SetDefaultLogLevel(slog.LevelError)
	assert.False(t, defaultLogger.Enabled(context.Background(), slog.LevelWarn))
}
