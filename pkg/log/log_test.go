package log

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetup_DebugLevel(t *testing.T) {
	Setup("debug")

	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
}

func TestSetup_UnknownLevelFallsBackToInfo(t *testing.T) {
	Setup("verbose")

	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelInfo))
}

func TestSetup_LevelIsCaseInsensitive(t *testing.T) {
	Setup("WARN")

	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelWarn))
}
