package log

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotwave/crmflow/pkg/models"
)

func TestFactory_RequiresMessage(t *testing.T) {
	factory := NewActionFactory()

	_, err := factory.Create(map[string]any{})
	require.Error(t, err)
	assert.True(t, models.IsConfigurationError(err))
}

func TestFactory_DefaultsLevel(t *testing.T) {
	factory := NewActionFactory()

	action, err := factory.Create(map[string]any{"message": "lead scored"})
	require.NoError(t, err)

	logAction, ok := action.(*Action)
	require.True(t, ok)
	assert.Equal(t, "info", logAction.Level)
}

func TestExecute_ReturnsMessageOutput(t *testing.T) {
	factory := NewActionFactory()

	action, err := factory.Create(map[string]any{"message": "lead scored", "level": "warn"})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	result, err := action.Execute(context.Background(), models.ExecutionContext{ExecutionID: "exec-1"}, logger)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "lead scored", "level": "warn"}, result)
}
