// Package log provides a structured logging action capability.
package log

import (
	"context"
	"log/slog"

	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/protocol"
)

type ActionFactory struct{}

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

func (*ActionFactory) ID() string {
	return "log"
}

func (*ActionFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "The message to log.",
			},
			"level": map[string]any{
				"type":        "string",
				"description": "Log level for the message",
				"default":     "info",
				"enum":        []string{"debug", "info", "warn", "error"},
			},
		},
		"required": []string{"message"},
	}
}

func (f *ActionFactory) Create(config map[string]any) (protocol.Action, error) {
	if config == nil {
		config = map[string]any{}
	}

	message, _ := config["message"].(string)
	if message == "" {
		return nil, models.NewConfigurationError("log action requires a 'message' parameter")
	}

	level, _ := config["level"].(string)
	if level == "" {
		level = "info"
	}

	return &Action{Message: message, Level: level}, nil
}

type Action struct {
	Message string
	Level   string
}

func (a *Action) Execute(_ context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("action_type", "log", "execution_id", executionCtx.ExecutionID)

	switch a.Level {
	case "debug":
		logger.Debug(a.Message)
	case "warn":
		logger.Warn(a.Message)
	case "error":
		logger.Error(a.Message)
	default:
		logger.Info(a.Message)
	}

	return map[string]any{"message": a.Message, "level": a.Level}, nil
}
