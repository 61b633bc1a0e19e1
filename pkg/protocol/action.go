// Package protocol defines the contracts between the engine and
// pluggable action capabilities.
package protocol

import (
	"context"
	"log/slog"

	"github.com/pilotwave/crmflow/pkg/models"
)

// Action is a single runnable capability instance, configured from a
// workflow node's parameters.
type Action interface {
	Execute(ctx context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (map[string]any, error)
}

// ActionFactory creates Action instances and describes the capability
// it provides.
type ActionFactory interface {
	// Create builds an action from node parameters. Configuration
	// problems must be reported as models.ConfigurationError so the
	// engine skips retries for them.
	Create(config map[string]any) (Action, error)
	// ID returns the capability name referenced by workflow nodes.
	ID() string
	// Schema returns the JSON schema for the capability parameters.
	Schema() map[string]any
}
