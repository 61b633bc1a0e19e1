// Package registry holds the catalog of action capabilities available
// to workflow nodes.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/pilotwave/crmflow/pkg/protocol"
)

type Registry struct {
	logger          *slog.Logger
	actionFactories map[string]protocol.ActionFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:          log,
		actionFactories: make(map[string]protocol.ActionFactory),
	}
}

func (r *Registry) RegisterAction(actionFactory protocol.ActionFactory) {
	r.actionFactories[actionFactory.ID()] = actionFactory
}

func (r *Registry) CreateAction(capability string, config map[string]any) (protocol.Action, error) {
	factory, ok := r.actionFactories[capability]
	if !ok {
		return nil, fmt.Errorf("action capability '%s' not registered", capability)
	}

	return factory.Create(config)
}

// ActionSchema satisfies models.ActionCatalog so workflow validation
// can check node parameters against the capability schemas.
func (r *Registry) ActionSchema(capability string) (map[string]any, bool) {
	factory, ok := r.actionFactories[capability]
	if !ok {
		return nil, false
	}

	return factory.Schema(), true
}

func (r *Registry) AvailableActions() []string {
	capabilities := make([]string, 0, len(r.actionFactories))
	for capability := range r.actionFactories {
		capabilities = append(capabilities, capability)
	}

	return capabilities
}
