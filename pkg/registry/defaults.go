package registry

import (
	"log/slog"

	log_action "github.com/pilotwave/crmflow/pkg/actions/log"
	webhook_action "github.com/pilotwave/crmflow/pkg/actions/webhook"
)

// NewDefaultRegistry returns a registry with the built-in capabilities
// registered. Host applications add their own capabilities on top.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.RegisterAction(log_action.NewActionFactory())
	r.RegisterAction(webhook_action.NewActionFactory())

	return r
}
