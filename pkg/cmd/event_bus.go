package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/pilotwave/crmflow/pkg/channels/gochannel"
	"github.com/pilotwave/crmflow/pkg/channels/kafka"
	"github.com/pilotwave/crmflow/pkg/config"
	"github.com/pilotwave/crmflow/pkg/eventbus"
)

// NewEventBus builds the transport named in the configuration.
func NewEventBus(cfg config.EventBusConfig, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch cfg.Provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, serviceName, cfg.Brokers)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka channel: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gochannel channel: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", cfg.Provider)
	}
}
