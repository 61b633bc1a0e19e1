package cmd

import (
	"github.com/pilotwave/crmflow/pkg/config"
	"github.com/pilotwave/crmflow/pkg/trigger"
)

// NewDedupeCache returns the Redis cache when a URL is configured and
// the in-process cache otherwise.
// nolint:ireturn
func NewDedupeCache(cfg config.DedupeConfig) (trigger.DedupeCache, error) {
	if cfg.RedisURL != "" {
		return trigger.NewRedisDedupeCache(cfg.RedisURL)
	}

	return trigger.NewMemoryDedupeCache(), nil
}
