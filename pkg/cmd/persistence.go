// Package cmd provides common initialization for the engine binaries.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pilotwave/crmflow/pkg/persistence"
	"github.com/pilotwave/crmflow/pkg/persistence/memory"
	"github.com/pilotwave/crmflow/pkg/persistence/postgresql"
)

// NewPersistence opens the store named by the URL scheme. postgres://
// and postgresql:// URLs get the durable backend; memory:// keeps
// everything in-process for development and tests.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return memory.NewPersistence(), nil
	}
}

func parseProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "memory"
	}

	return provider
}
