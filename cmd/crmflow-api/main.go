package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/pilotwave/crmflow/pkg/cmd"
	"github.com/pilotwave/crmflow/pkg/config"
	"github.com/pilotwave/crmflow/pkg/log"
	"github.com/pilotwave/crmflow/pkg/registry"
	"github.com/pilotwave/crmflow/pkg/trigger"
)

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "crmflow-api",
		Usage:                 "Create and manage workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				Sources: cli.EnvVars("CRMFLOW_CONFIG"),
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}

			if v := command.String("database-url"); v != "" {
				cfg.DatabaseURL = v
			}

			if v := command.String("log-level"); v != "" {
				cfg.LogLevel = v
			}

			if v := command.Int("port"); v != 0 {
				cfg.API.Port = v
			}

			log.Setup(cfg.LogLevel)

			logger.InfoContext(ctx, "Initializing crmflow API")

			persistence, err := cmd.NewPersistence(ctx, logger, cfg.DatabaseURL)
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(cfg.EventBus, "crmflow-api", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			dedupe, err := cmd.NewDedupeCache(cfg.Dedupe)
			if err != nil {
				return err
			}
			defer func() {
				if err := dedupe.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close dedupe cache", "error", err)
				}
			}()

			evaluator := trigger.NewEvaluator(persistence, dedupe, eventBus, cfg.Dedupe.TTL.Std(), logger)

			api := NewAPI(
				logger,
				persistence,
				registry.NewDefaultRegistry(logger),
				evaluator,
			)

			if err := api.Start(cfg.API.Port); err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
