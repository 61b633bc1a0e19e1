// Package main provides the crmflow engine binary: the trigger
// evaluator and the execution scheduler in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v3"

	"github.com/pilotwave/crmflow/pkg/cmd"
	"github.com/pilotwave/crmflow/pkg/config"
	"github.com/pilotwave/crmflow/pkg/log"
	"github.com/pilotwave/crmflow/pkg/otelhelper"
	"github.com/pilotwave/crmflow/pkg/registry"
	"github.com/pilotwave/crmflow/pkg/scheduler"
	"github.com/pilotwave/crmflow/pkg/trigger"
	"github.com/pilotwave/crmflow/pkg/workflow"
)

func main() {
	command := &cli.Command{
		Name:                  "crmflow-engine",
		EnableShellCompletion: true,
		Usage:                 "Start an engine replica to evaluate triggers and run workflows",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				Sources: cli.EnvVars("CRMFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
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

			log.Setup(cfg.LogLevel)

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "engine-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("crmflow-engine").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing crmflow engine")

			tracerProvider, err := otelhelper.InitTracer(ctx, "crmflow-engine")
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}

			defer func() {
				if err := tracerProvider.Shutdown(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
				}
			}()

			persistence, err := cmd.NewPersistence(ctx, logger, cfg.DatabaseURL)
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(cfg.EventBus, "crmflow-engine", logger)
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

			go serveMetrics(logger, cfg.Engine.MetricsPort)

			reg := registry.NewDefaultRegistry(logger)
			evaluator := trigger.NewEvaluator(persistence, dedupe, eventBus, cfg.Dedupe.TTL.Std(), logger)
			schedules := trigger.NewSchedules(persistence, eventBus, logger)

			backoff := workflow.BackoffPolicy{
				Base: cfg.Retry.BackoffBase.Std(),
				Cap:  cfg.Retry.BackoffCap.Std(),
			}
			executor := workflow.NewExecutor(persistence, reg, backoff, logger)

			sched := scheduler.New(scheduler.Config{
				WorkerID:          workerID,
				PollInterval:      cfg.Scheduler.PollInterval.Std(),
				LeaseDuration:     cfg.Scheduler.LeaseDuration.Std(),
				HeartbeatInterval: cfg.Scheduler.HeartbeatInterval.Std(),
				MaxConcurrent:     cfg.Scheduler.MaxConcurrent,
				StoreBackoffBase:  cfg.Scheduler.StoreBackoffBase.Std(),
				StoreBackoffCap:   cfg.Scheduler.StoreBackoffCap.Std(),
			}, persistence, executor, schedules, eventBus, logger)

			engine := NewEngineManager(
				workerID,
				eventBus,
				evaluator,
				sched,
				tracerProvider,
				logger,
			)

			if err := engine.Start(ctx); err != nil {
				logger.ErrorContext(ctx, "Failed to start engine", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func serveMetrics(logger *slog.Logger, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil {
		logger.Error("Metrics server stopped", "error", err)
	}
}
