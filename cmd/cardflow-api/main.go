package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cardops/cardflow/pkg/cmd"
	"github.com/cardops/cardflow/pkg/config"
	"github.com/cardops/cardflow/pkg/log"
	"github.com/cardops/cardflow/pkg/otelhelper"
	"github.com/jonboulle/clockwork"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "cardflow-api",
		Usage:                 "Invoke the card automation engines and manage their definitions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML engine configuration (defaults apply when empty)",
				Sources: cli.EnvVars("CARDFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or memory://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus for audit fan-out and notifications (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing cardflow API")

			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}

			tracer, shutdown, err := otelhelper.NewTracer(ctx, "cardflow-api")
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					slog.Error("Failed to shutdown tracer provider", "error", err)
				}
			}()

			clock := clockwork.NewRealClock()

			stores, err := cmd.NewStores(ctx, logger, command.String("database-url"), clock)
			if err != nil {
				return err
			}
			defer func() {
				if err := stores.Persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			engines, err := cmd.NewEngines(cfg, stores, eventBus, clock, tracer, logger)
			if err != nil {
				return err
			}

			return NewAPI(logger, stores, engines).Start(command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
