package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cardops/cardflow/pkg/cmd"
	"github.com/cardops/cardflow/pkg/config"
	"github.com/cardops/cardflow/pkg/eventbus"
	"github.com/cardops/cardflow/pkg/log"
	"github.com/cardops/cardflow/pkg/otelhelper"
	"github.com/cardops/cardflow/pkg/schedule"
	"github.com/jonboulle/clockwork"
	cli "github.com/urfave/cli/v3"
)

const serviceName = "cardflow-engine"

// runtime holds everything a subcommand needs and releases it in Close.
type runtime struct {
	cfg     config.Config
	stores  *cmd.Stores
	bus     eventbus.EventBus
	engines *cmd.Engines
	logger  *slog.Logger

	shutdownTracer otelhelper.ShutdownFunc
}

func newRuntime(ctx context.Context, command *cli.Command, busProvider, brokers string) (*runtime, error) {
	log.SetupWithFormat(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule(serviceName)

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return nil, err
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, shutdownTracer: shutdown}

	clock := clockwork.NewRealClock()

	rt.stores, err = cmd.NewStores(ctx, logger, command.String("database-url"), clock)
	if err != nil {
		rt.Close(ctx)

		return nil, err
	}

	if busProvider != "" {
		rt.bus, err = cmd.NewEventBus(busProvider, brokers, logger)
		if err != nil {
			rt.Close(ctx)

			return nil, err
		}
	}

	rt.engines, err = cmd.NewEngines(cfg, rt.stores, rt.bus, clock, tracer, logger)
	if err != nil {
		rt.Close(ctx)

		return nil, err
	}

	return rt, nil
}

// newScheduler registers both engine sweeps on the configured schedule.
func newScheduler(cfg config.Config, engines *cmd.Engines, logger *slog.Logger) (*schedule.Scheduler, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	scheduler, err := schedule.New(cfg.SweepSchedule, loc, 0, logger)
	if err != nil {
		return nil, err
	}

	err = scheduler.Add("workflow-sweep", func(ctx context.Context) error {
		result, err := engines.Workflows.Sweep(ctx)
		if err != nil {
			return err
		}

		logger.DebugContext(ctx, "Workflow sweep finished", "result", result)

		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scheduler.Add("cadence-sweep", func(ctx context.Context) error {
		result, err := engines.Cadences.Sweep(ctx)
		if err != nil {
			return err
		}

		logger.DebugContext(ctx, "Cadence sweep finished", "result", result)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return scheduler, nil
}

func (rt *runtime) Close(ctx context.Context) {
	var errs []error

	if rt.bus != nil {
		if err := rt.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event bus: %w", err))
		}
	}

	if rt.stores != nil {
		if err := rt.stores.Persistence.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("persistence: %w", err))
		}
	}

	if rt.shutdownTracer != nil {
		if err := rt.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		rt.logger.ErrorContext(ctx, "Failed to release resources", "error", err)
	}
}
