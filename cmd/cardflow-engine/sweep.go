package main

import (
	"context"

	cli "github.com/urfave/cli/v3"
)

func NewSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Run the workflow and cadence sweeps once and exit",
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command, "", "")
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			scheduler, err := newScheduler(rt.cfg, rt.engines, rt.logger)
			if err != nil {
				return err
			}

			rt.logger.InfoContext(ctx, "Running sweeps once")

			return scheduler.RunOnce(ctx)
		},
	}
}
