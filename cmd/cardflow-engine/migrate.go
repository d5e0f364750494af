package main

import (
	"context"
	"errors"
	"strings"

	"github.com/cardops/cardflow/pkg/log"
	"github.com/cardops/cardflow/pkg/persistence/postgresql"
	cli "github.com/urfave/cli/v3"
)

var errMigrateNeedsPostgres = errors.New("migrate requires a postgres database URL")

func NewMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Bring the PostgreSQL schema up to date and exit",
		Action: func(ctx context.Context, command *cli.Command) error {
			log.SetupWithFormat(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule(serviceName).With("action", "migrate")

			databaseURL := command.String("database-url")
			if !isPostgresURL(databaseURL) {
				return errMigrateNeedsPostgres
			}

			p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Schema is up to date")

			return p.Close(ctx)
		},
	}
}

func isPostgresURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://")
}
