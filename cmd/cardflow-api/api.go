// Package main provides the cardflow HTTP API: engine invocation points,
// definition management and the audit log.
package main

import (
	"log/slog"
	"strconv"

	"github.com/cardops/cardflow/pkg/cmd"
	"github.com/cardops/cardflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger   *slog.Logger
	stores   *cmd.Stores
	engines  *cmd.Engines
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, stores *cmd.Stores, engines *cmd.Engines) *API {
	return &API{
		logger:   logger,
		stores:   stores,
		engines:  engines,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		a.engines.Workflows,
		a.engines.Cadences,
		a.stores.Persistence,
		a.engines.Router,
		a.validate,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Cardflow API")
	})

	web.RegisterRoutes(app, handlers)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	a.logger.Info("Starting API server", "port", port)

	return app.Listen(":" + strconv.Itoa(port))
}
