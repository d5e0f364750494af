package cmd

import (
	"log/slog"

	"github.com/cardops/cardflow/pkg/audit"
	"github.com/cardops/cardflow/pkg/cadence"
	"github.com/cardops/cardflow/pkg/config"
	"github.com/cardops/cardflow/pkg/crm"
	"github.com/cardops/cardflow/pkg/eventbus"
	"github.com/cardops/cardflow/pkg/ingest"
	"github.com/cardops/cardflow/pkg/workflow"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
)

// Engines is the wired engine graph shared by the binaries.
type Engines struct {
	Recorder  *audit.Recorder
	Workflows *workflow.Service
	Cadences  *cadence.Engine
	Router    *ingest.Router
}

// NewEngines validates cfg and wires both engines over stores. A nil bus
// disables audit fan-out and notify actions.
func NewEngines(cfg config.Config, stores *Stores, bus eventbus.EventBus, clock clockwork.Clock, tracer trace.Tracer, logger *slog.Logger) (*Engines, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	calc, err := cfg.Calculator()
	if err != nil {
		return nil, err
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	collaborators := crm.Collaborators{Cards: stores.Cards, Tasks: stores.Tasks}

	if bus != nil {
		collaborators.Notifier = crm.NewEventBusNotifier(bus, clock)
	}

	recorder := audit.NewRecorder(stores.Persistence.Audit(), bus, clock, logger)

	workflows := workflow.NewService(cfg, workflow.Dependencies{
		Store:         stores.Persistence,
		Collaborators: collaborators,
		Recorder:      recorder,
		Calculator:    calc,
		Clock:         clock,
		Tracer:        tracer,
		Logger:        logger,
	})

	cadences := cadence.NewEngine(cfg, cadence.Dependencies{
		Store:      stores.Persistence,
		Cards:      stores.Cards,
		Tasks:      stores.Tasks,
		Recorder:   recorder,
		Calculator: calc,
		Clock:      clock,
		Tracer:     tracer,
		Logger:     logger,
	})

	return &Engines{
		Recorder:  recorder,
		Workflows: workflows,
		Cadences:  cadences,
		Router:    ingest.NewRouter(workflows, cadences.EntryProcessor(), cadences, clock, logger),
	}, nil
}
