package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cardops/cardflow/pkg/crm"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/persistence/memory"
	"github.com/cardops/cardflow/pkg/persistence/postgresql"
	"github.com/jonboulle/clockwork"
)

var supportedPersistenceProviders = []string{"memory", "postgres", "postgresql"}

// Stores pairs the engine persistence with the CRM collaborators backed by the same database.
type Stores struct {
	Persistence persistence.Persistence
	Cards       crm.Cards
	Tasks       crm.Tasks
}

// NewStores opens the store named by databaseURL's scheme. "memory://" keeps
// everything in process and is meant for local runs.
func NewStores(ctx context.Context, logger *slog.Logger, databaseURL string, clock clockwork.Clock) (*Stores, error) {
	provider, err := parsePersistenceProvider(databaseURL)
	if err != nil {
		return nil, err
	}

	switch provider {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		crmStore := p.CRM()

		return &Stores{Persistence: p, Cards: crmStore, Tasks: crmStore}, nil
	default:
		store := memory.New(clock)

		return &Stores{Persistence: store, Cards: store, Tasks: store}, nil
	}
}

func parsePersistenceProvider(databaseURL string) (string, error) {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "", fmt.Errorf("database URL %q has no scheme", databaseURL)
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider, nil
		}
	}

	return "", fmt.Errorf("unsupported persistence provider %q, expected one of %s",
		provider, strings.Join(supportedPersistenceProviders, ", "))
}
