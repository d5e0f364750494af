package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/cardops/cardflow/pkg/eventbus"
	"github.com/cardops/cardflow/pkg/receivers"
	"github.com/cardops/cardflow/pkg/schedule"
)

// Subscriber registers the event consumer on the bus.
type Subscriber interface {
	Subscribe(bus eventbus.EventSubscriber) error
}

// Manager owns the long running parts of the engine process.
type Manager struct {
	router    Subscriber
	bus       eventbus.EventBus
	scheduler *schedule.Scheduler
	receivers []receivers.Receiver
	logger    *slog.Logger
}

func NewManager(router Subscriber, bus eventbus.EventBus, scheduler *schedule.Scheduler, active []receivers.Receiver, logger *slog.Logger) *Manager {
	return &Manager{
		router:    router,
		bus:       bus,
		scheduler: scheduler,
		receivers: active,
		logger:    logger,
	}
}

// Run starts everything and blocks until ctx is done or SIGINT/SIGTERM arrives.
func (m *Manager) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		m.Stop(context.WithoutCancel(ctx))

		return err
	}

	<-ctx.Done()
	m.logger.InfoContext(ctx, "Shutting down gracefully...")

	m.Stop(context.WithoutCancel(ctx))

	return nil
}

func (m *Manager) Start(ctx context.Context) error {
	if m.bus != nil {
		if err := m.router.Subscribe(m.bus); err != nil {
			return fmt.Errorf("failed to register card event handler: %w", err)
		}

		if err := m.bus.Subscribe(ctx); err != nil {
			return err
		}
	}

	for _, receiver := range m.receivers {
		if err := receiver.Start(ctx); err != nil {
			return fmt.Errorf("failed to start receiver: %w", err)
		}
	}

	m.scheduler.Start(ctx)

	m.logger.InfoContext(ctx, "Engine started", "receivers", len(m.receivers))

	return nil
}

// Stop halts intake before the scheduler.
func (m *Manager) Stop(ctx context.Context) {
	var errs []error

	for _, receiver := range m.receivers {
		if err := receiver.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.scheduler.Stop(ctx)

	if err := errors.Join(errs...); err != nil {
		m.logger.ErrorContext(ctx, "Failed to stop receivers", "error", err)
	}

	m.logger.InfoContext(ctx, "Engine stopped")
}
