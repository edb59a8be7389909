// Package app wires the daemon together: it builds the service graph
// from configuration, runs it, and tears it down in order on shutdown.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/convergd/convergd/internal/config"
)

// App owns the assembled services and the run context. A fatal error in
// any service cancels the run context, which unwinds the whole daemon.
type App struct {
	cfg      *config.Config
	services *Services

	runCtx context.Context
	cancel context.CancelFunc
}

// New assembles all services from the configuration without starting
// anything. Construction failures (bad kubeconfig, unreadable database,
// broken Lua scripts) surface here, before the daemon touches the loop.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Start launches every service under a child of the given context.
func (a *App) Start(ctx context.Context) error {
	a.runCtx, a.cancel = context.WithCancel(ctx)

	fatal := func(err error) {
		log.Error().Err(err).Msg("Fatal service error, shutting down")
		a.cancel()
	}
	if err := a.services.Start(a.runCtx, fatal); err != nil {
		a.cancel()
		return err
	}

	log.Info().Msg("convergd started")
	return nil
}

// Wait blocks until the run context ends, by signal, Stop, or a fatal
// service error.
func (a *App) Wait() {
	if a.runCtx != nil {
		<-a.runCtx.Done()
	}
}

// Stop cancels the run context and releases service resources. Safe to
// call after a fatal error already triggered cancellation.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down")
	if a.cancel != nil {
		a.cancel()
	}
	if a.services == nil {
		return nil
	}
	return a.services.Stop()
}

// SignalContext returns a context cancelled by SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
