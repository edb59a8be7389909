package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/convergd/convergd/internal/api"
	"github.com/convergd/convergd/internal/cluster"
	"github.com/convergd/convergd/internal/config"
	"github.com/convergd/convergd/internal/graph"
	"github.com/convergd/convergd/internal/health"
	"github.com/convergd/convergd/internal/notify"
	"github.com/convergd/convergd/internal/reconcile"
	"github.com/convergd/convergd/internal/source"
	"github.com/convergd/convergd/internal/store"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	Store    *store.Store
	Backend  cluster.Client
	Notifier *notify.Notifier

	// Desired state pipeline
	Tracker *source.Tracker
	Builder *graph.Builder

	// Reconciliation
	Evaluator  *health.Evaluator
	Supervisor *reconcile.Supervisor

	// High-level services
	Source      *SourceService
	API         *APIService
	Maintenance *MaintenanceService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.Store = st

	// Initialize cluster backend. Driver values are pre-validated by config.
	switch cfg.Cluster.Driver {
	case "memory":
		log.Warn().Msg("Using in-memory cluster backend, applied objects are not persisted")
		s.Backend = cluster.NewMemory()
	default:
		backend, err := cluster.NewKube(cfg.Cluster.Kubeconfig, cfg.Cluster.Namespace)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Backend = backend
	}

	// Initialize health evaluator, with user Lua checks layered over builtins
	s.Evaluator = health.NewEvaluator(cfg.Health.Strict)
	if cfg.Health.ChecksDir != "" {
		n, err := s.Evaluator.LoadDir(cfg.Health.ChecksDir)
		if err != nil {
			s.Close()
			return nil, err
		}
		log.Info().Int("checks", n).Str("dir", cfg.Health.ChecksDir).Msg("Loaded health check scripts")
	}

	// Initialize notifier with configured sinks
	sinks := []notify.Sink{&notify.LogSink{}}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookToken, cfg.Notify.Timeout.Duration()))
	}
	s.Notifier = notify.NewWithConfig(cfg.Notify.GetWorkers(), cfg.Notify.GetQueueSize(), cfg.Notify.Timeout.Duration(), sinks...)

	// Initialize reconciliation supervisor
	s.Supervisor, err = reconcile.New(st, s.Backend, s.Evaluator, s.Notifier, reconcile.Config{
		TickInterval:  cfg.Reconciler.TickInterval.Duration(),
		Concurrency:   int64(cfg.Reconciler.Concurrency),
		RateLimitRPS:  cfg.Reconciler.RateLimitRPS,
		ApplyTimeout:  cfg.Cluster.ApplyTimeout.Duration(),
		HealthTimeout: cfg.Cluster.HealthTimeout.Duration(),
		DriftEnabled:  cfg.Drift.GetEnabled(),
		DriftAllow:    cfg.Drift.AllowPrefixes,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	// Initialize source driver and tracker
	var driver source.Driver
	switch cfg.Source.Driver {
	case "http":
		driver, err = source.NewHTTP(cfg.Source.URL, cfg.Source.HTTPTimeout.Duration())
		if err != nil {
			s.Close()
			return nil, err
		}
	default:
		driver = source.NewFS(cfg.Source.Path)
	}
	s.Tracker = source.NewTracker(driver, source.TrackerConfig{
		PollInterval: cfg.Source.PollInterval.Duration(),
		MinBackoff:   cfg.Source.MinRetryBackoff.Duration(),
		MaxBackoff:   cfg.Source.MaxRetryBackoff.Duration(),
		Multiplier:   cfg.Source.RetryMultiplier,
	})

	// Initialize graph builder
	s.Builder = graph.NewBuilder(cfg.Reconciler.DefaultInterval.Duration())

	// Initialize high-level services
	s.Source = NewSourceService(s.Tracker, s.Builder, s.Supervisor)
	s.Maintenance = NewMaintenanceService(cfg, st)
	if cfg.API.Enabled {
		s.API = NewAPIService(cfg, api.NewServer(cfg.API.Host, cfg.API.Port, s.Supervisor, st, s.Tracker))
	}

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., the API listener dying).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Start the supervisor loop before the source pipeline so the first
	// adopted revision finds a running scheduler.
	s.startSupervisor(ctx)

	s.Source.Start(ctx)
	s.Maintenance.Start(ctx)
	if s.API != nil {
		s.API.Start(ctx, onFatalError)
	}

	return nil
}

func (s *Services) startSupervisor(ctx context.Context) {
	go func() {
		if err := s.Supervisor.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Supervisor loop exited with error")
		}
	}()
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Notifier.Close(ctx)
		cancel()
	}
	if s.Store != nil {
		s.Store.Close()
	}
}
