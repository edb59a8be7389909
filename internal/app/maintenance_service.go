package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/convergd/convergd/internal/config"
	"github.com/convergd/convergd/internal/store"
)

// MaintenanceService runs periodic housekeeping over the state store.
type MaintenanceService struct {
	cfg   *config.Config
	store *store.Store
}

// NewMaintenanceService creates a new MaintenanceService.
func NewMaintenanceService(cfg *config.Config, st *store.Store) *MaintenanceService {
	return &MaintenanceService{
		cfg:   cfg,
		store: st,
	}
}

// Start begins the periodic tasks.
func (s *MaintenanceService) Start(ctx context.Context) {
	go s.runLedgerCleanup(ctx)
}

// runLedgerCleanup periodically trims the event ledger to the retention window.
func (s *MaintenanceService) runLedgerCleanup(ctx context.Context) {
	retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.store.DeleteEventsOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}
