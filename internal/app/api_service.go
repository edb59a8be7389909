package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/convergd/convergd/internal/api"
	"github.com/convergd/convergd/internal/config"
)

// APIService wraps the status and control HTTP server.
type APIService struct {
	cfg    *config.Config
	server *api.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(cfg *config.Config, server *api.Server) *APIService {
	return &APIService{
		cfg:    cfg,
		server: server,
	}
}

// Start begins the API server. A listener that dies for any reason other
// than a clean shutdown is fatal to the process.
func (s *APIService) Start(ctx context.Context, onFatalError func(error)) {
	go func() {
		if err := s.server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server error")
			onFatalError(err)
		}
	}()
}
