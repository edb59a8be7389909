package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/convergd/convergd/internal/graph"
	"github.com/convergd/convergd/internal/reconcile"
	"github.com/convergd/convergd/internal/source"
)

// SourceService connects the source tracker to the reconciliation
// supervisor: each new revision is compiled into a sync group graph and
// staged for scheduling.
type SourceService struct {
	tracker    *source.Tracker
	builder    *graph.Builder
	supervisor *reconcile.Supervisor
}

// NewSourceService creates a new SourceService.
func NewSourceService(tracker *source.Tracker, builder *graph.Builder, supervisor *reconcile.Supervisor) *SourceService {
	return &SourceService{
		tracker:    tracker,
		builder:    builder,
		supervisor: supervisor,
	}
}

// Start begins polling the source and feeding graphs to the supervisor.
func (s *SourceService) Start(ctx context.Context) {
	go func() {
		if err := s.tracker.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Source tracker error")
		}
	}()

	go s.pump(ctx)
}

// pump compiles each update into a graph. A revision that fails to
// compile halts scheduling until a corrected one arrives.
func (s *SourceService) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.tracker.Updates():
			g, err := s.builder.Build(u.Revision, u.Tree)
			if err != nil {
				log.Error().
					Err(err).
					Str("revision", u.Revision.Digest).
					Msg("Desired state failed to compile")
				s.supervisor.SetGraphError(err)
				continue
			}
			log.Info().
				Str("revision", u.Revision.Digest).
				Int("groups", len(g.Order)).
				Msg("Compiled desired state")
			s.supervisor.SetGraph(g)
		}
	}
}
