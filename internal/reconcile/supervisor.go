package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/convergd/convergd/internal/cluster"
	"github.com/convergd/convergd/internal/graph"
	"github.com/convergd/convergd/internal/health"
	"github.com/convergd/convergd/internal/metrics"
	"github.com/convergd/convergd/internal/notify"
	"github.com/convergd/convergd/internal/source"
	"github.com/convergd/convergd/internal/store"
)

// Config tunes the supervisor. Zero values get sane defaults.
type Config struct {
	TickInterval  time.Duration
	Concurrency   int64
	RateLimitRPS  float64
	ApplyTimeout  time.Duration
	HealthTimeout time.Duration
	DriftEnabled  bool
	DriftAllow    []string
}

// Supervisor runs the control loop: one logical pass per tick, with
// per-group work dispatched to a bounded worker pool. Graph swaps
// happen between ticks, never mid-pass; a graph-level error halts all
// scheduling until a valid graph arrives.
type Supervisor struct {
	store    *store.Store
	notifier Publisher
	runner   *runner

	tickInterval time.Duration
	sem          *semaphore.Weighted

	mu         sync.Mutex
	graph      *graph.Graph
	graphErr   error
	pending    *graph.Graph
	pendingErr error
	pendingSet bool
	states     map[string]*GroupState
	busy       map[string]bool
	retiring   map[string]bool

	trigger chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates a supervisor and restores persisted group schedules.
func New(st *store.Store, backend cluster.Client, evaluator *health.Evaluator, notifier Publisher, cfg Config) (*Supervisor, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 10.0
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 30 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 15 * time.Second
	}

	now := time.Now
	s := &Supervisor{
		store:    st,
		notifier: notifier,
		runner: &runner{
			backend:       backend,
			store:         st,
			health:        evaluator,
			limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), int(cfg.RateLimitRPS)),
			applyTimeout:  cfg.ApplyTimeout,
			healthTimeout: cfg.HealthTimeout,
			driftEnabled:  cfg.DriftEnabled,
			driftAllow:    cfg.DriftAllow,
			now:           now,
		},
		tickInterval: cfg.TickInterval,
		sem:          semaphore.NewWeighted(cfg.Concurrency),
		states:       make(map[string]*GroupState),
		busy:         make(map[string]bool),
		retiring:     make(map[string]bool),
		trigger:      make(chan struct{}, 1),
		now:          now,
	}

	rows, err := st.ListGroupStatuses()
	if err != nil {
		return nil, fmt.Errorf("restore group statuses: %w", err)
	}
	for _, row := range rows {
		gs := stateFromStatus(row)
		if gs.Phase == PhaseApplying {
			// The process died mid-apply; start the pass over.
			gs.Phase = PhasePending
		}
		s.states[gs.Name] = &gs
	}

	// Inventory without a status row means the process died between
	// writing inventory and persisting state. Track those groups too, so
	// their objects are pruned or retired instead of leaking.
	invGroups, err := st.ListInventoryGroups()
	if err != nil {
		return nil, fmt.Errorf("restore inventory groups: %w", err)
	}
	for _, name := range invGroups {
		if _, ok := s.states[name]; !ok {
			s.states[name] = &GroupState{Name: name, Phase: PhasePending, Health: health.StatusUnknown}
		}
	}

	if len(s.states) > 0 {
		log.Info().Int("groups", len(s.states)).Msg("Restored group schedules")
	}
	return s, nil
}

// SetGraph stages a validated graph for adoption at the next tick
// boundary.
func (s *Supervisor) SetGraph(g *graph.Graph) {
	s.mu.Lock()
	s.pending = g
	s.pendingErr = nil
	s.pendingSet = true
	s.mu.Unlock()
	s.Trigger()
}

// SetGraphError records a load-fatal graph error. All scheduling halts
// until a later revision yields a valid graph.
func (s *Supervisor) SetGraphError(err error) {
	s.mu.Lock()
	s.pending = nil
	s.pendingErr = err
	s.pendingSet = true
	s.mu.Unlock()
	s.Trigger()
}

// Trigger requests an immediate tick.
func (s *Supervisor) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// ForceReconcile marks a group due now regardless of its interval.
func (s *Supervisor) ForceReconcile(name string) error {
	s.mu.Lock()
	st, ok := s.states[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown group %q", name)
	}
	st.Forced = true
	s.mu.Unlock()
	s.Trigger()
	log.Info().Str("group", name).Msg("Reconcile forced")
	return nil
}

// Suspend halts new ticks for a group immediately. In-flight work is
// allowed to finish and still updates state. Idempotent.
func (s *Supervisor) Suspend(name string) error {
	s.mu.Lock()
	st, ok := s.states[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown group %q", name)
	}
	st.Suspended = true
	snapshot := *st
	s.mu.Unlock()

	s.persist(snapshot)
	log.Info().Str("group", name).Msg("Group suspended")
	return nil
}

// Resume re-admits a suspended group with its next run due now.
func (s *Supervisor) Resume(name string) error {
	s.mu.Lock()
	st, ok := s.states[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown group %q", name)
	}
	st.Suspended = false
	st.NextDue = s.now()
	snapshot := *st
	s.mu.Unlock()

	s.persist(snapshot)
	s.Trigger()
	log.Info().Str("group", name).Msg("Group resumed")
	return nil
}

// Statuses returns a copy of every group's state, sorted by name.
func (s *Supervisor) Statuses() []GroupState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]GroupState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status returns one group's state.
func (s *Supervisor) Status(name string) (GroupState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[name]
	if !ok {
		return GroupState{}, false
	}
	return *st, true
}

// Graph returns the currently adopted graph, if any. Graphs are
// immutable once installed.
func (s *Supervisor) Graph() *graph.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// Revision returns the adopted revision.
func (s *Supervisor) Revision() (source.Revision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph == nil {
		return source.Revision{}, false
	}
	return s.graph.Revision, true
}

// GraphError returns the load error currently halting scheduling.
func (s *Supervisor) GraphError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graphErr
}

// Run drives ticks until the context is cancelled, then drains
// in-flight workers.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Info().Dur("tick_interval", s.tickInterval).Msg("Reconcile supervisor started")

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconcile supervisor stopping")
			s.wg.Wait()
			return nil
		case <-s.trigger:
			s.tick(ctx)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one scheduling pass. Decisions for every group are judged
// against a snapshot taken before any worker of this tick finishes, so
// Ready groups unlock their dependents on the next tick, never within
// the same one.
func (s *Supervisor) tick(ctx context.Context) {
	s.mu.Lock()
	events := s.adoptPending()

	if s.graphErr != nil || s.graph == nil {
		s.mu.Unlock()
		s.publish(events)
		return
	}

	g := s.graph
	now := s.now()
	snap := make(map[string]GroupState, len(s.states))
	for name, st := range s.states {
		snap[name] = *st
	}

	var waiting []GroupState
	for _, name := range g.Order {
		if s.busy[name] || s.retiring[name] {
			continue
		}
		grp := g.Groups[name]
		st := s.states[name]

		switch Decide(*st, grp, g, snap, now) {
		case StepApply:
			st.Phase = PhaseApplying
			st.Forced = false
			s.launch(ctx, grp, g, *st, false)
		case StepCheckHealth:
			s.launch(ctx, grp, g, *st, true)
		case StepWait:
			if st.Phase != PhaseWaiting {
				st.Phase = PhaseWaiting
				waiting = append(waiting, *st)
				log.Debug().Str("group", name).Msg("Waiting on dependencies")
			}
		}
	}

	for name := range s.retiring {
		if !s.busy[name] {
			s.launchRetire(ctx, name)
		}
	}
	s.mu.Unlock()

	for _, st := range waiting {
		s.persist(st)
	}
	s.publish(events)
}

// adoptPending swaps in a staged graph or graph error. Caller holds mu.
func (s *Supervisor) adoptPending() []notify.Event {
	if !s.pendingSet {
		return nil
	}
	s.pendingSet = false

	if s.pendingErr != nil {
		s.graphErr = s.pendingErr
		s.pendingErr = nil
		log.Error().Err(s.graphErr).Msg("Desired state rejected, scheduling halted")
		return nil
	}

	g := s.pending
	s.pending = nil
	prev := s.graph
	s.graph = g
	s.graphErr = nil

	var events []notify.Event
	if prev == nil || prev.Revision.Digest != g.Revision.Digest {
		events = append(events, notify.NewEvent(notify.EventRevisionAdopted, "", g.Revision.Digest, ""))
		log.Info().
			Str("revision", g.Revision.Digest).
			Int("groups", len(g.Order)).
			Msg("Adopted desired revision")
	}

	for name := range g.Groups {
		delete(s.retiring, name)
		if st, ok := s.states[name]; ok {
			if st.Phase == PhaseApplying && !s.busy[name] {
				st.Phase = PhasePending
			}
			continue
		}
		s.states[name] = &GroupState{Name: name, Phase: PhasePending, Health: health.StatusUnknown}
	}
	for name := range s.states {
		if _, ok := g.Groups[name]; !ok {
			s.retiring[name] = true
		}
	}
	return events
}

// launch dispatches one group's work to the pool. The busy token is
// set by the caller's tick under mu; it guarantees no two concurrent
// executions for the same group.
func (s *Supervisor) launch(ctx context.Context, grp *graph.Group, g *graph.Graph, st GroupState, healthOnly bool) {
	name := grp.Name
	s.busy[name] = true
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.mu.Lock()
			s.busy[name] = false
			if cur, ok := s.states[name]; ok && cur.Phase == PhaseApplying {
				cur.Phase = PhasePending
			}
			s.mu.Unlock()
			return
		}
		defer s.sem.Release(1)

		metrics.ActiveWorkers.Inc()
		defer metrics.ActiveWorkers.Dec()

		// The work itself carries per-call deadlines; shutdown waits for
		// in-flight passes instead of abandoning them half-applied.
		start := time.Now()
		var (
			final  GroupState
			events []notify.Event
		)
		if healthOnly {
			final, events = s.runner.runHealth(context.Background(), grp, st)
		} else {
			final, events = s.runner.runPass(context.Background(), grp, st, g)
		}
		s.finish(name, final, events, start, healthOnly)
	}()
}

// finish installs a worker's result. Suspension or forcing that landed
// while the worker ran survives the merge.
func (s *Supervisor) finish(name string, final GroupState, events []notify.Event, start time.Time, healthOnly bool) {
	s.mu.Lock()
	if cur, ok := s.states[name]; ok {
		final.Suspended = cur.Suspended
		final.Forced = cur.Forced
		*cur = final
	}
	s.busy[name] = false
	s.mu.Unlock()

	s.persist(final)

	if !healthOnly {
		result := "success"
		if final.Phase == PhaseFailed {
			result = "failure"
		}
		metrics.ReconcileTotal.WithLabelValues(name, result).Inc()
		metrics.ReconcileDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	metrics.SetGroupHealth(name, string(final.Health))

	s.publish(events)
	s.Trigger()
}

// launchRetire garbage collects a group that left the desired state.
// Caller holds mu.
func (s *Supervisor) launchRetire(ctx context.Context, name string) {
	s.busy[name] = true
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.mu.Lock()
			s.busy[name] = false
			s.mu.Unlock()
			return
		}
		defer s.sem.Release(1)

		err := s.runner.retire(context.Background(), name)

		s.mu.Lock()
		s.busy[name] = false
		if err == nil {
			delete(s.states, name)
			delete(s.retiring, name)
		}
		s.mu.Unlock()

		if err != nil {
			// Kept in the retiring set; the next tick tries again.
			log.Error().Err(err).Str("group", name).Msg("Failed to garbage collect removed group")
			return
		}
		metrics.ForgetGroup(name)
	}()
}

func (s *Supervisor) persist(st GroupState) {
	if err := s.store.UpsertGroupStatus(st.toStatus()); err != nil {
		log.Error().Err(err).Str("group", st.Name).Msg("Failed to persist group status")
	}
}

func (s *Supervisor) publish(events []notify.Event) {
	for _, e := range events {
		if e.Type == notify.EventDriftCorrected {
			metrics.DriftTotal.WithLabelValues(e.Group).Inc()
		}
		s.notifier.Publish(e)
	}
}
