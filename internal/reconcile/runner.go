package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/convergd/convergd/internal/cluster"
	"github.com/convergd/convergd/internal/drift"
	"github.com/convergd/convergd/internal/graph"
	"github.com/convergd/convergd/internal/health"
	"github.com/convergd/convergd/internal/manifest"
	"github.com/convergd/convergd/internal/notify"
	"github.com/convergd/convergd/internal/store"
)

// runner executes the blocking work of a single group: apply passes,
// health evaluation, drift checks and retirement. Every backend call is
// rate limited and carries its own deadline.
type runner struct {
	backend cluster.Client
	store   *store.Store
	health  *health.Evaluator
	limiter *rate.Limiter

	applyTimeout  time.Duration
	healthTimeout time.Duration
	driftEnabled  bool
	driftAllow    []string

	now func() time.Time
}

// runPass runs one full reconcile pass: drift precheck, the idempotent
// apply of every manifest, pruning of objects that left the desired
// set, then an immediate health evaluation.
func (r *runner) runPass(ctx context.Context, grp *graph.Group, st GroupState, g *graph.Graph) (GroupState, []notify.Event) {
	var events []notify.Event
	digest := g.Revision.Digest
	wasReady := st.Health == health.StatusReady

	st.Phase = PhaseApplying
	st.LastAttemptedRevision = digest
	st.LastError = ""

	prior, err := r.store.ListInventory(grp.Name)
	if err != nil {
		return r.fail(grp, st, fmt.Errorf("read inventory: %w", err), &events)
	}

	// Drift only means something when re-applying desired state the
	// group already converged on; a new revision is a change, not drift.
	if r.driftEnabled && st.LastAppliedRevision == digest {
		events = append(events, r.detectDrift(ctx, grp, st, prior)...)
	}

	changed := false
	applied := make([]store.InventoryItem, 0, len(grp.Manifests))
	declared := make(map[manifest.Key]bool, len(grp.Manifests))

	for _, m := range grp.Manifests {
		if err := r.limiter.Wait(ctx); err != nil {
			return r.fail(grp, st, err, &events)
		}
		applyCtx, cancel := context.WithTimeout(ctx, r.applyTimeout)
		res, err := r.backend.Apply(applyCtx, grp.Name, m)
		cancel()
		if err != nil {
			return r.fail(grp, st, fmt.Errorf("apply %s: %w", m.Key(), err), &events)
		}
		if res.Changed {
			changed = true
		}
		applied = append(applied, store.InventoryItem{Key: m.Key(), Digest: m.Digest()})
		declared[m.Key()] = true
	}

	// Prune objects the previous pass applied but this revision dropped.
	for _, item := range prior {
		if declared[item.Key] {
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return r.fail(grp, st, err, &events)
		}
		delCtx, cancel := context.WithTimeout(ctx, r.applyTimeout)
		err := r.backend.Delete(delCtx, item.Key)
		cancel()
		if err != nil && !cluster.IsNotFound(err) {
			return r.fail(grp, st, fmt.Errorf("prune %s: %w", item.Key, err), &events)
		}
		changed = true
		log.Info().Str("group", grp.Name).Str("object", item.Key.String()).Msg("Pruned object")
	}

	if err := r.store.ReplaceInventory(grp.Name, applied); err != nil {
		return r.fail(grp, st, fmt.Errorf("persist inventory: %w", err), &events)
	}

	adopted := st.LastAppliedRevision != digest
	if changed || adopted {
		st.AppliedGeneration++
	}
	st.LastAppliedRevision = digest
	st.LastReconcile = r.now()
	st.Phase = PhaseProgressing
	st.Health = health.StatusProgressing

	log.Debug().
		Str("group", grp.Name).
		Str("revision", digest).
		Int("objects", len(applied)).
		Bool("changed", changed).
		Msg("Apply pass finished")

	// A no-op re-apply of an already healthy group stays quiet; anything
	// else announces convergence when health lands on Ready.
	st, hev := r.evaluate(ctx, grp, st, changed || adopted || !wasReady)
	return st, append(events, hev...)
}

// runHealth polls health for a group that is mid-convergence.
func (r *runner) runHealth(ctx context.Context, grp *graph.Group, st GroupState) (GroupState, []notify.Event) {
	return r.evaluate(ctx, grp, st, true)
}

// evaluate reads the group's live objects and folds their health into
// the group state. Missing objects and unreadable status read as
// Progressing; a call timeout is a failure, retried next interval.
func (r *runner) evaluate(ctx context.Context, grp *graph.Group, st GroupState, emitOnReady bool) (GroupState, []notify.Event) {
	var events []notify.Event

	items, err := r.store.ListInventory(grp.Name)
	if err != nil {
		return r.fail(grp, st, fmt.Errorf("read inventory: %w", err), &events)
	}

	objects := make([]cluster.LiveObject, 0, len(items))
	for _, item := range items {
		if err := r.limiter.Wait(ctx); err != nil {
			return r.fail(grp, st, err, &events)
		}
		healthCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
		obj, err := r.backend.Get(healthCtx, item.Key)
		cancel()
		switch {
		case err == nil:
			objects = append(objects, obj)
		case cluster.IsNotFound(err):
			st.Phase = PhaseProgressing
			st.Health = health.StatusProgressing
			log.Debug().Str("group", grp.Name).Str("object", item.Key.String()).Msg("Object not yet visible")
			return st, events
		case errors.Is(err, context.DeadlineExceeded):
			return r.fail(grp, st, fmt.Errorf("health check for %s: %w", item.Key, err), &events)
		default:
			// A transient status-reporting gap is Progressing, never Failed.
			st.Phase = PhaseProgressing
			st.Health = health.StatusUnknown
			log.Warn().Err(err).Str("group", grp.Name).Str("object", item.Key.String()).Msg("Health read failed")
			return st, events
		}
	}

	res := r.health.Evaluate(ctx, objects)
	switch res.Status {
	case health.StatusReady:
		st.Phase = PhaseReady
		st.Health = health.StatusReady
		st.LastError = ""
		st.NextDue = r.now().Add(grp.Interval)
		if emitOnReady {
			events = append(events, notify.NewEvent(notify.EventReconcileSucceeded, grp.Name, st.LastAppliedRevision, ""))
		}
		log.Info().
			Str("group", grp.Name).
			Str("revision", st.LastAppliedRevision).
			Int64("generation", st.AppliedGeneration).
			Msg("Group converged")
	case health.StatusFailed:
		// Terminal object failure is the operator's verdict; propagate it.
		return r.fail(grp, st, errors.New(res.Reason), &events)
	default:
		st.Phase = PhaseProgressing
		st.Health = res.Status
		log.Debug().Str("group", grp.Name).Str("reason", res.Reason).Msg("Group still progressing")
	}
	return st, events
}

// detectDrift diffs each previously applied object against its desired
// manifest. A fresh divergence episode is recorded once in the ledger;
// the apply that follows corrects it and rolls the episode key.
func (r *runner) detectDrift(ctx context.Context, grp *graph.Group, st GroupState, items []store.InventoryItem) []notify.Event {
	desired := make(map[manifest.Key]manifest.Manifest, len(grp.Manifests))
	for _, m := range grp.Manifests {
		desired[m.Key()] = m
	}

	var events []notify.Event
	for _, item := range items {
		m, ok := desired[item.Key]
		if !ok {
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return events
		}
		getCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
		live, err := r.backend.Get(getCtx, item.Key)
		cancel()

		var detail string
		switch {
		case err == nil:
			fields := drift.Diff(m.Object, live.Spec, r.driftAllow)
			if len(fields) == 0 {
				continue
			}
			detail = fmt.Sprintf("%s: diverged fields %v", item.Key, fields)
		case cluster.IsNotFound(err):
			detail = fmt.Sprintf("%s: deleted out of band", item.Key)
		default:
			// Drift detection is best effort; the apply pass follows anyway.
			log.Warn().Err(err).Str("group", grp.Name).Str("object", item.Key.String()).Msg("Drift read failed")
			continue
		}

		episode := drift.EpisodeKey(grp.Name, item.Key, st.AppliedGeneration)
		inserted, err := r.store.AppendEvent(string(notify.EventDriftCorrected), grp.Name, st.LastAppliedRevision, detail, episode)
		if err != nil {
			log.Error().Err(err).Str("group", grp.Name).Msg("Failed to record drift episode")
			continue
		}
		if !inserted {
			// Same episode already reported; correction is still pending.
			continue
		}
		log.Warn().Str("group", grp.Name).Str("detail", detail).Msg("Drift detected, correcting")
		events = append(events, notify.NewEvent(notify.EventDriftCorrected, grp.Name, st.LastAppliedRevision, detail))
	}
	return events
}

// retire deletes a removed group's objects and bookkeeping. Called when
// a group leaves the desired state entirely.
func (r *runner) retire(ctx context.Context, name string) error {
	items, err := r.store.ListInventory(name)
	if err != nil {
		return fmt.Errorf("read inventory: %w", err)
	}
	for _, item := range items {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		delCtx, cancel := context.WithTimeout(ctx, r.applyTimeout)
		err := r.backend.Delete(delCtx, item.Key)
		cancel()
		if err != nil && !cluster.IsNotFound(err) {
			return fmt.Errorf("delete %s: %w", item.Key, err)
		}
	}
	if err := r.store.DeleteInventory(name); err != nil {
		return err
	}
	if err := r.store.DeleteGroupStatus(name); err != nil {
		return err
	}
	log.Info().Str("group", name).Int("objects", len(items)).Msg("Removed group garbage collected")
	return nil
}

// fail parks the group in Failed with a fixed-interval retry and emits
// exactly one failure event. Failures never escape the group.
func (r *runner) fail(grp *graph.Group, st GroupState, err error, events *[]notify.Event) (GroupState, []notify.Event) {
	now := r.now()
	st.Phase = PhaseFailed
	st.Health = health.StatusFailed
	st.LastError = err.Error()
	st.LastReconcile = now
	st.NextDue = now.Add(grp.Interval)

	*events = append(*events, notify.NewEvent(notify.EventReconcileFailed, grp.Name, st.LastAppliedRevision, st.LastError))

	log.Error().
		Err(err).
		Str("group", grp.Name).
		Time("retry_at", st.NextDue).
		Msg("Reconcile failed")
	return st, *events
}
