package reconcile

import (
	"time"

	"github.com/convergd/convergd/internal/graph"
	"github.com/convergd/convergd/internal/health"
)

// Step represents what the supervisor should do for a group this tick.
type Step int

const (
	StepNone Step = iota
	StepWait
	StepApply
	StepCheckHealth
)

// String returns a human-readable name for the step.
func (s Step) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepWait:
		return "wait"
	case StepApply:
		return "apply"
	case StepCheckHealth:
		return "check_health"
	default:
		return "unknown"
	}
}

// Decide determines the next step for one group. All triggers funnel
// through a single due predicate: interval elapse, forced reconcile,
// and a newly adopted revision all surface as "due now". Decisions are
// judged against the pre-tick snapshot, so a dependency turning Ready
// mid-tick unlocks dependents only on the following tick.
func Decide(st GroupState, grp *graph.Group, g *graph.Graph, snap map[string]GroupState, now time.Time) Step {
	if st.Suspended {
		return StepNone
	}

	switch st.Phase {
	case PhaseApplying:
		// A worker already owns this group.
		return StepNone
	case PhaseProgressing:
		// Health is still settling; poll it every tick.
		return StepCheckHealth
	}

	if !due(st, now) && !stale(st, g) {
		return StepNone
	}

	if !DepsSatisfied(grp, g, snap) {
		// Waiting is not a failure; retry next tick without penalty.
		return StepWait
	}
	return StepApply
}

// due reports whether the group's own schedule has come around.
func due(st GroupState, now time.Time) bool {
	if st.Forced {
		return true
	}
	switch st.Phase {
	case PhasePending, PhaseWaiting:
		return true
	case PhaseReady, PhaseFailed:
		return !st.NextDue.After(now)
	default:
		return false
	}
}

// stale reports whether the adopted revision moved past what the group
// last worked on. A new revision re-queues every group regardless of
// its interval. Failed groups compare against the attempted revision,
// so a retry of the same broken revision stays on the interval clock.
func stale(st GroupState, g *graph.Graph) bool {
	switch st.Phase {
	case PhaseReady:
		return st.LastAppliedRevision != g.Revision.Digest
	case PhaseFailed:
		return st.LastAttemptedRevision != g.Revision.Digest
	default:
		return false
	}
}

// DepsSatisfied reports whether every dependency has converged at the
// current revision. A dependency declaring waitForHealth gates on Ready
// health; one that opted out gates only on a successful apply of the
// current revision.
func DepsSatisfied(grp *graph.Group, g *graph.Graph, snap map[string]GroupState) bool {
	for _, dep := range grp.DependsOn {
		decl, ok := g.Groups[dep]
		if !ok {
			// The builder rejects dangling references; an absent entry
			// here means the snapshot predates the graph swap.
			return false
		}
		ds, ok := snap[dep]
		if !ok {
			return false
		}
		if ds.LastAppliedRevision != g.Revision.Digest {
			return false
		}
		if decl.WaitForHealth && ds.Health != health.StatusReady {
			return false
		}
	}
	return true
}
