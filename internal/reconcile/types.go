// Package reconcile drives live state toward the desired graph: a pure
// decision function picks the next step per group, and a supervisor
// executes steps on a bounded worker pool with per-group exclusion.
package reconcile

import (
	"time"

	"github.com/convergd/convergd/internal/health"
	"github.com/convergd/convergd/internal/notify"
	"github.com/convergd/convergd/internal/store"
)

// Phase is a group's position in the reconcile state machine.
type Phase string

const (
	PhasePending     Phase = "Pending"
	PhaseApplying    Phase = "Applying"
	PhaseWaiting     Phase = "Waiting"
	PhaseProgressing Phase = "Progressing"
	PhaseReady       Phase = "Ready"
	PhaseFailed      Phase = "Failed"
)

// GroupState is the mutable reconciliation record for one group. It is
// owned exclusively by that group's tick execution; the supervisor
// mirrors it to the store after every transition.
type GroupState struct {
	Name                string
	Phase               Phase
	Health              health.Status
	LastAppliedRevision string
	// LastAttemptedRevision records the newest revision a pass has
	// started on, successful or not. A Failed group whose attempt
	// already covers the current revision waits out its interval; a
	// newer revision retries immediately.
	LastAttemptedRevision string
	AppliedGeneration     int64
	LastError             string
	LastReconcile         time.Time
	NextDue               time.Time
	Suspended             bool

	// Forced marks an externally requested reconcile (API, drift). It
	// lives only in memory; a restart drops pending triggers.
	Forced bool
}

// Publisher receives reconciliation events. Satisfied by
// notify.Notifier; delivery must never block.
type Publisher interface {
	Publish(event notify.Event)
}

func stateFromStatus(row store.GroupStatus) GroupState {
	gs := GroupState{
		Name:                  row.Name,
		Phase:                 Phase(row.Phase),
		Health:                health.Status(row.Health),
		LastAppliedRevision:   row.LastAppliedRevision,
		LastAttemptedRevision: row.LastAttemptedRevision,
		AppliedGeneration:     row.AppliedGeneration,
		LastError:             row.LastError,
		LastReconcile:         row.LastReconcile,
		NextDue:               row.NextDue,
		Suspended:             row.Suspended,
	}
	if gs.Phase == "" {
		gs.Phase = PhasePending
	}
	if gs.Health == "" {
		gs.Health = health.StatusUnknown
	}
	return gs
}

func (gs GroupState) toStatus() store.GroupStatus {
	return store.GroupStatus{
		Name:                  gs.Name,
		LastAppliedRevision:   gs.LastAppliedRevision,
		LastAttemptedRevision: gs.LastAttemptedRevision,
		AppliedGeneration:     gs.AppliedGeneration,
		Health:                string(gs.Health),
		Phase:                 string(gs.Phase),
		LastError:             gs.LastError,
		LastReconcile:         gs.LastReconcile,
		NextDue:               gs.NextDue,
		Suspended:             gs.Suspended,
	}
}
