package notify

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventReconcileSucceeded EventType = "ReconcileSucceeded"
	EventReconcileFailed    EventType = "ReconcileFailed"
	EventDriftCorrected     EventType = "DriftCorrected"
	EventRevisionAdopted    EventType = "RevisionAdopted"
)

// Event is one notification record. Delivery is at most once; sinks
// must not rely on receiving every event.
type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	Group    string    `json:"group,omitempty"`
	Revision string    `json:"revision,omitempty"`
	Time     time.Time `json:"time"`
	Detail   string    `json:"detail,omitempty"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(eventType EventType, group, revision, detail string) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Group:    group,
		Revision: revision,
		Time:     time.Now().UTC(),
		Detail:   detail,
	}
}
