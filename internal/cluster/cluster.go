// Package cluster defines the live-state backend contract and its two
// implementations: an in-process memory backend and a Kubernetes adapter.
package cluster

import (
	"context"

	"github.com/convergd/convergd/internal/manifest"
)

// Condition is one entry of an object's reported conditions set.
type Condition struct {
	Type    string `json:"type"`
	Status  string `json:"status"` // "True", "False", "Unknown"
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// LiveObject is the backend's view of one applied object.
type LiveObject struct {
	Key        manifest.Key
	Owner      string // owning group, empty when unmanaged
	Generation int64  // backend generation of the declared fields
	Spec       map[string]any
	Status     map[string]any
	Conditions []Condition
}

// ObjectStatus is the reported status of an object: the slice of the
// live view that health evaluation consumes.
type ObjectStatus struct {
	Fields     map[string]any
	Conditions []Condition
}

// ApplyResult reports the backend generation after an apply and whether
// the call changed live state.
type ApplyResult struct {
	Generation int64
	Changed    bool
}

// Client is the live-state backend. Apply is an idempotent upsert: the
// same manifest applied twice leaves the generation unchanged. Ownership
// is exclusive per object; applying against a foreign owner fails with
// ConflictError.
type Client interface {
	Apply(ctx context.Context, owner string, m manifest.Manifest) (ApplyResult, error)
	Get(ctx context.Context, key manifest.Key) (LiveObject, error)
	Status(ctx context.Context, key manifest.Key) (ObjectStatus, error)
	Delete(ctx context.Context, key manifest.Key) error
}
