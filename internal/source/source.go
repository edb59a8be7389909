// Package source tracks a versioned desired-state artifact and publishes
// new revisions of its manifest tree.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"time"
)

// ErrNotFound reports a missing artifact location.
var ErrNotFound = errors.New("source: artifact not found")

// ErrUnauthorized reports rejected credentials at the artifact location.
var ErrUnauthorized = errors.New("source: unauthorized")

// Revision is one immutable version of the desired-state tree.
type Revision struct {
	Digest    string    `json:"digest"`
	Timestamp time.Time `json:"timestamp"`
}

// Tree maps slash-separated relative paths to file contents.
type Tree map[string][]byte

// Paths returns the tree's file paths in sorted order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Digest computes a content digest over the sorted paths and file bytes.
// Equal digests mean an identical tree.
func (t Tree) Digest() string {
	h := sha256.New()
	for _, p := range t.Paths() {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write(t[p])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Driver fetches the newest available revision from one artifact location.
type Driver interface {
	Latest(ctx context.Context) (Revision, Tree, error)
}

// Update carries a freshly fetched revision and its manifest tree.
type Update struct {
	Revision Revision
	Tree     Tree
}
