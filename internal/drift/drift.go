// Package drift compares live object specs against the last applied
// desired state. A divergence outside the operator-managed allow-list
// forces the owning group back through an apply pass. Each divergence
// episode is keyed so correction is reported once, not once per tick.
package drift

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/convergd/convergd/internal/manifest"
)

// EpisodeKey identifies one divergence episode. The applied generation
// is part of the key, so the episode rolls over only after a corrective
// apply actually changed the object.
func EpisodeKey(group string, key manifest.Key, generation int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", group, key, generation))
	return hex.EncodeToString(sum[:])
}

// Diff returns the desired field paths whose live values diverge,
// excluding allow-listed prefixes. The walk is one-directional: fields
// that exist only on the live object are operator additions and never
// count as drift.
func Diff(desired, live map[string]any, allow []string) []string {
	var diverged []string
	walk("", desired, live, allow, &diverged)
	sort.Strings(diverged)
	return diverged
}

func walk(prefix string, desired, live map[string]any, allow []string, out *[]string) {
	for field, want := range desired {
		path := field
		if prefix != "" {
			path = prefix + "." + field
		}
		if allowed(path, allow) {
			continue
		}

		got, present := live[field]
		if !present {
			*out = append(*out, path)
			continue
		}

		wantMap, wantIsMap := want.(map[string]any)
		gotMap, gotIsMap := got.(map[string]any)
		if wantIsMap && gotIsMap {
			walk(path, wantMap, gotMap, allow, out)
			continue
		}

		if !equalValue(want, got) {
			*out = append(*out, path)
		}
	}
}

// allowed reports whether path sits under any allow-list prefix. The
// match is on field boundaries: "spec.replicas" covers
// "spec.replicas.min" but not "spec.replicasets".
func allowed(path string, allow []string) bool {
	for _, prefix := range allow {
		if path == prefix || strings.HasPrefix(path, prefix+".") {
			return true
		}
	}
	return false
}

// equalValue compares leaf values with numeric folding: the desired
// tree comes from YAML (ints) while live state round-trips through
// JSON (floats), and 3 must equal 3.0.
func equalValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !equalValue(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		if an, ok := asFloat(a); ok {
			bn, bok := asFloat(b)
			return bok && an == bn
		}
		return a == b
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
