// Package health judges whether applied objects have converged, using
// per-kind checks: builtins for the workload kinds and Lua scripts for
// extension kinds.
package health

import (
	"context"
	"fmt"
	"sync"

	"github.com/convergd/convergd/internal/cluster"
)

// Status is the health of an object or group.
type Status string

const (
	StatusUnknown     Status = "Unknown"
	StatusProgressing Status = "Progressing"
	StatusReady       Status = "Ready"
	StatusFailed      Status = "Failed"
)

// Result is the outcome of one health check.
type Result struct {
	Status Status
	Reason string
}

// Check judges the health of one live object.
type Check func(obj cluster.LiveObject) Result

// GroupResult aggregates object results for a whole group.
type GroupResult struct {
	Status Status
	Reason string // the first blocking object and why
}

// Evaluator resolves checks by kind and aggregates group health.
type Evaluator struct {
	mu     sync.RWMutex
	checks map[string]Check
	strict bool
}

// NewEvaluator creates an evaluator with the builtin checks registered.
// In strict mode kinds without a check report Progressing instead of
// passing once present, so unchecked groups can never turn Ready.
func NewEvaluator(strict bool) *Evaluator {
	e := &Evaluator{
		checks: make(map[string]Check),
		strict: strict,
	}
	registerBuiltins(e)
	return e
}

// Register installs a check for a kind, replacing any previous one.
func (e *Evaluator) Register(kind string, check Check) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks[kind] = check
}

// Object evaluates a single live object.
func (e *Evaluator) Object(obj cluster.LiveObject) Result {
	e.mu.RLock()
	check, ok := e.checks[obj.Key.Kind]
	strict := e.strict
	e.mu.RUnlock()

	if ok {
		return check(obj)
	}
	if strict {
		return Result{Status: StatusProgressing, Reason: fmt.Sprintf("no health check for kind %s", obj.Key.Kind)}
	}
	// Permissive default: a kind nothing knows how to judge is healthy
	// once it exists.
	return Result{Status: StatusReady, Reason: "present"}
}

// Evaluate aggregates group health over the owned objects. The group is
// Ready only when every object is Ready; any terminal object failure is
// propagated as Failed; everything else, including unknown status, is
// Progressing. An empty object set is trivially Ready.
func (e *Evaluator) Evaluate(ctx context.Context, objects []cluster.LiveObject) GroupResult {
	var blocking string
	for _, obj := range objects {
		if ctx.Err() != nil {
			return GroupResult{Status: StatusUnknown, Reason: "health evaluation cancelled"}
		}
		res := e.Object(obj)
		switch res.Status {
		case StatusFailed:
			return GroupResult{Status: StatusFailed, Reason: fmt.Sprintf("%s: %s", obj.Key, res.Reason)}
		case StatusReady:
		default:
			if blocking == "" {
				blocking = fmt.Sprintf("%s: %s", obj.Key, res.Reason)
			}
		}
	}
	if blocking != "" {
		return GroupResult{Status: StatusProgressing, Reason: blocking}
	}
	return GroupResult{Status: StatusReady}
}
