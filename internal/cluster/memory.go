package cluster

import (
	"context"
	"sort"
	"sync"

	"github.com/convergd/convergd/internal/manifest"
)

type memObject struct {
	owner      string
	generation int64
	spec       map[string]any
	status     map[string]any
	conditions []Condition
}

// Memory is an in-process backend with full ownership bookkeeping. It
// backs tests and the dry-run cluster driver; both use the exact apply
// semantics the contract promises.
type Memory struct {
	mu       sync.RWMutex
	objects  map[manifest.Key]*memObject
	applyErr map[manifest.Key]error
}

// NewMemory creates an empty memory backend.
func NewMemory() *Memory {
	return &Memory{
		objects:  make(map[manifest.Key]*memObject),
		applyErr: make(map[manifest.Key]error),
	}
}

// Apply upserts the manifest. A manifest identical to the stored spec is
// a no-op: same generation, Changed false.
func (c *Memory) Apply(ctx context.Context, owner string, m manifest.Manifest) (ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return ApplyResult{}, err
	}
	key := m.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.applyErr[key]; err != nil {
		return ApplyResult{}, err
	}

	obj, exists := c.objects[key]
	if !exists {
		c.objects[key] = &memObject{
			owner:      owner,
			generation: 1,
			spec:       deepCopy(m.Object),
		}
		return ApplyResult{Generation: 1, Changed: true}, nil
	}

	if obj.owner != owner {
		return ApplyResult{}, &ConflictError{Key: key, Owner: obj.owner}
	}

	if manifest.DigestObject(obj.spec) == m.Digest() {
		return ApplyResult{Generation: obj.generation, Changed: false}, nil
	}

	obj.spec = deepCopy(m.Object)
	obj.generation++
	return ApplyResult{Generation: obj.generation, Changed: true}, nil
}

// Get returns a copy of the live object.
func (c *Memory) Get(ctx context.Context, key manifest.Key) (LiveObject, error) {
	if err := ctx.Err(); err != nil {
		return LiveObject{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	obj, ok := c.objects[key]
	if !ok {
		return LiveObject{}, &NotFoundError{Key: key}
	}
	return LiveObject{
		Key:        key,
		Owner:      obj.owner,
		Generation: obj.generation,
		Spec:       deepCopy(obj.spec),
		Status:     deepCopy(obj.status),
		Conditions: append([]Condition(nil), obj.conditions...),
	}, nil
}

// Status returns the reported status of an object.
func (c *Memory) Status(ctx context.Context, key manifest.Key) (ObjectStatus, error) {
	live, err := c.Get(ctx, key)
	if err != nil {
		return ObjectStatus{}, err
	}
	return ObjectStatus{Fields: live.Status, Conditions: live.Conditions}, nil
}

// Delete removes an object.
func (c *Memory) Delete(ctx context.Context, key manifest.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.objects[key]; !ok {
		return &NotFoundError{Key: key}
	}
	delete(c.objects, key)
	return nil
}

// SetStatus records the status an operator would report for an object.
func (c *Memory) SetStatus(key manifest.Key, fields map[string]any, conds []Condition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[key]
	if !ok {
		return &NotFoundError{Key: key}
	}
	obj.status = deepCopy(fields)
	obj.conditions = append([]Condition(nil), conds...)
	return nil
}

// MutateSpec edits the stored spec in place, simulating an out-of-band
// change. The generation is not advanced; only applies do that.
func (c *Memory) MutateSpec(key manifest.Key, fn func(spec map[string]any)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[key]
	if !ok {
		return &NotFoundError{Key: key}
	}
	fn(obj.spec)
	return nil
}

// FailApplyWith makes every apply to key fail with err until cleared
// with a nil err.
func (c *Memory) FailApplyWith(key manifest.Key, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		delete(c.applyErr, key)
		return
	}
	c.applyErr[key] = err
}

// Objects returns the stored keys in sorted order.
func (c *Memory) Objects() []manifest.Key {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]manifest.Key, 0, len(c.objects))
	for k := range c.objects {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return manifest.Normalize(m).(map[string]any)
}
