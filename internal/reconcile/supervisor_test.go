package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/convergd/convergd/internal/cluster"
	"github.com/convergd/convergd/internal/graph"
	"github.com/convergd/convergd/internal/health"
	"github.com/convergd/convergd/internal/manifest"
	"github.com/convergd/convergd/internal/notify"
	"github.com/convergd/convergd/internal/store"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Publish(e notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureNotifier) byType(t notify.EventType) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (c *captureNotifier) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type rig struct {
	sup     *Supervisor
	backend *cluster.Memory
	store   *store.Store
	events  *captureNotifier
	clock   *fakeClock
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	backend := cluster.NewMemory()
	events := &captureNotifier{}

	sup, err := New(st, backend, health.NewEvaluator(false), events, cfg)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	clock := &fakeClock{t: time.Now()}
	sup.now = clock.Now
	sup.runner.now = clock.Now

	return &rig{sup: sup, backend: backend, store: st, events: events, clock: clock}
}

// tick runs one scheduling pass and waits for every worker it launched.
func (r *rig) tick() {
	r.sup.tick(context.Background())
	r.sup.wg.Wait()
}

func (r *rig) mustStatus(t *testing.T, name string) GroupState {
	t.Helper()
	st, ok := r.sup.Status(name)
	if !ok {
		t.Fatalf("group %q has no state", name)
	}
	return st
}

func objKey(kind, name string) manifest.Key {
	return manifest.Key{Kind: kind, Namespace: "default", Name: name}
}

func mkManifest(kind, name string, extra map[string]any) manifest.Manifest {
	obj := map[string]any{
		"apiVersion": "v1",
		"kind":       kind,
		"metadata":   map[string]any{"name": name, "namespace": "default"},
	}
	for k, v := range extra {
		obj[k] = v
	}
	return manifest.Manifest{APIVersion: "v1", Kind: kind, Name: name, Namespace: "default", Object: obj}
}

func mkGroup(name string, deps []string, manifests ...manifest.Manifest) *graph.Group {
	return &graph.Group{
		Name:          name,
		Path:          "apps/" + name,
		DependsOn:     deps,
		Interval:      10 * time.Minute,
		WaitForHealth: true,
		Manifests:     manifests,
	}
}

func TestChainConvergesInDependencyOrder(t *testing.T) {
	r := newRig(t, Config{})

	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", nil))
	b := mkGroup("b", []string{"a"}, mkManifest("ConfigMap", "cm-b", nil))
	c := mkGroup("c", []string{"b"}, mkManifest("ConfigMap", "cm-c", nil))
	g := testGraph("rev-1", a, b, c)

	r.sup.SetGraph(g)

	// Each tick unlocks exactly one link of the chain.
	r.tick()
	if got := r.mustStatus(t, "a").Phase; got != PhaseReady {
		t.Fatalf("a after tick 1 = %v, want %v", got, PhaseReady)
	}
	if got := r.mustStatus(t, "b").Phase; got != PhaseWaiting {
		t.Fatalf("b after tick 1 = %v, want %v", got, PhaseWaiting)
	}

	r.tick()
	if got := r.mustStatus(t, "b").Phase; got != PhaseReady {
		t.Fatalf("b after tick 2 = %v, want %v", got, PhaseReady)
	}
	if got := r.mustStatus(t, "c").Phase; got != PhaseWaiting {
		t.Fatalf("c after tick 2 = %v, want %v", got, PhaseWaiting)
	}

	r.tick()
	if got := r.mustStatus(t, "c").Phase; got != PhaseReady {
		t.Fatalf("c after tick 3 = %v, want %v", got, PhaseReady)
	}

	succeeded := r.events.byType(notify.EventReconcileSucceeded)
	if len(succeeded) != 3 {
		t.Fatalf("ReconcileSucceeded events = %d, want 3", len(succeeded))
	}
	for i, want := range []string{"a", "b", "c"} {
		if succeeded[i].Group != want {
			t.Errorf("event %d group = %q, want %q", i, succeeded[i].Group, want)
		}
		if succeeded[i].Revision != "rev-1" {
			t.Errorf("event %d revision = %q, want rev-1", i, succeeded[i].Revision)
		}
	}

	st := r.mustStatus(t, "a")
	if st.LastAppliedRevision != "rev-1" || st.AppliedGeneration != 1 {
		t.Errorf("a state = rev %q gen %d, want rev-1 gen 1", st.LastAppliedRevision, st.AppliedGeneration)
	}
}

func TestFanOutUnlocksTogether(t *testing.T) {
	r := newRig(t, Config{})

	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", nil))
	b := mkGroup("b", []string{"a"}, mkManifest("ConfigMap", "cm-b", nil))
	c := mkGroup("c", []string{"a"}, mkManifest("ConfigMap", "cm-c", nil))
	r.sup.SetGraph(testGraph("rev-1", a, b, c))

	r.tick()
	if got := r.mustStatus(t, "a").Phase; got != PhaseReady {
		t.Fatalf("a after tick 1 = %v, want %v", got, PhaseReady)
	}
	for _, name := range []string{"b", "c"} {
		if got := r.mustStatus(t, name).Phase; got != PhaseWaiting {
			t.Fatalf("%s after tick 1 = %v, want %v", name, got, PhaseWaiting)
		}
	}

	// Both dependents clear the gate on the same snapshot and run in the
	// same pass.
	r.tick()
	for _, name := range []string{"b", "c"} {
		if got := r.mustStatus(t, name).Phase; got != PhaseReady {
			t.Fatalf("%s after tick 2 = %v, want %v", name, got, PhaseReady)
		}
	}
}

func TestDependentBlockedUntilDependencyHealthy(t *testing.T) {
	r := newRig(t, Config{})

	podKey := objKey("Pod", "db-0")
	a := mkGroup("a", nil, mkManifest("Pod", "db-0", nil))
	b := mkGroup("b", []string{"a"}, mkManifest("ConfigMap", "cm-b", nil))
	r.sup.SetGraph(testGraph("rev-1", a, b))

	// The pod reports no status, so a stays Progressing across ticks.
	r.tick()
	r.tick()
	if got := r.mustStatus(t, "a").Phase; got != PhaseProgressing {
		t.Fatalf("a = %v, want %v", got, PhaseProgressing)
	}
	bState := r.mustStatus(t, "b")
	if bState.Phase != PhaseWaiting || bState.LastAppliedRevision != "" {
		t.Fatalf("b = %v rev %q, want Waiting with no applied revision", bState.Phase, bState.LastAppliedRevision)
	}
	if _, err := r.backend.Get(context.Background(), objKey("ConfigMap", "cm-b")); !cluster.IsNotFound(err) {
		t.Fatal("b's object was applied while its dependency was unhealthy")
	}

	if err := r.backend.SetStatus(podKey, map[string]any{"phase": "Running"},
		[]cluster.Condition{{Type: "Ready", Status: "True"}}); err != nil {
		t.Fatalf("set status: %v", err)
	}

	// One tick for a to observe health, one more for b to see it.
	r.tick()
	if got := r.mustStatus(t, "a").Phase; got != PhaseReady {
		t.Fatalf("a = %v, want %v", got, PhaseReady)
	}
	r.tick()
	if got := r.mustStatus(t, "b").Phase; got != PhaseReady {
		t.Fatalf("b = %v, want %v", got, PhaseReady)
	}
}

func TestReapplyIsQuietWhenNothingChanged(t *testing.T) {
	r := newRig(t, Config{})

	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", map[string]any{"data": map[string]any{"k": "v"}}))
	r.sup.SetGraph(testGraph("rev-1", a))

	r.tick()
	if got := len(r.events.byType(notify.EventReconcileSucceeded)); got != 1 {
		t.Fatalf("initial ReconcileSucceeded events = %d, want 1", got)
	}
	r.events.reset()

	r.clock.Advance(10*time.Minute + time.Second)
	r.tick()

	st := r.mustStatus(t, "a")
	if st.Phase != PhaseReady || st.AppliedGeneration != 1 {
		t.Errorf("state after re-apply = %v gen %d, want Ready gen 1", st.Phase, st.AppliedGeneration)
	}
	obj, err := r.backend.Get(context.Background(), objKey("ConfigMap", "cm-a"))
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if obj.Generation != 1 {
		t.Errorf("backend generation = %d, want 1", obj.Generation)
	}
	if got := len(r.events.events); got != 0 {
		t.Errorf("events after no-op re-apply = %d, want 0", got)
	}
}

func TestFailureStaysInsideTheGroup(t *testing.T) {
	r := newRig(t, Config{})

	bKey := objKey("ConfigMap", "cm-b")
	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", nil))
	b := mkGroup("b", nil, mkManifest("ConfigMap", "cm-b", nil))
	c := mkGroup("c", []string{"b"}, mkManifest("ConfigMap", "cm-c", nil))
	d := mkGroup("d", []string{"a"}, mkManifest("ConfigMap", "cm-d", nil))
	r.sup.SetGraph(testGraph("rev-1", a, b, c, d))

	r.backend.FailApplyWith(bKey, errors.New("boom"))

	r.tick()
	r.tick()

	if got := r.mustStatus(t, "a").Phase; got != PhaseReady {
		t.Errorf("a = %v, want %v", got, PhaseReady)
	}
	if got := r.mustStatus(t, "d").Phase; got != PhaseReady {
		t.Errorf("d = %v, want %v", got, PhaseReady)
	}

	bState := r.mustStatus(t, "b")
	if bState.Phase != PhaseFailed {
		t.Fatalf("b = %v, want %v", bState.Phase, PhaseFailed)
	}
	if !strings.Contains(bState.LastError, "boom") {
		t.Errorf("b LastError = %q, want mention of boom", bState.LastError)
	}
	if want := r.clock.Now().Add(10 * time.Minute); !bState.NextDue.Equal(want) {
		t.Errorf("b NextDue = %v, want %v", bState.NextDue, want)
	}
	if got := r.mustStatus(t, "c").Phase; got != PhaseWaiting {
		t.Errorf("c = %v, want %v", got, PhaseWaiting)
	}
	if got := len(r.events.byType(notify.EventReconcileFailed)); got != 1 {
		t.Errorf("ReconcileFailed events = %d, want 1", got)
	}

	// The failure clears; the fixed-interval retry picks it up.
	r.backend.FailApplyWith(bKey, nil)
	r.clock.Advance(10*time.Minute + time.Second)
	r.tick()
	if got := r.mustStatus(t, "b").Phase; got != PhaseReady {
		t.Fatalf("b after retry = %v, want %v", got, PhaseReady)
	}
	r.tick()
	if got := r.mustStatus(t, "c").Phase; got != PhaseReady {
		t.Fatalf("c after b recovered = %v, want %v", got, PhaseReady)
	}

	// Recovery announces itself even though the objects did not change.
	recovered := false
	for _, e := range r.events.byType(notify.EventReconcileSucceeded) {
		if e.Group == "b" {
			recovered = true
		}
	}
	if !recovered {
		t.Error("no ReconcileSucceeded event for b's recovery")
	}
}

func TestDriftEpisodeReportedOnce(t *testing.T) {
	r := newRig(t, Config{DriftEnabled: true, DriftAllow: []string{"status"}})

	key := objKey("ConfigMap", "cm-a")
	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", map[string]any{"data": map[string]any{"k": "v"}}))
	r.sup.SetGraph(testGraph("rev-1", a))
	r.tick()
	r.events.reset()

	// Out-of-band edit, and the corrective apply is broken too.
	if err := r.backend.MutateSpec(key, func(spec map[string]any) {
		spec["data"].(map[string]any)["k"] = "hacked"
	}); err != nil {
		t.Fatalf("mutate spec: %v", err)
	}
	r.backend.FailApplyWith(key, errors.New("apply broken"))

	r.clock.Advance(10*time.Minute + time.Second)
	r.tick()
	r.clock.Advance(10*time.Minute + time.Second)
	r.tick()

	drifts := r.events.byType(notify.EventDriftCorrected)
	if len(drifts) != 1 {
		t.Fatalf("DriftCorrected events while correction failed = %d, want 1", len(drifts))
	}
	if !strings.Contains(drifts[0].Detail, "data.k") {
		t.Errorf("drift detail = %q, want mention of data.k", drifts[0].Detail)
	}
	if got := len(r.events.byType(notify.EventReconcileFailed)); got != 2 {
		t.Errorf("ReconcileFailed events = %d, want one per failing pass", got)
	}

	// Correction succeeds, the generation rolls, a fresh edit is a fresh
	// episode.
	r.backend.FailApplyWith(key, nil)
	r.clock.Advance(10*time.Minute + time.Second)
	r.tick()

	obj, err := r.backend.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if got := obj.Spec["data"].(map[string]any)["k"]; got != "v" {
		t.Fatalf("object not corrected, data.k = %v", got)
	}

	r.events.reset()
	if err := r.backend.MutateSpec(key, func(spec map[string]any) {
		spec["data"].(map[string]any)["k"] = "hacked again"
	}); err != nil {
		t.Fatalf("mutate spec: %v", err)
	}
	r.clock.Advance(10*time.Minute + time.Second)
	r.tick()

	if got := len(r.events.byType(notify.EventDriftCorrected)); got != 1 {
		t.Fatalf("DriftCorrected events for new episode = %d, want 1", got)
	}
}

func TestDriftRecreatesDeletedObject(t *testing.T) {
	r := newRig(t, Config{DriftEnabled: true})

	key := objKey("ConfigMap", "cm-a")
	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", nil))
	r.sup.SetGraph(testGraph("rev-1", a))
	r.tick()
	r.events.reset()

	if err := r.backend.Delete(context.Background(), key); err != nil {
		t.Fatalf("delete object: %v", err)
	}

	r.clock.Advance(10*time.Minute + time.Second)
	r.tick()

	if _, err := r.backend.Get(context.Background(), key); err != nil {
		t.Fatalf("object not recreated: %v", err)
	}
	drifts := r.events.byType(notify.EventDriftCorrected)
	if len(drifts) != 1 {
		t.Fatalf("DriftCorrected events = %d, want 1", len(drifts))
	}
	if !strings.Contains(drifts[0].Detail, "deleted out of band") {
		t.Errorf("drift detail = %q, want mention of out-of-band delete", drifts[0].Detail)
	}
}

func TestValidationErrorParksGroup(t *testing.T) {
	r := newRig(t, Config{})

	key := objKey("ConfigMap", "cm-a")
	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", nil))
	r.sup.SetGraph(testGraph("rev-1", a))

	r.backend.FailApplyWith(key, &cluster.ValidationError{Key: key, Reason: "spec.data must be a map"})
	r.tick()

	st := r.mustStatus(t, "a")
	if st.Phase != PhaseFailed {
		t.Fatalf("a = %v, want %v", st.Phase, PhaseFailed)
	}
	if !strings.Contains(st.LastError, "spec.data must be a map") {
		t.Errorf("LastError = %q, want the backend's reason", st.LastError)
	}
	if st.LastAppliedRevision != "" {
		t.Errorf("LastAppliedRevision = %q, want empty after failed apply", st.LastAppliedRevision)
	}
	if want := r.clock.Now().Add(10 * time.Minute); !st.NextDue.Equal(want) {
		t.Errorf("NextDue = %v, want %v", st.NextDue, want)
	}
	if got := len(r.events.byType(notify.EventReconcileFailed)); got != 1 {
		t.Errorf("ReconcileFailed events = %d, want 1", got)
	}

	// Not due again until the interval passes.
	r.tick()
	if got := len(r.events.byType(notify.EventReconcileFailed)); got != 1 {
		t.Errorf("ReconcileFailed events after quiet tick = %d, want still 1", got)
	}
}

// gatedBackend holds every Apply until the gate closes, pinning a
// worker in flight.
type gatedBackend struct {
	cluster.Client
	gate chan struct{}
}

func (g *gatedBackend) Apply(ctx context.Context, owner string, m manifest.Manifest) (cluster.ApplyResult, error) {
	<-g.gate
	return g.Client.Apply(ctx, owner, m)
}

func TestSuspendSurvivesInFlightWork(t *testing.T) {
	r := newRig(t, Config{})
	gated := &gatedBackend{Client: r.backend, gate: make(chan struct{})}
	r.sup.runner.backend = gated

	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", nil))
	r.sup.SetGraph(testGraph("rev-1", a))

	// Launch the pass, suspend while it is stuck, then let it finish.
	r.sup.tick(context.Background())
	if err := r.sup.Suspend("a"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	close(gated.gate)
	r.sup.wg.Wait()

	st := r.mustStatus(t, "a")
	if !st.Suspended {
		t.Fatal("suspension lost when the in-flight worker finished")
	}
	if st.Phase != PhaseReady {
		t.Errorf("phase = %v, want %v (in-flight work completes)", st.Phase, PhaseReady)
	}

	// Frozen: a new revision and an elapsed interval both stay ignored.
	lastRun := st.LastReconcile
	r.sup.SetGraph(testGraph("rev-2", a))
	r.clock.Advance(time.Hour)
	r.tick()
	if got := r.mustStatus(t, "a").LastReconcile; !got.Equal(lastRun) {
		t.Fatal("suspended group was reconciled")
	}

	if err := r.sup.Resume("a"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	r.tick()
	st = r.mustStatus(t, "a")
	if st.Suspended || st.LastAppliedRevision != "rev-2" {
		t.Fatalf("after resume = suspended %v rev %q, want active on rev-2", st.Suspended, st.LastAppliedRevision)
	}
}

func TestGraphErrorHaltsScheduling(t *testing.T) {
	r := newRig(t, Config{})

	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", nil))
	g := testGraph("rev-1", a)
	r.sup.SetGraph(g)
	r.tick()

	r.sup.SetGraphError(errors.New("dependency cycle: a -> b -> a"))
	r.clock.Advance(time.Hour)
	r.tick()

	if err := r.sup.GraphError(); err == nil {
		t.Fatal("GraphError() = nil, want the staged error")
	}
	st := r.mustStatus(t, "a")
	if want := r.clock.Now().Add(-time.Hour); !st.LastReconcile.Equal(want) {
		t.Error("group was reconciled while the graph was invalid")
	}

	// A later valid revision resumes scheduling.
	r.sup.SetGraph(testGraph("rev-2", a))
	r.tick()
	if err := r.sup.GraphError(); err != nil {
		t.Fatalf("GraphError() after recovery = %v, want nil", err)
	}
	if got := r.mustStatus(t, "a").LastAppliedRevision; got != "rev-2" {
		t.Fatalf("a revision after recovery = %q, want rev-2", got)
	}
}

func TestNewRevisionRequeuesEveryGroup(t *testing.T) {
	r := newRig(t, Config{})

	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", nil))
	b := mkGroup("b", []string{"a"}, mkManifest("ConfigMap", "cm-b", nil))
	r.sup.SetGraph(testGraph("rev-1", a, b))
	r.tick()
	r.tick()

	// Same manifests, new revision: everything re-applies in order, and
	// b stays gated until a has applied the new revision.
	r.sup.SetGraph(testGraph("rev-2", a, b))
	r.tick()

	aState := r.mustStatus(t, "a")
	bState := r.mustStatus(t, "b")
	if aState.LastAppliedRevision != "rev-2" {
		t.Fatalf("a revision = %q, want rev-2", aState.LastAppliedRevision)
	}
	if bState.LastAppliedRevision != "rev-1" || bState.Phase != PhaseWaiting {
		t.Fatalf("b = %v rev %q, want Waiting on rev-1", bState.Phase, bState.LastAppliedRevision)
	}

	r.tick()
	bState = r.mustStatus(t, "b")
	if bState.LastAppliedRevision != "rev-2" || bState.AppliedGeneration != 2 {
		t.Fatalf("b = rev %q gen %d, want rev-2 gen 2", bState.LastAppliedRevision, bState.AppliedGeneration)
	}

	adopted := r.events.byType(notify.EventRevisionAdopted)
	if len(adopted) != 2 {
		t.Fatalf("RevisionAdopted events = %d, want 2", len(adopted))
	}
}

func TestRevisionAdoptedOncePerDigest(t *testing.T) {
	r := newRig(t, Config{})

	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", nil))
	g := testGraph("rev-1", a)

	r.sup.SetGraph(g)
	r.tick()
	r.sup.SetGraph(g)
	r.tick()

	if got := len(r.events.byType(notify.EventRevisionAdopted)); got != 1 {
		t.Fatalf("RevisionAdopted events = %d, want 1", got)
	}
}

func TestRemovedGroupGarbageCollected(t *testing.T) {
	r := newRig(t, Config{})

	aKey := objKey("ConfigMap", "cm-a")
	bKey := objKey("ConfigMap", "cm-b")
	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", nil))
	b := mkGroup("b", nil, mkManifest("ConfigMap", "cm-b", nil))
	r.sup.SetGraph(testGraph("rev-1", a, b))
	r.tick()

	r.sup.SetGraph(testGraph("rev-2", a))
	r.tick()

	if _, ok := r.sup.Status("b"); ok {
		t.Error("removed group still tracked")
	}
	if _, err := r.backend.Get(context.Background(), bKey); !cluster.IsNotFound(err) {
		t.Error("removed group's object survived garbage collection")
	}
	if _, err := r.backend.Get(context.Background(), aKey); err != nil {
		t.Errorf("surviving group's object was deleted: %v", err)
	}
	if _, found, err := r.store.GetGroupStatus("b"); err != nil || found {
		t.Errorf("persisted status for removed group: found=%v err=%v", found, err)
	}
}

func TestForceReconcileRunsEarly(t *testing.T) {
	r := newRig(t, Config{})

	a := mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", nil))
	r.sup.SetGraph(testGraph("rev-1", a))
	r.tick()
	r.events.reset()

	r.clock.Advance(time.Minute) // well inside the interval
	if err := r.sup.ForceReconcile("a"); err != nil {
		t.Fatalf("force: %v", err)
	}
	r.tick()

	st := r.mustStatus(t, "a")
	if !st.LastReconcile.Equal(r.clock.Now()) {
		t.Fatal("forced reconcile did not run")
	}
	if st.Forced {
		t.Error("forced flag not cleared after the pass")
	}
	if st.AppliedGeneration != 1 {
		t.Errorf("generation = %d, want 1 (forced no-op stays idempotent)", st.AppliedGeneration)
	}
	if got := len(r.events.events); got != 0 {
		t.Errorf("events after forced no-op = %d, want 0", got)
	}

	if err := r.sup.ForceReconcile("nope"); err == nil {
		t.Error("force on unknown group did not error")
	}
}

func TestRestoreResetsInterruptedApply(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	crashed := GroupState{Name: "a", Phase: PhaseApplying, Health: health.StatusProgressing, LastAppliedRevision: "rev-1"}
	if err := st.UpsertGroupStatus(crashed.toStatus()); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	ready := GroupState{Name: "b", Phase: PhaseReady, Health: health.StatusReady, LastAppliedRevision: "rev-1"}
	if err := st.UpsertGroupStatus(ready.toStatus()); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	sup, err := New(st, cluster.NewMemory(), health.NewEvaluator(false), &captureNotifier{}, Config{})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	got, ok := sup.Status("a")
	if !ok || got.Phase != PhasePending {
		t.Errorf("restored a = %v (ok=%v), want %v", got.Phase, ok, PhasePending)
	}
	got, ok = sup.Status("b")
	if !ok || got.Phase != PhaseReady || got.LastAppliedRevision != "rev-1" {
		t.Errorf("restored b = %+v (ok=%v), want Ready on rev-1", got, ok)
	}
}

func TestRestoreSweepsOrphanInventory(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	// Inventory written but no status row: the process died between the
	// two writes, and the group left the desired state while it was down.
	orphan := []store.InventoryItem{{Key: objKey("ConfigMap", "cm-ghost"), Digest: "d1"}}
	if err := st.ReplaceInventory("ghost", orphan); err != nil {
		t.Fatalf("seed inventory: %v", err)
	}

	sup, err := New(st, cluster.NewMemory(), health.NewEvaluator(false), &captureNotifier{}, Config{})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	got, ok := sup.Status("ghost")
	if !ok || got.Phase != PhasePending {
		t.Fatalf("restored ghost = %v (ok=%v), want %v", got.Phase, ok, PhasePending)
	}

	// The next desired state does not include the group, so its leftover
	// objects are retired rather than abandoned.
	sup.SetGraph(testGraph("rev-1", mkGroup("a", nil, mkManifest("ConfigMap", "cm-a", nil))))
	sup.tick(context.Background())
	sup.wg.Wait()

	if _, ok := sup.Status("ghost"); ok {
		t.Error("ghost still tracked after retirement")
	}
	items, err := st.ListInventory("ghost")
	if err != nil {
		t.Fatalf("list inventory: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("ghost inventory has %d items after retirement, want 0", len(items))
	}
	if got, ok := sup.Status("a"); !ok || got.Phase != PhaseReady {
		t.Errorf("surviving group a = %+v (ok=%v), want Ready", got, ok)
	}
}
