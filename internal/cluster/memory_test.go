package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergd/convergd/internal/manifest"
)

func testManifest(t *testing.T, yaml string) manifest.Manifest {
	t.Helper()
	ms, err := manifest.ParseAll("test.yaml", []byte(yaml))
	require.NoError(t, err)
	require.Len(t, ms, 1)
	return ms[0]
}

const cmYAML = `
apiVersion: v1
kind: ConfigMap
metadata:
  name: settings
  namespace: infra
data:
  mode: fast
`

func TestMemory_ApplyCreates(t *testing.T) {
	c := NewMemory()
	m := testManifest(t, cmYAML)

	res, err := c.Apply(context.Background(), "infra", m)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Generation)
	assert.True(t, res.Changed)

	live, err := c.Get(context.Background(), m.Key())
	require.NoError(t, err)
	assert.Equal(t, "infra", live.Owner)
}

func TestMemory_ReapplyIsNoOp(t *testing.T) {
	c := NewMemory()
	m := testManifest(t, cmYAML)

	first, err := c.Apply(context.Background(), "infra", m)
	require.NoError(t, err)

	second, err := c.Apply(context.Background(), "infra", m)
	require.NoError(t, err)
	assert.Equal(t, first.Generation, second.Generation, "unchanged manifest must keep the generation")
	assert.False(t, second.Changed)
}

func TestMemory_ChangedSpecBumpsGeneration(t *testing.T) {
	c := NewMemory()
	m := testManifest(t, cmYAML)
	_, err := c.Apply(context.Background(), "infra", m)
	require.NoError(t, err)

	m2 := testManifest(t, cmYAML)
	m2.Object["data"].(map[string]any)["mode"] = "slow"
	res, err := c.Apply(context.Background(), "infra", m2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Generation)
	assert.True(t, res.Changed)
}

func TestMemory_ForeignOwnerConflicts(t *testing.T) {
	c := NewMemory()
	m := testManifest(t, cmYAML)
	_, err := c.Apply(context.Background(), "infra", m)
	require.NoError(t, err)

	_, err = c.Apply(context.Background(), "apps", m)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "infra", conflict.Owner)
}

func TestMemory_InjectedApplyFailure(t *testing.T) {
	c := NewMemory()
	m := testManifest(t, cmYAML)
	c.FailApplyWith(m.Key(), &ValidationError{Key: m.Key(), Reason: "spec.data must be strings"})

	_, err := c.Apply(context.Background(), "infra", m)
	assert.True(t, IsValidation(err))

	c.FailApplyWith(m.Key(), nil)
	_, err = c.Apply(context.Background(), "infra", m)
	assert.NoError(t, err)
}

func TestMemory_GetCopiesState(t *testing.T) {
	c := NewMemory()
	m := testManifest(t, cmYAML)
	_, err := c.Apply(context.Background(), "infra", m)
	require.NoError(t, err)

	live, err := c.Get(context.Background(), m.Key())
	require.NoError(t, err)
	live.Spec["data"].(map[string]any)["mode"] = "tampered"

	again, err := c.Get(context.Background(), m.Key())
	require.NoError(t, err)
	assert.Equal(t, "fast", again.Spec["data"].(map[string]any)["mode"])
}

func TestMemory_DeleteAndNotFound(t *testing.T) {
	c := NewMemory()
	m := testManifest(t, cmYAML)
	_, err := c.Apply(context.Background(), "infra", m)
	require.NoError(t, err)

	require.NoError(t, c.Delete(context.Background(), m.Key()))
	assert.True(t, IsNotFound(c.Delete(context.Background(), m.Key())))

	_, err = c.Get(context.Background(), m.Key())
	assert.True(t, IsNotFound(err))
}

func TestMemory_StatusRoundTrip(t *testing.T) {
	c := NewMemory()
	m := testManifest(t, cmYAML)
	_, err := c.Apply(context.Background(), "infra", m)
	require.NoError(t, err)

	conds := []Condition{{Type: "Ready", Status: "True", Reason: "Settled"}}
	require.NoError(t, c.SetStatus(m.Key(), map[string]any{"observedGeneration": int64(1)}, conds))

	st, err := c.Status(context.Background(), m.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Fields["observedGeneration"])
	require.Len(t, st.Conditions, 1)
	assert.Equal(t, "Ready", st.Conditions[0].Type)
}

func TestMemory_MutateSpecSimulatesDrift(t *testing.T) {
	c := NewMemory()
	m := testManifest(t, cmYAML)
	first, err := c.Apply(context.Background(), "infra", m)
	require.NoError(t, err)

	require.NoError(t, c.MutateSpec(m.Key(), func(spec map[string]any) {
		spec["data"].(map[string]any)["mode"] = "drifted"
	}))

	live, err := c.Get(context.Background(), m.Key())
	require.NoError(t, err)
	assert.Equal(t, "drifted", live.Spec["data"].(map[string]any)["mode"])
	assert.Equal(t, first.Generation, live.Generation, "out-of-band edits must not advance the generation")

	// A re-apply now counts as a change and advances the generation.
	res, err := c.Apply(context.Background(), "infra", m)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Greater(t, res.Generation, first.Generation)
}
