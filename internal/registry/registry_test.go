package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/meshcompute/internal/compute"
	"github.com/nmxmxh/meshcompute/internal/registry"
)

func newRegistry() *registry.Registry {
	return registry.NewRegistry(registry.DefaultTrustConfig(), nil)
}

func TestRegistry_RegisterAndSelect(t *testing.T) {
	r := newRegistry()
	r.Register("w1", 2, 50)

	id, err := r.Select(registry.SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "w1", id)

	snap, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, 0.5, snap.Trust)
	assert.Equal(t, registry.StatusActive, snap.Status)
}

func TestRegistry_SelectPrefersTrustAndLatency(t *testing.T) {
	r := newRegistry()
	r.Register("slow", 4, 900)
	r.Register("fast", 4, 10)

	id, err := r.Select(registry.SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fast", id)

	// a run of verified successes makes the slow worker more trusted
	for i := 0; i < 10; i++ {
		r.RecordSuccess("slow", 900*time.Millisecond)
	}
	for i := 0; i < 6; i++ {
		r.RecordFailure("fast", "timeout")
	}

	id, err = r.Select(registry.SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "slow", id)
}

func TestRegistry_TrustBounds(t *testing.T) {
	r := newRegistry()
	r.Register("w1", 1, 0)

	// monotonically non-decreasing on success, bounded by 1
	prev := 0.5
	for i := 0; i < 50; i++ {
		r.RecordSuccess("w1", 10*time.Millisecond)
		snap, _ := r.Get("w1")
		assert.GreaterOrEqual(t, snap.Trust, prev)
		assert.LessOrEqual(t, snap.Trust, 1.0)
		prev = snap.Trust
	}

	// monotonically non-increasing on failure, bounded by 0
	for i := 0; i < 50; i++ {
		r.RecordFailure("w1", "mismatch")
		snap, _ := r.Get("w1")
		assert.LessOrEqual(t, snap.Trust, prev)
		assert.GreaterOrEqual(t, snap.Trust, 0.0)
		prev = snap.Trust
	}
}

func TestRegistry_QuarantineAndReadmission(t *testing.T) {
	r := newRegistry()
	r.Register("w1", 1, 0)

	for i := 0; i < 10; i++ {
		r.RecordFailure("w1", "mismatch")
	}
	snap, _ := r.Get("w1")
	require.Equal(t, registry.StatusQuarantined, snap.Status)

	// quarantined workers are excluded from normal selection
	_, err := r.Select(registry.SelectOptions{})
	require.Error(t, err)
	assert.Equal(t, compute.ErrCodeNoWorkers, compute.CodeOf(err))

	// but remain eligible for redundancy participation
	id, err := r.Select(registry.SelectOptions{AllowQuarantined: true})
	require.NoError(t, err)
	assert.Equal(t, "w1", id)

	// successful participation re-accumulates trust past the threshold
	for i := 0; i < 10; i++ {
		r.RecordSuccess("w1", 5*time.Millisecond)
	}
	snap, _ = r.Get("w1")
	assert.Equal(t, registry.StatusActive, snap.Status)
}

func TestRegistry_AdmissionControl(t *testing.T) {
	r := newRegistry()
	r.Register("w1", 2, 0)

	require.NoError(t, r.Reserve("w1"))
	require.NoError(t, r.Reserve("w1"))

	err := r.Reserve("w1")
	require.Error(t, err)
	assert.Equal(t, compute.ErrCodeCapacityExceeded, compute.CodeOf(err))

	// a full worker is not selectable
	_, err = r.Select(registry.SelectOptions{})
	require.Error(t, err)

	r.Release("w1")
	require.NoError(t, r.Reserve("w1"))
}

func TestRegistry_SelectExcludes(t *testing.T) {
	r := newRegistry()
	r.Register("w1", 1, 10)
	r.Register("w2", 1, 10)

	id, err := r.Select(registry.SelectOptions{
		Exclude: map[string]struct{}{"w1": {}},
	})
	require.NoError(t, err)
	assert.Equal(t, "w2", id)
}

func TestRegistry_ReregisterKeepsTrust(t *testing.T) {
	r := newRegistry()
	r.Register("w1", 1, 10)
	for i := 0; i < 5; i++ {
		r.RecordSuccess("w1", time.Millisecond)
	}
	before, _ := r.Get("w1")

	r.Register("w1", 3, 10)
	after, _ := r.Get("w1")
	assert.Equal(t, before.Trust, after.Trust)
	assert.Equal(t, 3, after.Capacity)
}

func TestRegistry_Metrics(t *testing.T) {
	r := newRegistry()
	r.Register("w1", 1, 0)
	r.Register("w2", 1, 0)

	m := r.GetMetrics()
	assert.Equal(t, 2, m["total_workers"])
	assert.Equal(t, 0.5, m["avg_trust"])
}
