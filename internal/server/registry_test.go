package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/powerudp/internal/protocol"
)

func TestRegistryCapacity(t *testing.T) {
	const capacity = 3
	r := NewRegistry(capacity, protocol.DefaultConfig())
	now := time.Now()

	for i := 0; i < capacity; i++ {
		_, spawn, err := r.Register(fmt.Sprintf("10.0.0.%d", i+1), now)
		require.NoError(t, err)
		assert.True(t, spawn)
	}

	_, _, err := r.Register("10.0.0.99", now)
	assert.ErrorIs(t, err, ErrRegistryFull)
	assert.Equal(t, capacity, r.Len())
	_, ok := r.Lookup("10.0.0.99")
	assert.False(t, ok)
}

func TestRegistryReRegistrationReusesEntry(t *testing.T) {
	r := NewRegistry(1, protocol.DefaultConfig())
	t0 := time.Now()

	first, spawn, err := r.Register("10.0.0.1", t0)
	require.NoError(t, err)
	assert.True(t, spawn)

	// Allowed even though the registry is full.
	second, spawn, err := r.Register("10.0.0.1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, spawn, "worker still running")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, t0, second.RegisteredAt)
	assert.Equal(t, t0.Add(time.Minute), second.LastSeen)
	assert.Equal(t, 1, r.Len())

	// After the worker stops the record is reactivated with a fresh worker.
	r.release("10.0.0.1")
	rec, _ := r.Lookup("10.0.0.1")
	assert.False(t, rec.Active)

	third, spawn, err := r.Register("10.0.0.1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, spawn)
	assert.True(t, third.Active)
	assert.Equal(t, first.ID, third.ID)
}

func TestRegistryReclaimsInactiveSlot(t *testing.T) {
	r := NewRegistry(2, protocol.DefaultConfig())
	t0 := time.Now()

	_, _, err := r.Register("10.0.0.1", t0)
	require.NoError(t, err)
	_, _, err = r.Register("10.0.0.2", t0.Add(time.Second))
	require.NoError(t, err)

	r.release("10.0.0.1")

	_, _, err = r.Register("10.0.0.3", t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	_, ok := r.Lookup("10.0.0.1")
	assert.False(t, ok, "inactive entry reclaimed")
	assert.Equal(t, 2, r.Active())
}

func TestRegistryExpire(t *testing.T) {
	r := NewRegistry(2, protocol.DefaultConfig())
	t0 := time.Now()
	_, _, err := r.Register("10.0.0.1", t0)
	require.NoError(t, err)

	remaining, expired := r.expire("10.0.0.1", time.Minute, t0.Add(20*time.Second))
	assert.False(t, expired)
	assert.Equal(t, 40*time.Second, remaining)

	_, expired = r.expire("10.0.0.1", time.Minute, t0.Add(time.Minute))
	assert.True(t, expired)
	rec, ok := r.Lookup("10.0.0.1")
	require.True(t, ok, "expired records stay until reclaimed")
	assert.False(t, rec.Active)

	_, expired = r.expire("10.9.9.9", time.Minute, t0)
	assert.True(t, expired)
}

func TestRegistrySnapshotOrdered(t *testing.T) {
	r := NewRegistry(5, protocol.DefaultConfig())
	for _, ip := range []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"} {
		_, _, err := r.Register(ip, time.Now())
		require.NoError(t, err)
	}

	var addrs []string
	for _, rec := range r.Snapshot() {
		addrs = append(addrs, rec.Addr)
	}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, addrs)
}

func TestRegistrySetConfigClamps(t *testing.T) {
	r := NewRegistry(1, protocol.Config{})
	assert.Equal(t, uint16(protocol.MinBaseTimeoutMs), r.Config().BaseTimeoutMs, "initial config is clamped too")

	stored := r.SetConfig(protocol.Config{Sequence: true, BaseTimeoutMs: 0, MaxRetries: 0})
	assert.Equal(t, protocol.Config{Sequence: true, BaseTimeoutMs: 100, MaxRetries: 1}, stored)
	assert.Equal(t, stored, r.Config())

	want := protocol.Config{Backoff: true, BaseTimeoutMs: 150, MaxRetries: 2}
	assert.Equal(t, want, r.SetConfig(want))
}
