package tokencache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSweep_EvictsIdleSessions(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock)
	require.True(t, c.ActivateSession(sessionA, subjectA))
	require.True(t, c.ActivateSession(sessionB, subjectB))
	require.True(t, c.Set(sessionA, bearerA, audDB, token(clock, "a", time.Hour)))
	require.True(t, c.Set(sessionB, bearerB, audDB, token(clock, "b", time.Hour)))
	keyA := c.lookup(sessionA).key

	clock.Advance(DefaultIdleTimeout - time.Minute)
	c.Get(sessionB, bearerB, "urn:keepalive")
	clock.Advance(2 * time.Minute)
	c.Sweep()

	stats := c.Stats()
	assert.Equal(t, 1, stats.Sessions)
	assert.Nil(t, c.lookup(sessionA))
	assert.NotNil(t, c.lookup(sessionB))
	assert.Equal(t, make([]byte, keySize), keyA)

	// Session B's entry outlived the TTL and is dropped by the same pass.
	assert.Zero(t, stats.Entries)
	assert.Equal(t, uint64(2), stats.Evictions)
}

func TestSweep_KeepsLiveEntries(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock)
	require.True(t, c.ActivateSession(sessionA, subjectA))
	require.True(t, c.Set(sessionA, bearerA, "urn:short", token(clock, "short", 10*time.Second)))
	require.True(t, c.Set(sessionA, bearerA, "urn:long", token(clock, "long", time.Hour)))

	clock.Advance(30 * time.Second)
	c.Sweep()

	assert.Equal(t, 1, c.Stats().Entries)
	got, ok := c.Get(sessionA, bearerA, "urn:long")
	require.True(t, ok)
	assert.Equal(t, "long", got.Value)
}

func TestSweep_ReactivatedSessionSurvives(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock)
	require.True(t, c.ActivateSession(sessionA, subjectA))
	stale := c.lookup(sessionA)

	clock.Advance(DefaultIdleTimeout + time.Second)
	stale.mu.Lock()
	stale.destroy()
	stale.mu.Unlock()
	require.True(t, c.ActivateSession(sessionA, subjectA))

	c.forget(sessionA, stale)
	assert.NotNil(t, c.lookup(sessionA), "a newer record for the id is kept")
}

func TestCache_StartStop(t *testing.T) {
	clock := newFakeClock()
	core, logs := observer.New(zap.DebugLevel)
	cfg := DefaultConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	c, err := New(cfg, WithClock(clock.Now), WithLogger(zap.New(core)))
	require.NoError(t, err)

	require.True(t, c.ActivateSession(sessionA, subjectA))
	clock.Advance(DefaultIdleTimeout + time.Second)

	c.Start(context.Background())
	c.Start(context.Background())
	assert.Eventually(t, func() bool { return c.Stats().Sessions == 0 }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()

	assert.Equal(t, 1, logs.FilterMessage("idle sweep started").Len())
	assert.Positive(t, logs.FilterMessage("idle sweep").Len())
	for _, e := range logs.All() {
		for _, f := range e.Context {
			assert.NotEqual(t, "key", f.Key)
		}
	}
}

func TestCache_StartStopsWithContext(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the context was cancelled")
	}
}

func TestCache_CloseZeroesAllKeys(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	c, err := New(cfg, WithClock(clock.Now))
	require.NoError(t, err)

	require.True(t, c.ActivateSession(sessionA, subjectA))
	require.True(t, c.ActivateSession(sessionB, subjectB))
	keys := [][]byte{c.lookup(sessionA).key, c.lookup(sessionB).key}

	c.Close()
	for _, k := range keys {
		assert.Equal(t, make([]byte, keySize), k)
	}
	assert.Zero(t, c.Stats().Sessions)
}
