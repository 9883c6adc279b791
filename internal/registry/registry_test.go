package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/rlb/internal/store"
)

func newTestRegistry(t *testing.T, mem *store.Memory, nodeID string, load *atomic.Int64) *Registry {
	t.Helper()
	r := New(Config{
		NodeID:         nodeID,
		PoolID:         "testpool",
		Store:          mem,
		ReportInterval: 5 * time.Second,
		Load:           func() int { return int(load.Load()) },
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(r.Close)
	return r
}

func TestInitialReportOnStartup(t *testing.T) {
	mem := store.NewMemory()
	var load atomic.Int64
	load.Store(3)
	newTestRegistry(t, mem, "aaaaa", &load)

	// The store is online, so registration triggers an immediate report.
	v, ok, err := mem.Get(context.Background(), Key("testpool", "aaaaa"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestReportCoalescingKeepsLatestValue(t *testing.T) {
	mem := store.NewMemory()
	var load atomic.Int64
	r := newTestRegistry(t, mem, "aaaaa", &load)

	// Burst of reports inside one throttle window: only the trailing
	// write happens, and it carries the last value.
	r.Report(5)
	r.Report(6)
	r.Report(7)

	v, _, err := mem.Get(context.Background(), Key("testpool", "aaaaa"))
	require.NoError(t, err)
	assert.Equal(t, "0", v, "startup value still current inside the window")

	time.Sleep(writeThrottle + 200*time.Millisecond)
	v, ok, err := mem.Get(context.Background(), Key("testpool", "aaaaa"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "7", v)
}

func TestLoadsExcludesSelfAndCaches(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	var load atomic.Int64
	r := newTestRegistry(t, mem, "aaaaa", &load)

	require.NoError(t, mem.Set(ctx, Key("testpool", "bbbbb"), "4", 0))
	require.NoError(t, mem.Set(ctx, Key("testpool", "ccccc"), "9", 0))
	require.NoError(t, mem.Set(ctx, Key("otherpool", "ddddd"), "1", 0))

	loads := r.Loads(ctx)
	assert.Equal(t, map[string]int{"bbbbb": 4, "ccccc": 9}, loads)

	// Within the read throttle window the cached map is served.
	require.NoError(t, mem.Set(ctx, Key("testpool", "bbbbb"), "0", 0))
	loads = r.Loads(ctx)
	assert.Equal(t, 4, loads["bbbbb"], "stale read expected inside throttle window")

	time.Sleep(readThrottle + 100*time.Millisecond)
	loads = r.Loads(ctx)
	assert.Equal(t, 0, loads["bbbbb"])
}

func TestMalformedLoadValuesIgnored(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	var load atomic.Int64
	r := newTestRegistry(t, mem, "aaaaa", &load)

	require.NoError(t, mem.Set(ctx, Key("testpool", "bbbbb"), "not-a-number", 0))
	require.NoError(t, mem.Set(ctx, Key("testpool", "ccccc"), "-2", 0))
	require.NoError(t, mem.Set(ctx, Key("testpool", "ddddd"), "2", 0))

	assert.Equal(t, map[string]int{"ddddd": 2}, r.Loads(ctx))
}

func TestOfflineOnlineTransitions(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	var load atomic.Int64

	var states []bool
	r := New(Config{
		NodeID:         "aaaaa",
		PoolID:         "testpool",
		Store:          mem,
		ReportInterval: 5 * time.Second,
		Load:           func() int { return int(load.Load()) },
		OnState:        func(online bool) { states = append(states, online) },
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(r.Close)

	require.True(t, r.Online())
	assert.Equal(t, []bool{true}, states)

	mem.SetOnline(false)
	assert.False(t, r.Online())
	assert.Equal(t, []bool{true, false}, states)

	// Reconnect: a fresh report lands within one throttle window.
	load.Store(2)
	mem.SetOnline(true)
	require.True(t, r.Online())

	time.Sleep(writeThrottle + 200*time.Millisecond)
	v, ok, err := mem.Get(ctx, Key("testpool", "aaaaa"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestDeleteRemovesLoadKey(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	var load atomic.Int64
	r := newTestRegistry(t, mem, "aaaaa", &load)

	_, ok, err := mem.Get(ctx, Key("testpool", "aaaaa"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.Delete(ctx))
	_, ok, err = mem.Get(ctx, Key("testpool", "aaaaa"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloseSilencesReports(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	var load atomic.Int64
	r := newTestRegistry(t, mem, "aaaaa", &load)

	// Arm a trailing-edge write, then close and delete before it fires.
	r.Report(5)
	r.Close()
	require.NoError(t, r.Delete(ctx))

	// Reports after close are dropped outright.
	r.Report(7)

	time.Sleep(writeThrottle + 200*time.Millisecond)
	_, ok, err := mem.Get(ctx, Key("testpool", "aaaaa"))
	require.NoError(t, err)
	assert.False(t, ok, "deleted load key must stay deleted")
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "RDB:global:abc12", Key("global", "abc12"))
}
