// Package registry maintains each node's approximate view of peer load via
// TTL'd keys on the shared datastore. Every node periodically writes its
// own load under RDB:{pool}:{node} and reads everyone else's; keys expire
// on their own when a node dies, so there is no explicit deregistration
// beyond the delete-on-close fast path.
package registry

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/rlb/internal/monitoring"
	"github.com/adred-codev/rlb/internal/store"
)

const (
	// keyPrefix namespaces load keys on the shared datastore.
	keyPrefix = "RDB:"

	// DefaultReportInterval is the periodic report cadence and the TTL on
	// the load key. A node that stops reporting disappears from peers'
	// load maps after one interval.
	DefaultReportInterval = 30 * time.Second

	// writeThrottle coalesces report bursts: at most one key write per
	// second, trailing edge, so the last report in any window carries the
	// latest observed load.
	writeThrottle = time.Second

	// readThrottle bounds real datastore reads; callers inside the window
	// get the cached map.
	readThrottle = time.Second

	// opTimeout bounds individual datastore operations issued from timers
	// and tickers that have no caller context.
	opTimeout = 5 * time.Second
)

// Key returns the load key for a node.
func Key(poolID, nodeID string) string {
	return keyPrefix + poolID + ":" + nodeID
}

// Config assembles a Registry.
type Config struct {
	NodeID string
	PoolID string
	Store  store.Store

	// ReportInterval overrides DefaultReportInterval when > 0.
	ReportInterval time.Duration

	// Load reads the local consumer's current load for periodic and
	// reconnect-triggered reports.
	Load func() int

	// OnState observes online/offline transitions (optional). Called from
	// the store's notification path, never while holding registry locks.
	OnState func(online bool)

	Logger zerolog.Logger
}

// Registry is the per-node load reporter and reader.
type Registry struct {
	nodeID   string
	poolID   string
	str      store.Store
	interval time.Duration
	loadFn   func() int
	onState  func(bool)
	logger   zerolog.Logger

	mu          sync.Mutex
	online      bool
	closed      bool
	loads       map[string]int // peer node ID -> load, cached
	lastFetch   time.Time
	readLimiter *rate.Limiter
	lastWrite   time.Time
	pendingLoad int
	writeArmed  bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the registry, hooks datastore connectivity, and starts the
// periodic report loop.
func New(cfg Config) *Registry {
	interval := cfg.ReportInterval
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	r := &Registry{
		nodeID:      cfg.NodeID,
		poolID:      cfg.PoolID,
		str:         cfg.Store,
		interval:    interval,
		loadFn:      cfg.Load,
		onState:     cfg.OnState,
		logger:      cfg.Logger.With().Str("component", "registry").Str("node_id", cfg.NodeID).Logger(),
		loads:       make(map[string]int),
		readLimiter: rate.NewLimiter(rate.Every(readThrottle), 1),
	}
	r.stop = make(chan struct{})

	r.str.Notify(r.handleState)

	r.wg.Add(1)
	go r.reportLoop()
	return r
}

// Online reports whether the datastore is currently reachable.
func (r *Registry) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// Report schedules a load-key write. Writes are coalesced to one per
// writeThrottle window; within a window only the latest value survives.
// After Close, reports are dropped: a late load change during drain must
// not resurrect a deleted load key.
func (r *Registry) Report(load int) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.pendingLoad = load
	if r.writeArmed {
		// A trailing-edge write is already scheduled; it will pick up
		// pendingLoad when it fires.
		r.mu.Unlock()
		return
	}
	elapsed := time.Since(r.lastWrite)
	if elapsed >= writeThrottle {
		r.lastWrite = time.Now()
		r.mu.Unlock()
		r.write(load)
		return
	}
	r.writeArmed = true
	time.AfterFunc(writeThrottle-elapsed, r.flushPending)
	r.mu.Unlock()
}

// flushPending performs the trailing-edge write armed by Report.
func (r *Registry) flushPending() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.writeArmed = false
	r.lastWrite = time.Now()
	load := r.pendingLoad
	r.mu.Unlock()
	r.write(load)
}

// write performs one load-key write with TTL = report interval.
func (r *Registry) write(load int) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	if !r.Online() {
		r.logger.Debug().Int("load", load).Msg("Skipping load report while offline")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := Key(r.poolID, r.nodeID)
	if err := r.str.Set(ctx, key, strconv.Itoa(load), r.interval); err != nil {
		r.logger.Warn().Err(err).Int("load", load).Msg("Load report failed")
		return
	}
	monitoring.RecordLoadReport(load)
	r.logger.Debug().Int("load", load).Msg("Load reported")
}

// Loads returns the peer-load map (self excluded). At most one real
// datastore read happens per readThrottle window; inside the window the
// cached map is returned.
func (r *Registry) Loads(ctx context.Context) map[string]int {
	r.mu.Lock()
	allowed := r.readLimiter.Allow()
	r.mu.Unlock()

	if allowed && r.Online() {
		r.fetch(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.loads))
	for peer, load := range r.loads {
		out[peer] = load
	}
	return out
}

// fetch lists and multi-gets all load keys in the pool and replaces the
// cache. Unparseable values are skipped.
func (r *Registry) fetch(ctx context.Context) {
	pattern := keyPrefix + r.poolID + ":*"
	keys, err := r.str.Keys(ctx, pattern)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Load fetch failed (keys)")
		return
	}

	values, err := r.str.MGet(ctx, keys...)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Load fetch failed (mget)")
		return
	}

	prefix := keyPrefix + r.poolID + ":"
	loads := make(map[string]int, len(values))
	for key, raw := range values {
		peer := strings.TrimPrefix(key, prefix)
		if peer == r.nodeID {
			continue
		}
		load, err := strconv.Atoi(raw)
		if err != nil || load < 0 {
			r.logger.Warn().Str("key", key).Str("value", raw).Msg("Ignoring malformed load value")
			continue
		}
		loads[peer] = load
	}

	r.mu.Lock()
	r.loads = loads
	r.lastFetch = time.Now()
	r.mu.Unlock()
	monitoring.SetKnownPeers(len(loads))
}

// handleState tracks datastore connectivity. On reconnect a fresh report
// goes out immediately (subject to the usual write throttle).
func (r *Registry) handleState(online bool) {
	r.mu.Lock()
	changed := r.online != online
	r.online = online
	r.mu.Unlock()

	if !changed {
		return
	}
	if online {
		r.logger.Info().Msg("Registry online")
		r.Report(r.loadFn())
	} else {
		r.logger.Warn().Msg("Registry offline; dispatcher degrades to local-only")
	}
	if r.onState != nil {
		r.onState(online)
	}
}

// reportLoop writes the current load every interval regardless of signals,
// which doubles as the TTL refresh.
func (r *Registry) reportLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Report(r.loadFn())
		case <-r.stop:
			return
		}
	}
}

// Delete removes this node's load key so peers stop routing to it without
// waiting for TTL expiry. Called by the dispatcher on close.
func (r *Registry) Delete(ctx context.Context) error {
	return r.str.Del(ctx, Key(r.poolID, r.nodeID))
}

// Close stops the periodic reporter and silences all further reports,
// including trailing-edge writes already armed. Must run before Delete so
// the deleted key stays deleted.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.stop)
	})
	r.wg.Wait()
}
