// Package dispatch is the node's front door: it accepts local work
// requests and routes each one to the lowest-loaded node in the pool,
// preferring itself on ties and falling back to itself whenever the
// network path fails. All state the dispatcher reads flows in through
// narrow interfaces; it never reaches into another component's internals.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/rlb/internal/monitoring"
	"github.com/adred-codev/rlb/internal/scheduler"
)

// ErrClosed is returned by Consume after Close.
var ErrClosed = errors.New("dispatch: closed")

// closeTimeout bounds the load-key delete during Close.
const closeTimeout = 5 * time.Second

// Consumer is the local work handler (the scheduler).
type Consumer interface {
	Load() int
	Consume(ctx context.Context, req scheduler.Request) (scheduler.Response, error)
	Close() <-chan struct{}
}

// Transport issues calls to peers (the RPC node).
type Transport interface {
	Call(ctx context.Context, peer string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	Disconnect() error
}

// LoadSource is the registry view the dispatcher routes by.
type LoadSource interface {
	Online() bool
	Loads(ctx context.Context) map[string]int
	Delete(ctx context.Context) error
	Close()
}

// Config assembles a Dispatcher.
type Config struct {
	NodeID    string
	Consumer  Consumer
	Transport Transport
	Loads     LoadSource

	// RPCTimeout bounds each remote call. <= 0 uses the transport default.
	RPCTimeout time.Duration

	Logger zerolog.Logger
}

// Dispatcher routes consume requests to the least-loaded node.
type Dispatcher struct {
	nodeID    string
	consumer  Consumer
	transport Transport
	loads     LoadSource
	timeout   time.Duration
	logger    zerolog.Logger

	mu   sync.Mutex
	open bool

	closeOnce sync.Once
	drained   <-chan struct{}
}

// New builds an open dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		nodeID:    cfg.NodeID,
		consumer:  cfg.Consumer,
		transport: cfg.Transport,
		loads:     cfg.Loads,
		timeout:   cfg.RPCTimeout,
		logger:    cfg.Logger.With().Str("component", "dispatcher").Str("node_id", cfg.NodeID).Logger(),
		open:      true,
	}
}

// Consume routes one work request.
//
// Routing order: closed check, offline short-circuit, then least-loaded
// selection with self preferred on ties (a tie means the hop buys
// nothing). Any remote failure whatsoever falls back to the local
// consumer, unretried; the caller never sees transport errors.
func (d *Dispatcher) Consume(ctx context.Context, req scheduler.Request) (scheduler.Response, error) {
	if !d.isOpen() {
		return scheduler.Response{}, ErrClosed
	}

	if !d.loads.Online() {
		monitoring.RecordDispatch("offline")
		return d.local(ctx, req)
	}

	localLoad := d.consumer.Load()
	peer, peerLoad, ok := leastLoaded(d.loads.Loads(ctx))
	if !ok || peerLoad >= localLoad {
		monitoring.RecordDispatch("local")
		return d.local(ctx, req)
	}
	if peer == d.nodeID {
		// The registry excludes self, so this is belt and braces: the
		// invariant is that a node never RPCs itself.
		monitoring.RecordDispatch("local")
		return d.local(ctx, req)
	}

	resp, err := d.remote(ctx, peer, req)
	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("peer", peer).
			Int("peer_load", peerLoad).
			Int("local_load", localLoad).
			Msg("Remote dispatch failed; falling back to local consumer")
		monitoring.RecordDispatch("fallback")
		return d.local(ctx, req)
	}
	monitoring.RecordDispatch("remote")
	return resp, nil
}

// leastLoaded picks the minimum-load peer. Equal loads tie-break on the
// smaller node ID so routing is deterministic across calls.
func leastLoaded(loads map[string]int) (string, int, bool) {
	var (
		bestPeer string
		bestLoad int
		found    bool
	)
	for peer, load := range loads {
		if !found || load < bestLoad || (load == bestLoad && peer < bestPeer) {
			bestPeer, bestLoad, found = peer, load, true
		}
	}
	return bestPeer, bestLoad, found
}

// local invokes the local consumer and stamps this node's ID on the
// response.
func (d *Dispatcher) local(ctx context.Context, req scheduler.Request) (scheduler.Response, error) {
	resp, err := d.consumer.Consume(ctx, req)
	if err != nil {
		return scheduler.Response{}, err
	}
	resp.NodeID = d.nodeID
	return resp, nil
}

// remote carries the request to a peer over the RPC transport.
func (d *Dispatcher) remote(ctx context.Context, peer string, req scheduler.Request) (scheduler.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return scheduler.Response{}, fmt.Errorf("dispatch: encode request: %w", err)
	}

	raw, err := d.transport.Call(ctx, peer, payload, d.timeout)
	if err != nil {
		return scheduler.Response{}, err
	}

	var resp scheduler.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return scheduler.Response{}, fmt.Errorf("dispatch: decode response from %s: %w", peer, err)
	}
	return resp, nil
}

// HandleRemote is the RPC handler for requests other nodes routed here.
// Remote requests run on the local consumer directly; re-balancing them
// would bounce work around the pool.
func (d *Dispatcher) HandleRemote(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if !d.isOpen() {
		return nil, ErrClosed
	}

	var req scheduler.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("dispatch: decode remote request: %w", err)
	}

	resp, err := d.local(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// Close stops accepting work, removes this node's load key so peers stop
// routing here, disconnects the transport, and drains the consumer. The
// returned channel closes when the drain completes.
func (d *Dispatcher) Close() <-chan struct{} {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.open = false
		d.mu.Unlock()

		// Silence the load reporter before deleting the key: a load change
		// during drain must not re-advertise this node to the pool.
		d.loads.Close()
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := d.loads.Delete(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to delete load key on close")
		}
		cancel()

		if err := d.transport.Disconnect(); err != nil {
			d.logger.Warn().Err(err).Msg("RPC disconnect failed")
		}

		d.logger.Info().Msg("Dispatcher closed; draining consumer")
		d.drained = d.consumer.Close()
	})
	return d.drained
}

func (d *Dispatcher) isOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}
