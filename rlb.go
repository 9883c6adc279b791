// Package rlb is a distributed load-balanced request dispatch fabric. A
// pool of symmetric nodes shares one datastore; every node reports its
// consumer's load under a TTL'd key, and every consume request runs on the
// node with the lowest load at that moment, reached over pub/sub RPC when
// the minimum is remote. There is no broker and no leader: a node that
// loses the datastore simply degrades to local-only execution until the
// connection returns.
package rlb

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/rlb/internal/dispatch"
	"github.com/adred-codev/rlb/internal/id"
	"github.com/adred-codev/rlb/internal/registry"
	"github.com/adred-codev/rlb/internal/rpc"
	"github.com/adred-codev/rlb/internal/scheduler"
	"github.com/adred-codev/rlb/internal/store"
)

// Facade aliases: callers program against package rlb only.
type (
	// Request is one unit of work: players asking to be seated together.
	Request = scheduler.Request
	// Response names the matched room and its owning node.
	Response = scheduler.Response
	// Factory builds workloads for created jobs.
	Factory = scheduler.Factory
	// Workload is the domain side of a job.
	Workload = scheduler.Workload
	// Job is a handle on one active unit of work.
	Job = scheduler.Job
	// Capability is a composable job behavior.
	Capability = scheduler.Capability
	// Mode selects match-only vs auto-create behavior.
	Mode = scheduler.Mode
	// Event is one job lifecycle occurrence.
	Event = scheduler.Event
)

// Modes.
const (
	ModeMatch      = scheduler.ModeMatch
	ModeAutoCreate = scheduler.ModeAutoCreate
)

// Errors callers branch on.
var (
	ErrClosed          = dispatch.ErrClosed
	ErrNoMatch         = scheduler.ErrNoMatch
	ErrBadSeatCount    = scheduler.ErrBadSeatCount
	ErrSeatUnavailable = scheduler.ErrSeatUnavailable
)

// Capabilities.
type (
	// RoomFullWatcher emits a room-full event once at capacity.
	RoomFullWatcher = scheduler.RoomFullWatcher
	// AutoDestroy ends idle jobs after two consecutive idle observations.
	AutoDestroy = scheduler.AutoDestroy
)

// Options configure a Node. Store and Factory are required; everything
// else has a working default. The struct must arrive fully resolved: the
// fabric never reads the environment itself.
type Options struct {
	// PoolID isolates load keys and RPC channels between logical pools
	// sharing one datastore. Default "global".
	PoolID string

	// Store is the shared datastore.
	Store store.Store

	// Factory builds the workload for each created job.
	Factory Factory

	// Mode selects what a no-match request does. Default ModeMatch.
	Mode Mode

	// Concurrency bounds simultaneous job creations. Default 1.
	Concurrency int

	// ReservationHold is the seat-hold lifetime. Default 10s.
	ReservationHold time.Duration

	// ReportInterval is the load-report period and key TTL. Default 30s.
	ReportInterval time.Duration

	// RPCTimeout is the per-call deadline. Default 15s.
	RPCTimeout time.Duration

	// AutoDestroyCheckInterval enables the idle auto-destroy capability on
	// every job when > 0.
	AutoDestroyCheckInterval time.Duration

	// Capabilities are attached to every created job, after any
	// auto-destroy watcher.
	Capabilities []Capability

	Logger zerolog.Logger
}

// Node is one process in the dispatch pool: a dispatcher fronting a local
// consumer scheduler, plus the RPC endpoint and load-registry client that
// tie it to its peers. Components communicate through one-way signal
// functions wired here; none holds a reference into another's internals.
type Node struct {
	id     string
	disp   *dispatch.Dispatcher
	sched  *scheduler.Scheduler
	reg    *registry.Registry
	rpc    *rpc.Node
	logger zerolog.Logger
}

// NewNode assembles and starts a node. The node begins reporting load as
// soon as the datastore is reachable.
func NewNode(opts Options) (*Node, error) {
	if opts.Store == nil {
		return nil, errors.New("rlb: Options.Store is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("rlb: Options.Factory is required")
	}
	poolID := opts.PoolID
	if poolID == "" {
		poolID = "global"
	}

	nodeID := id.Node()
	logger := opts.Logger.With().Str("pool", poolID).Logger()

	capabilities := opts.Capabilities
	if opts.AutoDestroyCheckInterval > 0 {
		capabilities = append([]Capability{AutoDestroy{Interval: opts.AutoDestroyCheckInterval}}, capabilities...)
	}

	// The components form a diamond (dispatcher -> consumer + transport,
	// consumer load-change -> registry, transport handler -> dispatcher).
	// The cycles are broken with late-bound signal funcs: each closure is
	// wired before the node is exposed and nil-guarded until then.
	var (
		reg  *registry.Registry
		disp *dispatch.Dispatcher
	)

	sched := scheduler.New(scheduler.Config{
		Factory:         opts.Factory,
		Mode:            opts.Mode,
		Concurrency:     opts.Concurrency,
		ReservationHold: opts.ReservationHold,
		Capabilities:    capabilities,
		OnLoadChange: func(load int) {
			if reg != nil {
				reg.Report(load)
			}
		},
		Logger: logger,
	})

	rpcNode, err := rpc.New(rpc.Config{
		NodeID: nodeID,
		PoolID: poolID,
		Store:  opts.Store,
		Handler: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			// Peers only discover this node once the registry writes its
			// first load report; a request squeezing into the wiring
			// window gets an error and the caller falls back locally.
			if disp == nil {
				return nil, dispatch.ErrClosed
			}
			return disp.HandleRemote(ctx, payload)
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	// The registry's first report (fired by the online signal) advertises
	// this node to the pool, so it is created only after the RPC endpoint
	// is subscribed.
	reg = registry.New(registry.Config{
		NodeID:         nodeID,
		PoolID:         poolID,
		Store:          opts.Store,
		ReportInterval: opts.ReportInterval,
		Load:           sched.Load,
		Logger:         logger,
	})

	disp = dispatch.New(dispatch.Config{
		NodeID:     nodeID,
		Consumer:   sched,
		Transport:  rpcNode,
		Loads:      reg,
		RPCTimeout: opts.RPCTimeout,
		Logger:     logger,
	})

	n := &Node{
		id:     nodeID,
		disp:   disp,
		sched:  sched,
		reg:    reg,
		rpc:    rpcNode,
		logger: logger.With().Str("node_id", nodeID).Logger(),
	}
	n.logger.Info().Msg("Node started")
	return n, nil
}

// ID returns the node's opaque pool identifier.
func (n *Node) ID() string { return n.id }

// Consume routes one work request through the pool.
func (n *Node) Consume(ctx context.Context, req Request) (Response, error) {
	return n.disp.Consume(ctx, req)
}

// Load returns the local consumer's current load.
func (n *Node) Load() int { return n.sched.Load() }

// Job looks up a locally owned job by room name, for workloads confirming
// reservations and managing occupancy.
func (n *Node) Job(name string) (*Job, bool) { return n.sched.Job(name) }

// Online reports whether the node currently sees the shared datastore.
func (n *Node) Online() bool { return n.reg.Online() }

// Close shuts the node down: new consumes fail with ErrClosed, the load
// key is deleted, the RPC endpoint unsubscribes, and the returned channel
// closes once all active jobs have drained.
func (n *Node) Close() <-chan struct{} {
	return n.disp.Close()
}
