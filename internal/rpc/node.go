// Package rpc carries request/response calls between anonymous pool nodes
// over the shared datastore's pub/sub. Every node owns two channels: one
// for inbound requests, one for responses to calls it initiated. Peers are
// addressed by opaque node ID only; the publish receiver count is the sole
// liveness signal.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/rlb/internal/id"
	"github.com/adred-codev/rlb/internal/monitoring"
	"github.com/adred-codev/rlb/internal/store"
)

// Public errors.
var (
	// ErrNoSuchPeer means the request publish reached zero subscribers:
	// the peer is gone or never existed. No retries happen at this layer.
	ErrNoSuchPeer = errors.New("rpc: no such peer")

	// ErrCallTimeout means no response arrived before the call deadline.
	// The correlation id is abandoned; a late response is dropped.
	ErrCallTimeout = errors.New("rpc: call timed out")

	// ErrClosed means the node has been disconnected.
	ErrClosed = errors.New("rpc: node disconnected")
)

// DefaultTimeout bounds a call when the caller does not supply a deadline.
const DefaultTimeout = 15 * time.Second

// channelPrefix namespaces all RPC channels on the shared datastore.
const channelPrefix = "RPC:"

// RemoteError carries a handler failure from the remote node back to the
// caller. It is distinct from transport errors so the dispatcher can log
// the remote message while treating it as just another reason to fall back.
type RemoteError struct {
	Peer string
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote handler on %s failed: %s", e.Peer, e.Msg)
}

// Handler processes an inbound request payload and returns the response
// payload. A returned error is transported back to the caller as a
// RemoteError.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// envelope is the wire format for both directions. Caller is set only on
// requests; Error only on failed responses.
type envelope struct {
	ID      string          `json:"id"`
	Caller  string          `json:"caller,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Config assembles a Node. All fields are required.
type Config struct {
	NodeID  string
	PoolID  string
	Store   store.Store
	Handler Handler
	Logger  zerolog.Logger
}

// Node is one endpoint of the pub/sub RPC transport.
type Node struct {
	id      string
	poolID  string
	str     store.Store
	handler Handler
	logger  zerolog.Logger

	reqChannel string
	resChannel string
	sub        store.Subscription

	mu      sync.Mutex
	pending map[string]chan envelope
	closed  bool

	wg sync.WaitGroup
}

// RequestChannel returns the channel a node with the given IDs listens on
// for requests.
func RequestChannel(poolID, nodeID string) string {
	return channelPrefix + poolID + ":" + nodeID
}

// ResultChannel returns the channel a node receives responses on.
func ResultChannel(poolID, nodeID string) string {
	return RequestChannel(poolID, nodeID) + ":result"
}

// New subscribes the node's two channels and starts the receive loop.
func New(cfg Config) (*Node, error) {
	n := &Node{
		id:         cfg.NodeID,
		poolID:     cfg.PoolID,
		str:        cfg.Store,
		handler:    cfg.Handler,
		logger:     cfg.Logger.With().Str("component", "rpc").Str("node_id", cfg.NodeID).Logger(),
		reqChannel: RequestChannel(cfg.PoolID, cfg.NodeID),
		resChannel: ResultChannel(cfg.PoolID, cfg.NodeID),
		pending:    make(map[string]chan envelope),
	}

	sub, err := cfg.Store.Subscribe(context.Background(), n.reqChannel, n.resChannel)
	if err != nil {
		return nil, fmt.Errorf("rpc: subscribe failed: %w", err)
	}
	n.sub = sub

	n.wg.Add(1)
	go n.receive()
	return n, nil
}

// Call sends payload to peer and waits for the correlated response.
// timeout <= 0 selects DefaultTimeout. The returned error is one of
// ErrNoSuchPeer, ErrCallTimeout, ErrClosed, a *RemoteError, or a transport
// failure from the datastore.
func (n *Node) Call(ctx context.Context, peer string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	corr := id.Correlation()
	respCh := make(chan envelope, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	n.pending[corr] = respCh
	n.mu.Unlock()
	defer n.abandon(corr)

	data, err := json.Marshal(envelope{ID: corr, Caller: n.id, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("rpc: encode request: %w", err)
	}

	receivers, err := n.str.Publish(ctx, RequestChannel(n.poolID, peer), data)
	if err != nil {
		return nil, fmt.Errorf("rpc: publish to %s: %w", peer, err)
	}
	if receivers == 0 {
		monitoring.RecordRPCCall("no_peer")
		return nil, ErrNoSuchPeer
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			monitoring.RecordRPCCall("remote_error")
			return nil, &RemoteError{Peer: peer, Msg: resp.Error}
		}
		monitoring.RecordRPCCall("ok")
		return resp.Payload, nil
	case <-timer.C:
		monitoring.RecordRPCCall("timeout")
		return nil, ErrCallTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect unsubscribes both channels. Calls pending a response are left
// to time out normally.
func (n *Node) Disconnect() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	err := n.sub.Close()
	n.wg.Wait()
	return err
}

// abandon drops a correlation id; responses arriving afterwards are
// discarded by deliver.
func (n *Node) abandon(corr string) {
	n.mu.Lock()
	delete(n.pending, corr)
	n.mu.Unlock()
}

// receive is the single pump for both channels. Request handling runs in
// its own goroutine per message so a slow handler cannot stall response
// delivery for calls this node initiated.
func (n *Node) receive() {
	defer n.wg.Done()

	for msg := range n.sub.Messages() {
		var env envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			n.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping undecodable RPC message")
			continue
		}

		switch msg.Channel {
		case n.reqChannel:
			n.wg.Add(1)
			go func(env envelope) {
				defer n.wg.Done()
				n.serve(env)
			}(env)
		case n.resChannel:
			n.deliver(env)
		}
	}
}

// serve runs the local handler for one inbound request and publishes the
// response to the caller's result channel.
func (n *Node) serve(req envelope) {
	resp := envelope{ID: req.ID}
	result, err := n.handler(context.Background(), req.Payload)
	if err != nil {
		resp.Error = err.Error()
		monitoring.RecordRPCHandled("error")
		n.logger.Warn().
			Err(err).
			Str("caller", req.Caller).
			Str("correlation_id", req.ID).
			Msg("RPC handler failed")
	} else {
		resp.Payload = result
		monitoring.RecordRPCHandled("ok")
	}

	data, err := json.Marshal(resp)
	if err != nil {
		n.logger.Error().Err(err).Str("correlation_id", req.ID).Msg("Failed to encode RPC response")
		return
	}

	// The response envelope is delivered whenever the handler finished,
	// error or not. Zero receivers means the caller is gone; there is
	// nobody left to tell, so only log it.
	receivers, err := n.str.Publish(context.Background(), ResultChannel(n.poolID, req.Caller), data)
	if err != nil {
		n.logger.Warn().Err(err).Str("caller", req.Caller).Msg("Failed to publish RPC response")
		return
	}
	if receivers == 0 {
		n.logger.Debug().
			Str("caller", req.Caller).
			Str("correlation_id", req.ID).
			Msg("RPC caller vanished before response")
	}
}

// deliver routes a response envelope to the waiting call by correlation
// id. Unknown ids are responses for abandoned (timed out) calls.
func (n *Node) deliver(resp envelope) {
	n.mu.Lock()
	ch, ok := n.pending[resp.ID]
	if ok {
		delete(n.pending, resp.ID)
	}
	n.mu.Unlock()

	if !ok {
		monitoring.RecordLateResponse()
		n.logger.Debug().Str("correlation_id", resp.ID).Msg("Dropping late RPC response")
		return
	}
	ch <- resp
}
