package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/rlb/internal/scheduler"
)

type fakeConsumer struct {
	load     atomic.Int64
	consumed atomic.Int64
	err      error
}

func (c *fakeConsumer) Load() int { return int(c.load.Load()) }

func (c *fakeConsumer) Consume(_ context.Context, _ scheduler.Request) (scheduler.Response, error) {
	c.consumed.Add(1)
	if c.err != nil {
		return scheduler.Response{}, c.err
	}
	return scheduler.Response{Room: "local-room"}, nil
}

func (c *fakeConsumer) Close() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeTransport struct {
	calls        atomic.Int64
	lastPeer     atomic.Value // string
	err          error
	resp         scheduler.Response
	disconnected atomic.Bool
}

func (t *fakeTransport) Call(_ context.Context, peer string, _ json.RawMessage, _ time.Duration) (json.RawMessage, error) {
	t.calls.Add(1)
	t.lastPeer.Store(peer)
	if t.err != nil {
		return nil, t.err
	}
	return json.Marshal(t.resp)
}

func (t *fakeTransport) Disconnect() error {
	t.disconnected.Store(true)
	return nil
}

type fakeLoads struct {
	online      atomic.Bool
	peers       map[string]int
	deleted     atomic.Bool
	closed      atomic.Bool
	closedFirst atomic.Bool
}

func (l *fakeLoads) Online() bool { return l.online.Load() }

func (l *fakeLoads) Loads(_ context.Context) map[string]int {
	out := make(map[string]int, len(l.peers))
	for k, v := range l.peers {
		out[k] = v
	}
	return out
}

func (l *fakeLoads) Delete(_ context.Context) error {
	l.closedFirst.Store(l.closed.Load())
	l.deleted.Store(true)
	return nil
}

func (l *fakeLoads) Close() { l.closed.Store(true) }

func newTestDispatcher(c *fakeConsumer, tr *fakeTransport, loads *fakeLoads) *Dispatcher {
	return New(Config{
		NodeID:    "AAAAA",
		Consumer:  c,
		Transport: tr,
		Loads:     loads,
		Logger:    zerolog.Nop(),
	})
}

func TestConsumeLocalWhenLeastLoaded(t *testing.T) {
	c := &fakeConsumer{}
	tr := &fakeTransport{}
	loads := &fakeLoads{peers: map[string]int{"BBBBB": 2, "CCCCC": 5}}
	loads.online.Store(true)
	c.load.Store(1)

	d := newTestDispatcher(c, tr, loads)
	resp, err := d.Consume(context.Background(), scheduler.Request{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)
	assert.Equal(t, "AAAAA", resp.NodeID)
	assert.Equal(t, "local-room", resp.Room)
	assert.Zero(t, tr.calls.Load())
}

func TestConsumeTiePrefersSelf(t *testing.T) {
	c := &fakeConsumer{}
	tr := &fakeTransport{}
	loads := &fakeLoads{peers: map[string]int{"BBBBB": 3}}
	loads.online.Store(true)
	c.load.Store(3)

	d := newTestDispatcher(c, tr, loads)
	resp, err := d.Consume(context.Background(), scheduler.Request{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)
	assert.Equal(t, "AAAAA", resp.NodeID, "equal load means the hop buys nothing")
	assert.Zero(t, tr.calls.Load())
}

func TestConsumeRoutesToLeastLoadedPeer(t *testing.T) {
	c := &fakeConsumer{}
	tr := &fakeTransport{resp: scheduler.Response{Room: "peer-room", NodeID: "BBBBB"}}
	loads := &fakeLoads{peers: map[string]int{"BBBBB": 0, "CCCCC": 4}}
	loads.online.Store(true)
	c.load.Store(3)

	d := newTestDispatcher(c, tr, loads)
	resp, err := d.Consume(context.Background(), scheduler.Request{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)
	assert.Equal(t, "BBBBB", resp.NodeID)
	assert.Equal(t, "peer-room", resp.Room)
	assert.Equal(t, "BBBBB", tr.lastPeer.Load())
	assert.Zero(t, c.consumed.Load(), "request went remote, not local")
}

func TestConsumeEqualPeersDeterministicTieBreak(t *testing.T) {
	c := &fakeConsumer{}
	tr := &fakeTransport{resp: scheduler.Response{Room: "peer-room", NodeID: "BBBBB"}}
	loads := &fakeLoads{peers: map[string]int{"CCCCC": 1, "BBBBB": 1, "DDDDD": 1}}
	loads.online.Store(true)
	c.load.Store(5)

	d := newTestDispatcher(c, tr, loads)
	for i := 0; i < 5; i++ {
		_, err := d.Consume(context.Background(), scheduler.Request{PlayerIDs: []string{"p1"}})
		require.NoError(t, err)
		assert.Equal(t, "BBBBB", tr.lastPeer.Load(), "smallest node ID wins ties")
	}
}

func TestConsumeFallsBackOnTransportError(t *testing.T) {
	c := &fakeConsumer{}
	tr := &fakeTransport{err: errors.New("peer vanished")}
	loads := &fakeLoads{peers: map[string]int{"BBBBB": 0}}
	loads.online.Store(true)
	c.load.Store(3)

	d := newTestDispatcher(c, tr, loads)
	resp, err := d.Consume(context.Background(), scheduler.Request{PlayerIDs: []string{"p1"}})
	require.NoError(t, err, "transport errors never surface to the caller")
	assert.Equal(t, "AAAAA", resp.NodeID)
	assert.Equal(t, int64(1), tr.calls.Load(), "no retry before the fallback")
	assert.Equal(t, int64(1), c.consumed.Load())
}

func TestConsumeOfflineGoesLocal(t *testing.T) {
	c := &fakeConsumer{}
	tr := &fakeTransport{}
	loads := &fakeLoads{peers: map[string]int{"BBBBB": 0}}
	c.load.Store(9)

	d := newTestDispatcher(c, tr, loads)
	resp, err := d.Consume(context.Background(), scheduler.Request{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)
	assert.Equal(t, "AAAAA", resp.NodeID)
	assert.Zero(t, tr.calls.Load())
}

func TestConsumeLocalErrorsSurface(t *testing.T) {
	c := &fakeConsumer{err: scheduler.ErrNoMatch}
	tr := &fakeTransport{}
	loads := &fakeLoads{}
	loads.online.Store(true)

	d := newTestDispatcher(c, tr, loads)
	_, err := d.Consume(context.Background(), scheduler.Request{PlayerIDs: []string{"p1"}})
	assert.ErrorIs(t, err, scheduler.ErrNoMatch)
}

func TestHandleRemoteRunsLocally(t *testing.T) {
	c := &fakeConsumer{}
	tr := &fakeTransport{}
	// Even with an idle peer available, remote requests are not re-routed.
	loads := &fakeLoads{peers: map[string]int{"BBBBB": 0}}
	loads.online.Store(true)
	c.load.Store(7)

	d := newTestDispatcher(c, tr, loads)
	payload, err := json.Marshal(scheduler.Request{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)

	raw, err := d.HandleRemote(context.Background(), payload)
	require.NoError(t, err)

	var resp scheduler.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "AAAAA", resp.NodeID)
	assert.Zero(t, tr.calls.Load())
}

func TestHandleRemoteBadPayload(t *testing.T) {
	d := newTestDispatcher(&fakeConsumer{}, &fakeTransport{}, &fakeLoads{})
	_, err := d.HandleRemote(context.Background(), json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestCloseSequence(t *testing.T) {
	c := &fakeConsumer{}
	tr := &fakeTransport{}
	loads := &fakeLoads{}
	loads.online.Store(true)

	d := newTestDispatcher(c, tr, loads)
	drained := d.Close()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not resolve")
	}
	assert.True(t, loads.deleted.Load(), "load key removed so peers stop routing here")
	assert.True(t, loads.closed.Load())
	assert.True(t, loads.closedFirst.Load(), "reporter silenced before the key delete")
	assert.True(t, tr.disconnected.Load())

	_, err := d.Consume(context.Background(), scheduler.Request{PlayerIDs: []string{"p1"}})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.HandleRemote(context.Background(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, drained, d.Close(), "Close is idempotent")
}
