package store

import (
	"context"
	"path"
	"sync"
	"time"
)

// subscriberBuffer is the per-subscription delivery buffer. Deliveries to a
// full buffer are dropped (pub/sub here is fire-and-forget, same as the
// wire protocol); the publish still counts the subscriber as reached.
const subscriberBuffer = 64

// Memory is an in-process Store. It implements the full contract including
// TTL expiry, glob Keys, and delivered-receiver counts, so the transport
// and registry behave identically against it and against Redis. Tests use
// it as the shared datastore between in-process "nodes", and it backs the
// -store memory single-box mode.
type Memory struct {
	mu        sync.Mutex
	values    map[string]memoryValue
	subs      map[*memorySub]struct{}
	observers []StateFunc
	online    bool
	closed    bool
}

type memoryValue struct {
	data      string
	expiresAt time.Time // zero = no expiry
}

type memorySub struct {
	owner    *Memory
	channels map[string]struct{}
	ch       chan Message
	once     sync.Once
}

// NewMemory returns an empty in-process store in the online state.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]memoryValue),
		subs:   make(map[*memorySub]struct{}),
		online: true,
	}
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return ErrOffline
	}
	v := memoryValue{data: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = v
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return "", false, ErrOffline
	}
	v, ok := m.liveLocked(key)
	if !ok {
		return "", false, nil
	}
	return v.data, true, nil
}

func (m *Memory) MGet(_ context.Context, keys ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return nil, ErrOffline
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := m.liveLocked(k); ok {
			out[k] = v.data
		}
	}
	return out, nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return nil, ErrOffline
	}
	var out []string
	for k := range m.values {
		if _, ok := m.liveLocked(k); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, k); matched {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return ErrOffline
	}
	delete(m.values, key)
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return 0, ErrOffline
	}
	delivered := 0
	for sub := range m.subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}
		delivered++
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		default:
			// Subscriber buffer full: drop, matching fire-and-forget
			// semantics of the real datastore's pub/sub.
		}
	}
	return delivered, nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrOffline
	}
	sub := &memorySub{
		owner:    m,
		channels: make(map[string]struct{}, len(channels)),
		ch:       make(chan Message, subscriberBuffer),
	}
	for _, c := range channels {
		sub.channels[c] = struct{}{}
	}
	m.subs[sub] = struct{}{}
	return sub, nil
}

func (m *Memory) Notify(fn StateFunc) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	online := m.online
	m.mu.Unlock()
	if online {
		fn(true)
	}
}

// SetOnline flips the simulated connection state and notifies observers.
// While offline every operation fails with ErrOffline. Used by tests to
// exercise the dispatcher's offline degradation path.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	observers := append([]StateFunc(nil), m.observers...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(online)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.online = false
	subs := make([]*memorySub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}

// liveLocked returns the value if present and unexpired, lazily evicting
// expired entries. Caller holds m.mu.
func (m *Memory) liveLocked(key string) (memoryValue, bool) {
	v, ok := m.values[key]
	if !ok {
		return memoryValue{}, false
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(m.values, key)
		return memoryValue{}, false
	}
	return v, true
}

func (s *memorySub) Messages() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		close(s.ch)
	})
	return nil
}
