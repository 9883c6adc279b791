package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/rlb/internal/monitoring"
)

// Event identifiers published on a job's bus.
const (
	EventJoin               = "join"
	EventLeave              = "leave"
	EventEnd                = "end"
	EventRoomFull           = "room_full"
	EventReservationExpired = "reservation_expired"
)

// defaultEventBuffer is the per-subscription delivery buffer. Events beyond
// a full buffer are dropped and counted; subscribers that need everything
// must drain promptly.
const defaultEventBuffer = 16

// Event is one occurrence on a job's lifecycle stream.
type Event struct {
	ID     string // event identifier (EventJoin, ...)
	Sender string // originating entity, usually a player ID or job name
	Data   any    // optional event payload
}

// SubscribeOptions filter a subscription. Zero values mean "any" for the
// filters and "no timeout" / default buffer for the rest.
type SubscribeOptions struct {
	EventID string        // only events with this ID; "" = all
	Sender  string        // only events from this sender; "" = all
	Timeout time.Duration // cancel the subscription after this long; 0 = never
	Buffer  int           // channel buffer; 0 = defaultEventBuffer
}

// Bus fans job lifecycle events out to filtered subscriptions. Publishing
// never blocks: a subscriber that stops draining loses events, it cannot
// stall the job.
type Bus struct {
	mu     sync.Mutex
	subs   map[*EventSub]struct{}
	closed bool
	logger zerolog.Logger
}

// EventSub is one live subscription. Its channel is closed exactly once,
// on Cancel, timeout, or bus close.
type EventSub struct {
	bus     *Bus
	eventID string
	sender  string
	ch      chan Event
	timer   *time.Timer
	once    sync.Once
}

// NewBus returns an empty event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[*EventSub]struct{}),
		logger: logger,
	}
}

// Subscribe registers a filtered subscription. Events are delivered on
// Events() until Cancel, timeout expiry, or bus close.
func (b *Bus) Subscribe(opts SubscribeOptions) *EventSub {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	s := &EventSub{
		bus:     b,
		eventID: opts.EventID,
		sender:  opts.Sender,
		ch:      make(chan Event, buffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	if opts.Timeout > 0 {
		s.timer = time.AfterFunc(opts.Timeout, s.Cancel)
	}
	return s
}

// Publish delivers ev to every subscription whose filters accept it.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.eventID != "" && s.eventID != ev.ID {
			continue
		}
		if s.sender != "" && s.sender != ev.Sender {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			monitoring.RecordEventOverflow()
			b.logger.Warn().
				Str("event", ev.ID).
				Str("sender", ev.Sender).
				Msg("Event dropped on full subscriber buffer")
		}
	}
}

// Close cancels every subscription. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*EventSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

// Events returns the delivery channel. Closed on cancellation.
func (s *EventSub) Events() <-chan Event { return s.ch }

// Cancel detaches the subscription and closes its channel. Idempotent.
func (s *EventSub) Cancel() {
	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
