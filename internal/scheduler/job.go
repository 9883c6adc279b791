package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/rlb/internal/monitoring"
)

// Job is one active unit of work the scheduler owns: a named room with a
// fixed seat capacity, current occupants, and time-bounded seat
// reservations between match and arrival.
//
// Seat accounting invariant: occupants + reservations never exceeds
// capacity. A seat is accounted as reserved before its hold timer is
// armed, so a seat can never be double-promised to peers.
//
// Lock discipline: j.mu guards all job state. Change notifications and
// event publishes always happen after j.mu is released, so observers (the
// scheduler, capability watchers) may take their own locks freely.
type Job struct {
	name     string
	capacity int
	hold     time.Duration
	bus      *Bus
	logger   zerolog.Logger

	// onChange notifies the scheduler of any occupancy or lifecycle
	// change. Never invoked while j.mu is held.
	onChange func()

	mu           sync.Mutex
	open         bool
	occupants    map[string]struct{}
	reservations map[string]*reservation
	properties   map[string]string
	workload     Workload
	ended        bool

	done    chan struct{} // closed on END
	changed chan struct{} // cap 1, kicked on occupancy changes (drain wakeups)
}

// reservation is one held seat. The timer pointer doubles as a generation
// marker: expiry only removes the entry it armed, so a confirm racing the
// timer can never release a seat that was re-reserved.
type reservation struct {
	player    string
	expiresAt time.Time
	timer     *time.Timer
}

func newJob(name string, capacity int, hold time.Duration, properties map[string]string, onChange func(), logger zerolog.Logger) *Job {
	props := make(map[string]string, len(properties))
	for k, v := range properties {
		props[k] = v
	}
	jl := logger.With().Str("component", "job").Str("job", name).Logger()
	return &Job{
		name:         name,
		capacity:     capacity,
		hold:         hold,
		bus:          NewBus(jl),
		logger:       jl,
		onChange:     onChange,
		open:         true,
		occupants:    make(map[string]struct{}),
		reservations: make(map[string]*reservation),
		properties:   props,
		done:         make(chan struct{}),
		changed:      make(chan struct{}, 1),
	}
}

// Name returns the job's unique (per node) name.
func (j *Job) Name() string { return j.name }

// Capacity returns the job's seat capacity.
func (j *Job) Capacity() int { return j.capacity }

// Events returns the job's lifecycle event bus.
func (j *Job) Events() *Bus { return j.bus }

// Done is closed when the job ends.
func (j *Job) Done() <-chan struct{} { return j.done }

// Open reports whether the job accepts new matches.
func (j *Job) Open() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.open && !j.ended
}

// SetOpen flips match eligibility without ending the job.
func (j *Job) SetOpen(open bool) {
	j.mu.Lock()
	j.open = open
	j.mu.Unlock()
}

// FreeSeats returns capacity minus occupants and live reservations.
func (j *Job) FreeSeats() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.capacity - len(j.occupants) - len(j.reservations)
}

// Occupants returns the current occupant count.
func (j *Job) Occupants() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.occupants)
}

// Reservations returns the live reservation count.
func (j *Job) Reservations() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.reservations)
}

// Properties returns a copy of the job's metadata.
func (j *Job) Properties() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]string, len(j.properties))
	for k, v := range j.properties {
		out[k] = v
	}
	return out
}

// setWorkload binds the workload built for this job. Called once by the
// scheduler right after creation.
func (j *Job) setWorkload(wl Workload) {
	j.mu.Lock()
	j.workload = wl
	j.mu.Unlock()
}

// release drops a live reservation without publishing an expiry event.
// Used to roll back a partially reserved multi-player match.
func (j *Job) release(player string) {
	j.mu.Lock()
	r, ok := j.reservations[player]
	if ok {
		r.timer.Stop()
		delete(j.reservations, player)
	}
	j.mu.Unlock()
	if ok {
		j.notify()
	}
}

// matches reports whether every criteria entry equals the job's property.
func (j *Job) matches(criteria map[string]string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for k, want := range criteria {
		if j.properties[k] != want {
			return false
		}
	}
	return true
}

// Reserve holds a seat for player with the job's reservation hold time.
// The seat counts against capacity immediately; the hold timer is armed
// only after the accounting is done.
func (j *Job) Reserve(player string) error {
	j.mu.Lock()
	if j.ended || !j.open {
		j.mu.Unlock()
		return ErrClosed
	}
	if _, dup := j.reservations[player]; dup {
		j.mu.Unlock()
		return ErrAlreadyReserved
	}
	if _, in := j.occupants[player]; in {
		j.mu.Unlock()
		return ErrAlreadyReserved
	}
	if j.capacity-len(j.occupants)-len(j.reservations) <= 0 {
		j.mu.Unlock()
		return ErrSeatUnavailable
	}

	r := &reservation{player: player, expiresAt: time.Now().Add(j.hold)}
	j.reservations[player] = r
	r.timer = time.AfterFunc(j.hold, func() { j.expire(player, r) })
	j.mu.Unlock()

	monitoring.RecordReservation("made")
	j.notify()
	return nil
}

// expire is the hold-timer callback. It acts only if the exact reservation
// it was armed for is still present, which makes expiry idempotent and
// harmless against confirm/re-reserve races.
func (j *Job) expire(player string, r *reservation) {
	j.mu.Lock()
	cur, ok := j.reservations[player]
	if !ok || cur != r {
		j.mu.Unlock()
		return
	}
	delete(j.reservations, player)
	j.mu.Unlock()

	monitoring.RecordReservation("expired")
	j.logger.Debug().Str("player", player).Msg("Reservation expired")
	j.bus.Publish(Event{ID: EventReservationExpired, Sender: player})
	j.notify()
}

// Confirm converts a live reservation into an occupant. Returns false if
// the reservation already expired or never existed; the late arrival does
// not get the seat back.
func (j *Job) Confirm(player string) bool {
	j.mu.Lock()
	r, ok := j.reservations[player]
	if !ok || j.ended {
		j.mu.Unlock()
		return false
	}
	r.timer.Stop()
	delete(j.reservations, player)
	j.occupants[player] = struct{}{}
	full := len(j.occupants) == j.capacity
	j.mu.Unlock()

	monitoring.RecordReservation("confirmed")
	j.bus.Publish(Event{ID: EventJoin, Sender: player, Data: full})
	j.notify()
	return true
}

// Leave removes an occupant. Unknown players are ignored.
func (j *Job) Leave(player string) {
	j.mu.Lock()
	if _, ok := j.occupants[player]; !ok {
		j.mu.Unlock()
		return
	}
	delete(j.occupants, player)
	j.mu.Unlock()

	j.bus.Publish(Event{ID: EventLeave, Sender: player})
	j.notify()
}

// End marks the job finished. Idempotent. The scheduler's END watcher
// removes the job from the active set.
func (j *Job) End() {
	j.mu.Lock()
	if j.ended {
		j.mu.Unlock()
		return
	}
	j.ended = true
	j.open = false
	for player, r := range j.reservations {
		r.timer.Stop()
		delete(j.reservations, player)
	}
	j.mu.Unlock()

	j.bus.Publish(Event{ID: EventEnd, Sender: j.name})
	close(j.done)
	j.bus.Close()
	j.notify()
}

// Terminate refuses new matches and resolves when the job has drained:
// either its END fired or all occupants left. The workload is asked to
// drain first.
func (j *Job) Terminate() <-chan struct{} {
	j.mu.Lock()
	j.open = false
	wl := j.workload
	j.mu.Unlock()

	var wlDone <-chan struct{}
	if wl != nil {
		wlDone = wl.Terminate(context.Background())
	}

	out := make(chan struct{})
	go func() {
		defer close(out)
		for {
			j.mu.Lock()
			drained := j.ended || (len(j.occupants) == 0 && len(j.reservations) == 0)
			j.mu.Unlock()
			if drained {
				return
			}
			select {
			case <-j.done:
				return
			case <-wlDone:
				return
			case <-j.changed:
			}
		}
	}()
	return out
}

// notify kicks drain waiters and the scheduler's load accounting.
// Must be called without j.mu held.
func (j *Job) notify() {
	select {
	case j.changed <- struct{}{}:
	default:
	}
	if j.onChange != nil {
		j.onChange()
	}
}
