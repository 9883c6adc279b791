// Package scheduler owns the node's active jobs and the machinery that
// matches work into them: first-fit seat matching, time-bounded
// reservations, a bounded-concurrency creation queue, and a drain-on-close
// protocol. It is the "consumer" the dispatcher fronts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/rlb/internal/id"
	"github.com/adred-codev/rlb/internal/monitoring"
)

// Public errors.
var (
	// ErrClosed is returned once the scheduler (or the target job) stopped
	// accepting work.
	ErrClosed = errors.New("scheduler: closed")

	// ErrNoMatch means no open job satisfied the request and the mode does
	// not permit creating one.
	ErrNoMatch = errors.New("scheduler: no matching job")

	// ErrBadSeatCount means the request violated the workload's declared
	// seat bounds. Rejected before any state changes.
	ErrBadSeatCount = errors.New("scheduler: seat count out of bounds")

	// ErrSeatUnavailable means a reservation was attempted on a full job.
	// Matching always checks free seats first, so hitting this indicates
	// an accounting fault worth surfacing to operators.
	ErrSeatUnavailable = errors.New("scheduler: no free seat")

	// ErrAlreadyReserved means the player already holds a seat or a live
	// reservation on the job.
	ErrAlreadyReserved = errors.New("scheduler: player already seated or reserved")
)

// Defaults.
const (
	// DefaultReservationHold is how long a matched seat is held before the
	// player must arrive.
	DefaultReservationHold = 10 * time.Second

	// DefaultConcurrency is the creation-queue width.
	DefaultConcurrency = 1

	// DefaultAutoDestroyInterval is the idle-poll cadence for the
	// AutoDestroy capability.
	DefaultAutoDestroyInterval = 10 * time.Second
)

// Mode selects what happens when no existing job matches a request.
type Mode int

const (
	// ModeMatch fails the request with ErrNoMatch.
	ModeMatch Mode = iota

	// ModeAutoCreate creates a new job through the bounded creation queue.
	ModeAutoCreate
)

// Config assembles a Scheduler.
type Config struct {
	Factory Factory
	Mode    Mode

	// Concurrency bounds simultaneous job creations. <= 0 selects
	// DefaultConcurrency.
	Concurrency int

	// ReservationHold overrides DefaultReservationHold when > 0.
	ReservationHold time.Duration

	// Capabilities are attached to every created job.
	Capabilities []Capability

	// OnLoadChange fires after every change to the active-job count or
	// aggregate occupancy, with the current load. Optional.
	OnLoadChange func(load int)

	Logger zerolog.Logger
}

// Scheduler is the consumer-side work scheduler.
type Scheduler struct {
	factory      Factory
	mode         Mode
	hold         time.Duration
	capabilities []Capability
	onLoadChange func(int)
	queue        *creationQueue
	logger       zerolog.Logger

	mu     sync.Mutex
	open   bool
	jobs   []*Job // insertion order; first fit scans this
	byName map[string]*Job

	drained   chan struct{}
	closeOnce sync.Once
}

// New builds an open scheduler.
func New(cfg Config) *Scheduler {
	hold := cfg.ReservationHold
	if hold <= 0 {
		hold = DefaultReservationHold
	}
	logger := cfg.Logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		factory:      cfg.Factory,
		mode:         cfg.Mode,
		hold:         hold,
		capabilities: cfg.Capabilities,
		onLoadChange: cfg.OnLoadChange,
		queue:        newCreationQueue(cfg.Concurrency, logger),
		logger:       logger,
		open:         true,
		byName:       make(map[string]*Job),
		drained:      make(chan struct{}),
	}
}

// Load returns the active-job count. This is the scalar the node reports
// to the load registry.
func (s *Scheduler) Load() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Job looks up an active job by name.
func (s *Scheduler) Job(name string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byName[name]
	return j, ok
}

// Consume matches the request's players into a job, reserving one seat per
// player, and returns the job's room name. In ModeAutoCreate a new job is
// created through the bounded creation queue when nothing matches.
func (s *Scheduler) Consume(ctx context.Context, req Request) (Response, error) {
	if err := s.validate(req); err != nil {
		return Response{}, err
	}

	j, err := s.match(req)
	if err == nil {
		return Response{Room: j.Name()}, nil
	}
	if errors.Is(err, ErrClosed) {
		return Response{}, ErrClosed
	}
	if s.mode == ModeMatch {
		return Response{}, ErrNoMatch
	}

	j, err = s.queue.Do(ctx, func() (*Job, error) {
		// A creation that finished while this request waited for a slot
		// may already satisfy it; re-scan before creating another job.
		if j, err := s.match(req); err == nil {
			return j, nil
		} else if errors.Is(err, ErrClosed) {
			return nil, ErrClosed
		}
		return s.create(req)
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Room: j.Name()}, nil
}

// validate fail-fasts a request against the workload's seat bounds.
func (s *Scheduler) validate(req Request) error {
	seats := len(req.PlayerIDs)
	if seats == 0 {
		return fmt.Errorf("%w: request has no players", ErrBadSeatCount)
	}
	min, max := s.factory.SeatBounds()
	if min > 0 && seats < min {
		return fmt.Errorf("%w: %d < minimum %d", ErrBadSeatCount, seats, min)
	}
	if max > 0 && seats > max {
		return fmt.Errorf("%w: %d > maximum %d", ErrBadSeatCount, seats, max)
	}
	return nil
}

// match scans active jobs in insertion order and reserves seats on the
// first open job with room for the whole party that satisfies the
// criteria.
func (s *Scheduler) match(req Request) (*Job, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.Unlock()

	seats := len(req.PlayerIDs)
	for _, j := range jobs {
		if !j.Open() || j.FreeSeats() < seats || !j.matches(req.Criteria) {
			continue
		}
		if err := s.reserveAll(j, req.PlayerIDs); err != nil {
			// Lost the seats to a concurrent match; first fit moves on.
			continue
		}
		return j, nil
	}
	return nil, ErrNoMatch
}

// reserveAll reserves one seat per player, rolling back on any failure so
// a partial party never holds seats.
func (s *Scheduler) reserveAll(j *Job, players []string) error {
	for i, player := range players {
		if err := j.Reserve(player); err != nil {
			for _, held := range players[:i] {
				j.release(held)
			}
			return err
		}
	}
	return nil
}

// create builds, registers, and seats a new job. Runs inside a creation
// slot.
func (s *Scheduler) create(req Request) (*Job, error) {
	seats := len(req.PlayerIDs)
	capacity := s.factory.DefaultSeatCount()
	if seats > capacity {
		capacity = seats
	}
	if min, _ := s.factory.SeatBounds(); min > 0 && capacity < min {
		capacity = min
	}

	// The creating request's criteria become the job's properties, so the
	// job matches the demand that spawned it.
	j := newJob(id.New(id.DefaultLength), capacity, s.hold, req.Criteria, s.loadChanged, s.logger)

	wl, err := s.factory.New(j)
	if err != nil {
		return nil, fmt.Errorf("scheduler: workload creation failed: %w", err)
	}
	j.setWorkload(wl)

	for _, c := range s.capabilities {
		c.Attach(j)
	}

	// Seat the creating party before the job becomes reachable: once it is
	// in the active set, concurrent matches may take any free seats, and
	// the creator's party must not lose theirs to one.
	if err := s.reserveAll(j, req.PlayerIDs); err != nil {
		// Capacity was sized to fit the party; failing here means the
		// accounting is wrong, not the request.
		s.logger.Error().Err(err).Str("job", j.Name()).Msg("Fresh job could not seat its party")
		j.End()
		return nil, ErrSeatUnavailable
	}

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		j.End()
		return nil, ErrClosed
	}
	s.jobs = append(s.jobs, j)
	s.byName[j.Name()] = j
	s.mu.Unlock()

	go s.watchEnd(j)

	s.logger.Info().
		Str("job", j.Name()).
		Int("capacity", capacity).
		Int("party", seats).
		Msg("Job created")
	s.loadChanged()
	return j, nil
}

// watchEnd removes a job from the active set when its END fires.
func (s *Scheduler) watchEnd(j *Job) {
	<-j.Done()

	s.mu.Lock()
	delete(s.byName, j.Name())
	for i, cur := range s.jobs {
		if cur == j {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.logger.Info().Str("job", j.Name()).Msg("Job ended")
	s.loadChanged()
}

// loadChanged publishes the current load to the configured observer and
// the metrics gauge. Called with no locks held.
func (s *Scheduler) loadChanged() {
	load := s.Load()
	monitoring.SetActiveJobs(load)
	if s.onLoadChange != nil {
		s.onLoadChange(load)
	}
}

// Close refuses new work immediately and returns a channel that closes
// once every active job has terminated or drained.
func (s *Scheduler) Close() <-chan struct{} {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.open = false
		jobs := append([]*Job(nil), s.jobs...)
		s.mu.Unlock()

		go func() {
			waits := make([]<-chan struct{}, 0, len(jobs))
			for _, j := range jobs {
				waits = append(waits, j.Terminate())
			}
			for _, w := range waits {
				<-w
			}
			s.logger.Info().Int("jobs", len(jobs)).Msg("Scheduler drained")
			close(s.drained)
		}()
	})
	return s.drained
}
