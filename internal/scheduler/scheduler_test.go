package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubWorkload drains immediately unless holdDrain is set.
type stubWorkload struct {
	holdDrain  bool
	terminated atomic.Bool
}

func (w *stubWorkload) Terminate(_ context.Context) <-chan struct{} {
	w.terminated.Store(true)
	ch := make(chan struct{})
	if !w.holdDrain {
		close(ch)
	}
	return ch
}

// stubFactory builds stubWorkloads and records creations.
type stubFactory struct {
	seats     int
	min, max  int
	holdDrain bool
	gate      chan struct{} // when non-nil, New blocks until the gate closes

	mu        sync.Mutex
	created   int
	workloads []*stubWorkload
}

func (f *stubFactory) New(_ *Job) (Workload, error) {
	if f.gate != nil {
		<-f.gate
	}
	wl := &stubWorkload{holdDrain: f.holdDrain}
	f.mu.Lock()
	f.created++
	f.workloads = append(f.workloads, wl)
	f.mu.Unlock()
	return wl, nil
}

func (f *stubFactory) DefaultSeatCount() int { return f.seats }

func (f *stubFactory) SeatBounds() (int, int) { return f.min, f.max }

func (f *stubFactory) creations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	s := New(cfg)
	t.Cleanup(func() {
		select {
		case <-s.Close():
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not drain on cleanup")
		}
	})
	return s
}

func TestConsumeRejectsBadSeatCounts(t *testing.T) {
	f := &stubFactory{seats: 4, min: 2, max: 4}
	s := newTestScheduler(t, Config{Factory: f, Mode: ModeAutoCreate})
	ctx := context.Background()

	_, err := s.Consume(ctx, Request{})
	assert.ErrorIs(t, err, ErrBadSeatCount)

	_, err = s.Consume(ctx, Request{PlayerIDs: []string{"p1"}})
	assert.ErrorIs(t, err, ErrBadSeatCount, "below minimum party size")

	_, err = s.Consume(ctx, Request{PlayerIDs: []string{"p1", "p2", "p3", "p4", "p5"}})
	assert.ErrorIs(t, err, ErrBadSeatCount, "above maximum party size")

	assert.Zero(t, f.creations(), "rejected requests never reach the factory")
}

func TestConsumeModeMatchRequiresExistingJob(t *testing.T) {
	f := &stubFactory{seats: 4, max: 4}
	s := newTestScheduler(t, Config{Factory: f, Mode: ModeMatch})

	_, err := s.Consume(context.Background(), Request{PlayerIDs: []string{"p1"}})
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.Zero(t, s.Load())
}

func TestConsumeAutoCreatesAndReserves(t *testing.T) {
	f := &stubFactory{seats: 4, max: 4}
	s := newTestScheduler(t, Config{Factory: f, Mode: ModeAutoCreate})

	resp, err := s.Consume(context.Background(), Request{PlayerIDs: []string{"p1", "p2"}})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Room)
	assert.Equal(t, 1, s.Load())

	j, ok := s.Job(resp.Room)
	require.True(t, ok)
	assert.Equal(t, 4, j.Capacity())
	assert.Equal(t, 2, j.Reservations())
	assert.Equal(t, 2, j.FreeSeats())
}

func TestConsumeFirstFitReusesOpenJob(t *testing.T) {
	f := &stubFactory{seats: 4, max: 4}
	s := newTestScheduler(t, Config{Factory: f, Mode: ModeAutoCreate})
	ctx := context.Background()

	first, err := s.Consume(ctx, Request{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)
	second, err := s.Consume(ctx, Request{PlayerIDs: []string{"p2", "p3"}})
	require.NoError(t, err)

	assert.Equal(t, first.Room, second.Room)
	assert.Equal(t, 1, f.creations())
	assert.Equal(t, 1, s.Load())
}

func TestConsumeGrowsCapacityForLargeParty(t *testing.T) {
	f := &stubFactory{seats: 2, max: 8}
	s := newTestScheduler(t, Config{Factory: f, Mode: ModeAutoCreate})

	resp, err := s.Consume(context.Background(), Request{PlayerIDs: []string{"p1", "p2", "p3", "p4", "p5"}})
	require.NoError(t, err)

	j, ok := s.Job(resp.Room)
	require.True(t, ok)
	assert.Equal(t, 5, j.Capacity(), "capacity grows to seat the whole party")
	assert.Zero(t, j.FreeSeats())
}

func TestConsumeCriteriaSplitJobs(t *testing.T) {
	f := &stubFactory{seats: 4, max: 4}
	s := newTestScheduler(t, Config{Factory: f, Mode: ModeAutoCreate})
	ctx := context.Background()

	dust, err := s.Consume(ctx, Request{PlayerIDs: []string{"p1"}, Criteria: map[string]string{"map": "dust"}})
	require.NoError(t, err)
	mirage, err := s.Consume(ctx, Request{PlayerIDs: []string{"p2"}, Criteria: map[string]string{"map": "mirage"}})
	require.NoError(t, err)
	require.NotEqual(t, dust.Room, mirage.Room)

	// A third request with dust criteria joins the dust job.
	again, err := s.Consume(ctx, Request{PlayerIDs: []string{"p3"}, Criteria: map[string]string{"map": "dust"}})
	require.NoError(t, err)
	assert.Equal(t, dust.Room, again.Room)
	assert.Equal(t, 2, f.creations())
}

func TestConsumeFullJobSpawnsAnother(t *testing.T) {
	f := &stubFactory{seats: 2, max: 2}
	s := newTestScheduler(t, Config{Factory: f, Mode: ModeAutoCreate})
	ctx := context.Background()

	first, err := s.Consume(ctx, Request{PlayerIDs: []string{"p1", "p2"}})
	require.NoError(t, err)
	second, err := s.Consume(ctx, Request{PlayerIDs: []string{"p3"}})
	require.NoError(t, err)

	assert.NotEqual(t, first.Room, second.Room)
	assert.Equal(t, 2, s.Load())
}

func TestCreationQueueReMatchesAfterWait(t *testing.T) {
	f := &stubFactory{seats: 4, max: 4, gate: make(chan struct{})}
	s := newTestScheduler(t, Config{Factory: f, Mode: ModeAutoCreate, Concurrency: 1})
	ctx := context.Background()

	type result struct {
		resp Response
		err  error
	}
	results := make(chan result, 2)
	for i, player := range []string{"p1", "p2"} {
		go func(player string) {
			resp, err := s.Consume(ctx, Request{PlayerIDs: []string{player}})
			results <- result{resp, err}
		}(player)
		if i == 0 {
			// Let the first request claim the creation slot before the
			// second starts waiting on it.
			time.Sleep(30 * time.Millisecond)
		}
	}

	time.Sleep(30 * time.Millisecond)
	close(f.gate)

	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.resp.Room, b.resp.Room, "second request re-matches into the job the first created")
	assert.Equal(t, 1, f.creations())
}

func TestCreationQueueHonorsContext(t *testing.T) {
	f := &stubFactory{seats: 4, max: 4, gate: make(chan struct{})}
	s := newTestScheduler(t, Config{Factory: f, Mode: ModeAutoCreate, Concurrency: 1})
	defer close(f.gate)

	// Occupy the single creation slot.
	go s.Consume(context.Background(), Request{PlayerIDs: []string{"p1"}}) //nolint:errcheck
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Consume(ctx, Request{PlayerIDs: []string{"p2"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentConsumeNeverLosesSeats(t *testing.T) {
	f := &stubFactory{seats: 4, max: 4}
	s := newTestScheduler(t, Config{Factory: f, Mode: ModeAutoCreate})
	ctx := context.Background()

	// Mixed party sizes force creators to publish jobs with free seats
	// while matchers race to fill them. A creating party must never lose
	// its own seats to a concurrent match.
	parties := [][]string{
		{"a1", "a2", "a3", "a4"},
		{"b1"},
		{"c1", "c2", "c3", "c4"},
		{"d1"},
		{"e1", "e2", "e3", "e4"},
		{"f1"},
		{"g1"},
		{"h1"},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(parties))
	for i, party := range parties {
		wg.Add(1)
		go func(i int, party []string) {
			defer wg.Done()
			_, errs[i] = s.Consume(ctx, Request{PlayerIDs: party})
		}(i, party)
	}
	wg.Wait()

	var players int
	for i, err := range errs {
		require.NoError(t, err, "party %d", i)
		players += len(parties[i])
	}

	// Every player holds exactly one seat, and no job oversubscribed.
	s.mu.Lock()
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.Unlock()
	var seated int
	for _, j := range jobs {
		held := j.Occupants() + j.Reservations()
		assert.LessOrEqual(t, held, j.Capacity())
		seated += held
	}
	assert.Equal(t, players, seated)
}

func TestExpiredReservationFreesTheSeat(t *testing.T) {
	f := &stubFactory{seats: 1, max: 1}
	s := newTestScheduler(t, Config{
		Factory:         f,
		Mode:            ModeAutoCreate,
		ReservationHold: 40 * time.Millisecond,
	})
	ctx := context.Background()

	resp, err := s.Consume(ctx, Request{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)
	j, ok := s.Job(resp.Room)
	require.True(t, ok)
	require.Zero(t, j.FreeSeats())

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, j.FreeSeats(), "hold expired, seat is free again")

	// The freed seat is matchable; no second job is created.
	again, err := s.Consume(ctx, Request{PlayerIDs: []string{"p2"}})
	require.NoError(t, err)
	assert.Equal(t, resp.Room, again.Room)
	assert.Equal(t, 1, f.creations())
}

func TestLoadChangeSignals(t *testing.T) {
	var mu sync.Mutex
	var loads []int
	f := &stubFactory{seats: 4, max: 4}
	s := newTestScheduler(t, Config{
		Factory: f,
		Mode:    ModeAutoCreate,
		OnLoadChange: func(load int) {
			mu.Lock()
			loads = append(loads, load)
			mu.Unlock()
		},
	})

	resp, err := s.Consume(context.Background(), Request{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)

	j, _ := s.Job(resp.Room)
	j.End()

	require.Eventually(t, func() bool {
		return s.Load() == 0
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, loads)
	assert.Contains(t, loads, 1)
	assert.Equal(t, 0, loads[len(loads)-1])
}

func TestCloseRefusesWorkAndDrains(t *testing.T) {
	f := &stubFactory{seats: 2, max: 2, holdDrain: true}
	s := New(Config{Factory: f, Mode: ModeAutoCreate, Logger: zerolog.Nop()})
	ctx := context.Background()

	resp, err := s.Consume(ctx, Request{PlayerIDs: []string{"p1"}})
	require.NoError(t, err)
	j, ok := s.Job(resp.Room)
	require.True(t, ok)
	require.True(t, j.Confirm("p1"))

	drained := s.Close()

	_, err = s.Consume(ctx, Request{PlayerIDs: []string{"p2"}})
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case <-drained:
		t.Fatal("drained while an occupant is still seated")
	case <-time.After(50 * time.Millisecond):
	}
	require.True(t, f.workloads[0].terminated.Load(), "close terminates workloads")

	j.Leave("p1")
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("close never drained after last occupant left")
	}

	// Close is idempotent and returns the same drained channel.
	select {
	case <-s.Close():
	default:
		t.Fatal("second Close returned an unresolved channel")
	}
}
