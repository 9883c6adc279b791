package scheduler

import (
	"context"

	"github.com/rs/zerolog"
)

// creationQueue bounds how many job creations run at once.
//
// Purpose:
//   - Job creation invokes the workload factory, which may allocate real
//     resources (game state, transport handles) and is the most expensive
//     operation the scheduler performs.
//   - Under a create storm (many concurrent no-match requests) an unbounded
//     fan-out would overwhelm the workload; the queue serializes creations
//     down to the configured concurrency (default 1).
//
// Unlike a drop-on-full worker pool, callers here wait for a slot: a match
// request must either produce a job or fail deterministically, never be
// silently discarded. Backpressure comes from the caller's context.
type creationQueue struct {
	slots  chan struct{}
	logger zerolog.Logger
}

func newCreationQueue(concurrency int, logger zerolog.Logger) *creationQueue {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &creationQueue{
		slots:  make(chan struct{}, concurrency),
		logger: logger,
	}
}

// Do runs fn while holding a creation slot. If no slot frees before the
// caller's context expires, the context error is returned and fn never
// runs.
func (q *creationQueue) Do(ctx context.Context, fn func() (*Job, error)) (*Job, error) {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		q.logger.Debug().Err(ctx.Err()).Msg("Gave up waiting for a creation slot")
		return nil, ctx.Err()
	}
	defer func() { <-q.slots }()
	return fn()
}

// Depth returns how many creations currently hold a slot.
func (q *creationQueue) Depth() int { return len(q.slots) }
