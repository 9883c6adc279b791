package scheduler

import "context"

// Workload is the domain side of a job: the actual room/game/session the
// fabric schedules but does not understand. The workload signals END by
// calling End on its job handle when it finishes on its own.
type Workload interface {
	// Terminate asks the workload to drain. The returned channel is closed
	// when the workload considers the job drainable.
	Terminate(ctx context.Context) <-chan struct{}
}

// Factory constructs workloads and declares their seat policy. The factory
// typically closes over whatever transport clients the workload needs;
// none of that reaches the scheduler.
type Factory interface {
	// New builds the workload for a freshly created job. The job handle is
	// the workload's only channel back into the fabric (occupancy, events,
	// End).
	New(j *Job) (Workload, error)

	// DefaultSeatCount is the capacity of a job created without an
	// explicit larger request.
	DefaultSeatCount() int

	// SeatBounds returns the allowed capacity range. max <= 0 means
	// unbounded above; min <= 0 means no lower bound beyond 1.
	SeatBounds() (min, max int)
}

// Request is one unit of work submitted to the fabric: a set of players
// asking to be seated together, optionally constrained by property
// criteria.
type Request struct {
	PlayerIDs []string          `json:"playerIds"`
	Criteria  map[string]string `json:"criteria,omitempty"`
}

// Response names the job the players were matched into and the node that
// owns it.
type Response struct {
	Room   string `json:"room"`
	NodeID string `json:"nodeId"`
}
