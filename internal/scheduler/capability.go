package scheduler

import (
	"time"
)

// Capability is a composable behavior attached to a job at creation. Each
// capability owns its own state and watches the job through its event bus;
// jobs never know which capabilities observe them.
type Capability interface {
	Attach(j *Job)
}

// RoomFullWatcher emits EventRoomFull once when occupants reach capacity,
// then detaches from further join events.
type RoomFullWatcher struct{}

// Attach subscribes to join events until the job fills or ends.
func (RoomFullWatcher) Attach(j *Job) {
	sub := j.Events().Subscribe(SubscribeOptions{EventID: EventJoin})
	go func() {
		defer sub.Cancel()
		for ev := range sub.Events() {
			if full, _ := ev.Data.(bool); full {
				j.Events().Publish(Event{ID: EventRoomFull, Sender: j.Name()})
				return
			}
		}
	}()
}

// AutoDestroy ends a job after two consecutive idle observations, where
// idle means zero occupants and zero reservations. Requiring two
// observations spans the transient zero window between a match and the
// player's arrival, so a freshly matched room is not destroyed out from
// under its player.
type AutoDestroy struct {
	// Interval between observations. <= 0 selects
	// DefaultAutoDestroyInterval.
	Interval time.Duration
}

// Attach starts the idle poller; it stops when the job ends.
func (a AutoDestroy) Attach(j *Job) {
	interval := a.Interval
	if interval <= 0 {
		interval = DefaultAutoDestroyInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		idleStreak := 0
		for {
			select {
			case <-j.Done():
				return
			case <-ticker.C:
				if j.Occupants() == 0 && j.Reservations() == 0 {
					idleStreak++
					if idleStreak >= 2 {
						j.End()
						return
					}
				} else {
					idleStreak = 0
				}
			}
		}
	}()
}
