package main

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/rlb"
)

// errNotSeated is returned when a player connects without a live
// reservation (never matched, or the hold expired before arrival).
var errNotSeated = errors.New("room: no live reservation for player")

// RoomFactory is the demo workload: plain chat-style game rooms over
// WebSocket. One Room exists per fabric job; players arrive over an HTTP
// upgrade carrying the room name their match response named.
type RoomFactory struct {
	seats  int
	logger zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRoomFactory builds a factory whose rooms default to the given seat
// count.
func NewRoomFactory(seats int, logger zerolog.Logger) *RoomFactory {
	return &RoomFactory{
		seats:  seats,
		logger: logger.With().Str("component", "room_factory").Logger(),
		rooms:  make(map[string]*Room),
	}
}

// New creates the Room for a freshly created job.
func (f *RoomFactory) New(j *rlb.Job) (rlb.Workload, error) {
	r := &Room{
		job:    j,
		conns:  make(map[string]net.Conn),
		logger: f.logger.With().Str("room", j.Name()).Logger(),
	}

	f.mu.Lock()
	f.rooms[j.Name()] = r
	f.mu.Unlock()

	// Drop the lookup entry once the job ends so stale names cannot be
	// joined.
	go func() {
		<-j.Done()
		f.mu.Lock()
		delete(f.rooms, j.Name())
		f.mu.Unlock()
		r.closeAll()
	}()

	return r, nil
}

// DefaultSeatCount implements rlb.Factory.
func (f *RoomFactory) DefaultSeatCount() int { return f.seats }

// SeatBounds implements rlb.Factory: parties from one player up to a full
// room.
func (f *RoomFactory) SeatBounds() (min, max int) { return 1, f.seats }

// Room looks up an active room by name.
func (f *RoomFactory) Room(name string) (*Room, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[name]
	return r, ok
}

// Room is one live game room: the set of connected players and their
// WebSocket connections. Messages from any player are broadcast to the
// rest of the room.
type Room struct {
	job    *rlb.Job
	logger zerolog.Logger

	mu       sync.Mutex
	conns    map[string]net.Conn
	draining bool
}

// Join admits a player who holds a live reservation, then pumps their
// messages until the connection drops.
func (r *Room) Join(player string, conn net.Conn) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return errNotSeated
	}
	r.mu.Unlock()

	if !r.job.Confirm(player) {
		return errNotSeated
	}

	r.mu.Lock()
	r.conns[player] = conn
	r.mu.Unlock()

	r.logger.Info().Str("player", player).Msg("Player joined")

	go r.readLoop(player, conn)
	return nil
}

// readLoop relays one player's messages to the rest of the room.
func (r *Room) readLoop(player string, conn net.Conn) {
	defer r.leave(player)

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		r.broadcast(player, data)
	}
}

// broadcast writes data to every player except the sender. Write errors
// are left to the failing player's own read loop to clean up.
func (r *Room) broadcast(from string, data []byte) {
	r.mu.Lock()
	conns := make(map[string]net.Conn, len(r.conns))
	for p, c := range r.conns {
		conns[p] = c
	}
	r.mu.Unlock()

	for player, conn := range conns {
		if player == from {
			continue
		}
		if err := wsutil.WriteServerText(conn, data); err != nil {
			r.logger.Debug().Err(err).Str("player", player).Msg("Broadcast write failed")
		}
	}
}

// leave disconnects a player and releases their seat.
func (r *Room) leave(player string) {
	r.mu.Lock()
	conn, ok := r.conns[player]
	if ok {
		delete(r.conns, player)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	conn.Close()
	r.job.Leave(player)
	r.logger.Info().Str("player", player).Msg("Player left")
}

// Terminate implements rlb.Workload: stop admitting players, kick the
// rest, and report drainable once everyone is gone.
func (r *Room) Terminate(_ context.Context) <-chan struct{} {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.closeAll()
	}()
	return done
}

// closeAll closes every connection with a going-away frame; the read
// loops then release the seats.
func (r *Room) closeAll() {
	r.mu.Lock()
	conns := make([]net.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		body := ws.NewCloseFrameBody(ws.StatusGoingAway, "room closing")
		ws.WriteFrame(conn, ws.NewCloseFrame(body))
		conn.Close()
	}
}
