// Package store defines the shared-datastore contract the fabric runs on:
// TTL'd key/value storage for the load registry plus pub/sub with
// delivered-receiver counts for the RPC transport.
//
// Two implementations exist: a Redis-backed one for production pools and an
// in-process one used by tests and single-box runs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrOffline is returned by operations attempted while the datastore
// connection is down. Callers treat it like any other transient store
// failure; the dispatcher reacts to the state notification, not the error.
var ErrOffline = errors.New("store: connection is offline")

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription on a dedicated connection.
//
// The subscribing connection must not be reused for other commands while
// subscribed, so implementations hold a separate connection per
// Subscription.
type Subscription interface {
	// Messages returns the delivery channel. It is closed after Close.
	Messages() <-chan Message

	// Close unsubscribes and releases the dedicated connection.
	// Safe to call more than once.
	Close() error
}

// StateFunc observes datastore connectivity transitions.
// online=true fires on (re)connect, online=false on connection loss.
type StateFunc func(online bool)

// Store is the shared datastore contract: keyed values with
// TTL, pattern listing, and pub/sub where Publish reports how many
// subscribers received the message.
type Store interface {
	// Set writes key=value with the given TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// MGet returns the subset of keys that exist.
	MGet(ctx context.Context, keys ...string) (map[string]string, error)

	// Keys lists keys matching a glob pattern (e.g. "RDB:global:*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Publish sends payload on channel and returns the number of
	// subscribers it was delivered to.
	Publish(ctx context.Context, channel string, payload []byte) (int, error)

	// Subscribe opens a dedicated subscriber connection for the given
	// channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Notify registers a connectivity observer. Observers registered while
	// the store is already online are called with online=true immediately
	// so late registration cannot miss the initial state.
	Notify(fn StateFunc)

	// Close tears down all connections. Open subscriptions are closed.
	Close() error
}
