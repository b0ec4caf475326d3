// Package store defines SyncFlow's boundary to the shared remote document
// store: a keyed record tree with child-added/changed/removed subscription
// semantics. The engine never depends on a concrete transport, only on the
// Store interface; MemoryStore provides a full in-process implementation
// used by tests and local operation.
package store

import "time"

// Record is the raw form of one stored document as it crosses the transport
// boundary. It is parsed into a typed value (see records.go) before any of
// it reaches the engine.
type Record map[string]any

// Window bounds a subscription to recent data so that accounts with years
// of history do not stream unbounded state.
type Window struct {
	// Since drops children older than this instant. Zero means unbounded.
	Since time.Time
	// Limit caps the initial replay to the newest N children. Zero means
	// unbounded.
	Limit int
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Window Window
}

// Subscription is one live feed of child events under a prefix. Events()
// is closed after Cancel or after a transport-initiated cancellation
// (which is preceded by a terminal KindCancelled event).
type Subscription interface {
	Events() <-chan Event
	Cancel()
}

// Store is the keyed document store shared by all of a user's devices.
//
// Update exists so that status transitions can be applied as an atomic
// read-modify-write; it is the primitive that keeps request status fields
// forward-only under concurrent fulfillers.
type Store interface {
	// Put writes the record at path, creating or replacing it.
	Put(path string, rec Record) error

	// Get reads the record at path. The second result is false if no
	// record exists.
	Get(path string) (Record, bool, error)

	// Update applies fn atomically to the record at path (nil if absent).
	// Returning a nil record from fn leaves the store unchanged.
	Update(path string, fn func(Record) (Record, error)) error

	// Delete removes the record at path. Deleting an absent path is a
	// no-op.
	Delete(path string) error

	// List returns all direct children under prefix, keyed by child id.
	List(prefix string) (map[string]Record, error)

	// Subscribe opens a live feed of child events under prefix. Existing
	// children inside the window are replayed as added events first.
	Subscribe(prefix string, opts SubscribeOptions) (Subscription, error)
}
