// Package store abstracts the coordination store (HashiCorp Consul) that
// backs session and key-value operations. It is a thin capability surface
// over the store's session and KV HTTP APIs; it holds no allocation
// policy itself.
package store

import "context"

// SessionBehavior controls what happens to a session's held keys when the
// session expires.
type SessionBehavior string

// SessionBehaviorDelete causes every key held by the session to be
// deleted when the session lapses. This is the only behavior consul-ipam
// uses: it is what makes an abrupt daemon death release every lease it
// held within one TTL.
const SessionBehaviorDelete SessionBehavior = "delete"

// KV is a single key/value pair as listed under a prefix.
type KV struct {
	Key   string
	Value string
}

// Store is the capability surface the allocator and session manager
// depend on. A production implementation talks to Consul; tests use
// store/fake.Store.
type Store interface {
	// SessionCreate opens a new session with the given name, TTL and
	// expiry behavior, returning its id.
	SessionCreate(ctx context.Context, name string, ttl int, behavior SessionBehavior) (string, error)

	// SessionRenew renews the session's TTL. It returns
	// ipamerr.ErrSessionLost if the store reports the session no longer
	// exists.
	SessionRenew(ctx context.Context, id string) error

	// SessionDestroy invalidates the session. Errors are the caller's to
	// log; destruction is always best-effort.
	SessionDestroy(ctx context.Context, id string) error

	// List returns every key/value pair stored under prefix. A missing
	// prefix yields an empty slice, not an error.
	List(ctx context.Context, prefix string) ([]KV, error)

	// Get returns the value stored at key and whether it exists.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Acquire attempts to claim key for sessionID with the given value.
	// It returns true iff this call caused the key to become held by the
	// session; false means another session already holds it. Acquiring
	// an already-held key held by the same session is idempotent and
	// also returns true.
	Acquire(ctx context.Context, key, value, sessionID string) (bool, error)

	// Release detaches sessionID from key without deleting it.
	Release(ctx context.Context, key, sessionID string) error

	// Delete removes key outright.
	Delete(ctx context.Context, key string) error

	// Ping reports whether the store is reachable, used by the daemon's
	// startup health check.
	Ping(ctx context.Context) error
}
