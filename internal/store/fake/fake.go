// Package fake provides an in-memory store.Store for unit tests, modeled
// on the retrieval pack's plugins/ipam/host-etcd-backend Store: a single
// mutex-guarded map keyed by the full store key, scanned by prefix
// rather than talking to a real coordination store over HTTP.
package fake

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cilium/consul-ipam/internal/ipamerr"
	"github.com/cilium/consul-ipam/internal/store"
)

type entry struct {
	value     string
	sessionID string
}

// Store is a goroutine-safe, in-process implementation of store.Store.
// Sessions are tracked only well enough to support Acquire/Release
// semantics and SessionRenew/SessionDestroy bookkeeping; there is no TTL
// expiry timer, since tests drive expiry explicitly via ExpireSession.
type Store struct {
	mu       sync.Mutex
	kv       map[string]entry
	sessions map[string]bool
	nextID   int
}

// New returns an empty fake store.
func New() *Store {
	return &Store{
		kv:       make(map[string]entry),
		sessions: make(map[string]bool),
	}
}

func (s *Store) SessionCreate(ctx context.Context, name string, ttl int, behavior store.SessionBehavior) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := name + "-" + strconv.Itoa(s.nextID)
	s.sessions[id] = true
	return id, nil
}

func (s *Store) SessionRenew(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sessions[id] {
		return ipamerr.ErrSessionLost
	}
	return nil
}

func (s *Store) SessionDestroy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	s.releaseSessionLocked(id)
	return nil
}

// ExpireSession simulates the coordination store's delete-on-expiry
// behavior: every key held by id vanishes, and the session itself is
// forgotten.
func (s *Store) ExpireSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	for k, e := range s.kv {
		if e.sessionID == id {
			delete(s.kv, k)
		}
	}
}

func (s *Store) releaseSessionLocked(id string) {
	for k, e := range s.kv {
		if e.sessionID == id {
			e.sessionID = ""
			s.kv[k] = e
		}
	}
}

func (s *Store) List(ctx context.Context, prefix string) ([]store.KV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.KV
	for k, e := range s.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, store.KV{Key: k, Value: e.value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *Store) Acquire(ctx context.Context, key, value, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sessions[sessionID] {
		return false, ipamerr.ErrSessionLost
	}
	if e, ok := s.kv[key]; ok {
		if e.sessionID == sessionID {
			return true, nil
		}
		if e.sessionID != "" {
			return false, nil
		}
	}
	s.kv[key] = entry{value: value, sessionID: sessionID}
	return true, nil
}

func (s *Store) Release(ctx context.Context, key, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok {
		return nil
	}
	if e.sessionID == sessionID {
		e.sessionID = ""
		s.kv[key] = e
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

// Seed inserts a pre-existing key/value pair directly, bypassing session
// ownership, used by tests that need to pre-populate the store (spec.md
// §8's "preexisting unparseable value" and "skip pre-allocated" cases).
func (s *Store) Seed(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = entry{value: value}
}
