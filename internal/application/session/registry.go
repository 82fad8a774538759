package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/majisafe/majisafe/internal/domain/purchase"
)

// Registry owns the live purchase sessions. Every mutation of a session runs
// under that session's own lock; the map lock is only held for lookups.
type Registry struct {
	ttl   time.Duration
	grace time.Duration
	now   func() time.Time

	mu         sync.Mutex
	entries    map[string]*entry
	tombstones map[string]time.Time
	txOwners   map[string]string
}

type entry struct {
	mu      sync.Mutex
	session *purchase.Session
	removed bool
}

// NewRegistry creates a registry. ttl bounds how long a session may wait for
// its confirmations; grace is how long a terminal session stays readable.
func NewRegistry(ttl, grace time.Duration) *Registry {
	return &Registry{
		ttl:        ttl,
		grace:      grace,
		now:        func() time.Time { return time.Now().UTC() },
		entries:    make(map[string]*entry),
		tombstones: make(map[string]time.Time),
		txOwners:   make(map[string]string),
	}
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time {
	return r.now()
}

// TTL returns the lifetime of a new session.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Apply runs fn with exclusive access to the session for key. An unseen key
// creates the session from seed; with a nil seed it returns ErrNotFound.
// Keys purged after closing return ErrSessionClosed.
func (r *Registry) Apply(key string, seed *purchase.Seed, fn func(s *purchase.Session) error) error {
	return r.apply(key, seed, func(s *purchase.Session, _ bool) error {
		return fn(s)
	})
}

// Open is Apply for a caller that needs to know whether the session was just created.
func (r *Registry) Open(key string, seed purchase.Seed, fn func(s *purchase.Session, created bool)) error {
	return r.apply(key, &seed, func(s *purchase.Session, created bool) error {
		fn(s, created)
		return nil
	})
}

func (r *Registry) apply(key string, seed *purchase.Seed, fn func(s *purchase.Session, created bool) error) error {
	for {
		e, created, err := r.lookup(key, seed)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.removed {
			// purged between lookup and lock; the next lookup sees the tombstone
			e.mu.Unlock()
			continue
		}
		if seed != nil {
			e.session.Adopt(*seed)
		}
		err = fn(e.session, created)
		e.mu.Unlock()
		return err
	}
}

func (r *Registry) lookup(key string, seed *purchase.Seed) (*entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return e, false, nil
	}
	if until, ok := r.tombstones[key]; ok && r.now().Before(until) {
		return nil, false, purchase.ErrSessionClosed
	}
	if seed == nil {
		return nil, false, purchase.ErrNotFound
	}
	e := &entry{session: purchase.NewSession(key, *seed, r.now(), r.ttl)}
	r.entries[key] = e
	return e, true, nil
}

// BindTx binds a ledger transaction to the session key. It returns the owning
// key and false when another session already holds the transaction. Bindings
// live as long as the owner's entry or tombstone.
func (r *Registry) BindTx(txHash, key string) (string, bool) {
	txHash = strings.ToLower(txHash)
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.txOwners[txHash]; ok && owner != key {
		return owner, false
	}
	r.txOwners[txHash] = key
	return key, true
}

// TxOwner returns the session key bound to a transaction.
func (r *Registry) TxOwner(txHash string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.txOwners[strings.ToLower(txHash)]
	return owner, ok
}

// Get returns a snapshot of a live session.
func (r *Registry) Get(key string) (purchase.Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return purchase.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return purchase.Session{}, false
	}
	return e.session.Snapshot(), true
}

// List returns snapshots of all live sessions, newest first.
func (r *Registry) List() []purchase.Session {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]purchase.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.session.Snapshot())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep expires overdue sessions and purges terminal ones past the grace
// period. onExpire runs under the session lock for each newly expired session.
func (r *Registry) Sweep(now time.Time, onExpire func(s *purchase.Session)) (expired, purged int) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	for k, until := range r.tombstones {
		if !now.Before(until) {
			delete(r.tombstones, k)
		}
	}
	for hash, owner := range r.txOwners {
		_, live := r.entries[owner]
		_, dead := r.tombstones[owner]
		if !live && !dead {
			delete(r.txOwners, hash)
		}
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.mu.Lock()
		e, ok := r.entries[key]
		r.mu.Unlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		s := e.session
		if s.IsExpired(now) {
			if err := s.Expire(now); err == nil {
				expired++
				if onExpire != nil {
					onExpire(s)
				}
			}
		}
		if s.IsTerminal() && s.ClosedAt != nil && !now.Before(s.ClosedAt.Add(r.grace)) {
			e.removed = true
			r.mu.Lock()
			delete(r.entries, key)
			r.tombstones[key] = now.Add(r.ttl)
			r.mu.Unlock()
			purged++
		}
		e.mu.Unlock()
	}
	return expired, purged
}
