// Package dedupe implements the bounded, FIFO-evicting "seen" set used by
// the node relay to suppress re-processing of looped envelopes (spec §4.2).
//
// Per spec §9 open question 2, the store is two-dimensional: it tracks
// (msgId, kind) rather than msgId alone, so that an admin who receives a
// KeyEnvelope before its matching MessageEnvelope does not have the later
// MessageEnvelope dropped as a false duplicate. This is documented as the
// chosen resolution in DESIGN.md.
package dedupe

import (
	"container/list"
	"sync"
)

// Kind distinguishes the two envelope classes sharing the msgId namespace.
type Kind int

const (
	KindMessage Kind = iota
	KindKey
)

// Cap is the fixed eviction bound from spec §3 (Lifecycle) and §4.2.
const Cap = 1000

type key struct {
	id   string
	kind Kind
}

// Store is safe for concurrent use, though in the relay it is only ever
// touched from the relay's single cooperative goroutine (spec §5).
type Store struct {
	mu     sync.Mutex
	order  *list.List
	lookup map[key]*list.Element
}

// New returns an empty dedupe store.
func New() *Store {
	return &Store{
		order:  list.New(),
		lookup: make(map[key]*list.Element),
	}
}

// Seen reports whether (id, kind) has already been marked.
func (s *Store) Seen(id string, kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup[key{id, kind}]
	return ok
}

// Mark inserts (id, kind), evicting the oldest entry first if the store
// would otherwise exceed Cap. Marking an already-seen pair is a no-op.
func (s *Store) Mark(id string, kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{id, kind}
	if _, ok := s.lookup[k]; ok {
		return
	}
	elem := s.order.PushBack(k)
	s.lookup[k] = elem
	for s.order.Len() > Cap {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.lookup, oldest.Value.(key))
	}
}

// Len returns the current number of tracked entries (testable property 4).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Ids returns the tracked ids in insertion order, oldest first. Used by
// tests asserting insertion order.
func (s *Store) Ids() []struct {
	ID   string
	Kind Kind
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]struct {
		ID   string
		Kind Kind
	}, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		k := e.Value.(key)
		out = append(out, struct {
			ID   string
			Kind Kind
		}{k.id, k.kind})
	}
	return out
}
