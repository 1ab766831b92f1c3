// Package store holds the local mirror of one remote collection.
package store

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Origin tells UpsertOne which mutation confirmed the record.
type Origin int

const (
	// Created marks a record confirmed by a create call.
	Created Origin = iota
	// Updated marks a record confirmed by an update call.
	Updated
)

func (o Origin) String() string {
	if o == Created {
		return "created"
	}
	return "updated"
}

// State is a point-in-time copy of a collection.
type State[T any] struct {
	Items   []T
	Phase   domain.Phase
	Err     string
	Version uint64
}

// Store is the in-memory mirror of one entity collection. Reconciliation
// methods are the only write path; each runs atomically under the lock.
type Store[T domain.Entity[T]] struct {
	mu      sync.RWMutex
	items   []T
	phase   domain.Phase
	err     string
	version uint64

	subMu   sync.Mutex
	subs    map[int]func(State[T])
	nextSub int

	logger *log.Logger
}

// New returns an empty, idle store.
func New[T domain.Entity[T]](logger *log.Logger) *Store[T] {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store[T]{
		phase:  domain.PhaseIdle,
		subs:   map[int]func(State[T]){},
		logger: logger,
	}
}

// Kind returns the collection this store mirrors.
func (s *Store[T]) Kind() domain.Kind {
	return domain.KindOf[T]()
}

// ReplaceAll swaps in a fetch-all result and marks the fetch succeeded.
// Records without an id are dropped; duplicate ids keep the last occurrence
// at the position of the first.
func (s *Store[T]) ReplaceAll(items []T) {
	next := make([]T, 0, len(items))
	pos := make(map[string]int, len(items))
	for _, it := range items {
		id := it.EntityID()
		if id == "" {
			s.logger.WithField("kind", s.Kind()).Warn("fetch-all returned a record without id; dropped")
			continue
		}
		if i, ok := pos[id]; ok {
			s.logger.WithFields(log.Fields{"kind": s.Kind(), "id": id}).Warn("fetch-all returned a duplicate id")
			next[i] = it
			continue
		}
		pos[id] = len(next)
		next = append(next, it)
	}

	s.mu.Lock()
	s.items = next
	s.phase = domain.PhaseSucceeded
	s.err = ""
	st := s.commitLocked()
	s.mu.Unlock()
	s.notify(st)
}

// UpsertOne applies a confirmed create or update. An update for an id the
// mirror does not hold is appended; a create for an id it already holds
// replaces the existing record in place.
func (s *Store[T]) UpsertOne(item T, origin Origin) {
	id := item.EntityID()
	if id == "" {
		s.logger.WithFields(log.Fields{"kind": s.Kind(), "origin": origin}).Error("refusing to store a record without id")
		return
	}

	s.mu.Lock()
	idx := s.indexLocked(id)
	switch {
	case idx >= 0:
		if origin == Created {
			s.logger.WithFields(log.Fields{"kind": s.Kind(), "id": id}).Warn("created record collides with an existing id")
		}
		s.items[idx] = item
	default:
		if origin == Updated {
			s.logger.WithFields(log.Fields{"kind": s.Kind(), "id": id}).Debug("updated record missing from mirror; appending")
		}
		s.items = append(s.items, item)
	}
	st := s.commitLocked()
	s.mu.Unlock()
	s.notify(st)
}

// RemoveOne drops the record with the given id. It reports whether anything
// was removed; removing an absent id is not an error.
func (s *Store[T]) RemoveOne(id string) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	next := make([]T, 0, len(s.items)-1)
	next = append(next, s.items[:idx]...)
	next = append(next, s.items[idx+1:]...)
	s.items = next
	st := s.commitLocked()
	s.mu.Unlock()
	s.notify(st)
	return true
}

// SetLoading marks a fetch-all as dispatched. Re-entry while already loading
// is allowed. The previous error is kept until a fetch succeeds.
func (s *Store[T]) SetLoading() {
	s.mu.Lock()
	s.phase = domain.PhaseLoading
	st := s.commitLocked()
	s.mu.Unlock()
	s.notify(st)
}

// SetFailed records a failed fetch-all. Items are left untouched.
func (s *Store[T]) SetFailed(msg string) {
	s.mu.Lock()
	s.phase = domain.PhaseFailed
	s.err = msg
	st := s.commitLocked()
	s.mu.Unlock()
	s.notify(st)
}

// Snapshot returns a copy of the current state.
func (s *Store[T]) Snapshot() State[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

// Version increases with every committed write.
func (s *Store[T]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe registers fn to receive the state after every committed write.
// Callbacks run on the writer's goroutine after the lock is released, so a
// slow subscriber delays the writer but never blocks readers. Subscribers
// should compare Version to discard states that arrive out of order.
func (s *Store[T]) Subscribe(fn func(State[T])) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store[T]) indexLocked(id string) int {
	for i, it := range s.items {
		if it.EntityID() == id {
			return i
		}
	}
	return -1
}

func (s *Store[T]) commitLocked() State[T] {
	s.version++
	return s.stateLocked()
}

func (s *Store[T]) stateLocked() State[T] {
	items := make([]T, len(s.items))
	copy(items, s.items)
	return State[T]{Items: items, Phase: s.phase, Err: s.err, Version: s.version}
}

func (s *Store[T]) notify(st State[T]) {
	s.subMu.Lock()
	fns := make([]func(State[T]), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
