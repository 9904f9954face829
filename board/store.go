package board

import (
	"sync"
	"time"

	"kanban-sync/domain"
)

// entry is one task slot. base is the last version the server vouched for and is
// nil only for optimistic creates awaiting confirmation. view is base with the
// pending writes applied in order.
type entry struct {
	base    *domain.Task
	pending []*PendingWrite
	view    domain.Task
	hidden  bool
}

func (e *entry) rebuild() {
	var t domain.Task
	if e.base != nil {
		t = *e.base
	}
	hidden := false
	for _, pw := range e.pending {
		t, hidden = pw.apply(t, hidden)
	}
	e.view = t
	e.hidden = hidden
}

func (e *entry) setBase(t domain.Task) {
	e.base = &t
	e.rebuild()
}

func (e *entry) removePending(pw *PendingWrite) bool {
	for i, p := range e.pending {
		if p == pw {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return true
		}
	}
	return false
}

// dropOrphans discards writes the server rejected but which were kept visible.
func (e *entry) dropOrphans() {
	kept := e.pending[:0]
	for _, p := range e.pending {
		if !p.orphaned {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(e.pending); i++ {
		e.pending[i] = nil
	}
	e.pending = kept
}

// Store is the ordered working set of tasks for one board. Every method is safe
// for concurrent use; mutations are serialized and each one that changes the
// visible state signals subscribers.
type Store struct {
	mu         sync.RWMutex
	order      []string
	entries    map[string]*entry
	tombstones map[string]struct{}
	changes    *notifier
}

func NewStore() *Store {
	return &Store{
		entries:    make(map[string]*entry),
		tombstones: make(map[string]struct{}),
		changes:    newNotifier(),
	}
}

// Initialize replaces the whole set. Duplicate ids keep the position of their
// first occurrence and the value of their last one. Pending writes and
// tombstones are discarded.
func (s *Store) Initialize(tasks []domain.Task) {
	s.mu.Lock()
	s.resetLocked(tasks)
	s.mu.Unlock()
	s.changes.notify()
}

func (s *Store) resetLocked(tasks []domain.Task) {
	s.order = make([]string, 0, len(tasks))
	s.entries = make(map[string]*entry, len(tasks))
	s.tombstones = make(map[string]struct{})
	for _, t := range tasks {
		if e, ok := s.entries[t.ID]; ok {
			e.setBase(t)
			continue
		}
		e := &entry{}
		e.setBase(t)
		s.entries[t.ID] = e
		s.order = append(s.order, t.ID)
	}
}

// Insert appends task, or replaces the existing entry with the same id.
func (s *Store) Insert(task domain.Task) {
	s.mu.Lock()
	if e, ok := s.entries[task.ID]; ok {
		e.setBase(task)
	} else {
		s.appendLocked(task.ID, &entry{})
		s.entries[task.ID].setBase(task)
	}
	s.mu.Unlock()
	s.changes.notify()
}

// Replace overwrites the entry with the same id. It reports false and leaves the
// store untouched when the id is unknown.
func (s *Store) Replace(task domain.Task) bool {
	s.mu.Lock()
	e, ok := s.entries[task.ID]
	if ok {
		e.setBase(task)
	}
	s.mu.Unlock()
	if ok {
		s.changes.notify()
	}
	return ok
}

// Remove deletes the entry with the given id. Unknown ids are a no-op.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	ok := s.removeLocked(id)
	s.mu.Unlock()
	if ok {
		s.changes.notify()
	}
	return ok
}

// MutateStatus changes the status of a task in place and stamps updated_at.
// It is a single-phase write; the reconciler's BeginMove is the tracked variant.
// Optimistic creates have no confirmed version to change and report false.
func (s *Store) MutateStatus(id string, status domain.Status, at time.Time) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	ok = ok && e.base != nil
	if ok {
		t := *e.base
		t.Status = status
		t.UpdatedAt = at
		e.setBase(t)
	}
	s.mu.Unlock()
	if ok {
		s.changes.notify()
	}
	return ok
}

// Get returns the visible version of a task.
func (s *Store) Get(id string) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || e.hidden {
		return domain.Task{}, false
	}
	return e.view, true
}

// Snapshot returns the visible tasks in board order.
func (s *Store) Snapshot() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		if e.hidden {
			continue
		}
		out = append(out, e.view)
	}
	return out
}

// Len returns the number of visible tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if !e.hidden {
			n++
		}
	}
	return n
}

// Pending returns the number of local writes still awaiting the server.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		for _, pw := range e.pending {
			if !pw.orphaned {
				n++
			}
		}
	}
	return n
}

// Subscribe returns a channel signalled after every change and a function
// releasing it.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := s.changes.subscribe()
	return ch, func() { s.changes.unsubscribe(ch) }
}

func (s *Store) appendLocked(id string, e *entry) {
	s.entries[id] = e
	s.order = append(s.order, id)
}

func (s *Store) removeLocked(id string) bool {
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// rekeyLocked moves the entry stored under from to to, keeping its position.
func (s *Store) rekeyLocked(from, to string) {
	e, ok := s.entries[from]
	if !ok {
		return
	}
	delete(s.entries, from)
	s.entries[to] = e
	for i, v := range s.order {
		if v == from {
			s.order[i] = to
			break
		}
	}
}

func (s *Store) tombstoned(id string) bool {
	_, ok := s.tombstones[id]
	return ok
}
