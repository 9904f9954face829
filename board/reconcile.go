package board

import (
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kanban-sync/domain"
)

// FailurePolicy decides what happens to an optimistic write the server rejected.
type FailurePolicy int

const (
	// RollbackOnFailure discards the write so the task reverts to its last
	// confirmed version plus any other in-flight writes.
	RollbackOnFailure FailurePolicy = iota
	// KeepOnFailure leaves the optimistic state visible until the next live
	// update for the task or the next full reload.
	KeepOnFailure
)

// ParseFailurePolicy maps "rollback" and "keep" to a policy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "rollback":
		return RollbackOnFailure, nil
	case "keep":
		return KeepOnFailure, nil
	}
	return RollbackOnFailure, errors.New("unknown failure policy " + s)
}

func (p FailurePolicy) String() string {
	if p == KeepOnFailure {
		return "keep"
	}
	return "rollback"
}

// Outcome reports what the reconciler did with one event.
type Outcome int

const (
	Applied Outcome = iota
	RolledBack
	Kept
	DroppedStale
	DroppedMissing
	DroppedTombstoned
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case RolledBack:
		return "rolled_back"
	case Kept:
		return "kept"
	case DroppedStale:
		return "dropped_stale"
	case DroppedMissing:
		return "dropped_missing"
	case DroppedTombstoned:
		return "dropped_tombstoned"
	default:
		return "ignored"
	}
}

type Option func(*Reconciler)

func WithFailurePolicy(p FailurePolicy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithImplicitCreate makes updates for unknown ids insert the task instead of
// being dropped.
func WithImplicitCreate(enabled bool) Option {
	return func(r *Reconciler) { r.implicitCreate = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithLogger(l *log.Entry) Option {
	return func(r *Reconciler) { r.logger = l }
}

// Reconciler merges live updates and server responses into a Store.
type Reconciler struct {
	store          *Store
	policy         FailurePolicy
	implicitCreate bool
	now            func() time.Time
	logger         *log.Entry
}

func NewReconciler(store *Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		now:    time.Now,
		logger: log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Store() *Store { return r.store }

func (r *Reconciler) Policy() FailurePolicy { return r.policy }

// Apply merges one live update into the store.
func (r *Reconciler) Apply(ev domain.LiveUpdate) Outcome {
	var out Outcome
	switch ev.Kind {
	case domain.UpdateCreate:
		out = r.upsert(ev.Task, true)
	case domain.UpdateUpdate:
		out = r.upsert(ev.Task, r.implicitCreate)
	case domain.UpdateDelete:
		out = r.remove(ev.TaskID)
	default:
		out = Ignored
	}
	if out != Applied {
		r.logger.WithFields(log.Fields{
			"kind":    ev.Kind,
			"task_id": ev.TaskID,
			"outcome": out.String(),
		}).Debug("live update not applied")
	}
	return out
}

func (r *Reconciler) upsert(task domain.Task, insert bool) Outcome {
	s := r.store
	s.mu.Lock()
	if s.tombstoned(task.ID) {
		s.mu.Unlock()
		return DroppedTombstoned
	}
	e, ok := s.entries[task.ID]
	if !ok {
		if !insert {
			s.mu.Unlock()
			return DroppedMissing
		}
		e = &entry{}
		e.setBase(task)
		s.appendLocked(task.ID, e)
		s.mu.Unlock()
		s.changes.notify()
		return Applied
	}
	out := adopt(e, task)
	s.mu.Unlock()
	if out == Applied {
		s.changes.notify()
	}
	return out
}

// adopt makes task the entry's base unless it is older than the current base.
// Writes kept after a failure do not survive a newer server version.
func adopt(e *entry, task domain.Task) Outcome {
	if e.base != nil && task.OlderThan(*e.base) {
		return DroppedStale
	}
	e.dropOrphans()
	e.setBase(task)
	return Applied
}

func (r *Reconciler) remove(id string) Outcome {
	s := r.store
	s.mu.Lock()
	s.tombstones[id] = struct{}{}
	ok := s.removeLocked(id)
	s.mu.Unlock()
	if !ok {
		return Ignored
	}
	s.changes.notify()
	return Applied
}

// Resync replaces the confirmed state with a fresh server listing while keeping
// writes that are still in flight layered on top.
func (r *Reconciler) Resync(tasks []domain.Task) {
	s := r.store
	s.mu.Lock()
	old, oldOrder := s.entries, s.order
	s.resetLocked(tasks)
	for _, id := range oldOrder {
		prev := old[id]
		prev.dropOrphans()
		if len(prev.pending) == 0 {
			continue
		}
		if e, ok := s.entries[id]; ok {
			e.pending = prev.pending
			e.rebuild()
			continue
		}
		if prev.base == nil {
			s.appendLocked(id, prev)
		}
	}
	s.mu.Unlock()
	s.changes.notify()
}

// BeginMove tentatively moves a task to another status column.
func (r *Reconciler) BeginMove(id string, status domain.Status) (*PendingWrite, error) {
	if !status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	return r.BeginUpdate(id, domain.TaskPatch{Status: &status})
}

// BeginUpdate tentatively applies patch to a confirmed task.
func (r *Reconciler) BeginUpdate(id string, patch domain.TaskPatch) (*PendingWrite, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	s := r.store
	s.mu.Lock()
	e, err := r.writable(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	pw := &PendingWrite{
		ID:     uuid.NewString(),
		Kind:   WriteUpdate,
		TaskID: id,
		Patch:  patch,
		At:     r.now(),
	}
	e.pending = append(e.pending, pw)
	e.rebuild()
	pw.Task = e.view
	s.mu.Unlock()
	s.changes.notify()
	return pw, nil
}

// BeginCreate tentatively appends a new task under a temporary id. Missing
// status and priority default to todo and medium.
func (r *Reconciler) BeginCreate(task domain.Task) (*PendingWrite, error) {
	if task.Status == "" {
		task.Status = domain.StatusTodo
	}
	if task.Priority == "" {
		task.Priority = domain.PriorityMedium
	}
	if !task.Status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	if !task.Priority.Valid() {
		return nil, domain.ErrInvalidPriority
	}
	now := r.now()
	task.ID = TempIDPrefix + uuid.NewString()
	task.CreatedAt = now
	task.UpdatedAt = now
	pw := &PendingWrite{
		ID:     uuid.NewString(),
		Kind:   WriteCreate,
		TaskID: task.ID,
		Task:   task,
		At:     now,
	}
	e := &entry{pending: []*PendingWrite{pw}}
	e.rebuild()

	s := r.store
	s.mu.Lock()
	s.appendLocked(task.ID, e)
	s.mu.Unlock()
	s.changes.notify()
	return pw, nil
}

// BeginDelete tentatively hides a task.
func (r *Reconciler) BeginDelete(id string) (*PendingWrite, error) {
	s := r.store
	s.mu.Lock()
	e, err := r.writable(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	pw := &PendingWrite{
		ID:     uuid.NewString(),
		Kind:   WriteDelete,
		TaskID: id,
		Task:   e.view,
		At:     r.now(),
	}
	e.pending = append(e.pending, pw)
	e.rebuild()
	s.mu.Unlock()
	s.changes.notify()
	return pw, nil
}

func (r *Reconciler) writable(id string) (*entry, error) {
	e, ok := r.store.entries[id]
	if !ok || e.hidden {
		return nil, domain.ErrTaskNotFound
	}
	if e.base == nil {
		return nil, domain.ErrTaskPending
	}
	return e, nil
}

// Confirm settles pw with the server's response. server may be nil when the
// endpoint acknowledged without a body; a create without a body cannot be
// re-keyed and is treated as rejected.
func (r *Reconciler) Confirm(pw *PendingWrite, server *domain.Task) Outcome {
	if pw.Kind == WriteCreate && (server == nil || server.ID == "") {
		return r.Reject(pw, errors.New("create acknowledged without a task"))
	}
	s := r.store
	s.mu.Lock()
	var out Outcome
	switch pw.Kind {
	case WriteCreate:
		out = r.confirmCreate(pw, *server)
	case WriteUpdate:
		out = r.confirmUpdate(pw, server)
	case WriteDelete:
		s.tombstones[pw.TaskID] = struct{}{}
		if s.removeLocked(pw.TaskID) {
			out = Applied
		} else {
			out = Ignored
		}
	}
	s.mu.Unlock()
	if out != Ignored {
		s.changes.notify()
	}
	return out
}

func (r *Reconciler) confirmCreate(pw *PendingWrite, server domain.Task) Outcome {
	s := r.store
	temp, hasTemp := s.entries[pw.TaskID]
	if hasTemp {
		temp.removePending(pw)
	}
	if s.tombstoned(server.ID) {
		if hasTemp {
			s.removeLocked(pw.TaskID)
		}
		return DroppedTombstoned
	}
	if canonical, ok := s.entries[server.ID]; ok {
		// A live create for the same task got here first.
		if hasTemp {
			s.removeLocked(pw.TaskID)
		}
		adopt(canonical, server)
		return Applied
	}
	if !hasTemp {
		e := &entry{}
		e.setBase(server)
		s.appendLocked(server.ID, e)
		return Applied
	}
	s.rekeyLocked(pw.TaskID, server.ID)
	temp.setBase(server)
	return Applied
}

func (r *Reconciler) confirmUpdate(pw *PendingWrite, server *domain.Task) Outcome {
	e, ok := r.store.entries[pw.TaskID]
	if !ok {
		return Ignored
	}
	e.removePending(pw)
	// A confirmed write supersedes every rejected one kept on the entry.
	e.dropOrphans()
	switch {
	case server != nil && server.ID != "":
		if e.base == nil || !server.OlderThan(*e.base) {
			t := *server
			e.base = &t
		}
	case e.base != nil:
		t := pw.Patch.Apply(*e.base)
		t.UpdatedAt = pw.At
		e.base = &t
	}
	e.rebuild()
	return Applied
}

// Reject settles a write the server refused, following the failure policy.
func (r *Reconciler) Reject(pw *PendingWrite, cause error) Outcome {
	s := r.store
	s.mu.Lock()
	e, ok := s.entries[pw.TaskID]
	if !ok {
		s.mu.Unlock()
		return Ignored
	}
	var out Outcome
	if r.policy == KeepOnFailure {
		pw.orphaned = true
		out = Kept
	} else {
		e.removePending(pw)
		if e.base == nil && len(e.pending) == 0 {
			s.removeLocked(pw.TaskID)
		} else {
			e.rebuild()
		}
		out = RolledBack
	}
	s.mu.Unlock()
	r.logger.WithError(cause).WithFields(log.Fields{
		"write":   pw.Kind.String(),
		"task_id": pw.TaskID,
		"outcome": out.String(),
	}).Warn("optimistic write rejected")
	if out == RolledBack {
		s.changes.notify()
	}
	return out
}
