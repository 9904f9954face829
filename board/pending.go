package board

import (
	"time"

	"kanban-sync/domain"
)

// WriteKind identifies the local mutation a PendingWrite carries.
type WriteKind int

const (
	WriteCreate WriteKind = iota + 1
	WriteUpdate
	WriteDelete
)

func (k WriteKind) String() string {
	switch k {
	case WriteCreate:
		return "create"
	case WriteUpdate:
		return "update"
	case WriteDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// TempIDPrefix marks ids assigned to optimistic creates before the server
// returns the canonical one.
const TempIDPrefix = "tmp-"

// PendingWrite is a tentative local change that is visible in the store but has
// not been acknowledged by the server yet.
type PendingWrite struct {
	ID     string
	Kind   WriteKind
	TaskID string
	Patch  domain.TaskPatch
	// Task is the full optimistic task at the time the write began. It is the
	// request body for creates and updates.
	Task domain.Task
	At   time.Time

	orphaned bool
}

func (pw *PendingWrite) apply(t domain.Task, hidden bool) (domain.Task, bool) {
	switch pw.Kind {
	case WriteCreate:
		return pw.Task, hidden
	case WriteUpdate:
		t = pw.Patch.Apply(t)
		t.UpdatedAt = pw.At
		return t, hidden
	case WriteDelete:
		return t, true
	}
	return t, hidden
}
