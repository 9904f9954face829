package domain

import "time"

// Status is the column a task belongs to.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Valid reports whether s is one of the board statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task represents a single card on a board.
type Task struct {
	ID          string    `json:"id"`
	BoardID     string    `json:"task_board_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OlderThan reports whether t carries a version strictly older than other.
// Tasks without an updated_at are treated as unversioned and never stale.
func (t Task) OlderThan(other Task) bool {
	if t.UpdatedAt.IsZero() || other.UpdatedAt.IsZero() {
		return false
	}
	return t.UpdatedAt.Before(other.UpdatedAt)
}

// TaskPatch carries partial changes to a task. Nil fields are left untouched.
type TaskPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *Status    `json:"status,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.Priority == nil && p.StartDate == nil && p.EndDate == nil
}

// Validate checks enumerated fields carried by the patch.
func (p TaskPatch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return ErrInvalidStatus
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return ErrInvalidPriority
	}
	return nil
}

// Apply returns t with the patch fields copied over.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.StartDate != nil {
		t.StartDate = *p.StartDate
	}
	if p.EndDate != nil {
		t.EndDate = *p.EndDate
	}
	return t
}
