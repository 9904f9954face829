package domain

import (
	"sort"
	"strings"
	"time"
)

// Board is a named collection of tasks as returned by the task board API.
type Board struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Tasks       []Task    `json:"tasks,omitempty"`
}

// Column is a status bucket derived from the task store. It is never stored.
type Column struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status Status `json:"status"`
	Tasks  []Task `json:"tasks"`
}

// Filter narrows the initial board fetch. It does not apply to live updates.
type Filter struct {
	Statuses   []Status   `json:"status,omitempty"`
	Priorities []Priority `json:"priority,omitempty"`
}

// Empty reports whether the filter selects every task.
func (f Filter) Empty() bool {
	return len(f.Statuses) == 0 && len(f.Priorities) == 0
}

// Key is a canonical, order-insensitive form of the filter.
func (f Filter) Key() string {
	if f.Empty() {
		return "all"
	}
	ps := make([]string, len(f.Priorities))
	for i, p := range f.Priorities {
		ps[i] = string(p)
	}
	ss := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		ss[i] = string(s)
	}
	sort.Strings(ps)
	sort.Strings(ss)
	return "p=" + strings.Join(ps, ",") + ";s=" + strings.Join(ss, ",")
}

// Validate checks every status and priority in the filter.
func (f Filter) Validate() error {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return ErrInvalidStatus
		}
	}
	for _, p := range f.Priorities {
		if !p.Valid() {
			return ErrInvalidPriority
		}
	}
	return nil
}

// Role is a collaborator's permission level on a board.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// User is the public part of a board member.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Collaborator links a user to a board with a role.
type Collaborator struct {
	UserID  string    `json:"user_id"`
	BoardID string    `json:"task_board_id"`
	Role    Role      `json:"role"`
	User    *User     `json:"user,omitempty"`
	AddedAt time.Time `json:"created_at"`
}

// Session identifies the caller of the task board API. It is passed explicitly
// into every remote call.
type Session struct {
	Token  string
	UserID string
}
