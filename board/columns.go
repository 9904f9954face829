package board

import "kanban-sync/domain"

// ColumnSpec describes one board column and the status it collects.
type ColumnSpec struct {
	ID     string        `yaml:"id" json:"id"`
	Title  string        `yaml:"title" json:"title"`
	Status domain.Status `yaml:"status" json:"status"`
}

// DefaultColumns is the standard three-column layout.
var DefaultColumns = []ColumnSpec{
	{ID: "1", Title: "To Do", Status: domain.StatusTodo},
	{ID: "2", Title: "In Progress", Status: domain.StatusInProgress},
	{ID: "3", Title: "Done", Status: domain.StatusDone},
}

// Project groups tasks into columns by status, preserving task order within a
// column. When two specs name the same status the first one receives the tasks.
// Tasks whose status matches no column are left out; see Unplaced.
func Project(tasks []domain.Task, specs []ColumnSpec) []domain.Column {
	cols := make([]domain.Column, len(specs))
	index := make(map[domain.Status]int, len(specs))
	for i, spec := range specs {
		cols[i] = domain.Column{ID: spec.ID, Title: spec.Title, Status: spec.Status, Tasks: []domain.Task{}}
		if _, dup := index[spec.Status]; !dup {
			index[spec.Status] = i
		}
	}
	for _, t := range tasks {
		if i, ok := index[t.Status]; ok {
			cols[i].Tasks = append(cols[i].Tasks, t)
		}
	}
	return cols
}

// Unplaced returns the tasks Project would drop.
func Unplaced(tasks []domain.Task, specs []ColumnSpec) []domain.Task {
	known := make(map[domain.Status]struct{}, len(specs))
	for _, spec := range specs {
		known[spec.Status] = struct{}{}
	}
	var out []domain.Task
	for _, t := range tasks {
		if _, ok := known[t.Status]; !ok {
			out = append(out, t)
		}
	}
	return out
}
