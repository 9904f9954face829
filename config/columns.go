package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"kanban-sync/board"
)

type columnsFile struct {
	Columns []board.ColumnSpec `yaml:"columns"`
}

// LoadColumns reads a column layout. An empty path yields the default layout.
func LoadColumns(path string) ([]board.ColumnSpec, error) {
	if path == "" {
		return board.DefaultColumns, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read columns file: %w", err)
	}
	return ParseColumns(data)
}

func ParseColumns(data []byte) ([]board.ColumnSpec, error) {
	var f columnsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse columns file: %w", err)
	}
	if len(f.Columns) == 0 {
		return nil, fmt.Errorf("columns file defines no columns")
	}
	ids := make(map[string]struct{}, len(f.Columns))
	for i, c := range f.Columns {
		if !c.Status.Valid() {
			return nil, fmt.Errorf("column %d: invalid status %q", i, c.Status)
		}
		if c.ID == "" {
			return nil, fmt.Errorf("column %d: missing id", i)
		}
		if _, dup := ids[c.ID]; dup {
			return nil, fmt.Errorf("column %d: duplicate id %q", i, c.ID)
		}
		ids[c.ID] = struct{}{}
	}
	return f.Columns, nil
}
