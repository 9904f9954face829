package domain

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// UpdateKind is the kind of change carried by a live update.
type UpdateKind string

const (
	UpdateCreate UpdateKind = "create"
	UpdateUpdate UpdateKind = "update"
	UpdateDelete UpdateKind = "delete"
)

// LiveUpdate is a decoded push notification about a task changed elsewhere.
// Task is set for create and update; TaskID is always set.
type LiveUpdate struct {
	Kind   UpdateKind
	TaskID string
	Task   Task
}

// liveFrame is the wire envelope. The board server broadcasts {type, data}; the
// task service variant uses upper-case event names and a payload key.
type liveFrame struct {
	Type    string                 `json:"type"`
	Data    sonic.NoCopyRawMessage `json:"data"`
	Payload sonic.NoCopyRawMessage `json:"payload"`
}

var kindAliases = map[string]UpdateKind{
	"create":       UpdateCreate,
	"update":       UpdateUpdate,
	"delete":       UpdateDelete,
	"task_created": UpdateCreate,
	"task_updated": UpdateUpdate,
	"task_deleted": UpdateDelete,
}

// DecodeLiveUpdate parses one live update frame.
func DecodeLiveUpdate(frame []byte) (LiveUpdate, error) {
	var f liveFrame
	if err := sonic.ConfigStd.Unmarshal(frame, &f); err != nil {
		return LiveUpdate{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	kind, ok := kindAliases[strings.ToLower(strings.TrimSpace(f.Type))]
	if !ok {
		return LiveUpdate{}, fmt.Errorf("%w: unknown type %q", ErrMalformedUpdate, f.Type)
	}
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = bytes.TrimSpace(f.Payload)
	}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return LiveUpdate{}, fmt.Errorf("%w: %s without data", ErrMalformedUpdate, kind)
	}

	if kind == UpdateDelete {
		id, err := decodeTaskID(data)
		if err != nil {
			return LiveUpdate{}, err
		}
		return LiveUpdate{Kind: kind, TaskID: id}, nil
	}

	var t Task
	if err := sonic.ConfigStd.Unmarshal(data, &t); err != nil {
		return LiveUpdate{}, fmt.Errorf("%w: %s data: %v", ErrMalformedUpdate, kind, err)
	}
	if t.ID == "" {
		return LiveUpdate{}, fmt.Errorf("%w: %s without task id", ErrMalformedUpdate, kind)
	}
	return LiveUpdate{Kind: kind, TaskID: t.ID, Task: t}, nil
}

// decodeTaskID accepts either a bare id string or an object with an id field.
func decodeTaskID(data []byte) (string, error) {
	var id string
	switch data[0] {
	case '"':
		if err := sonic.ConfigStd.Unmarshal(data, &id); err != nil {
			return "", fmt.Errorf("%w: delete id: %v", ErrMalformedUpdate, err)
		}
	case '{':
		var ref struct {
			ID string `json:"id"`
		}
		if err := sonic.ConfigStd.Unmarshal(data, &ref); err != nil {
			return "", fmt.Errorf("%w: delete id: %v", ErrMalformedUpdate, err)
		}
		id = ref.ID
	default:
		return "", fmt.Errorf("%w: delete data must be an id", ErrMalformedUpdate)
	}
	if id == "" {
		return "", fmt.Errorf("%w: delete without task id", ErrMalformedUpdate)
	}
	return id, nil
}
