package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kanban-sync/domain"
)

const (
	tracerName   = "kanban-sync/remote"
	maxBodyBytes = 4 << 20
)

// envelope is the response wrapper used by every task board endpoint.
type envelope struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    sonic.NoCopyRawMessage `json:"data,omitempty"`
}

// Client talks to the task board REST API. The session is passed on every call;
// the client holds no credentials of its own.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Entry
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *log.Entry) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type taskRequest struct {
	UserID      string          `json:"user_id"`
	ID          string          `json:"id,omitempty"`
	BoardID     string          `json:"task_board_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Status      domain.Status   `json:"status"`
	Priority    domain.Priority `json:"priority"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
}

func newTaskRequest(sess domain.Session, t domain.Task) taskRequest {
	return taskRequest{
		UserID:      sess.UserID,
		ID:          t.ID,
		BoardID:     t.BoardID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		StartDate:   t.StartDate,
		EndDate:     t.EndDate,
	}
}

// FetchBoard loads a board with its tasks. Filter values become repeated
// priority and status query parameters.
func (c *Client) FetchBoard(ctx context.Context, sess domain.Session, boardID string, filter domain.Filter) (*domain.Board, error) {
	q := url.Values{}
	for _, p := range filter.Priorities {
		q.Add("priority", string(p))
	}
	for _, s := range filter.Statuses {
		q.Add("status", string(s))
	}
	path := "/task-boards/" + url.PathEscape(boardID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	env, err := c.do(ctx, sess, "fetch board", http.MethodGet, path, "/task-boards/{id}", nil)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, &DecodeError{Op: "fetch board", Err: errors.New("response has no board")}
	}
	var board domain.Board
	if err := sonic.ConfigStd.Unmarshal(env.Data, &board); err != nil {
		return nil, &DecodeError{Op: "fetch board", Err: err}
	}
	return &board, nil
}

// CreateTask persists a new task. A nil task with a nil error means the server
// acknowledged without returning the stored task.
func (c *Client) CreateTask(ctx context.Context, sess domain.Session, task domain.Task) (*domain.Task, error) {
	body := newTaskRequest(sess, task)
	body.ID = ""
	env, err := c.do(ctx, sess, "create task", http.MethodPost, "/tasks/", "/tasks/", body)
	if err != nil {
		return nil, err
	}
	if env.Code != 0 && env.Code != http.StatusOK && env.Code != http.StatusCreated {
		return nil, &HTTPError{Op: "create task", Status: env.Code, Message: env.Message}
	}
	return decodeTask("create task", env.Data)
}

func (c *Client) UpdateTask(ctx context.Context, sess domain.Session, task domain.Task) (*domain.Task, error) {
	path := "/tasks/" + url.PathEscape(task.ID)
	env, err := c.do(ctx, sess, "update task", http.MethodPut, path, "/tasks/{id}", newTaskRequest(sess, task))
	if err != nil {
		return nil, err
	}
	return decodeTask("update task", env.Data)
}

func (c *Client) DeleteTask(ctx context.Context, sess domain.Session, taskID string) error {
	path := "/tasks/" + url.PathEscape(taskID)
	_, err := c.do(ctx, sess, "delete task", http.MethodDelete, path, "/tasks/{id}", nil)
	return err
}

// FetchUserRole returns the session user's role on a board.
func (c *Client) FetchUserRole(ctx context.Context, sess domain.Session, boardID string) (domain.Role, error) {
	path := "/task-boards/" + url.PathEscape(boardID) + "/check-collaborators-permission/user_id/" + url.PathEscape(sess.UserID)
	env, err := c.do(ctx, sess, "fetch role", http.MethodGet, path, "/task-boards/{id}/check-collaborators-permission/user_id/{user_id}", nil)
	if err != nil {
		return "", err
	}
	var collab domain.Collaborator
	if err := unmarshalData(env.Data, &collab); err != nil {
		return "", &DecodeError{Op: "fetch role", Err: err}
	}
	return collab.Role, nil
}

func (c *Client) FetchCollaborators(ctx context.Context, sess domain.Session, boardID string) ([]domain.Collaborator, error) {
	path := "/task-boards/" + url.PathEscape(boardID) + "/collaborators"
	env, err := c.do(ctx, sess, "fetch collaborators", http.MethodGet, path, "/task-boards/{id}/collaborators", nil)
	if err != nil {
		return nil, err
	}
	out := []domain.Collaborator{}
	if err := unmarshalData(env.Data, &out); err != nil {
		return nil, &DecodeError{Op: "fetch collaborators", Err: err}
	}
	return out, nil
}

func (c *Client) AddCollaborator(ctx context.Context, sess domain.Session, boardID, userID string, role domain.Role) (*domain.Collaborator, error) {
	path := "/task-boards/" + url.PathEscape(boardID) + "/collaborators"
	body := struct {
		UserID  string      `json:"user_id"`
		BoardID string      `json:"task_board_id"`
		Role    domain.Role `json:"role"`
	}{userID, boardID, role}
	env, err := c.do(ctx, sess, "add collaborator", http.MethodPost, path, "/task-boards/{id}/collaborators", body)
	if err != nil {
		return nil, err
	}
	collab := domain.Collaborator{UserID: userID, BoardID: boardID, Role: role}
	if err := unmarshalData(env.Data, &collab); err != nil {
		return nil, &DecodeError{Op: "add collaborator", Err: err}
	}
	return &collab, nil
}

// CreateBoard creates a board owned by the session user.
func (c *Client) CreateBoard(ctx context.Context, sess domain.Session, title, description string) (*domain.Board, error) {
	body := struct {
		Title       string      `json:"title"`
		User        string      `json:"user"`
		Role        domain.Role `json:"role"`
		Description string      `json:"description"`
	}{title, sess.UserID, domain.RoleOwner, description}
	env, err := c.do(ctx, sess, "create board", http.MethodPost, "/task-boards", "/task-boards", body)
	if err != nil {
		return nil, err
	}
	var board domain.Board
	if err := unmarshalData(env.Data, &board); err != nil {
		return nil, &DecodeError{Op: "create board", Err: err}
	}
	return &board, nil
}

func decodeTask(op string, data []byte) (*domain.Task, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var t domain.Task
	if err := sonic.ConfigStd.Unmarshal(data, &t); err != nil {
		return nil, &DecodeError{Op: op, Err: err}
	}
	if t.ID == "" {
		return nil, nil
	}
	return &t, nil
}

func unmarshalData(data []byte, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return sonic.ConfigStd.Unmarshal(data, out)
}

// do sends one request and returns the decoded envelope. route is the path
// template recorded on the span.
func (c *Client) do(ctx context.Context, sess domain.Session, op, method, path, route string, body any) (envelope, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "remote."+strings.ReplaceAll(op, " ", "_"),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		))
	defer span.End()
	start := time.Now()

	env, status, err := c.roundTrip(ctx, sess, op, method, path, body)

	span.SetAttributes(attribute.Int("http.status_code", status))
	fields := log.Fields{
		"op":          op,
		"method":      method,
		"route":       route,
		"status":      status,
		"duration_ms": float64(time.Since(start)) / float64(time.Millisecond),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.WithFields(fields).WithError(err).Debug("remote request failed")
		return env, err
	}
	span.SetStatus(codes.Ok, "")
	c.logger.WithFields(fields).Debug("remote request")
	return env, nil
}

func (c *Client) roundTrip(ctx context.Context, sess domain.Session, op, method, path string, body any) (envelope, int, error) {
	var env envelope
	var reader io.Reader
	if body != nil {
		buf, err := sonic.ConfigStd.Marshal(body)
		if err != nil {
			return env, 0, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return env, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return env, 0, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return env, resp.StatusCode, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		he := &HTTPError{Op: op, Status: resp.StatusCode}
		if len(raw) > 0 && sonic.ConfigStd.Unmarshal(raw, &env) == nil {
			he.Message = env.Message
		}
		return env, resp.StatusCode, he
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return env, resp.StatusCode, nil
	}
	if err := sonic.ConfigStd.Unmarshal(raw, &env); err != nil {
		return env, resp.StatusCode, &DecodeError{Op: op, Err: err}
	}
	return env, resp.StatusCode, nil
}
