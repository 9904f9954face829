package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"kanban-sync/board"
	"kanban-sync/domain"
	"kanban-sync/remote"
)

type stubAuth struct {
	err error
}

func (a stubAuth) Session(*http.Request) (domain.Session, error) {
	if a.err != nil {
		return domain.Session{}, a.err
	}
	return testSession, nil
}

type stubDirectory struct {
	fetchUserRoleFn      func(ctx context.Context, sess domain.Session, boardID string) (domain.Role, error)
	fetchCollaboratorsFn func(ctx context.Context, sess domain.Session, boardID string) ([]domain.Collaborator, error)
	addCollaboratorFn    func(ctx context.Context, sess domain.Session, boardID, userID string, role domain.Role) (*domain.Collaborator, error)
}

func (s stubDirectory) FetchUserRole(ctx context.Context, sess domain.Session, boardID string) (domain.Role, error) {
	if s.fetchUserRoleFn == nil {
		return "", errors.New("unexpected FetchUserRole call")
	}
	return s.fetchUserRoleFn(ctx, sess, boardID)
}

func (s stubDirectory) FetchCollaborators(ctx context.Context, sess domain.Session, boardID string) ([]domain.Collaborator, error) {
	if s.fetchCollaboratorsFn == nil {
		return nil, errors.New("unexpected FetchCollaborators call")
	}
	return s.fetchCollaboratorsFn(ctx, sess, boardID)
}

func (s stubDirectory) AddCollaborator(ctx context.Context, sess domain.Session, boardID, userID string, role domain.Role) (*domain.Collaborator, error) {
	if s.addCollaboratorFn == nil {
		return nil, errors.New("unexpected AddCollaborator call")
	}
	return s.addCollaboratorFn(ctx, sess, boardID, userID, role)
}

func newTestServer(t *testing.T, rem board.Remote, dir Directory, auth Authenticator) (*echo.Echo, *Registry) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	reg := NewRegistry(rem)
	t.Cleanup(reg.Close)
	e := echo.New()
	Register(e, reg, dir, auth, logger)
	return e, reg
}

func serve(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGetBoardReturnsColumns(t *testing.T) {
	rem := stubRemote{fetchBoardFn: boardWith(
		testTask("1", domain.StatusTodo),
		testTask("2", domain.StatusDone),
		testTask("3", domain.Status("archived")),
	)}
	e, _ := newTestServer(t, rem, stubDirectory{}, stubAuth{})

	rec := serve(e, http.MethodGet, "/api/boards/b1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp boardResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "b1" || len(resp.Columns) != 3 {
		t.Fatalf("unexpected board: %#v", resp)
	}
	if len(resp.Columns[0].Tasks) != 1 || resp.Columns[0].Tasks[0].ID != "1" {
		t.Fatalf("unexpected todo column: %#v", resp.Columns[0])
	}
	if len(resp.Columns[1].Tasks) != 0 || len(resp.Columns[2].Tasks) != 1 {
		t.Fatalf("unexpected columns: %#v", resp.Columns)
	}
	if len(resp.Unplaced) != 1 || resp.Unplaced[0].ID != "3" {
		t.Fatalf("expected unplaced task, got %#v", resp.Unplaced)
	}
}

func TestGetBoardPassesFilter(t *testing.T) {
	var got domain.Filter
	rem := stubRemote{fetchBoardFn: func(_ context.Context, _ domain.Session, id string, f domain.Filter) (*domain.Board, error) {
		got = f
		return &domain.Board{ID: id}, nil
	}}
	e, _ := newTestServer(t, rem, stubDirectory{}, stubAuth{})

	rec := serve(e, http.MethodGet, "/api/boards/b1?status=todo,done&priority=high", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(got.Statuses) != 2 || got.Statuses[1] != domain.StatusDone || len(got.Priorities) != 1 || got.Priorities[0] != domain.PriorityHigh {
		t.Fatalf("unexpected filter %#v", got)
	}

	if rec := serve(e, http.MethodGet, "/api/boards/b1?status=later", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status, got %d", rec.Code)
	}
}

func TestBoardRoutesRequireSession(t *testing.T) {
	e, _ := newTestServer(t, stubRemote{}, stubDirectory{}, stubAuth{err: ErrMissingToken})
	for _, r := range []struct{ method, target string }{
		{http.MethodGet, "/api/boards/b1"},
		{http.MethodGet, "/api/boards/b1/stream"},
		{http.MethodPost, "/api/boards/b1/tasks/1/move"},
		{http.MethodGet, "/api/boards/b1/role"},
	} {
		if rec := serve(e, r.method, r.target, ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", r.method, r.target, rec.Code)
		}
	}
}

func TestMoveTaskIsOptimisticAndPersisted(t *testing.T) {
	updated := make(chan domain.Task, 1)
	rem := stubRemote{
		fetchBoardFn: boardWith(testTask("1", domain.StatusTodo)),
		updateTaskFn: func(_ context.Context, _ domain.Session, task domain.Task) (*domain.Task, error) {
			updated <- task
			task.UpdatedAt = task.UpdatedAt.Add(time.Second)
			return &task, nil
		},
	}
	e, _ := newTestServer(t, rem, stubDirectory{}, stubAuth{})

	rec := serve(e, http.MethodPost, "/api/boards/b1/tasks/1/move", `{"status":"in_progress"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp writeResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Kind != "update" || resp.TaskID != "1" || resp.Task.Status != domain.StatusInProgress {
		t.Fatalf("unexpected write response: %#v", resp)
	}
	select {
	case task := <-updated:
		if task.Status != domain.StatusInProgress {
			t.Fatalf("persisted wrong status %s", task.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("move was not persisted")
	}
}

func TestWriteErrorsMapToStatusCodes(t *testing.T) {
	release := make(chan struct{})
	rem := stubRemote{
		fetchBoardFn: boardWith(testTask("1", domain.StatusTodo)),
		createTaskFn: func(ctx context.Context, _ domain.Session, task domain.Task) (*domain.Task, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			task.ID = "42"
			return &task, nil
		},
	}
	e, _ := newTestServer(t, rem, stubDirectory{}, stubAuth{})
	defer close(release)

	if rec := serve(e, http.MethodPost, "/api/boards/b1/tasks/missing/move", `{"status":"done"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodPost, "/api/boards/b1/tasks/1/move", `{"status":"later"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodPut, "/api/boards/b1/tasks/1", `{"title":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}

	rec := serve(e, http.MethodPost, "/api/boards/b1/tasks", `{"title":"new"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for create, got %d: %s", rec.Code, rec.Body.String())
	}
	var created writeResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(created.TaskID, board.TempIDPrefix) || created.Task.Status != domain.StatusTodo {
		t.Fatalf("unexpected create response: %#v", created)
	}
	if rec := serve(e, http.MethodPut, "/api/boards/b1/tasks/"+created.TaskID, `{"title":"renamed"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unconfirmed task, got %d", rec.Code)
	}
}

func TestWritesLandOnFilteredView(t *testing.T) {
	rem := stubRemote{
		fetchBoardFn: boardWith(testTask("1", domain.StatusTodo)),
		updateTaskFn: func(ctx context.Context, _ domain.Session, task domain.Task) (*domain.Task, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	e, reg := newTestServer(t, rem, stubDirectory{}, stubAuth{})

	filter := domain.Filter{Statuses: []domain.Status{domain.StatusTodo, domain.StatusDone}}
	lease, err := reg.Acquire(context.Background(), testSession, "b1", filter)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()

	rec := serve(e, http.MethodPost, "/api/boards/b1/tasks/1/move?status=done&status=todo", `{"status":"done"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if reg.Len() != 1 {
		t.Fatalf("write opened a second view, %d open", reg.Len())
	}
	got, ok := lease.View.Task("1")
	if !ok || got.Status != domain.StatusDone || lease.View.Pending() != 1 {
		t.Fatalf("optimistic move not visible on the filtered view: %#v pending=%d", got, lease.View.Pending())
	}

	if rec := serve(e, http.MethodPost, "/api/boards/b1/tasks?status=someday", `{"title":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid filter on a write, got %d", rec.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	deleted := make(chan string, 1)
	rem := stubRemote{
		fetchBoardFn: boardWith(testTask("1", domain.StatusTodo)),
		deleteTaskFn: func(_ context.Context, _ domain.Session, id string) error {
			deleted <- id
			return nil
		},
	}
	e, _ := newTestServer(t, rem, stubDirectory{}, stubAuth{})

	if rec := serve(e, http.MethodDelete, "/api/boards/b1/tasks/1", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case id := <-deleted:
		if id != "1" {
			t.Fatalf("deleted wrong task %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("delete was not persisted")
	}
}

func TestGetSchedule(t *testing.T) {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	morning := testTask("1", domain.StatusTodo)
	morning.StartDate = day.Add(9 * time.Hour)
	morning.EndDate = day.Add(10 * time.Hour)
	later := testTask("2", domain.StatusTodo)
	later.StartDate = day.AddDate(0, 0, 3).Add(9 * time.Hour)
	later.EndDate = later.StartDate.Add(time.Hour)

	e, _ := newTestServer(t, stubRemote{fetchBoardFn: boardWith(morning, later)}, stubDirectory{}, stubAuth{})

	rec := serve(e, http.MethodGet, "/api/boards/b1/schedule?day=2024-05-01", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Day   string       `json:"day"`
		Slots []board.Slot `json:"slots"`
		Days  []int        `json:"days"`
	}
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Day != "2024-05-01" || len(resp.Slots) != 1 || resp.Slots[0].Task.ID != "1" {
		t.Fatalf("unexpected schedule: %#v", resp)
	}
	if len(resp.Days) != 2 || resp.Days[0] != 1 || resp.Days[1] != 4 {
		t.Fatalf("unexpected days: %v", resp.Days)
	}

	if rec := serve(e, http.MethodGet, "/api/boards/b1/schedule?day=May-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad day, got %d", rec.Code)
	}
}

func TestRoleAndCollaboratorsPassThrough(t *testing.T) {
	var added domain.Collaborator
	dir := stubDirectory{
		fetchUserRoleFn: func(_ context.Context, sess domain.Session, boardID string) (domain.Role, error) {
			if boardID == "locked" {
				return "", &remote.HTTPError{Op: "fetch user role", Status: http.StatusForbidden, Message: "forbidden"}
			}
			return domain.RoleEditor, nil
		},
		fetchCollaboratorsFn: func(context.Context, domain.Session, string) ([]domain.Collaborator, error) {
			return nil, nil
		},
		addCollaboratorFn: func(_ context.Context, _ domain.Session, boardID, userID string, role domain.Role) (*domain.Collaborator, error) {
			added = domain.Collaborator{BoardID: boardID, UserID: userID, Role: role}
			return &added, nil
		},
	}
	e, _ := newTestServer(t, stubRemote{}, dir, stubAuth{})

	rec := serve(e, http.MethodGet, "/api/boards/b1/role", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"editor"`) {
		t.Fatalf("unexpected role response %d: %s", rec.Code, rec.Body.String())
	}
	if rec := serve(e, http.MethodGet, "/api/boards/locked/role", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 passed through, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/api/boards/b1/collaborators", ""); rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := serve(e, http.MethodPost, "/api/boards/b1/collaborators", `{"user_id":"u2","role":"admin"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid role, got %d", rec.Code)
	}
	rec = serve(e, http.MethodPost, "/api/boards/b1/collaborators", `{"user_id":"u2","role":"viewer"}`)
	if rec.Code != http.StatusCreated || added.UserID != "u2" || added.Role != domain.RoleViewer || added.BoardID != "b1" {
		t.Fatalf("unexpected add response %d, added %#v", rec.Code, added)
	}
}

func TestHealthz(t *testing.T) {
	e, _ := newTestServer(t, stubRemote{}, stubDirectory{}, stubAuth{})
	if rec := serve(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// streamRecorder is a ResponseWriter safe to read while the handler writes.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	body   strings.Builder
	code   int
}

func (r *streamRecorder) Header() http.Header { return r.header }

func (r *streamRecorder) WriteHeader(code int) {
	r.mu.Lock()
	r.code = code
	r.mu.Unlock()
}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(p)
}

func (r *streamRecorder) Flush() {}

func (r *streamRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func TestStreamBoardEmitsFramePerChange(t *testing.T) {
	rem := stubRemote{
		fetchBoardFn: boardWith(testTask("1", domain.StatusTodo)),
		updateTaskFn: func(_ context.Context, _ domain.Session, task domain.Task) (*domain.Task, error) {
			return &task, nil
		},
	}
	e, reg := newTestServer(t, rem, stubDirectory{}, stubAuth{})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/boards/b1/stream", nil).WithContext(ctx)
	rec := &streamRecorder{header: make(http.Header)}
	done := make(chan struct{})
	go func() {
		e.ServeHTTP(rec, req)
		close(done)
	}()

	eventually(t, func() bool { return strings.Count(rec.String(), "data: ") >= 1 })
	if reg.Len() != 1 {
		t.Fatalf("expected the stream to hold one view, got %d", reg.Len())
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	if move := serve(e, http.MethodPost, "/api/boards/b1/tasks/1/move", `{"status":"done"}`); move.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", move.Code)
	}
	eventually(t, func() bool {
		frames := strings.Split(strings.TrimSpace(rec.String()), "\n\n")
		if len(frames) < 2 {
			return false
		}
		var last boardResponse
		if err := sonic.Unmarshal([]byte(strings.TrimPrefix(frames[len(frames)-1], "data: ")), &last); err != nil {
			return false
		}
		return len(last.Columns) == 3 && len(last.Columns[2].Tasks) == 1 && len(last.Columns[0].Tasks) == 0
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not stop after the client left")
	}
	eventually(t, func() bool { return reg.Len() == 0 })
}
