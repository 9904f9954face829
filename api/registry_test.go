package api

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kanban-sync/board"
	"kanban-sync/domain"
	"kanban-sync/live"
)

type stubRemote struct {
	fetchBoardFn func(ctx context.Context, sess domain.Session, boardID string, filter domain.Filter) (*domain.Board, error)
	createTaskFn func(ctx context.Context, sess domain.Session, task domain.Task) (*domain.Task, error)
	updateTaskFn func(ctx context.Context, sess domain.Session, task domain.Task) (*domain.Task, error)
	deleteTaskFn func(ctx context.Context, sess domain.Session, taskID string) error
}

func (s stubRemote) FetchBoard(ctx context.Context, sess domain.Session, boardID string, filter domain.Filter) (*domain.Board, error) {
	if s.fetchBoardFn == nil {
		return nil, errors.New("unexpected FetchBoard call")
	}
	return s.fetchBoardFn(ctx, sess, boardID, filter)
}

func (s stubRemote) CreateTask(ctx context.Context, sess domain.Session, task domain.Task) (*domain.Task, error) {
	if s.createTaskFn == nil {
		return nil, errors.New("unexpected CreateTask call")
	}
	return s.createTaskFn(ctx, sess, task)
}

func (s stubRemote) UpdateTask(ctx context.Context, sess domain.Session, task domain.Task) (*domain.Task, error) {
	if s.updateTaskFn == nil {
		return nil, errors.New("unexpected UpdateTask call")
	}
	return s.updateTaskFn(ctx, sess, task)
}

func (s stubRemote) DeleteTask(ctx context.Context, sess domain.Session, taskID string) error {
	if s.deleteTaskFn == nil {
		return errors.New("unexpected DeleteTask call")
	}
	return s.deleteTaskFn(ctx, sess, taskID)
}

type chanConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newChanConn() *chanConn {
	return &chanConn{frames: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *chanConn) Receive() ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type chanSource struct {
	conns chan *chanConn
}

func (s chanSource) Connect(ctx context.Context) (live.Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordingEvictor struct {
	mu     sync.Mutex
	boards []string
}

func (r *recordingEvictor) Evict(_ context.Context, boardID string) {
	r.mu.Lock()
	r.boards = append(r.boards, boardID)
	r.mu.Unlock()
}

func (r *recordingEvictor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boards)
}

var testSession = domain.Session{Token: "tok", UserID: "user-1"}

func boardWith(tasks ...domain.Task) func(context.Context, domain.Session, string, domain.Filter) (*domain.Board, error) {
	return func(_ context.Context, _ domain.Session, boardID string, _ domain.Filter) (*domain.Board, error) {
		out := make([]domain.Task, len(tasks))
		copy(out, tasks)
		return &domain.Board{ID: boardID, Title: "Board " + boardID, Tasks: out}, nil
	}
}

func testTask(id string, status domain.Status) domain.Task {
	return domain.Task{
		ID:        id,
		BoardID:   "b1",
		Title:     "task " + id,
		Status:    status,
		Priority:  domain.PriorityMedium,
		UpdatedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var fastLive = live.Options{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}

func TestRegistrySharesViewsAndClosesOnLastRelease(t *testing.T) {
	var fetches int32
	fetch := boardWith(testTask("1", domain.StatusTodo))
	reg := NewRegistry(stubRemote{fetchBoardFn: func(ctx context.Context, sess domain.Session, id string, f domain.Filter) (*domain.Board, error) {
		atomic.AddInt32(&fetches, 1)
		return fetch(ctx, sess, id, f)
	}})
	defer reg.Close()

	a, err := reg.Acquire(context.Background(), testSession, "b1", domain.Filter{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := reg.Acquire(context.Background(), testSession, "b1", domain.Filter{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a.View != b.View {
		t.Fatalf("expected the same view for the same session and filter")
	}
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}

	other, err := reg.Acquire(context.Background(), testSession, "b1", domain.Filter{Statuses: []domain.Status{domain.StatusDone}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if other.View == a.View || reg.Len() != 2 {
		t.Fatalf("expected a separate view per filter")
	}
	other.Release()

	a.Release()
	a.Release()
	if reg.Len() != 1 {
		t.Fatalf("view closed while still held, len %d", reg.Len())
	}
	b.Release()
	if reg.Len() != 0 {
		t.Fatalf("expected no open views, got %d", reg.Len())
	}
	if _, err := a.View.MoveTask("1", domain.StatusDone); !errors.Is(err, board.ErrViewClosed) {
		t.Fatalf("expected closed view, got %v", err)
	}
}

func TestRegistryKeepsIdleViewsForTimeout(t *testing.T) {
	reg := NewRegistry(stubRemote{fetchBoardFn: boardWith()}, WithIdleTimeout(50*time.Millisecond))
	defer reg.Close()

	first, err := reg.Acquire(context.Background(), testSession, "b1", domain.Filter{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	first.Release()
	second, err := reg.Acquire(context.Background(), testSession, "b1", domain.Filter{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if second.View != first.View {
		t.Fatalf("expected idle view to be reused")
	}
	second.Release()
	eventually(t, func() bool { return reg.Len() == 0 })
}

func TestRegistryAppliesLiveUpdatesForItsBoard(t *testing.T) {
	conn := newChanConn()
	src := chanSource{conns: make(chan *chanConn, 1)}
	src.conns <- conn
	evictor := &recordingEvictor{}

	reg := NewRegistry(stubRemote{fetchBoardFn: boardWith(testTask("1", domain.StatusTodo))},
		WithSources(func(domain.Session) live.Source { return src }, fastLive),
		WithEvictor(evictor),
	)
	defer reg.Close()

	lease, err := reg.Acquire(context.Background(), testSession, "b1", domain.Filter{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()

	conn.frames <- []byte(`{"type":"create","data":{"id":"9","task_board_id":"b2","title":"elsewhere","status":"todo"}}`)
	conn.frames <- []byte(`{"type":"create","data":{"id":"3","task_board_id":"00000000-0000-0000-0000-000000000000","title":"unassigned","status":"todo"}}`)
	conn.frames <- []byte(`{"type":"create","data":{"id":"2","task_board_id":"b1","title":"here","status":"done"}}`)

	eventually(t, func() bool { _, ok := lease.View.Task("2"); return ok })
	if _, ok := lease.View.Task("9"); ok {
		t.Fatalf("update for another board was applied")
	}
	if _, ok := lease.View.Task("3"); !ok {
		t.Fatalf("create without a board id was dropped")
	}
	if evictor.count() != 2 {
		t.Fatalf("expected two cache evictions, got %d", evictor.count())
	}
}

func TestRegistryResyncsAfterReconnect(t *testing.T) {
	var fetches, fresh int32
	first, second := newChanConn(), newChanConn()
	src := chanSource{conns: make(chan *chanConn, 2)}
	src.conns <- first
	src.conns <- second

	remote := stubRemote{fetchBoardFn: func(ctx context.Context, sess domain.Session, id string, f domain.Filter) (*domain.Board, error) {
		n := atomic.AddInt32(&fetches, 1)
		if board.FreshRead(ctx) {
			atomic.AddInt32(&fresh, 1)
		}
		if n == 1 {
			return boardWith(testTask("1", domain.StatusTodo))(ctx, sess, id, f)
		}
		return boardWith(testTask("1", domain.StatusDone), testTask("3", domain.StatusTodo))(ctx, sess, id, f)
	}}
	reg := NewRegistry(remote, WithSources(func(domain.Session) live.Source { return src }, fastLive))
	defer reg.Close()

	lease, err := reg.Acquire(context.Background(), testSession, "b1", domain.Filter{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()

	close(first.frames)
	eventually(t, func() bool { _, ok := lease.View.Task("3"); return ok })
	if got, _ := lease.View.Task("1"); got.Status != domain.StatusDone {
		t.Fatalf("expected resynced status, got %s", got.Status)
	}
	if atomic.LoadInt32(&fresh) != 1 {
		t.Fatalf("expected the resync to bypass caches, fresh reads %d", atomic.LoadInt32(&fresh))
	}
}

func TestRegistryCloseClosesViews(t *testing.T) {
	conn := newChanConn()
	src := chanSource{conns: make(chan *chanConn, 1)}
	src.conns <- conn
	reg := NewRegistry(stubRemote{fetchBoardFn: boardWith()},
		WithSources(func(domain.Session) live.Source { return src }, fastLive),
		WithIdleTimeout(time.Hour),
	)

	lease, err := reg.Acquire(context.Background(), testSession, "b1", domain.Filter{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	reg.Close()
	reg.Close()

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatalf("live connection not closed")
	}
	if _, err := lease.View.CreateTask(domain.Task{Title: "x"}); !errors.Is(err, board.ErrViewClosed) {
		t.Fatalf("expected closed view, got %v", err)
	}
	lease.Release()
	if _, err := reg.Acquire(context.Background(), testSession, "b1", domain.Filter{}); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}
