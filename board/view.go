package board

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kanban-sync/domain"
)

// ErrViewClosed is returned by mutations on a closed view.
var ErrViewClosed = errors.New("board view closed")

type freshReadKey struct{}

// WithFreshRead marks ctx so read-through caches in front of a Remote go to the
// server instead of answering from cache.
func WithFreshRead(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshReadKey{}, true)
}

// FreshRead reports whether ctx was marked by WithFreshRead.
func FreshRead(ctx context.Context) bool {
	v, _ := ctx.Value(freshReadKey{}).(bool)
	return v
}

// Remote is the part of the task board API a view reads from and persists to.
type Remote interface {
	FetchBoard(ctx context.Context, sess domain.Session, boardID string, filter domain.Filter) (*domain.Board, error)
	CreateTask(ctx context.Context, sess domain.Session, task domain.Task) (*domain.Task, error)
	UpdateTask(ctx context.Context, sess domain.Session, task domain.Task) (*domain.Task, error)
	DeleteTask(ctx context.Context, sess domain.Session, taskID string) error
}

type viewConfig struct {
	columns    []ColumnSpec
	reconciler []Option
	logger     *log.Entry
	timeout    time.Duration
}

type ViewOption func(*viewConfig)

func WithColumns(specs []ColumnSpec) ViewOption {
	return func(c *viewConfig) {
		if len(specs) > 0 {
			c.columns = specs
		}
	}
}

func WithReconcilerOptions(opts ...Option) ViewOption {
	return func(c *viewConfig) { c.reconciler = append(c.reconciler, opts...) }
}

func WithViewLogger(l *log.Entry) ViewOption {
	return func(c *viewConfig) { c.logger = l }
}

// WithRequestTimeout bounds every background call to the remote API.
func WithRequestTimeout(d time.Duration) ViewOption {
	return func(c *viewConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// View is one open board for one session: the store, its reconciler and the
// background persistence of optimistic writes.
type View struct {
	boardID string
	filter  domain.Filter
	sess    domain.Session
	remote  Remote
	store   *Store
	rec     *Reconciler
	columns []ColumnSpec
	logger  *log.Entry
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	meta   domain.Board
	closed bool
}

// Open builds a view and performs the initial fetch. A failed fetch is logged
// and yields an empty board; the view stays usable and a later Resync can fill
// it.
func Open(ctx context.Context, remote Remote, sess domain.Session, boardID string, filter domain.Filter, opts ...ViewOption) *View {
	cfg := viewConfig{
		columns: DefaultColumns,
		logger:  log.NewEntry(log.StandardLogger()),
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger.WithFields(log.Fields{"board_id": boardID, "user_id": sess.UserID})
	store := NewStore()
	v := &View{
		boardID: boardID,
		filter:  filter,
		sess:    sess,
		remote:  remote,
		store:   store,
		rec:     NewReconciler(store, append([]Option{WithLogger(logger)}, cfg.reconciler...)...),
		columns: cfg.columns,
		logger:  logger,
		timeout: cfg.timeout,
		meta:    domain.Board{ID: boardID},
	}
	v.ctx, v.cancel = context.WithCancel(context.WithoutCancel(ctx))

	board, err := v.fetch(ctx)
	if err != nil {
		logger.WithError(err).Warn("initial board fetch failed")
		store.Initialize(nil)
		return v
	}
	v.setMeta(board)
	store.Initialize(board.Tasks)
	return v
}

func (v *View) fetch(ctx context.Context) (*domain.Board, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return v.remote.FetchBoard(ctx, v.sess, v.boardID, v.filter)
}

func (v *View) setMeta(b *domain.Board) {
	meta := *b
	meta.Tasks = nil
	if meta.ID == "" {
		meta.ID = v.boardID
	}
	v.mu.Lock()
	v.meta = meta
	v.mu.Unlock()
}

// Resync refetches the board and replaces the confirmed state, keeping writes
// still in flight. On failure the current state is left untouched.
func (v *View) Resync(ctx context.Context) error {
	board, err := v.fetch(WithFreshRead(ctx))
	if err != nil {
		v.logger.WithError(err).Warn("board resync failed")
		return err
	}
	v.setMeta(board)
	v.rec.Resync(board.Tasks)
	v.logger.WithField("tasks", len(board.Tasks)).Debug("board resynced")
	return nil
}

func (v *View) ID() string { return v.boardID }

func (v *View) Session() domain.Session { return v.sess }

// Board returns the board metadata with the current visible tasks.
func (v *View) Board() domain.Board {
	v.mu.Lock()
	b := v.meta
	v.mu.Unlock()
	b.Tasks = v.store.Snapshot()
	return b
}

func (v *View) Tasks() []domain.Task { return v.store.Snapshot() }

func (v *View) Task(id string) (domain.Task, bool) { return v.store.Get(id) }

// Pending is the number of optimistic writes not yet settled.
func (v *View) Pending() int { return v.store.Pending() }

func (v *View) Columns() []domain.Column {
	return Project(v.store.Snapshot(), v.columns)
}

func (v *View) ColumnSpecs() []ColumnSpec { return v.columns }

func (v *View) Unplaced() []domain.Task {
	return Unplaced(v.store.Snapshot(), v.columns)
}

func (v *View) Subscribe() (<-chan struct{}, func()) { return v.store.Subscribe() }

// ApplyLive merges one live update.
func (v *View) ApplyLive(ev domain.LiveUpdate) Outcome { return v.rec.Apply(ev) }

// MoveTask moves a task to the column of status and persists the move.
func (v *View) MoveTask(id string, status domain.Status) (*PendingWrite, error) {
	return v.begin(func() (*PendingWrite, error) { return v.rec.BeginMove(id, status) })
}

func (v *View) UpdateTask(id string, patch domain.TaskPatch) (*PendingWrite, error) {
	return v.begin(func() (*PendingWrite, error) { return v.rec.BeginUpdate(id, patch) })
}

// CreateTask appends task under a temporary id and persists it.
func (v *View) CreateTask(task domain.Task) (*PendingWrite, error) {
	task.BoardID = v.boardID
	return v.begin(func() (*PendingWrite, error) { return v.rec.BeginCreate(task) })
}

func (v *View) DeleteTask(id string) (*PendingWrite, error) {
	return v.begin(func() (*PendingWrite, error) { return v.rec.BeginDelete(id) })
}

func (v *View) begin(start func() (*PendingWrite, error)) (*PendingWrite, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, ErrViewClosed
	}
	pw, err := start()
	if err != nil {
		v.mu.Unlock()
		return nil, err
	}
	v.wg.Add(1)
	v.mu.Unlock()
	go v.persist(pw)
	return pw, nil
}

func (v *View) persist(pw *PendingWrite) {
	defer v.wg.Done()
	ctx, cancel := context.WithTimeout(v.ctx, v.timeout)
	defer cancel()

	var (
		server *domain.Task
		err    error
	)
	switch pw.Kind {
	case WriteCreate:
		body := pw.Task
		body.ID = ""
		server, err = v.remote.CreateTask(ctx, v.sess, body)
	case WriteUpdate:
		server, err = v.remote.UpdateTask(ctx, v.sess, pw.Task)
	case WriteDelete:
		err = v.remote.DeleteTask(ctx, v.sess, pw.TaskID)
	}
	if err != nil {
		v.rec.Reject(pw, err)
		return
	}
	out := v.rec.Confirm(pw, server)
	v.logger.WithFields(log.Fields{
		"write":   pw.Kind.String(),
		"task_id": pw.TaskID,
		"outcome": out.String(),
	}).Debug("optimistic write confirmed")
}

// Flush waits for every write started so far to settle.
func (v *View) Flush() { v.wg.Wait() }

// Close cancels writes still in flight and waits for them. It is idempotent.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()
	v.cancel()
	v.wg.Wait()
}
