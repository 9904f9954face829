package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kanban-sync/board"
	"kanban-sync/domain"
	"kanban-sync/live"
)

var ErrRegistryClosed = errors.New("view registry closed")

// SourceFactory returns the live update source for a session, or nil when live
// updates are disabled.
type SourceFactory func(sess domain.Session) live.Source

// Evictor drops cached reads of a board. storage.Cache implements it.
type Evictor interface {
	Evict(ctx context.Context, boardID string)
}

type viewKey struct {
	boardID string
	userID  string
	token   string
	filter  string
}

type viewEntry struct {
	key   viewKey
	view  *board.View
	sub   *live.Subscription
	refs  int
	timer *time.Timer
}

func (e *viewEntry) close() {
	if e.sub != nil {
		e.sub.Close()
	}
	e.view.Close()
}

// Registry hands out shared board views. A view stays open while it has
// holders and for an idle period after the last one releases it; its live
// subscription lives and dies with it.
type Registry struct {
	remote   board.Remote
	sources  SourceFactory
	liveOpts live.Options
	viewOpts []board.ViewOption
	idle     time.Duration
	evictor  Evictor
	logger   *log.Entry

	mu     sync.Mutex
	views  map[viewKey]*viewEntry
	closed bool
}

type RegistryOption func(*Registry)

func WithSources(f SourceFactory, opts live.Options) RegistryOption {
	return func(r *Registry) {
		r.sources = f
		r.liveOpts = opts
	}
}

func WithViewOptions(opts ...board.ViewOption) RegistryOption {
	return func(r *Registry) { r.viewOpts = append(r.viewOpts, opts...) }
}

// WithIdleTimeout keeps released views open for d. Zero closes them at once.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idle = d }
}

// WithEvictor evicts cached board reads whenever a live update changes a view.
func WithEvictor(ev Evictor) RegistryOption {
	return func(r *Registry) { r.evictor = ev }
}

func WithRegistryLogger(l *log.Entry) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(remote board.Remote, opts ...RegistryOption) *Registry {
	r := &Registry{
		remote: remote,
		logger: log.WithField("component", "view-registry"),
		views:  make(map[viewKey]*viewEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.liveOpts.Logger == nil {
		r.liveOpts.Logger = r.logger
	}
	return r
}

// Lease is one holder's claim on a view. Release it exactly once; extra calls
// are ignored.
type Lease struct {
	View *board.View

	once    sync.Once
	release func()
}

func (l *Lease) Release() { l.once.Do(l.release) }

// Acquire returns a lease on the view of boardID for sess and filter, opening
// it on first use.
func (r *Registry) Acquire(ctx context.Context, sess domain.Session, boardID string, filter domain.Filter) (*Lease, error) {
	key := viewKey{boardID: boardID, userID: sess.UserID, token: sess.Token, filter: filter.Key()}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if e, ok := r.views[key]; ok {
		r.retainLocked(e)
		r.mu.Unlock()
		return r.lease(e), nil
	}
	r.mu.Unlock()

	view := board.Open(ctx, r.remote, sess, boardID, filter, r.viewOpts...)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		view.Close()
		return nil, ErrRegistryClosed
	}
	if e, ok := r.views[key]; ok {
		// Lost the race to another opener.
		r.retainLocked(e)
		r.mu.Unlock()
		view.Close()
		return r.lease(e), nil
	}
	e := &viewEntry{key: key, view: view, refs: 1}
	r.views[key] = e
	e.sub = r.subscribe(view)
	r.mu.Unlock()

	r.logger.WithFields(log.Fields{"board_id": boardID, "user_id": sess.UserID}).Debug("board view opened")
	return r.lease(e), nil
}

func (r *Registry) retainLocked(e *viewEntry) {
	e.refs++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (r *Registry) lease(e *viewEntry) *Lease {
	return &Lease{View: e.view, release: func() { r.release(e) }}
}

func (r *Registry) subscribe(view *board.View) *live.Subscription {
	if r.sources == nil {
		return nil
	}
	src := r.sources(view.Session())
	if src == nil {
		return nil
	}
	boardID := view.ID()
	opts := r.liveOpts
	opts.OnReconnect = func(ctx context.Context) {
		if err := view.Resync(ctx); err == nil && r.evictor != nil {
			r.evictor.Evict(ctx, boardID)
		}
	}
	handle := func(ev domain.LiveUpdate) {
		// The board server broadcasts every board's changes on one channel.
		if ev.Kind != domain.UpdateDelete && !forBoard(ev.Task.BoardID, boardID) {
			return
		}
		if view.ApplyLive(ev) == board.Applied && r.evictor != nil {
			r.evictor.Evict(context.Background(), boardID)
		}
	}
	return live.Subscribe(context.Background(), src, handle, opts)
}

// forBoard reports whether a live task with taskBoardID may belong to boardID.
// The board server leaves the id unset on creates, which then arrives empty or
// as the nil UUID.
func forBoard(taskBoardID, boardID string) bool {
	return taskBoardID == "" || taskBoardID == uuid.Nil.String() || taskBoardID == boardID
}

func (r *Registry) release(e *viewEntry) {
	r.mu.Lock()
	e.refs--
	if e.refs > 0 || r.views[e.key] != e {
		r.mu.Unlock()
		return
	}
	if r.idle > 0 {
		e.timer = time.AfterFunc(r.idle, func() { r.expire(e) })
		r.mu.Unlock()
		return
	}
	delete(r.views, e.key)
	r.mu.Unlock()
	r.closeEntry(e)
}

func (r *Registry) expire(e *viewEntry) {
	r.mu.Lock()
	if e.refs > 0 || r.views[e.key] != e {
		r.mu.Unlock()
		return
	}
	delete(r.views, e.key)
	r.mu.Unlock()
	r.closeEntry(e)
}

func (r *Registry) closeEntry(e *viewEntry) {
	e.close()
	r.logger.WithFields(log.Fields{"board_id": e.key.boardID, "user_id": e.key.userID}).Debug("board view closed")
}

// Len is the number of open views.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// Close closes every view regardless of holders. Later Acquire calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*viewEntry, 0, len(r.views))
	for _, e := range r.views {
		if e.timer != nil {
			e.timer.Stop()
		}
		entries = append(entries, e)
	}
	r.views = make(map[viewKey]*viewEntry)
	r.mu.Unlock()

	for _, e := range entries {
		r.closeEntry(e)
	}
}
