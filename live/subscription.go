package live

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kanban-sync/domain"
)

// Source opens connections to a live update channel.
type Source interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn yields raw frames until it fails or is closed. Close must unblock a
// pending Receive.
type Conn interface {
	Receive() ([]byte, error)
	Close() error
}

// Handler receives every decoded update in transport order.
type Handler func(domain.LiveUpdate)

type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnReconnect runs after every connection that follows a failed or dropped
	// one. Updates published in the gap are lost, so callers resync here.
	OnReconnect func(ctx context.Context)
	Logger      *log.Entry
}

func (o *Options) withDefaults() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = 30 * time.Second
		if o.MaxBackoff < o.InitialBackoff {
			o.MaxBackoff = o.InitialBackoff
		}
	}
	if o.Logger == nil {
		o.Logger = log.NewEntry(log.StandardLogger())
	}
}

// Subscription is an open live update stream. It reconnects on its own until
// Close is called or the parent context ends.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	conn   Conn
	closed bool
}

// Subscribe starts reading from src on a background goroutine.
func Subscribe(ctx context.Context, src Source, handle Handler, opts Options) *Subscription {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, src, handle, opts)
	return s
}

// Close stops the subscription and waits for the reader to exit. It is safe to
// call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-s.done
}

// Done is closed once the reader goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) setConn(c Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = c
	return true
}

func (s *Subscription) releaseConn(c Conn) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Subscription) run(ctx context.Context, src Source, handle Handler, opts Options) {
	defer close(s.done)
	logger := opts.Logger
	backoff := opts.InitialBackoff
	interrupted := false
	for {
		conn, err := src.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).WithField("retry_in", backoff.String()).Warn("live connect failed")
			interrupted = true
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, opts.MaxBackoff)
			continue
		}
		if !s.setConn(conn) {
			_ = conn.Close()
			return
		}
		backoff = opts.InitialBackoff
		if interrupted {
			logger.Info("live connection restored")
			if opts.OnReconnect != nil {
				opts.OnReconnect(ctx)
			}
		}

		err = s.read(conn, handle, logger)
		s.releaseConn(conn)
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Warn("live connection lost, reconnecting")
		interrupted = true
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, opts.MaxBackoff)
	}
}

func (s *Subscription) read(conn Conn, handle Handler, logger *log.Entry) error {
	for {
		frame, err := conn.Receive()
		if err != nil {
			return err
		}
		ev, err := domain.DecodeLiveUpdate(frame)
		if err != nil {
			logger.WithError(err).Warn("skipping live frame")
			continue
		}
		handle(ev)
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	cur *= 2
	if cur > limit {
		return limit
	}
	return cur
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
