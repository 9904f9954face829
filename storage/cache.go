package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanban-sync/board"
	"kanban-sync/domain"
)

const taskBoardIndexKey = "task-board-index"

// Cache wraps a board.Remote with a Redis read-through cache of fetched boards.
// Every write that goes through it bumps the board's generation, which retires
// all cached fetches of that board at once.
type Cache struct {
	base   board.Remote
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Entry
}

// NewCache creates a caching Remote using the provided Redis client and TTL. A
// nil client or a zero TTL disables caching but keeps the pass-through.
func NewCache(base board.Remote, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base remote is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{
		base:   base,
		redis:  client,
		ttl:    ttl,
		logger: log.WithField("component", "board-cache"),
	}
}

func (c *Cache) FetchBoard(ctx context.Context, sess domain.Session, boardID string, filter domain.Filter) (*domain.Board, error) {
	gen := c.generation(ctx, boardID)
	key := boardCacheKey(boardID, gen, sess.UserID, filter)
	if !board.FreshRead(ctx) {
		if b, ok := c.loadBoard(ctx, key); ok {
			return b, nil
		}
	}

	b, err := c.base.FetchBoard(ctx, sess, boardID, filter)
	if err != nil {
		return nil, err
	}
	c.storeBoard(ctx, key, b)
	return b, nil
}

func (c *Cache) CreateTask(ctx context.Context, sess domain.Session, task domain.Task) (*domain.Task, error) {
	created, err := c.base.CreateTask(ctx, sess, task)
	if err != nil {
		return nil, err
	}
	c.Evict(ctx, task.BoardID)
	return created, nil
}

func (c *Cache) UpdateTask(ctx context.Context, sess domain.Session, task domain.Task) (*domain.Task, error) {
	updated, err := c.base.UpdateTask(ctx, sess, task)
	if err != nil {
		return nil, err
	}
	c.Evict(ctx, task.BoardID)
	return updated, nil
}

func (c *Cache) DeleteTask(ctx context.Context, sess domain.Session, taskID string) error {
	if err := c.base.DeleteTask(ctx, sess, taskID); err != nil {
		return err
	}
	if c.redis == nil {
		return nil
	}
	boardID, err := c.redis.HGet(ctx, taskBoardIndexKey, taskID).Result()
	if err != nil {
		return nil
	}
	c.Evict(ctx, boardID)
	_ = c.redis.HDel(ctx, taskBoardIndexKey, taskID).Err()
	return nil
}

// Evict retires every cached fetch of a board.
func (c *Cache) Evict(ctx context.Context, boardID string) {
	if c.redis == nil || boardID == "" {
		return
	}
	if err := c.redis.Incr(ctx, boardGenKey(boardID)).Err(); err != nil {
		c.logger.WithError(err).WithField("board_id", boardID).Warn("evict board cache")
	}
}

func (c *Cache) generation(ctx context.Context, boardID string) int64 {
	if c.redis == nil {
		return 0
	}
	gen, err := c.redis.Get(ctx, boardGenKey(boardID)).Int64()
	if err != nil {
		return 0
	}
	return gen
}

func (c *Cache) loadBoard(ctx context.Context, key string) (*domain.Board, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the remote without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var b domain.Board
	if err := sonic.Unmarshal(data, &b); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return &b, true
}

func (c *Cache) storeBoard(ctx context.Context, key string, b *domain.Board) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(b)
	if err != nil {
		return
	}
	pipe := c.redis.TxPipeline()
	pipe.Set(ctx, key, data, c.ttl)
	if len(b.Tasks) > 0 {
		index := make(map[string]any, len(b.Tasks))
		for _, t := range b.Tasks {
			index[t.ID] = b.ID
		}
		pipe.HSet(ctx, taskBoardIndexKey, index)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.WithError(err).Debug("store board cache")
	}
}

func boardGenKey(boardID string) string {
	return "board-gen:" + boardID
}

func boardCacheKey(boardID string, gen int64, userID string, filter domain.Filter) string {
	return "board:" + boardID + ":" + strconv.FormatInt(gen, 10) + ":" + userID + ":" + filter.Key()
}
