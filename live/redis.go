package live

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads live frames from a Redis pub/sub channel, for deployments
// that fan the task board broadcast out through Redis.
type RedisSource struct {
	Client  *redis.Client
	Channel string
}

func (s RedisSource) Connect(ctx context.Context) (Conn, error) {
	sub := s.Client.Subscribe(ctx, s.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	return &redisConn{ctx: ctx, sub: sub}, nil
}

type redisConn struct {
	ctx context.Context
	sub *redis.PubSub
}

// Receive surfaces connection errors instead of letting go-redis reconnect
// silently, so the subscription can resync after the gap.
func (c *redisConn) Receive() ([]byte, error) {
	msg, err := c.sub.ReceiveMessage(c.ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (c *redisConn) Close() error { return c.sub.Close() }
