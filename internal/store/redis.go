package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis wraps a go-redis client. Commands are never auto-flushed: writes go
// through explicit pipelines and reads are single round trips.
type Redis struct {
	client *redis.Client
}

// DialRedis connects to the configured server, pinging it up to
// opts.DialAttempts times before giving up.
func DialRedis(ctx context.Context, opts Options) (*Redis, error) {
	attempts := opts.DialAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := time.Duration(opts.DialDelayMS) * time.Millisecond
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = client.Ping(ctx).Err()
		if err == nil {
			return &Redis{client: client}, nil
		}

		logrus.Warnf("redis dial %s failed (attempt %d/%d): %v", opts.Address, attempt, attempts, err)

		// Don't wait after the final attempt
		if attempt < attempts {
			select {
			case <-ctx.Done():
				client.Close()
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	client.Close()
	return nil, err
}

// NewRedis wraps an already configured client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Pipeline() Pipeline {
	return &redisPipeline{pipe: r.client.Pipeline()}
}

func (r *Redis) Get(ctx context.Context, key []byte) ([]byte, error) {
	b, err := r.client.Get(ctx, string(key)).Bytes()
	if err != nil {
		return nil, translate(err)
	}
	return b, nil
}

func (r *Redis) HGetAll(ctx context.Context, key []byte) (map[string][]byte, error) {
	m, err := r.client.HGetAll(ctx, string(key)).Result()
	if err != nil {
		return nil, translate(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	fields := make(map[string][]byte, len(m))
	for k, v := range m {
		fields[k] = []byte(v)
	}
	return fields, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func translate(err error) error {
	switch {
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, redis.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}

type redisPipeline struct {
	pipe    redis.Pipeliner
	flushed bool
}

type redisResult struct {
	cmd redis.Cmder
	p   *redisPipeline
}

func (r redisResult) Err() error {
	if !r.p.flushed {
		return ErrNotFlushed
	}
	if err := r.cmd.Err(); err != nil && !errors.Is(err, redis.Nil) {
		return translate(err)
	}
	return nil
}

// Queued commands do no I/O, so they are built with a background context; the
// caller's context applies to Flush.
func (p *redisPipeline) Set(key, value []byte, ttl time.Duration) Result {
	return redisResult{cmd: p.pipe.Set(context.Background(), string(key), value, ttl), p: p}
}

func (p *redisPipeline) HSet(key []byte, fields map[string][]byte) Result {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return redisResult{cmd: p.pipe.HSet(context.Background(), string(key), values), p: p}
}

func (p *redisPipeline) Expire(key []byte, ttl time.Duration) Result {
	return redisResult{cmd: p.pipe.Expire(context.Background(), string(key), ttl), p: p}
}

func (p *redisPipeline) Del(key []byte) Result {
	return redisResult{cmd: p.pipe.Del(context.Background(), string(key)), p: p}
}

func (p *redisPipeline) Flush(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	p.flushed = true
	if err != nil && !errors.Is(err, redis.Nil) {
		return translate(err)
	}
	return nil
}
