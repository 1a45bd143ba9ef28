package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by point reads when the key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrClosed is returned by operations on a released connection.
	ErrClosed = errors.New("store: connection closed")
	// ErrNotFlushed is reported by a Result whose pipeline was never flushed.
	ErrNotFlushed = errors.New("store: pipeline not flushed")
)

// Options selects and configures a store backend. It is embedded verbatim in
// the connector configuration file.
type Options struct {
	Type     string `yaml:"type"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	// DialAttempts is how many times Dial pings the backend before giving up.
	DialAttempts int `yaml:"dial_attempts"`
	// DialDelayMS is the pause between two dial attempts.
	DialDelayMS int `yaml:"dial_delay_ms"`
}

const (
	TypeRedis  = "redis"
	TypeMemory = "memory"
)

// Result is the outcome of one queued pipeline operation. Err is only
// meaningful once the owning pipeline has been flushed.
type Result interface {
	Err() error
}

// Pipeline queues primitive operations and sends them to the backend in one
// round trip on Flush. A Pipeline is used by a single goroutine and discarded
// after Flush.
type Pipeline interface {
	Set(key, value []byte, ttl time.Duration) Result
	HSet(key []byte, fields map[string][]byte) Result
	Expire(key []byte, ttl time.Duration) Result
	Del(key []byte) Result
	// Flush sends every queued operation and blocks until the backend has
	// answered all of them. It returns the first failure; the individual
	// Results carry the per-operation outcome.
	Flush(ctx context.Context) error
}

// Reader serves point reads.
type Reader interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	// HGetAll returns ErrNotFound when the key holds no fields.
	HGetAll(ctx context.Context, key []byte) (map[string][]byte, error)
}

// Conn is a connection to a key-value store supporting explicit pipelining.
type Conn interface {
	Reader
	Pipeline() Pipeline
	Close() error
}

// DialFunc establishes a new connection. Every engine instance dials its own
// connection so that parallel tasks never share pipeline state.
type DialFunc func(ctx context.Context) (Conn, error)

// Await waits for every result and returns the first failure, if any.
func Await(ctx context.Context, results []Result) error {
	for i, r := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Err(); err != nil {
			return fmt.Errorf("operation %d/%d: %w", i+1, len(results), err)
		}
	}
	return nil
}

// Dialer returns a DialFunc for the configured backend. Memory backends dialed
// from the same Dialer share one dataset, like clients of one server would.
func Dialer(opts Options) (DialFunc, error) {
	switch opts.Type {
	case TypeRedis:
		return func(ctx context.Context) (Conn, error) {
			r, err := DialRedis(ctx, opts)
			if err != nil {
				return nil, err
			}
			return r, nil
		}, nil
	case TypeMemory:
		m := NewMemory()
		return func(ctx context.Context) (Conn, error) {
			return m.Conn(), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", opts.Type)
	}
}
