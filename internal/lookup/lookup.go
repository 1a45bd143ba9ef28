// Package lookup serves point reads against the store through an optional
// time-bounded cache, retrying failed reads with a linear backoff.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kvbridge/internal/codec"
	"kvbridge/internal/config"
	"kvbridge/internal/metrics"
	"kvbridge/internal/store"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BackoffUnit is the pause before the first retry; retry n waits n units.
const BackoffUnit = time.Second

var (
	ErrRetriesExhausted = errors.New("lookup retries exhausted")
	ErrNotOpen          = errors.New("lookup not opened")
)

// Lookup is a point-read engine. It is safe for concurrent use.
type Lookup struct {
	opts  config.ReadOptions
	codec codec.Codec
	dial  store.DialFunc

	conn  store.Conn
	cache *Cache

	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts config.ReadOptions, c codec.Codec, dial store.DialFunc) (*Lookup, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if c == nil || dial == nil {
		return nil, fmt.Errorf("%w: lookup needs a codec and a dialer", config.ErrInvalid)
	}
	return &Lookup{opts: opts, codec: c, dial: dial, sleep: sleepContext}, nil
}

// Open connects to the store and builds the cache when it is configured.
func (l *Lookup) Open(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("open lookup: %w", err)
	}
	if l.opts.Cache.Active() {
		cache, err := NewCache(l.opts.Cache.MaxEntries, l.opts.Cache.Expire)
		if err != nil {
			conn.Close()
			return err
		}
		l.cache = cache
	}
	l.conn = conn
	logrus.Infof("lookup opened | maxRetries=%d cache=%v", l.opts.MaxRetries, l.cache != nil)
	return nil
}

// Eval returns the row stored under the given primary key values, or nil when
// there is none. A store failure is retried up to MaxRetries times; decode
// failures are not.
func (l *Lookup) Eval(ctx context.Context, keys ...any) (*codec.Row, error) {
	if l.conn == nil {
		return nil, ErrNotOpen
	}
	key, err := l.codec.Key(keys...)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		if row, ok := l.cache.Get(string(key)); ok {
			metrics.LookupsTotal.WithLabelValues("hit").Inc()
			return row, nil
		}
	}

	attempts := l.opts.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.LookupRetriesTotal.Inc()
			if err := l.sleep(ctx, time.Duration(attempt)*BackoffUnit); err != nil {
				return nil, err
			}
		}

		var row *codec.Row
		row, err = l.codec.Load(ctx, l.conn, key)
		if err == nil {
			if row == nil {
				metrics.LookupsTotal.WithLabelValues("empty").Inc()
				return nil, nil
			}
			if l.cache != nil {
				l.cache.Set(string(key), row)
			}
			metrics.LookupsTotal.WithLabelValues("miss").Inc()
			return row, nil
		}
		if errors.Is(err, codec.ErrDecode) {
			metrics.LookupsTotal.WithLabelValues("error").Inc()
			return nil, err
		}

		logrus.Warnf("lookup %s failed (attempt %d/%d): %v", key, attempt+1, attempts, err)
	}

	metrics.LookupsTotal.WithLabelValues("error").Inc()
	return nil, fmt.Errorf("%w: key %s after %d attempts: %w", ErrRetriesExhausted, key, attempts, err)
}

// EvalAll looks up several keys concurrently and returns the rows in input
// order. The first failure cancels the remaining lookups.
func (l *Lookup) EvalAll(ctx context.Context, keys [][]any) ([]*codec.Row, error) {
	rows := make([]*codec.Row, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	if l.opts.Concurrency > 0 {
		g.SetLimit(l.opts.Concurrency)
	}
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			row, err := l.Eval(gctx, k...)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (l *Lookup) Close() error {
	if l.cache != nil {
		l.cache.Close()
	}
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
