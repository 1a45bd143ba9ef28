package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errWrongType = errors.New("store: operation against a key holding the wrong kind of value")

type memEntry struct {
	value     []byte
	fields    map[string][]byte
	expiresAt time.Time
}

// Memory is an in-process dataset with Redis-like string and hash values. It
// backs the "memory" store type and local runs.
type Memory struct {
	mu   sync.Mutex
	data map[string]*memEntry
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]*memEntry), now: time.Now}
}

// Conn returns a new connection to the dataset.
func (m *Memory) Conn() Conn {
	return &memConn{m: m}
}

// Len reports the number of live keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.data {
		if m.liveLocked(k) != nil {
			n++
		}
	}
	return n
}

// TTL reports the remaining lifetime of key, zero when it never expires.
func (m *Memory) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.liveLocked(key)
	if e == nil {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return 0, true
	}
	return e.expiresAt.Sub(m.now()), true
}

func (m *Memory) liveLocked(key string) *memEntry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

type memConn struct {
	m      *Memory
	closed atomic.Bool
}

func (c *memConn) Get(ctx context.Context, key []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	e := c.m.liveLocked(string(key))
	if e == nil {
		return nil, ErrNotFound
	}
	if e.fields != nil {
		return nil, errWrongType
	}
	return append([]byte(nil), e.value...), nil
}

func (c *memConn) HGetAll(ctx context.Context, key []byte) (map[string][]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	e := c.m.liveLocked(string(key))
	if e == nil {
		return nil, ErrNotFound
	}
	if e.fields == nil {
		return nil, errWrongType
	}
	out := make(map[string][]byte, len(e.fields))
	for k, v := range e.fields {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (c *memConn) Pipeline() Pipeline {
	return &memPipeline{c: c}
}

func (c *memConn) Close() error {
	c.closed.Store(true)
	return nil
}

type memResult struct {
	err     error
	flushed bool
}

func (r *memResult) Err() error {
	if !r.flushed {
		return ErrNotFlushed
	}
	return r.err
}

type memOp struct {
	apply  func(m *Memory) error
	result *memResult
}

type memPipeline struct {
	c   *memConn
	ops []memOp
}

func (p *memPipeline) queue(fn func(m *Memory) error) Result {
	r := &memResult{}
	p.ops = append(p.ops, memOp{apply: fn, result: r})
	return r
}

func (p *memPipeline) Set(key, value []byte, ttl time.Duration) Result {
	k, v := string(key), append([]byte(nil), value...)
	return p.queue(func(m *Memory) error {
		m.data[k] = &memEntry{value: v, expiresAt: m.expiry(ttl)}
		return nil
	})
}

func (p *memPipeline) HSet(key []byte, fields map[string][]byte) Result {
	k := string(key)
	copied := make(map[string][]byte, len(fields))
	for f, v := range fields {
		copied[f] = append([]byte(nil), v...)
	}
	return p.queue(func(m *Memory) error {
		e := m.liveLocked(k)
		if e == nil {
			m.data[k] = &memEntry{fields: copied}
			return nil
		}
		if e.fields == nil {
			return errWrongType
		}
		for f, v := range copied {
			e.fields[f] = v
		}
		return nil
	})
}

func (p *memPipeline) Expire(key []byte, ttl time.Duration) Result {
	k := string(key)
	return p.queue(func(m *Memory) error {
		if e := m.liveLocked(k); e != nil {
			if ttl <= 0 {
				delete(m.data, k)
				return nil
			}
			e.expiresAt = m.expiry(ttl)
		}
		return nil
	})
}

func (p *memPipeline) Del(key []byte) Result {
	k := string(key)
	return p.queue(func(m *Memory) error {
		delete(m.data, k)
		return nil
	})
}

func (p *memPipeline) Flush(ctx context.Context) error {
	if p.c.closed.Load() {
		for _, op := range p.ops {
			op.result.err, op.result.flushed = ErrClosed, true
		}
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.c.m.mu.Lock()
	defer p.c.m.mu.Unlock()
	var first error
	for _, op := range p.ops {
		op.result.err = op.apply(p.c.m)
		op.result.flushed = true
		if first == nil {
			first = op.result.err
		}
	}
	p.ops = nil
	return first
}
