package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPipelineAndReads(t *testing.T) {
	m := NewMemory()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	conn := m.Conn()
	ctx := context.Background()

	p := conn.Pipeline()
	results := []Result{
		p.Set([]byte("a"), []byte("1"), 0),
		p.Set([]byte("b"), []byte("2"), 10*time.Second),
		p.HSet([]byte("h"), map[string][]byte{"f": []byte("x")}),
		p.Expire([]byte("h"), 5*time.Second),
	}
	require.NoError(t, p.Flush(ctx))
	require.NoError(t, Await(ctx, results))
	assert.Equal(t, 3, m.Len())

	v, err := conn.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	ttl, ok := m.TTL("b")
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, ttl)

	now = now.Add(6 * time.Second)
	_, err = conn.HGetAll(ctx, []byte("h"))
	assert.ErrorIs(t, err, ErrNotFound)

	now = now.Add(5 * time.Second)
	_, err = conn.Get(ctx, []byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, m.Len())
}

func TestMemoryWrongTypeFailsOnlyThatOperation(t *testing.T) {
	conn := NewMemory().Conn()
	ctx := context.Background()

	p := conn.Pipeline()
	first := p.Set([]byte("k"), []byte("v"), 0)
	second := p.HSet([]byte("k"), map[string][]byte{"f": []byte("x")})
	third := p.Set([]byte("other"), []byte("v"), 0)
	assert.Error(t, p.Flush(ctx))

	assert.NoError(t, first.Err())
	assert.Error(t, second.Err())
	assert.NoError(t, third.Err())
	assert.Error(t, Await(ctx, []Result{first, second, third}))
}

func TestMemoryClosedConn(t *testing.T) {
	m := NewMemory()
	conn := m.Conn()
	require.NoError(t, conn.Close())

	_, err := conn.Get(context.Background(), []byte("k"))
	assert.ErrorIs(t, err, ErrClosed)

	p := conn.Pipeline()
	r := p.Del([]byte("k"))
	assert.ErrorIs(t, p.Flush(context.Background()), ErrClosed)
	assert.ErrorIs(t, r.Err(), ErrClosed)

	// other connections to the same dataset stay usable
	_, err = m.Conn().Get(context.Background(), []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDialer(t *testing.T) {
	dial, err := Dialer(Options{Type: TypeMemory})
	require.NoError(t, err)

	a, err := dial(context.Background())
	require.NoError(t, err)
	b, err := dial(context.Background())
	require.NoError(t, err)

	p := a.Pipeline()
	p.Set([]byte("shared"), []byte("1"), 0)
	require.NoError(t, p.Flush(context.Background()))

	v, err := b.Get(context.Background(), []byte("shared"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = Dialer(Options{Type: "etcd"})
	assert.Error(t, err)
}
