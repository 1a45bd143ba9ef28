// Package buffer holds pending items until they are drained as one batch.
package buffer

import "sync"

// DrainFunc receives a whole batch. The batch belongs to the callee.
type DrainFunc[T any] func(batch []T) error

// Queue is an ordered buffer whose Flush hands every buffered item to a drain
// function in one batch. Items buffered concurrently with a Flush land either
// in that batch or in the next one, never in both and never in neither.
type Queue[T any] interface {
	Size() int
	Buffer(item T)
	// Flush drains the buffer into fn. The buffer is empty afterwards even
	// when fn fails; a failed batch is not retried.
	Flush(fn DrainFunc[T]) error
}

// New returns the async policy when async is set, the sync policy otherwise.
func New[T any](async bool) Queue[T] {
	if async {
		return NewAsync[T]()
	}
	return NewSync[T]()
}

// Sync holds its lock for the whole of every call, drain included, so
// producers wait while a batch is being written.
type Sync[T any] struct {
	mu    sync.Mutex
	items []T
}

func NewSync[T any]() *Sync[T] {
	return &Sync[T]{}
}

func (q *Sync[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Sync[T]) Buffer(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *Sync[T]) Flush(fn DrainFunc[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.items
	q.items = nil
	return fn(batch)
}

// Async swaps the buffer out under its lock and drains outside of it, so
// producers keep buffering while a batch is in flight. Drains are serialised
// in swap order, keeping at most one batch in flight.
type Async[T any] struct {
	mu    sync.Mutex
	items []T

	drainMu sync.Mutex
}

func NewAsync[T any]() *Async[T] {
	return &Async[T]{}
}

func (q *Async[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Async[T]) Buffer(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *Async[T]) Flush(fn DrainFunc[T]) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	return fn(batch)
}
