package sink

import (
	"context"

	"kvbridge/internal/codec"
)

// Sink defines the behaviour expected from a record destination used by the
// pipeline runner and the HTTP surface.
//
// Implementations must be safe for a record goroutine calling Write while a
// checkpoint goroutine calls Checkpoint.
type Sink interface {
	Open(ctx context.Context) error
	// Write buffers the row and flushes when a trigger fires. It returns the
	// error that broke the sink, if any, before accepting the row.
	Write(ctx context.Context, row codec.Row) error
	// Checkpoint blocks until everything buffered so far is stored.
	Checkpoint(ctx context.Context) error
	// Close releases the sink without flushing.
	Close() error
}
