package sink

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"kvbridge/internal/buffer"
	"kvbridge/internal/codec"
	"kvbridge/internal/config"
	"kvbridge/internal/metrics"
	"kvbridge/internal/store"

	"github.com/sirupsen/logrus"
)

var (
	// ErrFailed wraps the first flush failure; once returned the engine stays
	// broken until it is recreated.
	ErrFailed  = errors.New("sink failed")
	ErrClosed  = errors.New("sink closed")
	ErrNotOpen = errors.New("sink not opened")
)

// failure boxes the latched error so it fits an atomic.Pointer.
type failure struct {
	err error
}

// Engine buffers encoded rows and writes them to the store in pipelined
// batches. A batch is flushed when the buffer reaches its maximum size, when
// the flush interval elapses (checked on Write in sync mode, by a background
// timer in async mode) and on every checkpoint.
type Engine struct {
	opts  config.WriteOptions
	codec codec.Codec
	dial  store.DialFunc
	task  string
	log   *logrus.Entry

	conn  store.Conn
	queue buffer.Queue[*store.Write]

	now       func() time.Time
	lastFlush atomic.Int64

	failure atomic.Pointer[failure]
	opened  atomic.Bool
	closed  atomic.Bool
	stop    chan struct{}
}

// New validates opts and prepares an engine. task names the engine in logs and
// metrics; nothing touches the store before Open.
func New(task string, opts config.WriteOptions, c codec.Codec, dial store.DialFunc) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if c == nil || dial == nil {
		return nil, fmt.Errorf("%w: sink needs a codec and a dialer", config.ErrInvalid)
	}
	return &Engine{
		opts:  opts,
		codec: c,
		dial:  dial,
		task:  task,
		log:   logrus.WithField("task", task),
		now:   time.Now,
		stop:  make(chan struct{}),
	}, nil
}

// Open connects to the store and, in async mode, starts the background
// flusher.
func (e *Engine) Open(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.opened.Load() {
		return fmt.Errorf("sink task %s already opened", e.task)
	}

	conn, err := e.dial(ctx)
	if err != nil {
		return fmt.Errorf("open sink task %s: %w", e.task, err)
	}
	e.conn = conn
	e.queue = buffer.New[*store.Write](e.opts.Async)
	e.lastFlush.Store(e.now().UnixNano())
	e.opened.Store(true)

	if e.opts.Async {
		go e.flushLoop()
	}
	e.log.Infof("sink opened | async=%v maxSize=%d interval=%s expire=%s",
		e.opts.Async, e.opts.BufferFlushMaxSize, e.opts.BufferFlushInterval, e.opts.Expire)
	return nil
}

func (e *Engine) ready() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.opened.Load() {
		return ErrNotOpen
	}
	return nil
}

// Err returns the latched flush failure, if any.
func (e *Engine) Err() error {
	if f := e.failure.Load(); f != nil {
		return fmt.Errorf("%w: %w", ErrFailed, f.err)
	}
	return nil
}

// fail records err unless an earlier failure is already latched.
func (e *Engine) fail(err error) {
	if e.failure.CompareAndSwap(nil, &failure{err: err}) {
		e.log.Errorf("sink broken: %v", err)
	}
}

// Buffered reports how many pending writes wait for the next flush.
func (e *Engine) Buffered() int {
	if e.queue == nil {
		return 0
	}
	return e.queue.Size()
}

func (e *Engine) Write(ctx context.Context, row codec.Row) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.Err(); err != nil {
		metrics.RecordsTotal.WithLabelValues("rejected").Inc()
		return err
	}

	w, err := e.codec.Encode(row)
	if err != nil {
		metrics.RecordsTotal.WithLabelValues("invalid").Inc()
		return err
	}
	e.queue.Buffer(w)
	metrics.RecordsTotal.WithLabelValues("buffered").Inc()

	return e.maybeFlush(ctx)
}

func (e *Engine) maybeFlush(ctx context.Context) error {
	if e.queue.Size() >= e.opts.BufferFlushMaxSize {
		return e.flush(ctx, "size")
	}
	if !e.opts.Async {
		last := time.Unix(0, e.lastFlush.Load())
		if e.now().Sub(last) >= e.opts.BufferFlushInterval {
			return e.flush(ctx, "interval")
		}
	}
	return nil
}

// Flush writes everything buffered so far and waits for every acknowledgment.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.flush(ctx, "manual")
}

// Checkpoint is a synchronous flush. It always goes through the queue so that
// a batch already being drained by the background flusher is waited for, and
// it reports any failure latched before or during the flush.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	err := e.Err()
	if err == nil {
		err = e.flush(ctx, "checkpoint")
	}
	metrics.CheckpointsTotal.WithLabelValues(metrics.Result(err)).Inc()
	return err
}

func (e *Engine) flush(ctx context.Context, trigger string) error {
	drained := false
	err := e.queue.Flush(func(batch []*store.Write) error {
		drained = len(batch) > 0
		return e.writeBatch(ctx, trigger, batch)
	})
	if drained {
		e.lastFlush.Store(e.now().UnixNano())
	}
	if !e.closed.Load() {
		metrics.BufferedWrites.WithLabelValues(e.task).Set(float64(e.queue.Size()))
	}
	if err != nil {
		e.fail(err)
	}
	return e.Err()
}

// writeBatch issues the whole batch through one pipeline. The queue keeps a
// single batch in flight, so the connection never sees two pipelines at once.
func (e *Engine) writeBatch(ctx context.Context, trigger string, batch []*store.Write) error {
	if len(batch) == 0 {
		return nil
	}
	start := time.Now()

	p := e.conn.Pipeline()
	results := make([]store.Result, 0, len(batch))
	for _, w := range batch {
		results = append(results, w.Apply(p)...)
	}
	err := p.Flush(ctx)
	if err == nil {
		err = store.Await(ctx, results)
	}

	metrics.FlushesTotal.WithLabelValues(trigger, metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("flush %d writes (%s): %w", len(batch), trigger, err)
	}
	metrics.FlushLatency.Observe(time.Since(start).Seconds())
	metrics.FlushedWritesTotal.Add(float64(len(batch)))
	e.log.Debugf("flushed %d writes | trigger=%s ops=%d took=%s", len(batch), trigger, len(results), time.Since(start))
	return nil
}

// flushLoop flushes with a fixed delay between the end of one flush and the
// start of the next. Failures are only latched here; the next Write or
// Checkpoint reports them.
func (e *Engine) flushLoop() {
	t := time.NewTimer(e.opts.BufferFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-t.C:
		}
		if e.closed.Load() {
			return
		}
		_ = e.flush(context.Background(), "timer")
		t.Reset(e.opts.BufferFlushInterval)
	}
}

// Close stops the background flusher and releases the connection. Buffered
// writes are dropped; call Checkpoint first to keep them. A flush already in
// progress is not waited for.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stop)
	if !e.opened.Load() {
		return nil
	}

	if n := e.queue.Size(); n > 0 {
		e.log.Warnf("sink closed with %d unflushed writes", n)
	}
	metrics.BufferedWrites.DeleteLabelValues(e.task)
	e.log.Info("sink closed")
	return e.conn.Close()
}
