// Package pipeline streams records into parallel sink tasks and drives their
// checkpoints.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"kvbridge/internal/codec"
	"kvbridge/internal/config"
	"kvbridge/internal/metrics"
	"kvbridge/internal/sink"
	"kvbridge/internal/store"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// Runner fans records out to one sink per task. Rows are routed by a hash of
// their store key, so every change to a key is written by the same task in
// input order.
type Runner struct {
	sinks    []sink.Sink
	codec    codec.Codec
	interval time.Duration
}

// New builds one sink engine per configured degree of parallelism. Each
// engine dials its own connection when the runner starts.
func New(cfg *config.Config, c codec.Codec, dial store.DialFunc) (*Runner, error) {
	sinks := make([]sink.Sink, cfg.Sink.Parallelism)
	for i := range sinks {
		e, err := sink.New(fmt.Sprintf("%s-%d", cfg.KeyPrefix, i), cfg.Sink, c, dial)
		if err != nil {
			return nil, err
		}
		sinks[i] = e
	}
	return NewWithSinks(sinks, c, cfg.Checkpoint.Interval), nil
}

// NewWithSinks runs the given sinks. A non-positive interval disables
// periodic checkpoints; the final checkpoint at end of input always runs.
func NewWithSinks(sinks []sink.Sink, c codec.Codec, interval time.Duration) *Runner {
	return &Runner{sinks: sinks, codec: c, interval: interval}
}

// Run opens every sink, streams in until EOF, checkpoints all tasks and
// closes them. The first failure of any task stops the run.
func (r *Runner) Run(ctx context.Context, in io.Reader) error {
	if len(r.sinks) == 0 {
		return errors.New("pipeline has no sink tasks")
	}
	for i, s := range r.sinks {
		if err := s.Open(ctx); err != nil {
			r.closeSinks(r.sinks[:i])
			return err
		}
	}
	defer r.closeSinks(r.sinks)

	startTs := time.Now()
	logrus.Infof("Starting pipeline | tasks=%d checkpointInterval=%s", len(r.sinks), r.interval)

	// Derive a cancellable context for early termination on first error
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	report := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		cancel()
	}

	queues := make([]chan codec.Row, len(r.sinks))
	var wg sync.WaitGroup
	for i, s := range r.sinks {
		queues[i] = make(chan codec.Row, 64)
		wg.Add(1)
		go func(task int, s sink.Sink, rows <-chan codec.Row) {
			defer wg.Done()
			for row := range rows {
				if wctx.Err() != nil {
					continue
				}
				if err := s.Write(wctx, row); err != nil {
					report(fmt.Errorf("task %d: %w", task, err))
				}
			}
		}(i, s, queues[i])
	}

	stopCheckpoints := make(chan struct{})
	checkpointsDone := make(chan struct{})
	go func() {
		defer close(checkpointsDone)
		if r.interval <= 0 {
			return
		}
		t := time.NewTicker(r.interval)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-stopCheckpoints:
				return
			case <-t.C:
				if err := r.checkpoint(wctx); err != nil {
					report(err)
					return
				}
			}
		}
	}()

	count, err := r.produce(wctx, in, queues)
	if err != nil {
		report(err)
	}
	for _, q := range queues {
		close(q)
	}
	wg.Wait()
	close(stopCheckpoints)
	<-checkpointsDone

	select {
	case e := <-errCh:
		return e
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	logrus.Infof("[OK] pipeline finished | records=%d tasks=%d time=%.2fs", count, len(r.sinks), time.Since(startTs).Seconds())
	return nil
}

func (r *Runner) produce(ctx context.Context, in io.Reader, queues []chan codec.Row) (int, error) {
	dec := NewDecoder(in, r.codec.Schema())
	count := 0
	for {
		row, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			metrics.RecordsTotal.WithLabelValues("invalid").Inc()
			return count, err
		}
		key, err := r.codec.RowKey(row)
		if err != nil {
			metrics.RecordsTotal.WithLabelValues("invalid").Inc()
			return count, fmt.Errorf("record %d: %w", count+1, err)
		}
		task := xxhash.Sum64(key) % uint64(len(queues))
		select {
		case <-ctx.Done():
			return count, nil
		case queues[task] <- row:
		}
		count++
	}
}

// checkpoint signals every task and waits for all of them; tasks flush in
// parallel.
func (r *Runner) checkpoint(ctx context.Context) error {
	errs := make([]error, len(r.sinks))
	var wg sync.WaitGroup
	for i, s := range r.sinks {
		wg.Add(1)
		go func(i int, s sink.Sink) {
			defer wg.Done()
			if err := s.Checkpoint(ctx); err != nil {
				errs[i] = fmt.Errorf("checkpoint task %d: %w", i, err)
			}
		}(i, s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Runner) closeSinks(sinks []sink.Sink) {
	for i, s := range sinks {
		if err := s.Close(); err != nil {
			logrus.Warnf("close task %d: %v", i, err)
		}
	}
}
