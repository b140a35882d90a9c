// Package usagelog records request, response and usage rows without
// blocking the request path.
//
// Entries go into a buffered channel and a background goroutine hands them
// to a Sink in batches. When the channel is full new entries are dropped
// and counted in Dropped.
package usagelog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-router/internal/catalog"
)

const (
	DefaultBuffer        = 10_000
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
)

// Entry is everything recorded for one request. Response and Usage are nil
// when the request failed before a provider answered.
type Entry struct {
	Request  catalog.RequestRecord
	Response *catalog.ResponseRecord
	Usage    *catalog.UsageEvent
}

// Sink persists batches of entries.
type Sink interface {
	Write(ctx context.Context, batch []Entry) error
	Close() error
}

// Options tunes a Writer. Zero values take the defaults.
type Options struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
}

// Writer batches entries into a Sink.
type Writer struct {
	sink      Sink
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64
	failed  atomic.Int64
	written atomic.Int64

	batchSize int
	interval  time.Duration
	baseCtx   context.Context
	log       *slog.Logger
}

func New(ctx context.Context, sink Sink, opts Options, logger *slog.Logger) (*Writer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usagelog: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("usagelog: sink must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	w := &Writer{
		sink:      sink,
		ch:        make(chan Entry, opts.Buffer),
		done:      make(chan struct{}),
		batchSize: opts.BatchSize,
		interval:  opts.FlushInterval,
		baseCtx:   context.WithoutCancel(ctx),
		log:       logger,
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Log enqueues e. It never blocks.
func (w *Writer) Log(e Entry) {
	if e.Request.CreatedAt.IsZero() {
		e.Request.CreatedAt = time.Now().UTC()
	}
	select {
	case w.ch <- e:
	default:
		w.dropped.Add(1)
	}
}

// Dropped counts entries lost to a full buffer.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Failed counts entries in batches the sink rejected.
func (w *Writer) Failed() int64 { return w.failed.Load() }

// Written counts entries the sink accepted.
func (w *Writer) Written() int64 { return w.written.Load() }

// Close flushes what is buffered and closes the sink.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return w.sink.Close()
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]Entry, 0, w.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.sink.Write(w.baseCtx, batch); err != nil {
			w.failed.Add(int64(len(batch)))
			w.log.ErrorContext(w.baseCtx, "usage_flush_failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		} else {
			w.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-w.ch:
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case e := <-w.ch:
					batch = append(batch, e)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
