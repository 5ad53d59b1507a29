// Package trace buffers execution and algorithm traces and writes
// them to the persistent store in batches.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/casys-ai/pml-gateway/domain"
)

var (
	flushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pml_trace_flushed_total",
		Help: "Trace records successfully flushed to the store.",
	}, []string{"stream"})
	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pml_trace_dropped_total",
		Help: "Trace records dropped after the buffer overflowed.",
	}, []string{"stream"})
	flushErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pml_trace_flush_errors_total",
		Help: "Failed flush attempts per stream.",
	}, []string{"stream"})
)

// Writer is the persistence half of the sink. Inserts must be
// idempotent on the record UUID; the sink re-flushes failed batches.
type Writer interface {
	InsertExecutionTraces(ctx context.Context, traces []domain.ExecutionTrace) error
	InsertAlgorithmTraces(ctx context.Context, traces []domain.AlgorithmTrace) error
}

// Config sizes the sink's two buffers.
type Config struct {
	// BufferSize is the per-stream record capacity; a full buffer
	// triggers an immediate flush.
	BufferSize int

	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration
}

// Sink owns two buffered writers: one for execution traces, one for
// algorithm traces. Records are accepted without blocking; a stream
// whose buffer and queue are both full drops the oldest work and
// counts the loss.
type Sink struct {
	execution *stream[domain.ExecutionTrace]
	algorithm *stream[domain.AlgorithmTrace]
}

// NewSink starts both streams.
func NewSink(w Writer, cfg Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	s := &Sink{
		execution: newStream(cfg, logger, "execution", w.InsertExecutionTraces),
		algorithm: newStream(cfg, logger, "algorithm", w.InsertAlgorithmTraces),
	}
	return s
}

// RecordExecution queues one execution trace. An empty ID is assigned
// so the store-side idempotency key always exists.
func (s *Sink) RecordExecution(tr domain.ExecutionTrace) {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	s.execution.record(tr)
}

// RecordAlgorithm queues one algorithm trace.
func (s *Sink) RecordAlgorithm(tr domain.AlgorithmTrace) {
	if tr.TraceID == "" {
		tr.TraceID = uuid.NewString()
	}
	s.algorithm.record(tr)
}

// Close flushes whatever remains and stops both streams. The context
// bounds the final flush.
func (s *Sink) Close(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.execution.close(ctx) }()
	go func() { defer wg.Done(); s.algorithm.close(ctx) }()
	wg.Wait()
}

// stream is one buffered writer. A single goroutine owns the buffer;
// producers only touch the queue channel.
type stream[T any] struct {
	name   string
	logger *slog.Logger

	queue chan T
	buf   []T
	cap   int

	interval time.Duration
	flush    func(context.Context, []T) error

	quit chan struct{}
	done chan struct{}
}

func newStream[T any](cfg Config, logger *slog.Logger, name string, flush func(context.Context, []T) error) *stream[T] {
	st := &stream[T]{
		name:     name,
		logger:   logger,
		queue:    make(chan T, cfg.BufferSize),
		buf:      make([]T, 0, cfg.BufferSize),
		cap:      cfg.BufferSize,
		interval: cfg.FlushInterval,
		flush:    flush,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go st.run()
	return st
}

func (st *stream[T]) record(v T) {
	select {
	case st.queue <- v:
	default:
		droppedTotal.WithLabelValues(st.name).Inc()
	}
}

func (st *stream[T]) run() {
	defer close(st.done)
	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()

	for {
		select {
		case v := <-st.queue:
			st.buf = append(st.buf, v)
			if len(st.buf) >= st.cap {
				st.doFlush(context.Background())
			}
		case <-ticker.C:
			st.doFlush(context.Background())
		case <-st.quit:
			st.drain()
			return
		}
	}
}

// drain empties the queue into the buffer on shutdown; the final flush
// happens in close with the caller's context.
func (st *stream[T]) drain() {
	for {
		select {
		case v := <-st.queue:
			st.buf = append(st.buf, v)
		default:
			return
		}
	}
}

// doFlush writes the buffer as one batch. On error the records are
// re-queued up to capacity; the overflow is dropped and counted.
func (st *stream[T]) doFlush(ctx context.Context) {
	if len(st.buf) == 0 {
		return
	}
	batch := st.buf
	st.buf = make([]T, 0, st.cap)

	if err := st.flush(ctx, batch); err != nil {
		flushErrors.WithLabelValues(st.name).Inc()
		st.logger.Warn("trace flush failed",
			slog.String("stream", st.name),
			slog.Int("records", len(batch)),
			slog.String("error", err.Error()))
		if len(batch) > st.cap {
			droppedTotal.WithLabelValues(st.name).Add(float64(len(batch) - st.cap))
			batch = batch[:st.cap]
		}
		st.buf = append(st.buf, batch...)
		return
	}
	flushedTotal.WithLabelValues(st.name).Add(float64(len(batch)))
}

func (st *stream[T]) close(ctx context.Context) {
	close(st.quit)
	select {
	case <-st.done:
	case <-ctx.Done():
		return
	}
	st.doFlush(ctx)
}
