package trace

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered spans to prevent OOM.
// Spans above this limit are dropped and counted; span persistence is
// best-effort and must never fail a user invocation.
const maxBufferCapacity = 100_000

// SpanWriter persists batches of spans. Satisfied by *storage.DB.
type SpanWriter interface {
	InsertSpans(ctx context.Context, spans []model.TraceSpan) (int, error)
}

// Buffer accumulates flushed trace spans in memory and writes them to the
// database in batches when either the buffer size or flush timeout is reached.
type Buffer struct {
	writer       SpanWriter
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu    sync.Mutex
	spans []model.TraceSpan

	droppedSpans atomic.Int64 // total spans dropped due to capacity

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates a new span buffer.
func NewBuffer(writer SpanWriter, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	return &Buffer{
		writer:       writer,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Add enqueues spans for persistence. Spans beyond capacity are dropped
// and counted rather than applying backpressure: losing a trace must not
// slow down or fail the invocation that produced it.
func (b *Buffer) Add(spans []model.TraceSpan) {
	if len(spans) == 0 {
		return
	}

	b.mu.Lock()
	if len(b.spans)+len(spans) > maxBufferCapacity {
		b.droppedSpans.Add(int64(len(spans)))
		b.mu.Unlock()
		b.logger.Warn("trace: dropping spans, buffer at capacity", "dropped", len(spans))
		return
	}
	b.spans = append(b.spans, spans...)
	depth := len(b.spans)
	b.mu.Unlock()

	if depth >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			// A non-cancelled context is needed because ctx is already done.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.spans) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.spans
	b.spans = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.writer.InsertSpans(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("trace: flush failed", "error", err, "batch_size", len(batch))
		// Put spans back for retry, but respect the capacity limit.
		b.mu.Lock()
		if len(b.spans)+len(batch) <= maxBufferCapacity {
			b.spans = append(batch, b.spans...)
		} else {
			b.droppedSpans.Add(int64(len(batch)))
			b.logger.Error("trace: dropping spans, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("trace: batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the background flush loop to stop, waits for its final
// flush, and returns. The ctx parameter bounds the wait and is passed to
// the final flush so it respects the caller's deadline.
func (b *Buffer) Drain(ctx context.Context) {
	if b.cancelLoop == nil {
		// Never started; nothing to wait for.
		return
	}
	b.drainCtx = ctx
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("trace: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for buffer health monitoring.
// Called from Start() after the global meter provider has been initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("nagare/tracebuffer")

	_, _ = meter.Int64ObservableGauge("nagare.tracebuffer.depth",
		metric.WithDescription("Current number of spans in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("nagare.tracebuffer.dropped_total",
		metric.WithDescription("Total spans dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedSpans())
			return nil
		}),
	)
}

// Len returns the current number of buffered spans.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.spans)
}

// DroppedSpans returns the total number of spans dropped due to capacity
// exhaustion. A non-zero value indicates trace data loss.
func (b *Buffer) DroppedSpans() int64 {
	return b.droppedSpans.Load()
}
