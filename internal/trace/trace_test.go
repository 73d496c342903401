package trace_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/trace"
)

func TestBeginAlwaysAssignsTraceID(t *testing.T) {
	for _, rate := range []float64{0, 1} {
		ctx, tr := trace.Begin(context.Background(), "u1", rate, nil)
		assert.Len(t, tr.ID(), 32, "trace id should be 32 hex chars at rate %v", rate)
		assert.Same(t, tr, trace.FromContext(ctx))
	}
}

func TestFromContextOutsideInvocation(t *testing.T) {
	assert.Nil(t, trace.FromContext(context.Background()))

	// Spans started outside an invocation are safe no-ops.
	_, span := trace.StartSpan(context.Background(), "orphan")
	span.SetAttr("k", "v")
	span.SetStatus("error")
	span.End()
}

func TestSampledTraceCapturesSpans(t *testing.T) {
	ctx, tr := trace.Begin(context.Background(), "u1", 1.0, map[string]any{"model": "gpt-4"})
	require.True(t, tr.Sampled())

	ctx2, planner := trace.StartSpan(ctx, "node.planner")
	planner.SetAttr("step", 1)
	planner.End()

	_, tool := trace.StartSpan(ctx2, "tool.http_get")
	tool.SetStatus("error")
	tool.End()

	trace.RootSpan(ctx).End()

	spans := tr.Spans()
	require.Len(t, spans, 3)

	byName := make(map[string]model.TraceSpan, len(spans))
	for _, s := range spans {
		assert.Equal(t, tr.ID(), s.TraceID)
		byName[s.Name] = s
	}

	root := byName["agent.invoke"]
	assert.Nil(t, root.ParentSpanID)
	assert.Equal(t, "u1", root.Attributes["user_id"])
	assert.Equal(t, "gpt-4", root.Attributes["model"])

	p := byName["node.planner"]
	require.NotNil(t, p.ParentSpanID)
	assert.Equal(t, root.SpanID, *p.ParentSpanID)

	tl := byName["tool.http_get"]
	require.NotNil(t, tl.ParentSpanID)
	assert.Equal(t, p.SpanID, *tl.ParentSpanID, "tool span should parent to the planner span on its context")
	assert.Equal(t, "error", tl.Status)
}

func TestUnsampledTraceCapturesNothing(t *testing.T) {
	ctx, tr := trace.Begin(context.Background(), "u1", 0, nil)
	require.False(t, tr.Sampled())

	_, span := trace.StartSpan(ctx, "node.executor")
	span.SetAttr("k", "v")
	span.End()
	trace.RootSpan(ctx).End()

	assert.Empty(t, tr.Spans())
	assert.NotEmpty(t, tr.ID(), "unsampled trace still has an id for correlation")
}

func TestSpanEndIdempotent(t *testing.T) {
	ctx, tr := trace.Begin(context.Background(), "u1", 1.0, nil)
	_, span := trace.StartSpan(ctx, "once")
	span.End()
	span.End()

	count := 0
	for _, s := range tr.Spans() {
		if s.Name == "once" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestConcurrentInvocationsDoNotShareState(t *testing.T) {
	const n = 16
	var wg sync.WaitGroup
	traces := make([]*trace.Trace, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, tr := trace.Begin(context.Background(), fmt.Sprintf("user-%d", i), 1.0, nil)
			for j := 0; j < 5; j++ {
				_, s := trace.StartSpan(ctx, fmt.Sprintf("op-%d", j))
				s.End()
			}
			trace.RootSpan(ctx).End()
			traces[i] = tr
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i, tr := range traces {
		assert.Len(t, tr.Spans(), 6, "trace %d should have its own 6 spans", i)
		assert.False(t, seen[tr.ID()], "trace ids must be distinct")
		seen[tr.ID()] = true
	}
}

// captureWriter is a SpanWriter that records batches.
type captureWriter struct {
	mu      sync.Mutex
	batches [][]model.TraceSpan
	fail    bool
}

func (w *captureWriter) InsertSpans(_ context.Context, spans []model.TraceSpan) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return 0, fmt.Errorf("writer down")
	}
	w.batches = append(w.batches, spans)
	return len(spans), nil
}

func (w *captureWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBufferFlushOnDrain(t *testing.T) {
	w := &captureWriter{}
	buf := trace.NewBuffer(w, testLogger(), 100, time.Hour)
	buf.Start(context.Background())

	ctx, tr := trace.Begin(context.Background(), "u1", 1.0, nil)
	_, s := trace.StartSpan(ctx, "work")
	s.End()
	trace.RootSpan(ctx).End()
	tr.Flush(buf)

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	buf.Drain(drainCtx)

	assert.Equal(t, 2, w.total())
	assert.Equal(t, 0, buf.Len())
}

func TestBufferFlushOnSizeThreshold(t *testing.T) {
	w := &captureWriter{}
	buf := trace.NewBuffer(w, testLogger(), 2, time.Hour)
	buf.Start(context.Background())

	ctx, tr := trace.Begin(context.Background(), "u1", 1.0, nil)
	_, s := trace.StartSpan(ctx, "a")
	s.End()
	trace.RootSpan(ctx).End()
	tr.Flush(buf)

	// Size threshold reached; the background loop should flush without Drain.
	require.Eventually(t, func() bool { return w.total() == 2 }, 2*time.Second, 10*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	buf.Drain(drainCtx)
}

func TestUnsampledFlushIsNoop(t *testing.T) {
	w := &captureWriter{}
	buf := trace.NewBuffer(w, testLogger(), 100, time.Hour)
	buf.Start(context.Background())

	ctx, tr := trace.Begin(context.Background(), "u1", 0, nil)
	trace.RootSpan(ctx).End()
	tr.Flush(buf)

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	buf.Drain(drainCtx)

	assert.Equal(t, 0, w.total())
}
