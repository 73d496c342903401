// Package trace provides the per-invocation ambient trace: a context-carried
// trace with explicit spans, head sampling, and buffered persistence.
//
// A trace is created once per agent invocation and travels on the
// context.Context. It is never global: concurrent invocations each own
// their trace exclusively. The sampling decision is made once at Begin;
// unsampled traces still carry a trace ID for log correlation, but their
// spans are no-ops.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nagare-ai/nagare/internal/model"
)

type contextKey int

const (
	keyTrace contextKey = iota
	keySpanID
	keyRootSpan
)

// Trace is the span collector for a single invocation.
type Trace struct {
	id      string
	sampled bool

	mu    sync.Mutex
	spans []model.TraceSpan
}

// Begin starts a new trace and decides sampling. The returned context
// carries the trace; pass it through the whole invocation. meta is
// attached to the root span as attributes.
func Begin(ctx context.Context, userID string, sampleRate float64, meta map[string]any) (context.Context, *Trace) {
	t := &Trace{
		id:      newTraceID(),
		sampled: sampleDecision(sampleRate),
	}
	ctx = context.WithValue(ctx, keyTrace, t)

	ctx, root := StartSpan(ctx, "agent.invoke")
	root.SetAttr("user_id", userID)
	for k, v := range meta {
		root.SetAttr(k, v)
	}
	// The root span is ended by the engine when the invocation completes.
	ctx = context.WithValue(ctx, keyRootSpan, root)
	return ctx, t
}

// RootSpan returns the invocation's root span, or nil outside an invocation.
func RootSpan(ctx context.Context) *Span {
	if s, ok := ctx.Value(keyRootSpan).(*Span); ok {
		return s
	}
	return nil
}

// FromContext returns the ambient trace, or nil outside an invocation.
func FromContext(ctx context.Context) *Trace {
	if t, ok := ctx.Value(keyTrace).(*Trace); ok {
		return t
	}
	return nil
}

// ID returns the 32-hex trace identifier.
func (t *Trace) ID() string { return t.id }

// Sampled reports whether spans are being captured for this trace.
func (t *Trace) Sampled() bool { return t.sampled }

// Spans returns a copy of the captured spans.
func (t *Trace) Spans() []model.TraceSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.TraceSpan, len(t.spans))
	copy(out, t.spans)
	return out
}

// Flush hands the captured spans to the buffer and clears the trace.
// Called once at the end of the invocation; a nil buffer or an unsampled
// trace flushes nothing.
func (t *Trace) Flush(buf *Buffer) {
	if buf == nil || !t.sampled {
		return
	}
	t.mu.Lock()
	spans := t.spans
	t.spans = nil
	t.mu.Unlock()
	buf.Add(spans)
}

func (t *Trace) record(s model.TraceSpan) {
	t.mu.Lock()
	t.spans = append(t.spans, s)
	t.mu.Unlock()
}

// Span is one timed operation within a trace. A span on an unsampled
// trace is a no-op: SetAttr, SetStatus and End do nothing.
type Span struct {
	trace *Trace
	noop  bool

	mu   sync.Mutex
	span model.TraceSpan
	done bool
}

// StartSpan opens a span under the current span (or as a root when none is
// open) and returns a context carrying it as the new current span.
// Safe to call outside an invocation; the returned span is then a no-op.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	t := FromContext(ctx)
	if t == nil || !t.sampled {
		return ctx, &Span{noop: true}
	}

	var parent *string
	if pid, ok := ctx.Value(keySpanID).(string); ok {
		parent = &pid
	}

	s := &Span{
		trace: t,
		span: model.TraceSpan{
			ID:           uuid.New(),
			TraceID:      t.id,
			SpanID:       newSpanID(),
			ParentSpanID: parent,
			Name:         name,
			Status:       "ok",
			StartedAt:    time.Now().UTC(),
		},
	}
	return context.WithValue(ctx, keySpanID, s.span.SpanID), s
}

// SetAttr attaches an attribute to the span.
func (s *Span) SetAttr(key string, value any) {
	if s.noop {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.span.Attributes == nil {
		s.span.Attributes = make(map[string]any)
	}
	s.span.Attributes[key] = value
}

// SetStatus marks the span outcome ("ok" or "error").
func (s *Span) SetStatus(status string) {
	if s.noop {
		return
	}
	s.mu.Lock()
	s.span.Status = status
	s.mu.Unlock()
}

// End closes the span and records it on the trace. Idempotent.
func (s *Span) End() {
	if s.noop {
		return
	}
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.span.EndedAt = time.Now().UTC()
	span := s.span
	s.mu.Unlock()
	s.trace.record(span)
}

func newTraceID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func newSpanID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// sampleDecision draws once against the configured rate.
// Rates at or above 1 always sample; at or below 0 never sample.
func sampleDecision(rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	n, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt32))
	if err != nil {
		return false
	}
	return float64(n.Int64())/float64(math.MaxInt32) < rate
}
