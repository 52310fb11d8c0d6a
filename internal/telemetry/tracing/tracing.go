// Package tracing provides a lightweight span abstraction used to
// correlate cycle/experiment work across logs and metrics without
// pulling in a full tracing SDK for the hot path.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// SpanContext carries the identifiers propagated through context.Context.
type SpanContext struct {
	TraceID string
	SpanID  string
}

// Span is a single unit of traced work.
type Span interface {
	Context() SpanContext
	SetAttr(key string, value any)
	End()
}

// Tracer starts spans, optionally sampling them.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

type ctxKey struct{}

// SpanFromContext returns the active span, if any.
func SpanFromContext(ctx context.Context) (Span, bool) {
	s, ok := ctx.Value(ctxKey{}).(Span)
	return s, ok
}

// ExtractIDs returns the trace/span IDs of the active span, or empty
// strings if none is set.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	s, ok := SpanFromContext(ctx)
	if !ok {
		return "", ""
	}
	sc := s.Context()
	return sc.TraceID, sc.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// --- no-op tracer, used when tracing is disabled ---

type noopTracer struct{}

// NoopTracer returns a Tracer that never samples.
func NoopTracer() Tracer { return noopTracer{} }

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) Context() SpanContext     { return SpanContext{} }
func (noopSpan) SetAttr(_ string, _ any) {}
func (noopSpan) End()                    {}

// --- simple always-on tracer ---

type simpleTracer struct{}

// NewSimpleTracer returns a Tracer that samples every span, generating
// fresh random trace/span IDs.
func NewSimpleTracer() Tracer { return simpleTracer{} }

func (simpleTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	parentTrace := ""
	if s, ok := SpanFromContext(ctx); ok {
		parentTrace = s.Context().TraceID
	}
	traceID := parentTrace
	if traceID == "" {
		traceID = newID(16)
	}
	sp := &simpleSpan{
		name: name,
		sc:   SpanContext{TraceID: traceID, SpanID: newID(8)},
		attrs: make(map[string]any),
	}
	return context.WithValue(ctx, ctxKey{}, sp), sp
}

type simpleSpan struct {
	mu    sync.Mutex
	name  string
	sc    SpanContext
	attrs map[string]any
	ended bool
}

func (s *simpleSpan) Context() SpanContext { return s.sc }

func (s *simpleSpan) SetAttr(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}

func (s *simpleSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

// --- adaptive tracer: percentage-based sampling ---

// SamplePolicyFunc reports the current sampling percentage in [0,100].
type SamplePolicyFunc func() int

type adaptiveTracer struct {
	policyFn SamplePolicyFunc
	inner    Tracer
	counter  *uint64
	mu       sync.Mutex
}

// NewAdaptiveTracer samples a percentage of spans determined by policyFn,
// evaluated per call, delegating sampled spans to inner.
func NewAdaptiveTracer(policyFn SamplePolicyFunc, inner Tracer) Tracer {
	var n uint64
	return &adaptiveTracer{policyFn: policyFn, inner: inner, counter: &n}
}

func (t *adaptiveTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	pct := t.policyFn()
	if pct <= 0 {
		return ctx, noopSpan{}
	}
	t.mu.Lock()
	*t.counter++
	n := *t.counter
	t.mu.Unlock()
	if pct >= 100 || int(n%100) < pct {
		return t.inner.Start(ctx, name)
	}
	return ctx, noopSpan{}
}
