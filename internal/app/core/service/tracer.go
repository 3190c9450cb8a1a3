package service

import "context"

// Span is a single observed unit of work within a trace. Finish must be
// called exactly once; FinishError records a failure outcome.
type Span interface {
	Finish()
	FinishError(err error)
}

// Tracer is the seam the Execution Logger (spec.md §4.L) specializes for
// delivery traces, and the generic seam background services use to emit
// spans around suspension points (DB reads, HTTP calls, auth fetches).
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// NoopTracer discards every span. It is the zero-value default so callers
// never need a nil check before calling StartSpan.
type NoopTracer struct{}

type noopSpan struct{}

func (noopSpan) Finish()           {}
func (noopSpan) FinishError(error) {}

// StartSpan implements Tracer.
func (NoopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}
