// Package telemetry defines the logging, metrics, and tracing facades used by
// the run loop and its collaborators. Implementations delegate to Clue and
// OpenTelemetry; the no-op variants make every operation free so disabled
// tracing costs nothing on the hot path.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names emitted by the runner. The hierarchy for a run is
// agent.run > agent.step > {llm.generate, tool.<name>, guardrail.<in|out>,
// session.<op>, agent.handoff}.
const (
	SpanRun      = "agent.run"
	SpanStep     = "agent.step"
	SpanGenerate = "llm.generate"
	SpanHandoff  = "agent.handoff"

	SpanToolPrefix      = "tool."
	SpanGuardrailInput  = "guardrail.in"
	SpanGuardrailOutput = "guardrail.out"
	SpanSessionPrefix   = "session."
)

// Logger captures structured logging used throughout the runtime. The
// interface is intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider. Child spans are attributed to the span
// carried by the context passed to Start, which is how the runner preserves
// the hierarchy across concurrently executing tools and guardrails: every
// spawned goroutine receives the context returned by its parent's Start.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// ToolSpan returns the span name for the named tool.
func ToolSpan(tool string) string { return SpanToolPrefix + tool }

// SessionSpan returns the span name for the named session operation
// ("read", "append", "summarize", ...).
func SessionSpan(op string) string { return SpanSessionPrefix + op }
