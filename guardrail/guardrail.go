// Package guardrail defines the validation contract applied around model
// invocations. Input guardrails screen the latest user utterance before the
// first model call of an agent's first step; output guardrails screen the
// candidate final message. A failed result is a tripwire: the run terminates
// immediately.
package guardrail

import (
	"context"
	"fmt"
)

type (
	// Phase identifies when a guardrail runs.
	Phase string

	// Result is the outcome of a guardrail check.
	Result struct {
		// Passed reports whether the content is allowed through.
		Passed bool
		// Message explains a failure (or annotates a pass).
		Message string
		// Metadata carries validator-specific details.
		Metadata map[string]any
	}

	// Guardrail validates content at a given phase. Validators may invoke an
	// LLM themselves; the engine runs guardrails of a phase concurrently so
	// one validator's latency never serialises its peers.
	Guardrail interface {
		// Name identifies the guardrail in results and errors.
		Name() string
		// Phase is PhaseInput or PhaseOutput.
		Phase() Phase
		// Validate checks the content. userContext is the caller-supplied run
		// context value. A non-nil error reports a validator malfunction (not
		// a tripwire) and fails the run as an execution error.
		Validate(ctx context.Context, content string, userContext any) (Result, error)
	}

	// ValidateFunc is the function form of a validator.
	ValidateFunc func(ctx context.Context, content string, userContext any) (Result, error)

	funcGuardrail struct {
		name  string
		phase Phase
		fn    ValidateFunc
	}
)

// Guardrail phases.
const (
	PhaseInput  Phase = "in"
	PhaseOutput Phase = "out"
)

// Pass returns a successful result.
func Pass() Result {
	return Result{Passed: true}
}

// Block returns a failed (tripwire) result with a reason.
func Block(reason string) Result {
	return Result{Passed: false, Message: reason}
}

// NewInput wraps fn as an input-phase guardrail.
func NewInput(name string, fn ValidateFunc) Guardrail {
	return &funcGuardrail{name: name, phase: PhaseInput, fn: fn}
}

// NewOutput wraps fn as an output-phase guardrail.
func NewOutput(name string, fn ValidateFunc) Guardrail {
	return &funcGuardrail{name: name, phase: PhaseOutput, fn: fn}
}

// Name implements Guardrail.
func (g *funcGuardrail) Name() string { return g.name }

// Phase implements Guardrail.
func (g *funcGuardrail) Phase() Phase { return g.phase }

// Validate implements Guardrail.
func (g *funcGuardrail) Validate(ctx context.Context, content string, userContext any) (Result, error) {
	return g.fn(ctx, content, userContext)
}

// TripwireError reports a guardrail failure that terminated a run.
type TripwireError struct {
	// Guardrail is the name of the validator that fired.
	Guardrail string
	// Phase is the phase in which it fired.
	Phase Phase
	// Message is the validator-provided explanation.
	Message string
}

// Error implements the error interface.
func (e *TripwireError) Error() string {
	return fmt.Sprintf("guardrail %q (%s) blocked: %s", e.Guardrail, e.Phase, e.Message)
}
