package runtime

import (
	"errors"
	"fmt"
)

type (
	// ErrorKind classifies terminal run failures.
	ErrorKind string

	// Phase locates where in the loop a failure occurred.
	Phase string

	// RunError is the typed error returned by failed runs. It carries enough
	// context for callers and streaming consumers to render a useful
	// diagnosis without parsing message strings.
	RunError struct {
		// Kind is the failure classification.
		Kind ErrorKind
		// Phase is the loop phase in which the failure occurred.
		Phase Phase
		// Agent is the active agent at failure time.
		Agent string
		// Step and Turn are the counters at failure time.
		Step int
		Turn int
		// ItemID identifies the offending item where applicable (a tool call
		// id, a guardrail name).
		ItemID string
		// Msg is the human-readable summary.
		Msg string
		// Err is the underlying cause, if any.
		Err error
	}
)

// Run failure kinds.
const (
	ErrKindMaxTurnsExceeded  ErrorKind = "max_turns_exceeded"
	ErrKindGuardrailTripwire ErrorKind = "guardrail_tripwire"
	ErrKindToolExecution     ErrorKind = "tool_execution"
	ErrKindTransferFailure   ErrorKind = "transfer_failure"
	ErrKindApprovalRequired  ErrorKind = "approval_required"
	ErrKindStructuredOutput  ErrorKind = "structured_output_invalid"
	ErrKindCancelled         ErrorKind = "cancelled"
	// ErrKindExecution covers non-tool execution failures: model transport
	// errors, session store failures, guardrail validator malfunctions.
	ErrKindExecution ErrorKind = "execution_failed"
)

// Loop phases reported in errors.
const (
	PhaseInputGuardrail  Phase = "input-guardrail"
	PhaseOutputGuardrail Phase = "output-guardrail"
	PhaseGeneration      Phase = "generation"
	PhaseDispatch        Phase = "dispatch"
	PhaseTransfer        Phase = "transfer"
	PhaseSession         Phase = "session"
)

// Error implements the error interface.
func (e *RunError) Error() string {
	s := fmt.Sprintf("run failed (%s) in %s phase, agent %q, step %d, turn %d", e.Kind, e.Phase, e.Agent, e.Step, e.Turn)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes the cause for errors.Is/As.
func (e *RunError) Unwrap() error { return e.Err }

// IsKind reports whether err is a *RunError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *RunError
	return errors.As(err, &re) && re.Kind == kind
}
