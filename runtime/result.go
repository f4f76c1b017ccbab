package runtime

import (
	"encoding/json"
	"time"

	"goa.design/maestro/approval"
	"goa.design/maestro/model"
	"goa.design/maestro/transcript"
)

type (
	// StepResult summarizes one LLM invocation and its integration.
	StepResult struct {
		// Agent is the agent that made the invocation.
		Agent string
		// Step is the 1-based step counter within the agent's segment.
		Step int
		// Turn is the 1-based run-wide invocation counter.
		Turn int
		// Usage is this step's token usage delta.
		Usage model.TokenUsage
		// Duration covers the model call plus tool dispatch.
		Duration time.Duration
		// ToolCalls lists the calls the model requested this step.
		ToolCalls []model.ToolCall
		// FinishReason is the provider's stop reason for this step.
		FinishReason string
	}

	// Metadata aggregates run-level accounting.
	Metadata struct {
		// Usage is the sum of all per-step usage deltas.
		Usage model.TokenUsage
		// HandoffChain lists agent names in activation order, starting with
		// the initial agent.
		HandoffChain []string
		// Warnings carries non-fatal anomalies (discarded tool calls on a
		// transfer, failed background results).
		Warnings []string
		// Steps is the total number of LLM invocations.
		Steps int
	}

	// RunResult is the outcome of a completed run.
	RunResult struct {
		// RunID uniquely identifies the run.
		RunID string
		// FinalOutput is the final assistant text.
		FinalOutput string
		// Structured is the parsed final output when the finishing agent
		// declares an output schema; nil otherwise.
		Structured json.RawMessage
		// FinishReason is "stop" for a natural finish and "length" when the
		// step budget forced the finish.
		FinishReason string
		// NewItems is the full ordered log of items this run generated.
		NewItems []transcript.Item
		// Steps holds one entry per LLM invocation in order.
		Steps []StepResult
		// Metadata aggregates usage, handoffs and warnings.
		Metadata Metadata
		// PendingApprovals lists approval records still unresolved when the
		// run ended (populated when the run fails with ApprovalRequired).
		PendingApprovals []approval.Record
	}

	// RaceResult is the outcome of RaceAgents.
	RaceResult struct {
		// WinningAgent is the name of the agent that completed first.
		WinningAgent string
		// Result is the winner's run result.
		Result *RunResult
	}
)
