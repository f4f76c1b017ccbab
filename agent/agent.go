// Package agent defines the declarative agent configuration consumed by the
// runner. Agents are immutable after construction and shared safely across
// concurrent runs; all per-run mutable state lives in the runner.
package agent

import (
	"context"
	"strings"

	"goa.design/maestro/guardrail"
	"goa.design/maestro/model"
	"goa.design/maestro/tools"
	"goa.design/maestro/transcript"
)

type (
	// InstructionsFunc derives the system prompt from the caller-supplied run
	// context value. Resolved once per step, so dynamic instructions track
	// user context changes made by tools.
	InstructionsFunc func(ctx context.Context, userContext any) (string, error)

	// ShouldFinishFunc lets callers short-circuit the loop: when it returns
	// true after a step, the run finishes with the current best output even
	// if the model asked for more tool calls.
	ShouldFinishFunc func(ctx context.Context, userContext any, items []transcript.Item) bool

	// Hooks are optional per-agent lifecycle callbacks invoked synchronously
	// by the runner. A nil field is skipped. Errors from hooks fail the run.
	Hooks struct {
		// OnStart fires when the agent becomes the active agent of a run.
		OnStart func(ctx context.Context, a *Agent) error
		// OnEnd fires when the agent produced the run's final output.
		OnEnd func(ctx context.Context, a *Agent, output string) error
		// OnToolCall fires before each tool execution.
		OnToolCall func(ctx context.Context, a *Agent, tool string, args []byte) error
		// OnTransfer fires when control moves from this agent to target.
		OnTransfer func(ctx context.Context, a *Agent, target *Agent) error
	}

	// Transfer declares that an agent may hand the conversation to a peer.
	// The runner synthesizes a transfer tool per entry; the target agent
	// resumes the loop with the (optionally filtered) shared history.
	Transfer struct {
		// Target is the agent that receives control.
		Target *Agent
		// Description overrides the synthesized tool description.
		Description string
		// InputFilter rewrites the history view handed to the target. Nil
		// passes the full history through.
		InputFilter transcript.Filter
	}

	// Agent is the static description of one participant: identity, prompt,
	// model binding, capabilities and loop policy.
	Agent struct {
		// Name identifies the agent. Unique within a run's transfer graph.
		Name string

		// Instructions is the static system prompt. Ignored when
		// InstructionsFunc is set.
		Instructions string

		// InstructionsFunc derives the system prompt dynamically.
		InstructionsFunc InstructionsFunc

		// Model overrides the runner's default model identifier.
		Model string

		// ModelSettings carries the sampling parameters for this agent.
		ModelSettings model.Settings

		// Client overrides the runner's default model client.
		Client model.Client

		// Tools is the agent's tool catalogue (user and MCP tools). Transfer
		// tools are synthesized from Transfers, not listed here.
		Tools []*tools.Tool

		// Transfers lists the peers this agent may hand control to.
		Transfers []*Transfer

		// InputGuardrails screen the latest user message before this agent's
		// first model call.
		InputGuardrails []guardrail.Guardrail

		// OutputGuardrails screen this agent's candidate final output.
		OutputGuardrails []guardrail.Guardrail

		// OutputSchema, when non-nil, requires the final output to be a JSON
		// document conforming to this schema.
		OutputSchema map[string]any

		// MaxSteps caps model invocations for this agent within a run
		// segment. Zero applies the runner default.
		MaxSteps int

		// ShouldFinish optionally short-circuits the loop after any step.
		ShouldFinish ShouldFinishFunc

		// TransferDescription overrides the description other agents see on
		// the transfer tool synthesized for this agent.
		TransferDescription string

		// Hooks are the per-agent lifecycle callbacks.
		Hooks Hooks
	}
)

// TransferToolPrefix prefixes every synthesized transfer tool name.
const TransferToolPrefix = "transfer_to_"

// New constructs an agent with a name and static instructions.
func New(name, instructions string) *Agent {
	return &Agent{Name: name, Instructions: instructions}
}

// ResolveInstructions returns the system prompt for this step.
func (a *Agent) ResolveInstructions(ctx context.Context, userContext any) (string, error) {
	if a.InstructionsFunc != nil {
		return a.InstructionsFunc(ctx, userContext)
	}
	return a.Instructions, nil
}

// TransferToolName derives the catalogue name of the transfer tool targeting
// this agent: the prefix plus the agent name lowercased with every run of
// non-alphanumeric characters collapsed to a single underscore.
func (a *Agent) TransferToolName() string {
	return TransferToolPrefix + NormalizeName(a.Name)
}

// TransferTool synthesizes the transfer tool exposed to a source agent for
// the given transfer declaration.
func (t *Transfer) TransferTool() *tools.Tool {
	desc := t.Description
	if desc == "" {
		desc = t.Target.TransferDescription
	}
	if desc == "" {
		desc = "Transfer the conversation to agent " + t.Target.Name + "."
	}
	return &tools.Tool{
		Name:        t.Target.TransferToolName(),
		Description: desc,
		Kind:        tools.KindTransfer,
		TargetAgent: t.Target.Name,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why the conversation is being transferred.",
				},
			},
		},
	}
}

// FindTransfer returns the transfer declaration whose synthesized tool name
// matches toolName, if any.
func (a *Agent) FindTransfer(toolName string) (*Transfer, bool) {
	for _, t := range a.Transfers {
		if t.Target.TransferToolName() == toolName {
			return t, true
		}
	}
	return nil, false
}

// FindTool returns the user/MCP tool with the given catalogue name, if any.
func (a *Agent) FindTool(name string) (*tools.Tool, bool) {
	for _, t := range a.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// NormalizeName lowercases s and collapses every run of characters outside
// [a-z0-9] into a single underscore. Leading and trailing underscores are
// trimmed.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pending := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}
