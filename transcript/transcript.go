// Package transcript records the canonical, append-only log of a run. Items
// are tagged variants covering messages, tool traffic, transfers, guardrail
// checks and model reasoning. The log preserves everything for tracing and
// result reporting; agents see filtered views built by the helpers in this
// package.
package transcript

import (
	"encoding/json"
	"fmt"

	"goa.design/maestro/model"
	"goa.design/maestro/toolerrors"
)

type (
	// Item is the canonical run log entry. Implementations are exactly the
	// variants declared in this package: Message, ToolCall, ToolResult,
	// TransferCall, TransferResolved, GuardrailCheck and Reasoning.
	Item interface {
		isItem()
	}

	// Message is a conversational message exchanged between user and
	// assistant (or injected as a synthetic system/user message).
	Message struct {
		// Role is one of the model role constants.
		Role string
		// Content is the message text.
		Content string
	}

	// ToolCall records a tool invocation requested by the model.
	ToolCall struct {
		// ID correlates the eventual ToolResult.
		ID string
		// Tool is the catalogue name of the invoked tool.
		Tool string
		// Args is the JSON argument payload.
		Args json.RawMessage
	}

	// ToolResult records the outcome of a tool call. Exactly one of Value,
	// Err, or Background (pending) applies. A background result is first
	// appended with Background set and no value; before the run reaches Done
	// the item is amended in place with the materialized value or error.
	ToolResult struct {
		// CallID matches the corresponding ToolCall.ID.
		CallID string
		// Tool is the catalogue name of the tool.
		Tool string
		// Value is the JSON-serialisable result on success.
		Value any
		// Err is the structured failure on error. Approval rejections are
		// reported here too, as ordinary tool failures.
		Err *toolerrors.ToolError
		// Background marks a deferred result that has not materialized yet.
		Background bool
	}

	// TransferCall records the model's request to hand the conversation to a
	// peer agent.
	TransferCall struct {
		// FromAgent is the agent that requested the transfer.
		FromAgent string
		// ToAgent is the transfer target.
		ToAgent string
		// Reason is the model-provided free-form justification.
		Reason string
	}

	// TransferResolved records the completed agent switch.
	TransferResolved struct {
		FromAgent string
		ToAgent   string
	}

	// GuardrailCheck records the outcome of a guardrail validation.
	GuardrailCheck struct {
		// Name identifies the guardrail.
		Name string
		// Phase is "in" or "out".
		Phase string
		// Passed reports whether the content was allowed through.
		Passed bool
		// Message carries the guardrail's explanation when present.
		Message string
	}

	// Reasoning records provider thinking output attached to a step.
	Reasoning struct {
		Text string
	}
)

func (*Message) isItem()          {}
func (*ToolCall) isItem()         {}
func (*ToolResult) isItem()       {}
func (*TransferCall) isItem()     {}
func (*TransferResolved) isItem() {}
func (*GuardrailCheck) isItem()   {}
func (*Reasoning) isItem()        {}

// Filter rewrites the history view handed to an agent. Filters never mutate
// the canonical log; they return a new slice that may share items.
type Filter func(items []Item) []Item

// Messages converts a transcript view into the model message slice sent to
// the provider. Tool traffic is rendered as provider tool messages so the
// model can correlate calls and results; transfer bookkeeping and guardrail
// checks are omitted (models never see them).
func Messages(items []Item) []*model.Message {
	msgs := make([]*model.Message, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case *Message:
			msgs = append(msgs, &model.Message{Role: v.Role, Content: v.Content})
		case *ToolCall:
			msgs = append(msgs, &model.Message{
				Role: model.RoleAssistant,
				Meta: map[string]any{
					"tool_call_id": v.ID,
					"tool_name":    v.Tool,
					"tool_args":    json.RawMessage(v.Args),
				},
			})
		case *ToolResult:
			msgs = append(msgs, &model.Message{
				Role:    model.RoleTool,
				Content: renderToolResult(v),
				Meta: map[string]any{
					"tool_call_id": v.CallID,
					"tool_name":    v.Tool,
					"is_error":     v.Err != nil,
				},
			})
		case *Reasoning:
			// Reasoning is never replayed to providers.
		}
	}
	return msgs
}

// renderToolResult serializes a tool result into the textual payload carried
// by a provider tool message.
func renderToolResult(res *ToolResult) string {
	if res.Err != nil {
		return "error: " + res.Err.Error()
	}
	if res.Background {
		return "in progress"
	}
	switch v := res.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// RemoveToolTraffic returns a filter that strips tool calls and tool results
// from the view, keeping only conversational messages and transfer markers.
func RemoveToolTraffic() Filter {
	return func(items []Item) []Item {
		out := make([]Item, 0, len(items))
		for _, it := range items {
			switch it.(type) {
			case *ToolCall, *ToolResult:
			default:
				out = append(out, it)
			}
		}
		return out
	}
}

// KeepLastMessages returns a filter that keeps only the last n conversational
// messages (all non-message items are dropped).
func KeepLastMessages(n int) Filter {
	return func(items []Item) []Item {
		msgs := make([]Item, 0, len(items))
		for _, it := range items {
			if _, ok := it.(*Message); ok {
				msgs = append(msgs, it)
			}
		}
		if len(msgs) <= n {
			return msgs
		}
		return msgs[len(msgs)-n:]
	}
}

// StripTransferArtifacts returns a filter that removes intermediate transfer
// bookkeeping (TransferCall/TransferResolved items) from the view.
func StripTransferArtifacts() Filter {
	return func(items []Item) []Item {
		out := make([]Item, 0, len(items))
		for _, it := range items {
			switch it.(type) {
			case *TransferCall, *TransferResolved:
			default:
				out = append(out, it)
			}
		}
		return out
	}
}

// Chain composes filters left to right.
func Chain(filters ...Filter) Filter {
	return func(items []Item) []Item {
		for _, f := range filters {
			if f != nil {
				items = f(items)
			}
		}
		return items
	}
}

// LastAssistantMessage returns the content of the most recent assistant
// message in the log, and whether one exists.
func LastAssistantMessage(items []Item) (string, bool) {
	for i := len(items) - 1; i >= 0; i-- {
		if m, ok := items[i].(*Message); ok && m.Role == model.RoleAssistant {
			return m.Content, true
		}
	}
	return "", false
}

// LastUserMessage returns the content of the most recent user message in the
// log, and whether one exists.
func LastUserMessage(items []Item) (string, bool) {
	for i := len(items) - 1; i >= 0; i-- {
		if m, ok := items[i].(*Message); ok && m.Role == model.RoleUser {
			return m.Content, true
		}
	}
	return "", false
}

// Preview renders a short human-readable description of an item for logging
// and result previews.
func Preview(it Item) string {
	switch v := it.(type) {
	case *Message:
		return fmt.Sprintf("%s message (%d chars)", v.Role, len(v.Content))
	case *ToolCall:
		return "tool call " + v.Tool
	case *ToolResult:
		if v.Err != nil {
			return "tool result " + v.Tool + " (error)"
		}
		if v.Background {
			return "tool result " + v.Tool + " (background)"
		}
		return "tool result " + v.Tool
	case *TransferCall:
		return "transfer " + v.FromAgent + " -> " + v.ToAgent
	case *TransferResolved:
		return "transfer resolved " + v.FromAgent + " -> " + v.ToAgent
	case *GuardrailCheck:
		return "guardrail " + v.Name + " (" + v.Phase + ")"
	case *Reasoning:
		return fmt.Sprintf("reasoning (%d chars)", len(v.Text))
	default:
		return "item"
	}
}
