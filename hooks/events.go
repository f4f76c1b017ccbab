package hooks

import (
	"encoding/json"
	"time"

	"goa.design/maestro/model"
	"goa.design/maestro/toolerrors"
)

type (
	// EventType identifies a run lifecycle event kind.
	EventType string

	// Event is implemented by every published event. Subscribers type-switch
	// on the concrete types for payload access and use Type for routing.
	Event interface {
		Type() EventType
		// RunID correlates all events of one run.
		RunID() string
		// AgentName is the active agent when the event fired.
		AgentName() string
		// Timestamp is when the event was created (not delivered).
		Timestamp() time.Time
	}

	// Base carries the fields shared by every event. Embedded by all
	// concrete event types.
	Base struct {
		Run   string
		Agent string
		At    time.Time
	}

	// RunStartedEvent fires once when a run begins.
	RunStartedEvent struct {
		Base
		// Input is the initial user input.
		Input string
		// SessionID is the bound session, empty for sessionless runs.
		SessionID string
	}

	// StepStartedEvent fires before each model invocation.
	StepStartedEvent struct {
		Base
		// Step is the 1-based step counter within the current agent segment.
		Step int
		// Turn is the 1-based run-wide model invocation counter.
		Turn int
	}

	// RawModelDeltaEvent carries a provider streaming chunk verbatim.
	RawModelDeltaEvent struct {
		Base
		Chunk model.Chunk
	}

	// MessageOutputEvent fires when a complete assistant message is
	// available.
	MessageOutputEvent struct {
		Base
		Content string
	}

	// ToolCallScheduledEvent fires when the dispatcher accepts a tool call.
	ToolCallScheduledEvent struct {
		Base
		CallID string
		Tool   string
		Args   json.RawMessage
	}

	// ToolResultReceivedEvent fires when a tool call settles (value or
	// error). Background deferrals fire once scheduled and again on join.
	ToolResultReceivedEvent struct {
		Base
		CallID     string
		Tool       string
		Value      any
		Err        *toolerrors.ToolError
		Background bool
		Duration   time.Duration
	}

	// ApprovalRequestedEvent fires when a gated tool call awaits a decision.
	ApprovalRequestedEvent struct {
		Base
		Token string
		Tool  string
		Args  json.RawMessage
	}

	// TransferRequestedEvent fires when the model asks for a handoff.
	TransferRequestedEvent struct {
		Base
		ToAgent string
		Reason  string
	}

	// AgentUpdatedEvent fires after a handoff completes and the target agent
	// becomes active.
	AgentUpdatedEvent struct {
		Base
		FromAgent string
	}

	// GuardrailCheckedEvent fires after each guardrail validation.
	GuardrailCheckedEvent struct {
		Base
		Guardrail string
		Phase     string
		Passed    bool
		Message   string
	}

	// StepFinishedEvent fires after each completed step with its usage
	// delta.
	StepFinishedEvent struct {
		Base
		Step  int
		Turn  int
		Usage model.TokenUsage
	}

	// RunFinishedEvent fires once when a run completes successfully.
	RunFinishedEvent struct {
		Base
		FinalOutput  string
		FinishReason string
		Usage        model.TokenUsage
	}

	// RunFailedEvent fires once when a run terminates with an error.
	RunFailedEvent struct {
		Base
		Err error
	}
)

// Event type constants.
const (
	RunStarted         EventType = "run_started"
	StepStarted        EventType = "step_started"
	RawModelDelta      EventType = "raw_model_delta"
	MessageOutput      EventType = "message_output"
	ToolCallScheduled  EventType = "tool_call_scheduled"
	ToolResultReceived EventType = "tool_result_received"
	ApprovalRequested  EventType = "approval_requested"
	TransferRequested  EventType = "transfer_requested"
	AgentUpdated       EventType = "agent_updated"
	GuardrailChecked   EventType = "guardrail_checked"
	StepFinished       EventType = "step_finished"
	RunFinished        EventType = "run_finished"
	RunFailed          EventType = "run_failed"
)

// NewBase builds the shared event fields. Timestamps are assigned at
// creation, not delivery.
func NewBase(runID, agent string) Base {
	return Base{Run: runID, Agent: agent, At: time.Now().UTC()}
}

func (e Base) RunID() string        { return e.Run }
func (e Base) AgentName() string    { return e.Agent }
func (e Base) Timestamp() time.Time { return e.At }

func (*RunStartedEvent) Type() EventType         { return RunStarted }
func (*StepStartedEvent) Type() EventType        { return StepStarted }
func (*RawModelDeltaEvent) Type() EventType      { return RawModelDelta }
func (*MessageOutputEvent) Type() EventType      { return MessageOutput }
func (*ToolCallScheduledEvent) Type() EventType  { return ToolCallScheduled }
func (*ToolResultReceivedEvent) Type() EventType { return ToolResultReceived }
func (*ApprovalRequestedEvent) Type() EventType  { return ApprovalRequested }
func (*TransferRequestedEvent) Type() EventType  { return TransferRequested }
func (*AgentUpdatedEvent) Type() EventType       { return AgentUpdated }
func (*GuardrailCheckedEvent) Type() EventType   { return GuardrailChecked }
func (*StepFinishedEvent) Type() EventType       { return StepFinished }
func (*RunFinishedEvent) Type() EventType        { return RunFinished }
func (*RunFailedEvent) Type() EventType          { return RunFailed }
