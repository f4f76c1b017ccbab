// Package stream exposes a run's progress as an ordered event stream. The
// bridge subscribes to the run's hook bus and translates lifecycle events
// into the closed set of stream events consumed by callers (UIs, SSE
// endpoints). Every stream ends with exactly one terminal event: finish on
// success, error on failure.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"goa.design/maestro/hooks"
	"goa.design/maestro/model"
	"goa.design/maestro/toolerrors"
)

type (
	// EventType enumerates the closed set of stream event kinds.
	EventType string

	// Event is one entry in the run's event stream. Type determines which
	// payload fields are set.
	Event struct {
		// Type is the event kind.
		Type EventType `json:"type"`
		// Agent is the active agent when the event fired.
		Agent string `json:"agent,omitempty"`
		// At is the event creation time.
		At time.Time `json:"at"`

		// Delta is the provider chunk for raw-model-delta events.
		Delta *model.Chunk `json:"delta,omitempty"`
		// Content is the message text for message-output and finish events.
		Content string `json:"content,omitempty"`
		// CallID and Tool identify tool traffic.
		CallID string `json:"call_id,omitempty"`
		Tool   string `json:"tool,omitempty"`
		// Args is the tool argument payload.
		Args json.RawMessage `json:"args,omitempty"`
		// Value is the tool result value.
		Value any `json:"value,omitempty"`
		// ToolErr is the structured tool failure.
		ToolErr *toolerrors.ToolError `json:"tool_err,omitempty"`
		// Token is the approval token for approval-required events.
		Token string `json:"token,omitempty"`
		// ToAgent is the handoff target for transfer and agent-updated
		// events (agent-updated carries the previous agent in Agent).
		ToAgent string `json:"to_agent,omitempty"`
		// Guardrail names the validator for guardrail events.
		Guardrail string `json:"guardrail,omitempty"`
		// Phase is the guardrail phase ("in" or "out").
		Phase string `json:"phase,omitempty"`
		// Passed reports the guardrail outcome.
		Passed bool `json:"passed,omitempty"`
		// Message carries free-form detail (guardrail explanation, transfer
		// reason).
		Message string `json:"message,omitempty"`
		// Step and Turn are the counters for step-finish events.
		Step int `json:"step,omitempty"`
		Turn int `json:"turn,omitempty"`
		// Usage is the usage delta (step-finish) or total (finish).
		Usage *model.TokenUsage `json:"usage,omitempty"`
		// FinishReason is set on finish events.
		FinishReason string `json:"finish_reason,omitempty"`
		// Err is set on error events.
		Err error `json:"-"`
	}

	// Stream is the single-reader handle over a streaming run. Events arrive
	// in execution order; the channel closes after the terminal event.
	Stream struct {
		events chan Event
		cancel context.CancelFunc
		done   chan struct{}

		closed    chan struct{}
		closeOnce sync.Once
	}
)

// Stream event kinds.
const (
	TypeRawModelDelta    EventType = "raw-model-delta"
	TypeMessageOutput    EventType = "message-output"
	TypeToolCall         EventType = "tool-call"
	TypeToolResult       EventType = "tool-result"
	TypeTransfer         EventType = "transfer"
	TypeApprovalRequired EventType = "approval-required"
	TypeStepFinish       EventType = "step-finish"
	TypeGuardrail        EventType = "guardrail"
	TypeAgentUpdated     EventType = "agent-updated"
	TypeFinish           EventType = "finish"
	TypeError            EventType = "error"
)

// ErrClosed is returned by Next after the stream is exhausted or closed.
var ErrClosed = errors.New("stream: closed")

// New builds a stream whose Close cancels the producing run via cancel. The
// buffer decouples the runner from slow consumers up to size events; beyond
// that the runner blocks, which is the backpressure contract.
func New(cancel context.CancelFunc, size int) *Stream {
	if size <= 0 {
		size = 64
	}
	return &Stream{
		events: make(chan Event, size),
		cancel: cancel,
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Events returns the receive channel. It closes after the terminal event.
func (s *Stream) Events() <-chan Event { return s.events }

// Next returns the next event, blocking until one is available, the stream
// ends (ErrClosed) or ctx is cancelled.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Text drains the stream and concatenates assistant text deltas, returning
// the final output once the stream ends. Convenience for callers who want
// streaming cancellation semantics without per-event handling.
func (s *Stream) Text(ctx context.Context) (string, error) {
	var final string
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, ErrClosed) {
			return final, nil
		}
		if err != nil {
			return final, err
		}
		switch ev.Type {
		case TypeFinish:
			final = ev.Content
		case TypeError:
			return final, ev.Err
		}
	}
}

// Close cancels the producing run. The terminal error event still arrives;
// Close does not tear down the channel (the producer does, after the
// terminal event).
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.cancel()
}

// Emit delivers an event to the consumer, blocking until the consumer reads
// it or ctx is cancelled. The producing runner calls this; callers never do.
func (s *Stream) Emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
		// The consumer is gone and the run is cancelled. Drop the event;
		// the terminal error event is delivered via Finish which does not
		// consult ctx.
	case <-s.done:
	}
}

// Finish delivers the terminal event and closes the channel. Called exactly
// once by the producer. An attached consumer gets normal backpressure; after
// Close the consumer may never drain the buffer, so stale buffered events are
// evicted until the terminal event lands. Finish never blocks a closed
// stream's producer.
func (s *Stream) Finish(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	defer close(s.events)
	for {
		select {
		case s.events <- ev:
			return
		case <-s.closed:
		}
		select {
		case s.events <- ev:
			return
		case <-s.events:
			// Evicted one stale event; retry the terminal send. Only the
			// producer writes, so this loop terminates.
		}
	}
}

// Bridge returns a hooks subscriber that translates run lifecycle events
// into stream events on s. Terminal events (run finished or failed) are NOT
// bridged here; the runner delivers them through Finish so the channel close
// is tied to producer shutdown.
func Bridge(s *Stream) hooks.Subscriber {
	return hooks.SubscriberFunc(func(ctx context.Context, event hooks.Event) error {
		base := Event{Agent: event.AgentName(), At: event.Timestamp()}
		switch e := event.(type) {
		case *hooks.RawModelDeltaEvent:
			base.Type = TypeRawModelDelta
			chunk := e.Chunk
			base.Delta = &chunk
		case *hooks.MessageOutputEvent:
			base.Type = TypeMessageOutput
			base.Content = e.Content
		case *hooks.ToolCallScheduledEvent:
			base.Type = TypeToolCall
			base.CallID = e.CallID
			base.Tool = e.Tool
			base.Args = e.Args
		case *hooks.ToolResultReceivedEvent:
			base.Type = TypeToolResult
			base.CallID = e.CallID
			base.Tool = e.Tool
			base.Value = e.Value
			base.ToolErr = e.Err
		case *hooks.ApprovalRequestedEvent:
			base.Type = TypeApprovalRequired
			base.Token = e.Token
			base.Tool = e.Tool
			base.Args = e.Args
		case *hooks.TransferRequestedEvent:
			base.Type = TypeTransfer
			base.ToAgent = e.ToAgent
			base.Message = e.Reason
		case *hooks.AgentUpdatedEvent:
			base.Type = TypeAgentUpdated
			base.Agent = e.FromAgent
			base.ToAgent = e.AgentName()
		case *hooks.GuardrailCheckedEvent:
			base.Type = TypeGuardrail
			base.Guardrail = e.Guardrail
			base.Phase = e.Phase
			base.Passed = e.Passed
			base.Message = e.Message
		case *hooks.StepFinishedEvent:
			base.Type = TypeStepFinish
			base.Step = e.Step
			base.Turn = e.Turn
			usage := e.Usage
			base.Usage = &usage
		default:
			// RunStarted/StepStarted and terminal events are not part of the
			// stream surface.
			return nil
		}
		s.Emit(ctx, base)
		return nil
	})
}
