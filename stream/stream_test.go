package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/maestro/hooks"
	"goa.design/maestro/model"
)

func TestNextAndFinish(t *testing.T) {
	s := New(func() {}, 4)
	s.Emit(context.Background(), Event{Type: TypeMessageOutput, Content: "hello"})
	s.Finish(Event{Type: TypeFinish, Content: "hello", FinishReason: model.FinishStop})

	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, TypeMessageOutput, ev.Type)

	ev, err = s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, TypeFinish, ev.Type)

	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestFinishIsIdempotent(t *testing.T) {
	s := New(func() {}, 1)
	s.Finish(Event{Type: TypeFinish})
	s.Finish(Event{Type: TypeError}) // second terminal is dropped

	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, TypeFinish, ev.Type)
	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseInvokesCancel(t *testing.T) {
	cancelled := false
	s := New(func() { cancelled = true }, 1)
	s.Close()
	require.True(t, cancelled)
}

func TestFinishAfterCloseWithFullBuffer(t *testing.T) {
	s := New(func() {}, 1)
	s.Emit(context.Background(), Event{Type: TypeMessageOutput, Content: "unread"})
	s.Close()

	finished := make(chan struct{})
	go func() {
		s.Finish(Event{Type: TypeError, Err: context.Canceled})
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Finish blocked after the consumer closed the stream")
	}

	// The terminal event is still observable by a late reader.
	var last Event
	for ev := range s.Events() {
		last = ev
	}
	require.Equal(t, TypeError, last.Type)
}

func TestFinishBlocksForAttachedConsumer(t *testing.T) {
	s := New(func() {}, 1)
	s.Emit(context.Background(), Event{Type: TypeMessageOutput, Content: "first"})

	finished := make(chan struct{})
	go func() {
		s.Finish(Event{Type: TypeFinish, Content: "done"})
		close(finished)
	}()
	select {
	case <-finished:
		t.Fatal("Finish must respect backpressure while the stream is open")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining unblocks the producer and no buffered event is lost.
	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", ev.Content)
	<-finished
	ev, err = s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, TypeFinish, ev.Type)
}

func TestTextDrainsToFinal(t *testing.T) {
	s := New(func() {}, 8)
	s.Emit(context.Background(), Event{Type: TypeRawModelDelta, Delta: &model.Chunk{Type: model.ChunkTypeText, Text: "he"}})
	s.Emit(context.Background(), Event{Type: TypeRawModelDelta, Delta: &model.Chunk{Type: model.ChunkTypeText, Text: "llo"}})
	s.Finish(Event{Type: TypeFinish, Content: "hello"})

	text, err := s.Text(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello", text)
}

func TestBridgeTranslatesEvents(t *testing.T) {
	s := New(func() {}, 16)
	sub := Bridge(s)
	ctx := context.Background()

	require.NoError(t, sub.HandleEvent(ctx, &hooks.MessageOutputEvent{Base: hooks.NewBase("r1", "a1"), Content: "msg"}))
	require.NoError(t, sub.HandleEvent(ctx, &hooks.ToolCallScheduledEvent{Base: hooks.NewBase("r1", "a1"), CallID: "c1", Tool: "lookup"}))
	require.NoError(t, sub.HandleEvent(ctx, &hooks.ToolResultReceivedEvent{Base: hooks.NewBase("r1", "a1"), CallID: "c1", Tool: "lookup", Value: "v"}))
	require.NoError(t, sub.HandleEvent(ctx, &hooks.TransferRequestedEvent{Base: hooks.NewBase("r1", "a1"), ToAgent: "a2", Reason: "why"}))
	require.NoError(t, sub.HandleEvent(ctx, &hooks.AgentUpdatedEvent{Base: hooks.NewBase("r1", "a2"), FromAgent: "a1"}))
	require.NoError(t, sub.HandleEvent(ctx, &hooks.GuardrailCheckedEvent{Base: hooks.NewBase("r1", "a2"), Guardrail: "g", Phase: "in", Passed: true}))
	require.NoError(t, sub.HandleEvent(ctx, &hooks.StepFinishedEvent{Base: hooks.NewBase("r1", "a2"), Step: 1, Turn: 1, Usage: model.TokenUsage{TotalTokens: 5}}))
	// Lifecycle events that are not part of the stream surface are dropped.
	require.NoError(t, sub.HandleEvent(ctx, &hooks.RunStartedEvent{Base: hooks.NewBase("r1", "a1")}))
	require.NoError(t, sub.HandleEvent(ctx, &hooks.RunFinishedEvent{Base: hooks.NewBase("r1", "a2")}))
	s.Finish(Event{Type: TypeFinish})

	var types []EventType
	for ev := range s.Events() {
		types = append(types, ev.Type)
	}
	require.Equal(t, []EventType{
		TypeMessageOutput,
		TypeToolCall,
		TypeToolResult,
		TypeTransfer,
		TypeAgentUpdated,
		TypeGuardrail,
		TypeStepFinish,
		TypeFinish,
	}, types)
}

func TestBridgeAgentUpdatedCarriesBothAgents(t *testing.T) {
	s := New(func() {}, 2)
	sub := Bridge(s)
	require.NoError(t, sub.HandleEvent(context.Background(), &hooks.AgentUpdatedEvent{Base: hooks.NewBase("r1", "new"), FromAgent: "old"}))
	s.Finish(Event{Type: TypeFinish})

	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "old", ev.Agent)
	require.Equal(t, "new", ev.ToAgent)
}
