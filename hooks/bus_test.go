package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, &RunStartedEvent{Base: NewBase("r1", "a1"), Input: "hi"}))
	require.NoError(t, bus.Publish(ctx, &RunFinishedEvent{Base: NewBase("r1", "a1"), FinalOutput: "done"}))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestBusDeliveryOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		_, err := bus.Register(SubscriberFunc(func(context.Context, Event) error {
			order = append(order, name)
			return nil
		}))
		require.NoError(t, err)
	}
	require.NoError(t, bus.Publish(context.Background(), &StepStartedEvent{Base: NewBase("r1", "a1"), Step: 1, Turn: 1}))
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBusStopsAtFirstError(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	_, err := bus.Register(SubscriberFunc(func(context.Context, Event) error { return boom }))
	require.NoError(t, err)
	reached := false
	_, err = bus.Register(SubscriberFunc(func(context.Context, Event) error {
		reached = true
		return nil
	}))
	require.NoError(t, err)

	err = bus.Publish(context.Background(), &RunFailedEvent{Base: NewBase("r1", "a1"), Err: boom})
	require.ErrorIs(t, err, boom)
	require.False(t, reached)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	count := 0
	sub, err := bus.Register(SubscriberFunc(func(context.Context, Event) error {
		count++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, &MessageOutputEvent{Base: NewBase("r1", "a1"), Content: "x"}))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close is idempotent")
	require.NoError(t, bus.Publish(ctx, &MessageOutputEvent{Base: NewBase("r1", "a1"), Content: "y"}))
	require.Equal(t, 1, count)
}

func TestEventAccessors(t *testing.T) {
	ev := &ToolCallScheduledEvent{Base: NewBase("run-9", "agent-9"), CallID: "c1", Tool: "lookup"}
	require.Equal(t, ToolCallScheduled, ev.Type())
	require.Equal(t, "run-9", ev.RunID())
	require.Equal(t, "agent-9", ev.AgentName())
	require.False(t, ev.Timestamp().IsZero())
}
