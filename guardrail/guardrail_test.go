package guardrail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFuncGuardrail(t *testing.T) {
	g := NewInput("length-check", func(_ context.Context, content string, _ any) (Result, error) {
		if len(content) > 10 {
			return Block("too long"), nil
		}
		return Pass(), nil
	})
	require.Equal(t, "length-check", g.Name())
	require.Equal(t, PhaseInput, g.Phase())

	res, err := g.Validate(context.Background(), "short", nil)
	require.NoError(t, err)
	require.True(t, res.Passed)

	res, err = g.Validate(context.Background(), "way too long input", nil)
	require.NoError(t, err)
	require.False(t, res.Passed)
	require.Equal(t, "too long", res.Message)
}

func TestOutputPhase(t *testing.T) {
	g := NewOutput("out", func(context.Context, string, any) (Result, error) {
		return Pass(), nil
	})
	require.Equal(t, PhaseOutput, g.Phase())
}

func TestUserContextForwarded(t *testing.T) {
	g := NewInput("ctx", func(_ context.Context, _ string, userContext any) (Result, error) {
		if userContext == "blocked-user" {
			return Block("user is blocked"), nil
		}
		return Pass(), nil
	})
	res, err := g.Validate(context.Background(), "anything", "blocked-user")
	require.NoError(t, err)
	require.False(t, res.Passed)
}

func TestTripwireError(t *testing.T) {
	err := &TripwireError{Guardrail: "g", Phase: PhaseInput, Message: "nope"}
	require.Contains(t, err.Error(), `"g"`)
	require.Contains(t, err.Error(), "nope")
}
