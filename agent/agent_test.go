package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/maestro/tools"
)

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"Billing":          "billing",
		"Billing Agent":    "billing_agent",
		"A -- B":           "a_b",
		"  padded  ":       "padded",
		"Weather-Bot-2000": "weather_bot_2000",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeName(in), "input %q", in)
	}
}

func TestTransferToolName(t *testing.T) {
	a := New("Billing Agent", "")
	require.Equal(t, "transfer_to_billing_agent", a.TransferToolName())
}

func TestTransferToolSynthesis(t *testing.T) {
	target := New("Specialist", "")
	tr := &Transfer{Target: target}
	tool := tr.TransferTool()
	require.Equal(t, "transfer_to_specialist", tool.Name)
	require.Equal(t, tools.KindTransfer, tool.Kind)
	require.Equal(t, "Specialist", tool.TargetAgent)
	require.Contains(t, tool.Description, "Specialist")

	// Explicit descriptions win over the target's own.
	target.TransferDescription = "from target"
	require.Equal(t, "from target", (&Transfer{Target: target}).TransferTool().Description)
	require.Equal(t, "explicit", (&Transfer{Target: target, Description: "explicit"}).TransferTool().Description)
}

func TestFindTransfer(t *testing.T) {
	target := New("Specialist", "")
	a := New("Coordinator", "")
	a.Transfers = []*Transfer{{Target: target}}

	tr, ok := a.FindTransfer("transfer_to_specialist")
	require.True(t, ok)
	require.Same(t, target, tr.Target)

	_, ok = a.FindTransfer("transfer_to_nobody")
	require.False(t, ok)
}

func TestFindTool(t *testing.T) {
	a := New("a", "")
	a.Tools = []*tools.Tool{{Name: "lookup"}}
	tool, ok := a.FindTool("lookup")
	require.True(t, ok)
	require.Equal(t, "lookup", tool.Name)
	_, ok = a.FindTool("missing")
	require.False(t, ok)
}

func TestResolveInstructions(t *testing.T) {
	a := New("a", "static prompt")
	got, err := a.ResolveInstructions(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "static prompt", got)

	a.InstructionsFunc = func(_ context.Context, userContext any) (string, error) {
		return "dynamic for " + userContext.(string), nil
	}
	got, err = a.ResolveInstructions(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, "dynamic for bob", got)
}
