package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/maestro/agent"
	"goa.design/maestro/approval"
	"goa.design/maestro/guardrail"
	"goa.design/maestro/model"
	"goa.design/maestro/session/inmem"
	"goa.design/maestro/tools"
	"goa.design/maestro/transcript"
)

// scriptedClient replays a fixed sequence of responses and records every
// request it receives.
type scriptedClient struct {
	mu    sync.Mutex
	steps []scriptStep
	reqs  []model.Request
}

type scriptStep struct {
	resp model.Response
	err  error
}

func (c *scriptedClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if len(c.steps) == 0 {
		return model.Response{}, errors.New("script exhausted")
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	return s.resp, s.err
}

func (c *scriptedClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func (c *scriptedClient) request(i int) model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[i]
}

func script(resps ...model.Response) *scriptedClient {
	steps := make([]scriptStep, len(resps))
	for i, r := range resps {
		steps[i] = scriptStep{resp: r}
	}
	return &scriptedClient{steps: steps}
}

func textResp(text string) model.Response {
	return model.Response{Text: text, FinishReason: model.FinishStop}
}

func toolResp(calls ...model.ToolCall) model.Response {
	return model.Response{ToolCalls: calls, FinishReason: model.FinishToolCalls}
}

func call(id, name, args string) model.ToolCall {
	return model.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

// countingTool returns a tool that records executions and echoes a value.
func countingTool(name string, count *int, mu *sync.Mutex) *tools.Tool {
	return tools.New(name, "test tool", map[string]any{"type": "object"}, func(context.Context, json.RawMessage) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		*count++
		return name + "-ok", nil
	})
}

func TestRunFinalText(t *testing.T) {
	client := script(textResp("hello there"))
	rt := New(WithClient(client))
	ag := agent.New("helper", "Be helpful.")

	res, err := rt.Run(context.Background(), ag, "hi", RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "hello there", res.FinalOutput)
	require.Equal(t, model.FinishStop, res.FinishReason)
	require.Len(t, res.Steps, 1)
	require.Equal(t, 1, res.Steps[0].Step)
	require.Equal(t, 1, res.Steps[0].Turn)
	require.Equal(t, []string{"helper"}, res.Metadata.HandoffChain)

	// The model saw the system prompt and the single user message.
	req := client.request(0)
	require.Equal(t, "Be helpful.", req.System)
	require.Len(t, req.Messages, 1)
	require.Equal(t, model.RoleUser, req.Messages[0].Role)
	require.Equal(t, "hi", req.Messages[0].Content)
}

func TestRunToolRoundTrip(t *testing.T) {
	var (
		mu    sync.Mutex
		execs int
	)
	client := script(
		toolResp(call("c1", "lookup", `{"q":"weather"}`)),
		textResp("sunny"),
	)
	rt := New(WithClient(client))
	ag := agent.New("helper", "help")
	ag.Tools = []*tools.Tool{countingTool("lookup", &execs, &mu)}

	res, err := rt.Run(context.Background(), ag, "weather?", RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "sunny", res.FinalOutput)
	require.Equal(t, 1, execs)
	require.Equal(t, 2, client.calls())

	// The second request carries the tool call and its result.
	req := client.request(1)
	require.Len(t, req.Messages, 3)
	require.Equal(t, model.RoleAssistant, req.Messages[1].Role)
	require.Equal(t, "c1", req.Messages[1].Meta["tool_call_id"])
	require.Equal(t, model.RoleTool, req.Messages[2].Role)
	require.Equal(t, "lookup-ok", req.Messages[2].Content)

	// Run log: user, tool call, tool result, assistant.
	var seq []string
	for _, it := range res.NewItems {
		seq = append(seq, fmt.Sprintf("%T", it))
	}
	require.Equal(t, []string{
		"*transcript.Message",
		"*transcript.ToolCall",
		"*transcript.ToolResult",
		"*transcript.Message",
	}, seq)
}

func TestRunParallelToolDispatch(t *testing.T) {
	// Three tools in one batch run concurrently: each blocks until all three
	// have started (a serialising dispatcher would never release the gate)
	// and finishes after a staggered delay so completion order is scrambled.
	var (
		mu        sync.Mutex
		completed []string
	)
	gate := make(chan struct{})
	var started sync.WaitGroup
	started.Add(3)
	go func() {
		started.Wait()
		close(gate)
	}()
	slowTool := func(name string, delay time.Duration) *tools.Tool {
		return tools.New(name, "test tool", map[string]any{"type": "object"}, func(ctx context.Context, _ json.RawMessage) (any, error) {
			started.Done()
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			time.Sleep(delay)
			mu.Lock()
			completed = append(completed, name)
			mu.Unlock()
			return name + "-ok", nil
		})
	}

	client := script(
		toolResp(
			call("c1", "alpha", `{}`),
			call("c2", "beta", `{}`),
			call("c3", "gamma", `{}`),
		),
		textResp("done"),
	)
	rt := New(WithClient(client))
	ag := agent.New("fanout", "fan out")
	ag.Tools = []*tools.Tool{
		slowTool("alpha", 150*time.Millisecond),
		slowTool("beta", 10*time.Millisecond),
		slowTool("gamma", 80*time.Millisecond),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	begin := time.Now()
	res, err := rt.Run(ctx, ag, "go", RunOptions{})
	elapsed := time.Since(begin)
	require.NoError(t, err)
	require.Equal(t, "done", res.FinalOutput)
	require.Less(t, elapsed, 240*time.Millisecond, "executors must overlap, not serialise")
	require.Equal(t, []string{"beta", "gamma", "alpha"}, completed)

	// Integration order follows the model's call order, not completion order.
	var callOrder, resultOrder []string
	for _, it := range res.NewItems {
		switch item := it.(type) {
		case *transcript.ToolCall:
			callOrder = append(callOrder, item.Tool)
		case *transcript.ToolResult:
			resultOrder = append(resultOrder, item.Tool)
		}
	}
	require.Equal(t, []string{"alpha", "beta", "gamma"}, callOrder)
	require.Equal(t, []string{"alpha", "beta", "gamma"}, resultOrder)

	// The follow-up request presents the results in the same order.
	req := client.request(1)
	var toolMsgs []string
	for _, m := range req.Messages {
		if m.Role == model.RoleTool {
			toolMsgs = append(toolMsgs, m.Content)
		}
	}
	require.Equal(t, []string{"alpha-ok", "beta-ok", "gamma-ok"}, toolMsgs)
}

func TestRunMaxTurnsAfterToolCallResponse(t *testing.T) {
	// The model keeps asking for tools. With a budget of three turns the
	// third response's calls can never be consumed, so exactly three model
	// invocations and two tool executions happen.
	var (
		mu    sync.Mutex
		execs int
	)
	client := script(
		toolResp(call("c1", "probe", `{}`)),
		toolResp(call("c2", "probe", `{}`)),
		toolResp(call("c3", "probe", `{}`)),
	)
	rt := New(WithClient(client))
	ag := agent.New("looper", "loop")
	ag.Tools = []*tools.Tool{countingTool("probe", &execs, &mu)}

	res, err := rt.Run(context.Background(), ag, "go", RunOptions{MaxTurns: 3})
	require.Error(t, err)
	require.True(t, IsKind(err, ErrKindMaxTurnsExceeded))
	require.Equal(t, 3, client.calls())
	require.Equal(t, 2, execs)
	require.NotNil(t, res)
	require.Len(t, res.Steps, 3)
}

func TestRunMaxStepsForcesFinish(t *testing.T) {
	var (
		mu    sync.Mutex
		execs int
	)
	client := script(model.Response{
		Text:         "partial answer",
		ToolCalls:    []model.ToolCall{call("c1", "probe", `{}`)},
		FinishReason: model.FinishToolCalls,
	})
	rt := New(WithClient(client))
	ag := agent.New("capped", "cap")
	ag.MaxSteps = 1
	ag.Tools = []*tools.Tool{countingTool("probe", &execs, &mu)}

	res, err := rt.Run(context.Background(), ag, "go", RunOptions{})
	require.NoError(t, err)
	require.Equal(t, model.FinishLength, res.FinishReason)
	require.Equal(t, "partial answer", res.FinalOutput)
	require.Equal(t, 1, client.calls())
	require.Equal(t, 1, execs)
}

func TestRunTransferFiltersHistory(t *testing.T) {
	specialist := agent.New("specialist", "specialize")
	coordinator := agent.New("coordinator", "coordinate")
	coordinator.Transfers = []*agent.Transfer{{
		Target:      specialist,
		InputFilter: transcript.KeepLastMessages(1),
	}}

	client := script(
		toolResp(call("t1", "transfer_to_specialist", `{"reason":"needs expertise"}`)),
		textResp("expert answer"),
	)
	rt := New(WithClient(client))

	res, err := rt.Run(context.Background(), coordinator, "now help", RunOptions{
		Messages: []*model.Message{
			{Role: model.RoleUser, Content: "first"},
			{Role: model.RoleUser, Content: "second"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "expert answer", res.FinalOutput)
	require.Equal(t, []string{"coordinator", "specialist"}, res.Metadata.HandoffChain)

	// The specialist's view is filtered down to the last message.
	req := client.request(1)
	require.Len(t, req.Messages, 1)
	require.Equal(t, "now help", req.Messages[0].Content)
	require.Equal(t, "specialize", req.System)

	// The step counter reset while the turn counter carried across.
	require.Len(t, res.Steps, 2)
	require.Equal(t, "coordinator", res.Steps[0].Agent)
	require.Equal(t, 1, res.Steps[0].Step)
	require.Equal(t, "specialist", res.Steps[1].Agent)
	require.Equal(t, 1, res.Steps[1].Step)
	require.Equal(t, 2, res.Steps[1].Turn)

	// Transfer bookkeeping landed in the run log.
	var transfers int
	for _, it := range res.NewItems {
		switch it.(type) {
		case *transcript.TransferCall, *transcript.TransferResolved:
			transfers++
		}
	}
	require.Equal(t, 2, transfers)
}

func TestRunTransferWinsOverToolCalls(t *testing.T) {
	var (
		mu    sync.Mutex
		execs int
	)
	specialist := agent.New("specialist", "specialize")
	coordinator := agent.New("coordinator", "coordinate")
	coordinator.Tools = []*tools.Tool{countingTool("probe", &execs, &mu)}
	coordinator.Transfers = []*agent.Transfer{{Target: specialist}}

	client := script(
		toolResp(
			call("c1", "probe", `{}`),
			call("t1", "transfer_to_specialist", `{"reason":"r"}`),
			call("c2", "probe", `{}`),
		),
		textResp("done"),
	)
	rt := New(WithClient(client))

	res, err := rt.Run(context.Background(), coordinator, "go", RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "done", res.FinalOutput)
	require.Zero(t, execs)
	require.Len(t, res.Metadata.Warnings, 2)
	for _, it := range res.NewItems {
		_, isCall := it.(*transcript.ToolCall)
		require.False(t, isCall, "discarded calls must not reach the run log")
	}
}

func TestRunInputGuardrailTripwire(t *testing.T) {
	client := script(textResp("never reached"))
	rt := New(WithClient(client))
	ag := agent.New("guarded", "guard")
	ag.InputGuardrails = []guardrail.Guardrail{
		guardrail.NewInput("no-secrets", func(_ context.Context, content string, _ any) (guardrail.Result, error) {
			return guardrail.Block("contains secrets"), nil
		}),
	}

	_, err := rt.Run(context.Background(), ag, "password is hunter2", RunOptions{})
	require.Error(t, err)
	require.True(t, IsKind(err, ErrKindGuardrailTripwire))
	require.Zero(t, client.calls(), "tripwire fires before the first model call")

	var re *RunError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "no-secrets", re.ItemID)
	require.Equal(t, PhaseInputGuardrail, re.Phase)
}

func TestRunOutputGuardrailTripwire(t *testing.T) {
	client := script(textResp("leaked data"))
	rt := New(WithClient(client))
	ag := agent.New("guarded", "guard")
	ag.OutputGuardrails = []guardrail.Guardrail{
		guardrail.NewOutput("no-leaks", func(_ context.Context, content string, _ any) (guardrail.Result, error) {
			if content == "leaked data" {
				return guardrail.Block("leak detected"), nil
			}
			return guardrail.Pass(), nil
		}),
	}

	_, err := rt.Run(context.Background(), ag, "hi", RunOptions{})
	require.Error(t, err)
	require.True(t, IsKind(err, ErrKindGuardrailTripwire))
	require.Equal(t, 1, client.calls())
}

func TestRunApprovalPreDecided(t *testing.T) {
	var (
		mu    sync.Mutex
		execs int
	)
	args := `{"env":"prod"}`
	client := script(
		toolResp(call("c1", "deploy", args)),
		textResp("deployed"),
	)
	deploy := countingTool("deploy", &execs, &mu)
	deploy.RequiresApproval = true
	rt := New(WithClient(client))
	ag := agent.New("ops", "operate")
	ag.Tools = []*tools.Tool{deploy}

	res, err := rt.Run(context.Background(), ag, "ship it", RunOptions{
		Decisions: map[string]approval.Decision{
			approval.DecisionKey("deploy", json.RawMessage(args)): {Approved: true},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "deployed", res.FinalOutput)
	require.Equal(t, 1, execs)
}

func TestRunApprovalHandlerRejects(t *testing.T) {
	var (
		mu    sync.Mutex
		execs int
	)
	client := script(
		toolResp(call("c1", "deploy", `{}`)),
		textResp("aborted"),
	)
	deploy := countingTool("deploy", &execs, &mu)
	deploy.RequiresApproval = true
	rt := New(WithClient(client))
	ag := agent.New("ops", "operate")
	ag.Tools = []*tools.Tool{deploy}

	res, err := rt.Run(context.Background(), ag, "ship it", RunOptions{
		ApprovalHandler: func(context.Context, string, json.RawMessage) (approval.Decision, error) {
			return approval.Decision{Approved: false, Reason: "not today"}, nil
		},
	})
	require.NoError(t, err, "a rejection is a tool outcome, not a run failure")
	require.Equal(t, "aborted", res.FinalOutput)
	require.Zero(t, execs)

	var rejected bool
	for _, it := range res.NewItems {
		if tr, ok := it.(*transcript.ToolResult); ok && tr.Err != nil {
			require.Contains(t, tr.Err.Message, "not today")
			rejected = true
		}
	}
	require.True(t, rejected)
}

func TestRunApprovalRequiredWithoutHandler(t *testing.T) {
	client := script(toolResp(call("c1", "deploy", `{}`)))
	deploy := tools.New("deploy", "deploy", map[string]any{"type": "object"}, func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})
	deploy.RequiresApproval = true
	rt := New(WithClient(client))
	ag := agent.New("ops", "operate")
	ag.Tools = []*tools.Tool{deploy}

	res, err := rt.Run(context.Background(), ag, "ship it", RunOptions{})
	require.Error(t, err)
	require.True(t, IsKind(err, ErrKindApprovalRequired))
	require.NotNil(t, res)
	require.Len(t, res.PendingApprovals, 1)
	require.Equal(t, "deploy", res.PendingApprovals[0].ToolName)
	require.Equal(t, approval.StatusPending, res.PendingApprovals[0].Status)

	// The broker still tracks the record for out-of-band resolution.
	pending := rt.Broker().Pending()
	require.Len(t, pending, 1)
	require.Equal(t, res.PendingApprovals[0].Token, pending[0].Token)
}

func TestRunApprovalModifiedArgs(t *testing.T) {
	var got json.RawMessage
	client := script(
		toolResp(call("c1", "deploy", `{"env":"prod"}`)),
		textResp("done"),
	)
	deploy := tools.New("deploy", "deploy", map[string]any{"type": "object"}, func(_ context.Context, args json.RawMessage) (any, error) {
		got = args
		return "ok", nil
	})
	deploy.RequiresApproval = true
	rt := New(WithClient(client))
	ag := agent.New("ops", "operate")
	ag.Tools = []*tools.Tool{deploy}

	_, err := rt.Run(context.Background(), ag, "ship", RunOptions{
		ApprovalHandler: func(context.Context, string, json.RawMessage) (approval.Decision, error) {
			return approval.Decision{Approved: true, ModifiedArgs: json.RawMessage(`{"env":"staging"}`)}, nil
		},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"env":"staging"}`, string(got))
}

func TestRunBackgroundToolJoinsBeforeDone(t *testing.T) {
	client := script(
		toolResp(call("c1", "slow", `{}`)),
		textResp("done"),
	)
	slow := tools.New("slow", "slow", map[string]any{"type": "object"}, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return tools.Resolved("eventually", nil), nil
	})
	rt := New(WithClient(client))
	ag := agent.New("bg", "bg")
	ag.Tools = []*tools.Tool{slow}

	res, err := rt.Run(context.Background(), ag, "go", RunOptions{})
	require.NoError(t, err)
	for _, it := range res.NewItems {
		if tr, ok := it.(*transcript.ToolResult); ok {
			require.False(t, tr.Background, "background results are amended before Done")
			require.Equal(t, "eventually", tr.Value)
		}
	}
}

func TestRunBackgroundFailureBecomesWarning(t *testing.T) {
	client := script(
		toolResp(call("c1", "slow", `{}`)),
		textResp("done"),
	)
	slow := tools.New("slow", "slow", map[string]any{"type": "object"}, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return tools.Resolved(nil, errors.New("background boom")), nil
	})
	rt := New(WithClient(client))
	ag := agent.New("bg", "bg")
	ag.Tools = []*tools.Tool{slow}

	res, err := rt.Run(context.Background(), ag, "go", RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "done", res.FinalOutput)
	require.NotEmpty(t, res.Metadata.Warnings)
	require.Contains(t, res.Metadata.Warnings[0], "background boom")
}

func TestRunConsecutiveToolFailures(t *testing.T) {
	client := script(
		toolResp(call("c1", "flaky", `{}`)),
		toolResp(call("c2", "flaky", `{}`)),
		textResp("never reached"),
	)
	flaky := tools.New("flaky", "flaky", map[string]any{"type": "object"}, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("kaput")
	})
	flaky.MaxConsecutiveFailures = 2
	rt := New(WithClient(client))
	ag := agent.New("fragile", "fragile")
	ag.Tools = []*tools.Tool{flaky}

	_, err := rt.Run(context.Background(), ag, "go", RunOptions{})
	require.Error(t, err)
	require.True(t, IsKind(err, ErrKindToolExecution))
	require.Equal(t, 2, client.calls())
}

func TestRunStructuredOutputRetryThenSuccess(t *testing.T) {
	client := script(
		textResp("not json at all"),
		textResp(`{"answer":"42"}`),
	)
	rt := New(WithClient(client))
	ag := agent.New("structured", "answer in JSON")
	ag.OutputSchema = map[string]any{
		"type":       "object",
		"required":   []any{"answer"},
		"properties": map[string]any{"answer": map[string]any{"type": "string"}},
	}

	res, err := rt.Run(context.Background(), ag, "question", RunOptions{})
	require.NoError(t, err)
	require.JSONEq(t, `{"answer":"42"}`, string(res.Structured))
	require.NotEmpty(t, res.Metadata.Warnings)
	require.Equal(t, 2, client.calls())

	// The retry request carried a corrective user message.
	req := client.request(1)
	last := req.Messages[len(req.Messages)-1]
	require.Equal(t, model.RoleUser, last.Role)
	require.Contains(t, last.Content, "not valid structured output")
}

func TestRunStructuredOutputRetriesExhausted(t *testing.T) {
	client := script(
		textResp("garbage"),
		textResp("still garbage"),
	)
	rt := New(WithClient(client))
	ag := agent.New("structured", "answer in JSON")
	ag.OutputSchema = map[string]any{"type": "object"}

	_, err := rt.Run(context.Background(), ag, "question", RunOptions{})
	require.Error(t, err)
	require.True(t, IsKind(err, ErrKindStructuredOutput))
	require.Equal(t, 2, client.calls())
}

func TestRunShouldFinishShortCircuits(t *testing.T) {
	var (
		mu    sync.Mutex
		execs int
	)
	client := script(model.Response{
		Text:         "best so far",
		ToolCalls:    []model.ToolCall{call("c1", "probe", `{}`)},
		FinishReason: model.FinishToolCalls,
	})
	rt := New(WithClient(client))
	ag := agent.New("eager", "eager")
	ag.Tools = []*tools.Tool{countingTool("probe", &execs, &mu)}
	ag.ShouldFinish = func(context.Context, any, []transcript.Item) bool { return true }

	res, err := rt.Run(context.Background(), ag, "go", RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "best so far", res.FinalOutput)
	require.Equal(t, 1, client.calls())
}

func TestRunSessionReadAndAppend(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "s1", []*model.Message{
		{Role: model.RoleUser, Content: "earlier question"},
		{Role: model.RoleAssistant, Content: "earlier answer"},
	}))

	client := script(textResp("fresh answer"))
	rt := New(WithClient(client), WithSessionStore(store))
	ag := agent.New("helper", "help")

	res, err := rt.Run(ctx, ag, "new question", RunOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "fresh answer", res.FinalOutput)

	// The model saw the stored history plus the new input.
	req := client.request(0)
	require.Len(t, req.Messages, 3)
	require.Equal(t, "earlier question", req.Messages[0].Content)

	// Only the run's new messages were appended.
	hist, err := store.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, hist, 4)
	require.Equal(t, "new question", hist[2].Content)
	require.Equal(t, "fresh answer", hist[3].Content)

	meta, err := store.Metadata(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "helper", meta["last_agent"])
	require.NotEmpty(t, meta["last_run_at"])
}

func TestRunFailedRunWritesIntegratedStepsOnly(t *testing.T) {
	var (
		mu    sync.Mutex
		execs int
	)
	store := inmem.New()
	client := &scriptedClient{steps: []scriptStep{
		{resp: toolResp(call("c1", "probe", `{}`))},
		{err: errors.New("provider down")},
	}}
	rt := New(WithClient(client), WithSessionStore(store))
	ag := agent.New("helper", "help")
	ag.Tools = []*tools.Tool{countingTool("probe", &execs, &mu)}

	_, err := rt.Run(context.Background(), ag, "go", RunOptions{SessionID: "s2"})
	require.Error(t, err)
	require.True(t, IsKind(err, ErrKindExecution))

	// The fully integrated first step survived: user input, tool call,
	// tool result.
	hist, herr := store.History(context.Background(), "s2")
	require.NoError(t, herr)
	require.Len(t, hist, 3)
	require.Equal(t, model.RoleUser, hist[0].Role)
	require.Equal(t, model.RoleTool, hist[2].Role)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rt := New(WithClient(script(textResp("nope"))))
	ag := agent.New("helper", "help")

	_, err := rt.Run(ctx, ag, "hi", RunOptions{})
	require.Error(t, err)
	require.True(t, IsKind(err, ErrKindCancelled))
}

func TestRunDynamicInstructions(t *testing.T) {
	client := script(textResp("ok"))
	rt := New(WithClient(client))
	ag := agent.New("dyn", "")
	ag.InstructionsFunc = func(_ context.Context, userContext any) (string, error) {
		return "serve " + userContext.(string), nil
	}

	_, err := rt.Run(context.Background(), ag, "hi", RunOptions{Context: "alice"})
	require.NoError(t, err)
	require.Equal(t, "serve alice", client.request(0).System)
}

func TestRunDisabledToolHiddenFromCatalogue(t *testing.T) {
	client := script(textResp("ok"))
	hidden := tools.New("hidden", "hidden", nil, func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	hidden.Enabled = func(context.Context, any) bool { return false }
	visible := tools.New("visible", "visible", nil, func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	rt := New(WithClient(client))
	ag := agent.New("helper", "help")
	ag.Tools = []*tools.Tool{hidden, visible}

	_, err := rt.Run(context.Background(), ag, "hi", RunOptions{})
	require.NoError(t, err)
	req := client.request(0)
	require.Len(t, req.Tools, 1)
	require.Equal(t, "visible", req.Tools[0].Name)
}

func TestRunUnknownToolIsLocalizedFailure(t *testing.T) {
	client := script(
		toolResp(call("c1", "ghost", `{}`)),
		textResp("recovered"),
	)
	rt := New(WithClient(client))
	ag := agent.New("helper", "help")

	res, err := rt.Run(context.Background(), ag, "go", RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "recovered", res.FinalOutput)
	var found bool
	for _, it := range res.NewItems {
		if tr, ok := it.(*transcript.ToolResult); ok {
			require.NotNil(t, tr.Err)
			require.Contains(t, tr.Err.Message, "unknown tool")
			found = true
		}
	}
	require.True(t, found)
}

func TestRunToolPanicIsLocalizedFailure(t *testing.T) {
	client := script(
		toolResp(call("c1", "bomb", `{}`)),
		textResp("survived"),
	)
	bomb := tools.New("bomb", "bomb", map[string]any{"type": "object"}, func(context.Context, json.RawMessage) (any, error) {
		panic("tick tick")
	})
	rt := New(WithClient(client))
	ag := agent.New("helper", "help")
	ag.Tools = []*tools.Tool{bomb}

	res, err := rt.Run(context.Background(), ag, "go", RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "survived", res.FinalOutput)
}

func TestRunInvalidToolArgs(t *testing.T) {
	client := script(
		toolResp(call("c1", "strict", `{"n":"not a number"}`)),
		textResp("handled"),
	)
	strict := tools.New("strict", "strict", map[string]any{
		"type":       "object",
		"properties": map[string]any{"n": map[string]any{"type": "integer"}},
	}, func(context.Context, json.RawMessage) (any, error) {
		t.Fatal("executor must not run on invalid args")
		return nil, nil
	})
	rt := New(WithClient(client))
	ag := agent.New("helper", "help")
	ag.Tools = []*tools.Tool{strict}

	res, err := rt.Run(context.Background(), ag, "go", RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "handled", res.FinalOutput)
}

func TestAgentTool(t *testing.T) {
	client := script(
		toolResp(call("c1", "researcher", `{"input":"dig deep"}`)),
		textResp("child findings"),
		textResp("final: child findings"),
	)
	rt := New(WithClient(client))
	child := agent.New("researcher", "research")
	parent := agent.New("parent", "orchestrate")
	parent.Tools = []*tools.Tool{rt.AgentTool(child, "", "")}

	res, err := rt.Run(context.Background(), parent, "go", RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "final: child findings", res.FinalOutput)
	require.Equal(t, 3, client.calls())
	// The child run saw only its own input.
	req := client.request(1)
	require.Len(t, req.Messages, 1)
	require.Equal(t, "dig deep", req.Messages[0].Content)
}

func TestRaceAgentsFirstSuccessWins(t *testing.T) {
	fast := agent.New("fast", "fast")
	fast.Client = script(textResp("fast wins"))
	slow := agent.New("slow", "slow")
	slow.Client = &scriptedClient{steps: []scriptStep{{err: errors.New("slow down")}}}

	rt := New(WithClient(script()))
	rr, err := rt.RaceAgents(context.Background(), []*agent.Agent{slow, fast}, "go", RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "fast", rr.WinningAgent)
	require.Equal(t, "fast wins", rr.Result.FinalOutput)
}

func TestRaceAgentsAllFail(t *testing.T) {
	a := agent.New("a", "a")
	a.Client = &scriptedClient{steps: []scriptStep{{err: errors.New("a failed")}}}
	b := agent.New("b", "b")
	b.Client = &scriptedClient{steps: []scriptStep{{err: errors.New("b failed")}}}

	rt := New(WithClient(script()))
	_, err := rt.RaceAgents(context.Background(), []*agent.Agent{a, b}, "go", RunOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "a failed")
}

func TestRunRequiresAgentAndClient(t *testing.T) {
	rt := New()
	_, err := rt.Run(context.Background(), nil, "hi", RunOptions{})
	require.Error(t, err)

	_, err = rt.Run(context.Background(), agent.New("a", "a"), "hi", RunOptions{})
	require.Error(t, err)
}
