package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"goa.design/maestro/agent"
	"goa.design/maestro/approval"
	"goa.design/maestro/guardrail"
	"goa.design/maestro/hooks"
	"goa.design/maestro/model"
	"goa.design/maestro/session"
	"goa.design/maestro/stream"
	"goa.design/maestro/telemetry"
	"goa.design/maestro/toolerrors"
	"goa.design/maestro/tools"
	"goa.design/maestro/transcript"
)

type (
	// runState is the per-run mutable state. It is confined to the run's
	// goroutine; tool executors and guardrails run concurrently but only
	// write their own outcome slots, never the state.
	runState struct {
		runID string
		input string
		opts  RunOptions

		agent  *agent.Agent
		bus    hooks.Bus
		stream *stream.Stream

		// items is the canonical append-only run log, prefixed with the
		// session history. newStart is the index of the first item this run
		// generated; integrated is the high-water mark after the last fully
		// integrated step, used for partial session writes on failure.
		items      []transcript.Item
		newStart   int
		integrated int

		// filter is the composed history view filter accumulated across
		// transfers. Nil means the full history.
		filter transcript.Filter

		step     int
		turn     int
		maxTurns int

		usage    model.TokenUsage
		chain    []string
		warnings []string
		steps    []StepResult

		backgrounds []pendingBackground
		pendingApps []approval.Record

		// failures counts consecutive failures per tool name. Reset on
		// success.
		failures map[string]int

		structured json.RawMessage
		lastText   string

		started time.Time
	}

	// pendingBackground pairs a deferred tool result item with its handle so
	// the item can be amended in place once the handle resolves.
	pendingBackground struct {
		item   *transcript.ToolResult
		handle *tools.Background
	}
)

// newState validates the run parameters and allocates the per-run state,
// including the run-local hook bus wired to the runtime subscribers and, for
// streaming runs, the stream bridge.
func (r *Runtime) newState(_ context.Context, ag *agent.Agent, input string, opts RunOptions, s *stream.Stream) (*runState, error) {
	if ag == nil {
		return nil, errors.New("runtime: agent is required")
	}
	if ag.Name == "" {
		return nil, errors.New("runtime: agent name is required")
	}
	if ag.Client == nil && r.client == nil {
		return nil, errors.New("runtime: no model client configured")
	}
	bus := hooks.NewBus()
	for _, sub := range r.subscribers {
		if _, err := bus.Register(sub); err != nil {
			return nil, err
		}
	}
	if s != nil {
		if _, err := bus.Register(stream.Bridge(s)); err != nil {
			return nil, err
		}
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = r.maxTurns
	}
	return &runState{
		runID:    uuid.NewString(),
		input:    input,
		opts:     opts,
		agent:    ag,
		bus:      bus,
		stream:   s,
		maxTurns: maxTurns,
		chain:    []string{ag.Name},
		failures: make(map[string]int),
	}, nil
}

// execute drives the run to completion under the run span and publishes the
// terminal lifecycle event. On failure the partial result is returned
// alongside the error and the session receives the items integrated so far.
func (r *Runtime) execute(ctx context.Context, st *runState) (*RunResult, error) {
	st.started = time.Now()
	rctx, span := r.tracer.Start(ctx, telemetry.SpanRun)
	defer span.End()
	r.metrics.IncCounter("runs_started", 1, "agent", st.agent.Name)
	r.logger.Info(rctx, "run started", "run_id", st.runID, "agent", st.agent.Name, "session_id", st.opts.SessionID)

	res, err := r.loop(rctx, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		kind := string(ErrKindExecution)
		var re *RunError
		if errors.As(err, &re) {
			kind = string(re.Kind)
		}
		r.metrics.IncCounter("runs_failed", 1, "agent", st.agent.Name, "kind", kind)
		r.logger.Error(rctx, "run failed", "run_id", st.runID, "agent", st.agent.Name, "err", err)
		_ = st.publish(rctx, &hooks.RunFailedEvent{Base: st.base(), Err: err})
		// Persist the steps that fully completed before the failure. The
		// write uses a detached context so cancellation does not lose them.
		r.flushSession(context.WithoutCancel(rctx), st, st.integrated)
		return r.result(st, ""), err
	}
	r.metrics.IncCounter("runs_completed", 1, "agent", st.agent.Name)
	r.metrics.RecordTimer("run_duration", time.Since(st.started), "agent", st.agent.Name)
	r.logger.Info(rctx, "run finished", "run_id", st.runID, "agent", st.agent.Name, "turns", st.turn, "finish_reason", res.FinishReason)
	return res, nil
}

// loop is the run state machine: bind session, then repeat generate, classify,
// dispatch or transfer, until a final message, a budget or a failure ends it.
func (r *Runtime) loop(ctx context.Context, st *runState) (*RunResult, error) {
	if err := r.bindSession(ctx, st); err != nil {
		return nil, err
	}
	for _, m := range st.opts.Messages {
		if m != nil {
			st.items = append(st.items, &transcript.Message{Role: m.Role, Content: m.Content})
		}
	}
	if st.input != "" {
		st.items = append(st.items, &transcript.Message{Role: model.RoleUser, Content: st.input})
	}
	st.integrated = len(st.items)

	if err := st.publish(ctx, &hooks.RunStartedEvent{Base: st.base(), Input: st.input, SessionID: st.opts.SessionID}); err != nil {
		return nil, r.hookFail(st, err)
	}

	retries := r.structuredRetries
	switch {
	case st.opts.StructuredRetries > 0:
		retries = st.opts.StructuredRetries
	case st.opts.StructuredRetries < 0:
		retries = 0
	}

	newSegment := true
	for {
		if err := ctx.Err(); err != nil {
			return nil, r.cancelled(st, err)
		}
		if newSegment {
			newSegment = false
			if h := st.agent.Hooks.OnStart; h != nil {
				if err := h(ctx, st.agent); err != nil {
					return nil, r.execFail(st, PhaseGeneration, "agent start hook failed", err)
				}
			}
			if err := r.runInputGuardrails(ctx, st); err != nil {
				return nil, err
			}
		}

		maxSteps := st.agent.MaxSteps
		if maxSteps <= 0 {
			maxSteps = r.maxSteps
		}
		if st.step >= maxSteps {
			// Step budget exhausted: finish with the best output so far.
			return r.finish(ctx, st, model.FinishLength)
		}
		if st.turn >= st.maxTurns {
			return nil, r.maxTurnsErr(st, "turn budget exhausted before model invocation")
		}

		st.step++
		st.turn++
		stepStart := time.Now()
		sctx, stepSpan := r.tracer.Start(ctx, telemetry.SpanStep)
		if err := st.publish(sctx, &hooks.StepStartedEvent{Base: st.base(), Step: st.step, Turn: st.turn}); err != nil {
			stepSpan.End()
			return nil, r.hookFail(st, err)
		}

		resp, err := r.generate(sctx, st)
		if err != nil {
			stepSpan.RecordError(err)
			stepSpan.End()
			if ctx.Err() != nil {
				return nil, r.cancelled(st, ctx.Err())
			}
			return nil, r.execFail(st, PhaseGeneration, "model invocation failed", err)
		}
		st.usage.Add(resp.Usage)
		if resp.Reasoning != "" {
			st.items = append(st.items, &transcript.Reasoning{Text: resp.Reasoning})
		}
		if resp.Text != "" {
			st.items = append(st.items, &transcript.Message{Role: model.RoleAssistant, Content: resp.Text})
			st.lastText = resp.Text
			if err := st.publish(sctx, &hooks.MessageOutputEvent{Base: st.base(), Content: resp.Text}); err != nil {
				stepSpan.End()
				return nil, r.hookFail(st, err)
			}
		}
		sr := StepResult{
			Agent:        st.agent.Name,
			Step:         st.step,
			Turn:         st.turn,
			Usage:        resp.Usage,
			ToolCalls:    resp.ToolCalls,
			FinishReason: resp.FinishReason,
		}

		transferCall, userCalls := st.splitCalls(resp.ToolCalls)

		if transferCall != nil {
			sr.Duration = time.Since(stepStart)
			st.steps = append(st.steps, sr)
			stepSpan.End()
			if err := r.resolveTransfer(ctx, st, transferCall); err != nil {
				return nil, err
			}
			st.integrated = len(st.items)
			if err := st.publish(ctx, &hooks.StepFinishedEvent{Base: st.base(), Step: sr.Step, Turn: sr.Turn, Usage: sr.Usage}); err != nil {
				return nil, r.hookFail(st, err)
			}
			newSegment = true
			continue
		}

		if len(userCalls) > 0 {
			if st.turn >= st.maxTurns {
				// The follow-up invocation that would consume these results
				// can never happen, so the calls are not dispatched.
				sr.Duration = time.Since(stepStart)
				st.steps = append(st.steps, sr)
				stepSpan.End()
				return nil, r.maxTurnsErr(st, "model requested tool calls but the turn budget is exhausted")
			}
			st.assignCallIDs(userCalls)
			sr.ToolCalls = userCalls
			outcomes, derr := r.dispatch(sctx, st, userCalls)
			if derr != nil {
				stepSpan.End()
				return nil, derr
			}
			if err := r.integrate(sctx, st, outcomes); err != nil {
				stepSpan.End()
				return nil, err
			}
			sr.Duration = time.Since(stepStart)
			st.steps = append(st.steps, sr)
			st.integrated = len(st.items)
			stepSpan.End()
			if err := st.publish(ctx, &hooks.StepFinishedEvent{Base: st.base(), Step: sr.Step, Turn: sr.Turn, Usage: sr.Usage}); err != nil {
				return nil, r.hookFail(st, err)
			}
			if sf := st.agent.ShouldFinish; sf != nil && sf(ctx, st.opts.Context, st.items) {
				return r.finish(ctx, st, model.FinishStop)
			}
			continue
		}

		// Text-only response: candidate final output.
		sr.Duration = time.Since(stepStart)
		st.steps = append(st.steps, sr)
		st.integrated = len(st.items)
		stepSpan.End()
		if err := st.publish(ctx, &hooks.StepFinishedEvent{Base: st.base(), Step: sr.Step, Turn: sr.Turn, Usage: sr.Usage}); err != nil {
			return nil, r.hookFail(st, err)
		}
		if st.agent.OutputSchema != nil {
			if verr := validateStructured(st.agent.OutputSchema, resp.Text); verr != nil {
				if retries > 0 && st.turn < st.maxTurns {
					retries--
					st.warnings = append(st.warnings, "structured output rejected: "+verr.Error())
					st.items = append(st.items, &transcript.Message{Role: model.RoleUser, Content: correctionPrompt(verr)})
					st.integrated = len(st.items)
					continue
				}
				return nil, &RunError{
					Kind:  ErrKindStructuredOutput,
					Phase: PhaseGeneration,
					Agent: st.agent.Name,
					Step:  st.step,
					Turn:  st.turn,
					Msg:   "final output does not conform to the output schema",
					Err:   verr,
				}
			}
			st.structured = json.RawMessage(resp.Text)
		}
		return r.finish(ctx, st, model.FinishStop)
	}
}

// finish runs the terminal sequence: output guardrails over the candidate
// final, background joins, the end hook, the session write and the final
// event.
func (r *Runtime) finish(ctx context.Context, st *runState, reason string) (*RunResult, error) {
	if err := r.runOutputGuardrails(ctx, st); err != nil {
		return nil, err
	}
	if err := r.joinBackgrounds(ctx, st); err != nil {
		return nil, err
	}
	if h := st.agent.Hooks.OnEnd; h != nil {
		if err := h(ctx, st.agent, st.lastText); err != nil {
			return nil, r.execFail(st, PhaseGeneration, "agent end hook failed", err)
		}
	}
	if err := r.writeSession(ctx, st, len(st.items)); err != nil {
		return nil, err
	}
	res := r.result(st, reason)
	_ = st.publish(ctx, &hooks.RunFinishedEvent{
		Base:         st.base(),
		FinalOutput:  res.FinalOutput,
		FinishReason: res.FinishReason,
		Usage:        st.usage,
	})
	return res, nil
}

// generate performs one model invocation over the current history view. In
// streaming mode chunks are published as raw deltas while being accumulated
// into a complete response; providers without streaming fall back to Complete
// with a single synthesized text chunk.
func (r *Runtime) generate(ctx context.Context, st *runState) (model.Response, error) {
	gctx, span := r.tracer.Start(ctx, telemetry.SpanGenerate)
	defer span.End()

	system, err := st.agent.ResolveInstructions(gctx, st.opts.Context)
	if err != nil {
		span.RecordError(err)
		return model.Response{}, fmt.Errorf("resolve instructions: %w", err)
	}
	modelID := st.agent.Model
	if modelID == "" {
		modelID = r.defaultModel
	}
	req := model.Request{
		Model:          modelID,
		System:         system,
		Messages:       transcript.Messages(st.view()),
		Tools:          r.catalogue(gctx, st),
		ResponseSchema: st.agent.OutputSchema,
		Settings:       st.agent.ModelSettings,
	}
	client := st.agent.Client
	if client == nil {
		client = r.client
	}

	if st.stream == nil {
		resp, cerr := client.Complete(gctx, req)
		if cerr != nil {
			span.RecordError(cerr)
		}
		return resp, cerr
	}

	sm, serr := client.Stream(gctx, req)
	if errors.Is(serr, model.ErrStreamingUnsupported) {
		resp, cerr := client.Complete(gctx, req)
		if cerr != nil {
			span.RecordError(cerr)
			return resp, cerr
		}
		if resp.Text != "" {
			_ = st.publish(gctx, &hooks.RawModelDeltaEvent{
				Base:  st.base(),
				Chunk: model.Chunk{Type: model.ChunkTypeText, Text: resp.Text},
			})
		}
		return resp, nil
	}
	if serr != nil {
		span.RecordError(serr)
		return model.Response{}, serr
	}
	defer sm.Close()

	var resp model.Response
	for {
		chunk, rerr := sm.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			span.RecordError(rerr)
			return resp, rerr
		}
		if perr := st.publish(gctx, &hooks.RawModelDeltaEvent{Base: st.base(), Chunk: chunk}); perr != nil {
			return resp, perr
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			resp.Text += chunk.Text
		case model.ChunkTypeReasoning:
			resp.Reasoning += chunk.Reasoning
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
		case model.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				resp.Usage.Add(*chunk.UsageDelta)
			}
		case model.ChunkTypeStop:
			resp.FinishReason = chunk.FinishReason
		}
	}
	return resp, nil
}

// catalogue renders the tool definitions visible to the model this step:
// enabled agent tools, enabled runtime-attached tools and the synthesized
// transfer tools.
func (r *Runtime) catalogue(ctx context.Context, st *runState) []*model.ToolDefinition {
	var defs []*model.ToolDefinition
	add := func(t *tools.Tool) {
		name, desc, schema := t.Definition()
		defs = append(defs, &model.ToolDefinition{Name: name, Description: desc, InputSchema: schema})
	}
	for _, t := range st.agent.Tools {
		if t.IsEnabled(ctx, st.opts.Context) {
			add(t)
		}
	}
	for _, t := range r.attached {
		if t.IsEnabled(ctx, st.opts.Context) {
			add(t)
		}
	}
	for _, tr := range st.agent.Transfers {
		add(tr.TransferTool())
	}
	return defs
}

// resolveTool locates the executable tool behind a call: agent catalogue
// first, then runtime-attached tools.
func (r *Runtime) resolveTool(st *runState, name string) *tools.Tool {
	if t, ok := st.agent.FindTool(name); ok {
		return t
	}
	for _, t := range r.attached {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// resolveTransfer performs the agent switch requested by a transfer call:
// records the transfer items, fires hooks and events, composes the input
// filter and resets the step counter. The turn counter carries across.
func (r *Runtime) resolveTransfer(ctx context.Context, st *runState, call *model.ToolCall) error {
	tctx, span := r.tracer.Start(ctx, telemetry.SpanHandoff)
	defer span.End()

	tr, ok := st.agent.FindTransfer(call.Name)
	if !ok {
		return &RunError{
			Kind:  ErrKindTransferFailure,
			Phase: PhaseTransfer,
			Agent: st.agent.Name,
			Step:  st.step,
			Turn:  st.turn,
			Msg:   fmt.Sprintf("no transfer target behind tool %q", call.Name),
		}
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(call.Args, &payload)

	from := st.agent
	st.items = append(st.items, &transcript.TransferCall{FromAgent: from.Name, ToAgent: tr.Target.Name, Reason: payload.Reason})
	if err := st.publish(tctx, &hooks.TransferRequestedEvent{Base: st.base(), ToAgent: tr.Target.Name, Reason: payload.Reason}); err != nil {
		return r.hookFail(st, err)
	}
	if h := from.Hooks.OnTransfer; h != nil {
		if err := h(tctx, from, tr.Target); err != nil {
			span.RecordError(err)
			return &RunError{
				Kind:  ErrKindTransferFailure,
				Phase: PhaseTransfer,
				Agent: from.Name,
				Step:  st.step,
				Turn:  st.turn,
				Msg:   "transfer hook failed",
				Err:   err,
			}
		}
	}
	st.items = append(st.items, &transcript.TransferResolved{FromAgent: from.Name, ToAgent: tr.Target.Name})
	st.agent = tr.Target
	st.step = 0
	st.chain = append(st.chain, tr.Target.Name)
	if tr.InputFilter != nil {
		st.filter = transcript.Chain(st.filter, tr.InputFilter)
	}
	r.logger.Info(tctx, "agent transfer", "run_id", st.runID, "from", from.Name, "to", tr.Target.Name, "reason", payload.Reason)
	if err := st.publish(tctx, &hooks.AgentUpdatedEvent{Base: st.base(), FromAgent: from.Name}); err != nil {
		return r.hookFail(st, err)
	}
	return nil
}

// runInputGuardrails screens the latest user utterance before the active
// agent's first model invocation.
func (r *Runtime) runInputGuardrails(ctx context.Context, st *runState) error {
	content, _ := transcript.LastUserMessage(st.view())
	return r.runGuardrails(ctx, st, guardrail.PhaseInput, st.agent.InputGuardrails, content, telemetry.SpanGuardrailInput, PhaseInputGuardrail)
}

// runOutputGuardrails screens the candidate final message.
func (r *Runtime) runOutputGuardrails(ctx context.Context, st *runState) error {
	return r.runGuardrails(ctx, st, guardrail.PhaseOutput, st.agent.OutputGuardrails, st.lastText, telemetry.SpanGuardrailOutput, PhaseOutputGuardrail)
}

// runGuardrails executes the guardrails of one phase concurrently. Any
// tripwire terminates the run; a validator malfunction fails it as an
// execution error. Completed checks are recorded regardless of outcome.
func (r *Runtime) runGuardrails(ctx context.Context, st *runState, phase guardrail.Phase, grs []guardrail.Guardrail, content, spanName string, errPhase Phase) error {
	if len(grs) == 0 {
		return nil
	}
	results := make([]guardrail.Result, len(grs))
	done := make([]bool, len(grs))
	g, gctx := errgroup.WithContext(ctx)
	for i, gr := range grs {
		g.Go(func() error {
			vctx, span := r.tracer.Start(gctx, spanName)
			defer span.End()
			res, err := gr.Validate(vctx, content, st.opts.Context)
			if err != nil {
				span.RecordError(err)
				return fmt.Errorf("guardrail %s: %w", gr.Name(), err)
			}
			results[i] = res
			done[i] = true
			if !res.Passed {
				return &guardrail.TripwireError{Guardrail: gr.Name(), Phase: phase, Message: res.Message}
			}
			return nil
		})
	}
	werr := g.Wait()
	for i, gr := range grs {
		if !done[i] {
			continue
		}
		st.items = append(st.items, &transcript.GuardrailCheck{
			Name:    gr.Name(),
			Phase:   string(phase),
			Passed:  results[i].Passed,
			Message: results[i].Message,
		})
		if err := st.publish(ctx, &hooks.GuardrailCheckedEvent{
			Base:      st.base(),
			Guardrail: gr.Name(),
			Phase:     string(phase),
			Passed:    results[i].Passed,
			Message:   results[i].Message,
		}); err != nil {
			return r.hookFail(st, err)
		}
	}
	if werr == nil {
		return nil
	}
	var trip *guardrail.TripwireError
	if errors.As(werr, &trip) {
		return &RunError{
			Kind:   ErrKindGuardrailTripwire,
			Phase:  errPhase,
			Agent:  st.agent.Name,
			Step:   st.step,
			Turn:   st.turn,
			ItemID: trip.Guardrail,
			Msg:    trip.Message,
			Err:    werr,
		}
	}
	return r.execFail(st, errPhase, "guardrail validation failed", werr)
}

// joinBackgrounds waits for deferred tool results and amends their items in
// place. Background failures become run warnings, never run failures.
func (r *Runtime) joinBackgrounds(ctx context.Context, st *runState) error {
	for _, pb := range st.backgrounds {
		value, err := pb.handle.Await(ctx)
		if ctx.Err() != nil {
			return r.cancelled(st, ctx.Err())
		}
		pb.item.Background = false
		if err != nil {
			pb.item.Err = toolerrors.FromError(err).ForTool(pb.item.Tool)
			st.warnings = append(st.warnings, fmt.Sprintf("background tool %s failed: %v", pb.item.Tool, err))
		} else {
			pb.item.Value = value
		}
		_ = st.publish(ctx, &hooks.ToolResultReceivedEvent{
			Base:       st.base(),
			CallID:     pb.item.CallID,
			Tool:       pb.item.Tool,
			Value:      pb.item.Value,
			Err:        pb.item.Err,
			Background: false,
		})
	}
	st.backgrounds = nil
	return nil
}

// bindSession loads the session history into the run log, summarizing first
// when a summarizer is configured.
func (r *Runtime) bindSession(ctx context.Context, st *runState) error {
	if r.sessions == nil || st.opts.SessionID == "" {
		return nil
	}
	sctx, span := r.tracer.Start(ctx, telemetry.SessionSpan("read"))
	hist, err := r.sessions.History(sctx, st.opts.SessionID)
	span.End()
	if err != nil {
		return r.execFail(st, PhaseSession, "session read failed", err)
	}
	if r.summarizer != nil && len(hist) > 0 {
		mctx, mspan := r.tracer.Start(ctx, telemetry.SessionSpan("summarize"))
		condensed, serr := r.summarizer.Summarize(mctx, hist)
		mspan.End()
		if serr != nil {
			st.warnings = append(st.warnings, "history summarization failed: "+serr.Error())
			r.logger.Warn(ctx, "history summarization failed", "run_id", st.runID, "err", serr)
		} else {
			hist = condensed
		}
	}
	st.items = append(st.items, itemsFromMessages(hist)...)
	st.newStart = len(st.items)
	return nil
}

// writeSession appends the run's new messages up to limit and touches the
// session metadata. Called once per run, after the final output is decided.
func (r *Runtime) writeSession(ctx context.Context, st *runState, limit int) error {
	if r.sessions == nil || st.opts.SessionID == "" || limit <= st.newStart {
		return nil
	}
	msgs := transcript.Messages(st.items[st.newStart:limit])
	if len(msgs) == 0 {
		return nil
	}
	sctx, span := r.tracer.Start(ctx, telemetry.SessionSpan("append"))
	err := r.sessions.Append(sctx, st.opts.SessionID, msgs)
	span.End()
	if err != nil {
		return r.execFail(st, PhaseSession, "session append failed", err)
	}
	if err := r.sessions.UpdateMetadata(ctx, st.opts.SessionID, session.Touch(st.agent.Name, time.Now())); err != nil {
		st.warnings = append(st.warnings, "session metadata update failed: "+err.Error())
		r.logger.Warn(ctx, "session metadata update failed", "run_id", st.runID, "err", err)
	}
	return nil
}

// flushSession is the best-effort partial write used on run failure.
func (r *Runtime) flushSession(ctx context.Context, st *runState, limit int) {
	if err := r.writeSession(ctx, st, limit); err != nil {
		r.logger.Warn(ctx, "partial session write failed", "run_id", st.runID, "err", err)
	}
}

// itemsFromMessages rebuilds transcript items from stored session messages so
// tool traffic replays to providers with intact call correlation.
func itemsFromMessages(msgs []*model.Message) []transcript.Item {
	items := make([]transcript.Item, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		callID := metaString(m.Meta, "tool_call_id")
		switch {
		case m.Role == model.RoleAssistant && callID != "":
			items = append(items, &transcript.ToolCall{
				ID:   callID,
				Tool: metaString(m.Meta, "tool_name"),
				Args: metaArgs(m.Meta),
			})
		case m.Role == model.RoleTool:
			tr := &transcript.ToolResult{CallID: callID, Tool: metaString(m.Meta, "tool_name")}
			if isErr, _ := m.Meta["is_error"].(bool); isErr {
				tr.Err = toolerrors.New(m.Content)
			} else {
				tr.Value = m.Content
			}
			items = append(items, tr)
		default:
			items = append(items, &transcript.Message{Role: m.Role, Content: m.Content})
		}
	}
	return items
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

// metaArgs recovers the tool argument payload from message metadata. Stores
// that round-trip Meta through JSON deliver a decoded map rather than raw
// bytes; both forms are accepted.
func metaArgs(meta map[string]any) json.RawMessage {
	if meta == nil {
		return nil
	}
	switch v := meta["tool_args"].(type) {
	case json.RawMessage:
		return v
	case string:
		return json.RawMessage(v)
	case nil:
		return nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return raw
	}
}

// view returns the history the active agent sees: the canonical log run
// through the composed transfer filter.
func (st *runState) view() []transcript.Item {
	if st.filter == nil {
		return st.items
	}
	return st.filter(st.items)
}

// splitCalls separates a transfer request from ordinary tool calls. When the
// response carries a transfer, the transfer wins: every other call in the
// response is discarded with a warning.
func (st *runState) splitCalls(calls []model.ToolCall) (*model.ToolCall, []model.ToolCall) {
	ti := -1
	for i := range calls {
		if _, ok := st.agent.FindTransfer(calls[i].Name); ok {
			ti = i
			break
		}
	}
	if ti < 0 {
		return nil, calls
	}
	for i := range calls {
		if i == ti {
			continue
		}
		st.warnings = append(st.warnings, fmt.Sprintf("discarded tool call %q alongside transfer %q", calls[i].Name, calls[ti].Name))
	}
	return &calls[ti], nil
}

// assignCallIDs fills in deterministic identifiers for calls the provider
// left unidentified, so result correlation never depends on the provider.
func (st *runState) assignCallIDs(calls []model.ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call-%s-%d-%d", st.runID[:8], st.turn, i)
		}
	}
}

func (st *runState) base() hooks.Base { return hooks.NewBase(st.runID, st.agent.Name) }

func (st *runState) publish(ctx context.Context, ev hooks.Event) error {
	return st.bus.Publish(ctx, ev)
}

// result assembles the (possibly partial) run result from the state.
func (r *Runtime) result(st *runState, reason string) *RunResult {
	return &RunResult{
		RunID:        st.runID,
		FinalOutput:  st.lastText,
		Structured:   st.structured,
		FinishReason: reason,
		NewItems:     st.items[st.newStart:],
		Steps:        st.steps,
		Metadata: Metadata{
			Usage:        st.usage,
			HandoffChain: st.chain,
			Warnings:     st.warnings,
			Steps:        len(st.steps),
		},
		PendingApprovals: st.pendingApps,
	}
}

func (r *Runtime) maxTurnsErr(st *runState, msg string) *RunError {
	return &RunError{
		Kind:  ErrKindMaxTurnsExceeded,
		Phase: PhaseGeneration,
		Agent: st.agent.Name,
		Step:  st.step,
		Turn:  st.turn,
		Msg:   msg,
	}
}

func (r *Runtime) cancelled(st *runState, err error) *RunError {
	return &RunError{
		Kind:  ErrKindCancelled,
		Agent: st.agent.Name,
		Step:  st.step,
		Turn:  st.turn,
		Msg:   "run cancelled",
		Err:   err,
	}
}

func (r *Runtime) hookFail(st *runState, err error) *RunError {
	return r.execFail(st, "", "hook subscriber failed", err)
}

func (r *Runtime) execFail(st *runState, phase Phase, msg string, err error) *RunError {
	return &RunError{
		Kind:  ErrKindExecution,
		Phase: phase,
		Agent: st.agent.Name,
		Step:  st.step,
		Turn:  st.turn,
		Msg:   msg,
		Err:   err,
	}
}
