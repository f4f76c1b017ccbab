package runtime

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"goa.design/maestro/approval"
	"goa.design/maestro/hooks"
	"goa.design/maestro/model"
	"goa.design/maestro/telemetry"
	"goa.design/maestro/toolerrors"
	"goa.design/maestro/tools"
	"goa.design/maestro/transcript"
)

// outcome is the settled result of one dispatched tool call. Exactly one of
// value, err or background applies; the zero value with err set reports a
// failure localized to the call.
type outcome struct {
	call       model.ToolCall
	tool       *tools.Tool
	value      any
	err        *toolerrors.ToolError
	background *tools.Background
	duration   time.Duration
}

// dispatch fans the step's tool calls out: ungated calls execute concurrently
// from the start, gated calls resolve their approval decisions serially in
// call order and join the pool once approved. The returned outcomes follow
// the model's call order regardless of completion order.
func (r *Runtime) dispatch(ctx context.Context, st *runState, calls []model.ToolCall) ([]*outcome, *RunError) {
	outcomes := make([]*outcome, len(calls))
	var (
		g     errgroup.Group
		gated []*outcome
	)
	for i := range calls {
		o := &outcome{call: calls[i], tool: r.resolveTool(st, calls[i].Name)}
		outcomes[i] = o
		if o.tool == nil {
			o.err = toolerrors.New("unknown tool").ForTool(o.call.Name)
			continue
		}
		if o.tool.NeedsApproval(ctx, o.call.Args) {
			gated = append(gated, o)
			continue
		}
		g.Go(func() error {
			r.executeTool(ctx, st, o)
			return nil
		})
	}
	var runErr *RunError
	for _, o := range gated {
		d, rerr := r.resolveApproval(ctx, st, o)
		if rerr != nil {
			runErr = rerr
			break
		}
		if !d.Approved {
			reason := d.Reason
			if reason == "" {
				reason = "rejected"
			}
			o.err = toolerrors.New("approval " + reason).ForTool(o.call.Name)
			continue
		}
		if len(d.ModifiedArgs) > 0 {
			o.call.Args = d.ModifiedArgs
		}
		g.Go(func() error {
			r.executeTool(ctx, st, o)
			return nil
		})
	}
	_ = g.Wait()
	if runErr != nil {
		return outcomes, runErr
	}
	return outcomes, nil
}

// resolveApproval obtains the decision for one gated call: a pre-supplied
// decision wins, otherwise the call is registered with the broker and the
// configured handler (if any) is asked. Without a handler the run cannot
// proceed and fails with the pending record attached.
func (r *Runtime) resolveApproval(ctx context.Context, st *runState, o *outcome) (approval.Decision, *RunError) {
	if d, ok := st.opts.Decisions[approval.DecisionKey(o.call.Name, o.call.Args)]; ok {
		return d, nil
	}
	rec := r.broker.Request(o.call.Name, o.call.Args)
	if err := st.publish(ctx, &hooks.ApprovalRequestedEvent{
		Base:  st.base(),
		Token: rec.Token,
		Tool:  o.call.Name,
		Args:  o.call.Args,
	}); err != nil {
		return approval.Decision{}, r.hookFail(st, err)
	}
	if st.opts.ApprovalHandler == nil {
		st.pendingApps = append(st.pendingApps, rec)
		return approval.Decision{}, &RunError{
			Kind:   ErrKindApprovalRequired,
			Phase:  PhaseDispatch,
			Agent:  st.agent.Name,
			Step:   st.step,
			Turn:   st.turn,
			ItemID: rec.Token,
			Msg:    fmt.Sprintf("tool %q requires approval and no handler is configured", o.call.Name),
		}
	}
	go func() {
		d, herr := st.opts.ApprovalHandler(ctx, o.call.Name, o.call.Args)
		if herr != nil {
			d = approval.Decision{Approved: false, Reason: herr.Error()}
		}
		// An out-of-band Resolve may have settled the record first.
		_ = r.broker.Resolve(rec.Token, d)
	}()
	d, err := r.broker.Await(ctx, rec.Token)
	if err != nil {
		if ctx.Err() != nil {
			return approval.Decision{}, r.cancelled(st, ctx.Err())
		}
		return approval.Decision{}, r.execFail(st, PhaseDispatch, "approval await failed", err)
	}
	return d, nil
}

// executeTool runs one tool call to a settled outcome. Argument validation
// failures, executor errors, timeouts and panics all localize to the call.
func (r *Runtime) executeTool(ctx context.Context, st *runState, o *outcome) {
	start := time.Now()
	defer func() { o.duration = time.Since(start) }()

	tctx, span := r.tracer.Start(ctx, telemetry.ToolSpan(o.call.Name))
	defer span.End()

	if h := st.agent.Hooks.OnToolCall; h != nil {
		if err := h(tctx, st.agent, o.call.Name, o.call.Args); err != nil {
			o.err = toolerrors.NewWithCause("tool hook rejected the call", err).ForTool(o.call.Name)
			return
		}
	}
	if err := o.tool.ValidateArgs(o.call.Args); err != nil {
		span.RecordError(err)
		o.err = toolerrors.FromError(err).ForTool(o.call.Name)
		return
	}
	if o.tool.Execute == nil {
		o.err = toolerrors.New("tool has no executor").ForTool(o.call.Name)
		return
	}
	if o.tool.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(tctx, o.tool.Timeout)
		defer cancel()
	}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				o.err = toolerrors.Errorf("tool panicked: %v", rec).ForTool(o.call.Name)
			}
		}()
		v, err := o.tool.Execute(tctx, o.call.Args)
		if err != nil {
			span.RecordError(err)
			o.err = toolerrors.FromError(err).ForTool(o.call.Name)
			return
		}
		if b, ok := v.(*tools.Background); ok {
			o.background = b
			return
		}
		o.value = v
	}()
	r.metrics.RecordTimer("tool_duration", time.Since(start), "tool", o.call.Name)
}

// integrate appends the step's tool traffic to the run log in the model's
// call order and enforces the per-tool consecutive failure cap.
func (r *Runtime) integrate(ctx context.Context, st *runState, outcomes []*outcome) error {
	for _, o := range outcomes {
		st.items = append(st.items, &transcript.ToolCall{ID: o.call.ID, Tool: o.call.Name, Args: o.call.Args})
		if err := st.publish(ctx, &hooks.ToolCallScheduledEvent{
			Base:   st.base(),
			CallID: o.call.ID,
			Tool:   o.call.Name,
			Args:   o.call.Args,
		}); err != nil {
			return r.hookFail(st, err)
		}
		res := &transcript.ToolResult{CallID: o.call.ID, Tool: o.call.Name}
		switch {
		case o.background != nil:
			res.Background = true
			st.backgrounds = append(st.backgrounds, pendingBackground{item: res, handle: o.background})
		case o.err != nil:
			res.Err = o.err
		default:
			res.Value = o.value
		}
		st.items = append(st.items, res)
		if err := st.publish(ctx, &hooks.ToolResultReceivedEvent{
			Base:       st.base(),
			CallID:     o.call.ID,
			Tool:       o.call.Name,
			Value:      res.Value,
			Err:        res.Err,
			Background: res.Background,
			Duration:   o.duration,
		}); err != nil {
			return r.hookFail(st, err)
		}
		if o.tool == nil || o.tool.MaxConsecutiveFailures <= 0 {
			continue
		}
		if o.err != nil {
			st.failures[o.call.Name]++
			if st.failures[o.call.Name] >= o.tool.MaxConsecutiveFailures {
				return &RunError{
					Kind:   ErrKindToolExecution,
					Phase:  PhaseDispatch,
					Agent:  st.agent.Name,
					Step:   st.step,
					Turn:   st.turn,
					ItemID: o.call.ID,
					Msg:    fmt.Sprintf("tool %q failed %d consecutive times", o.call.Name, st.failures[o.call.Name]),
					Err:    o.err,
				}
			}
		} else {
			delete(st.failures, o.call.Name)
		}
	}
	return nil
}
