// Package runtime implements the run loop: a deterministic orchestrator that
// drives a bounded multi-step conversation in which a model proposes text,
// tool invocations, or transfers to peer agents. The runtime dispatches those
// proposals, integrates results into the run log, and decides when to stop.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"goa.design/maestro/agent"
	"goa.design/maestro/approval"
	"goa.design/maestro/hooks"
	"goa.design/maestro/model"
	"goa.design/maestro/session"
	"goa.design/maestro/stream"
	"goa.design/maestro/telemetry"
	"goa.design/maestro/tools"
)

type (
	// Runtime owns the shared collaborators of all runs in a process: the
	// default model client, the session store, the approval broker, attached
	// MCP tools, telemetry and hook subscribers. Construct one per process
	// (or per test) and issue runs against it; it is safe for concurrent use.
	Runtime struct {
		client       model.Client
		defaultModel string

		sessions   session.Store
		summarizer session.Summarizer

		broker *approval.Broker

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		subscribers []hooks.Subscriber

		attached []*tools.Tool

		maxTurns          int
		maxSteps          int
		structuredRetries int
	}

	// Option configures a Runtime.
	Option func(*Runtime)

	// RunOptions carries per-run parameters.
	RunOptions struct {
		// SessionID binds the run to a stored conversation. Empty runs
		// sessionless.
		SessionID string
		// Messages are pre-formed conversation messages integrated before
		// Input. Useful for seeding multi-message exchanges.
		Messages []*model.Message
		// Context is the caller-supplied run context value, passed opaquely
		// to instructions functions, tool predicates and guardrails.
		Context any
		// MaxTurns overrides the runtime's per-run LLM invocation cap.
		MaxTurns int
		// ApprovalHandler supplies decisions for gated tool calls. When nil
		// and no pre-supplied decision matches, the run fails with
		// ApprovalRequired and the pending record is reported in the result.
		ApprovalHandler approval.Handler
		// Decisions pre-supplies approval decisions keyed by
		// approval.DecisionKey(toolName, args).
		Decisions map[string]approval.Decision
		// StructuredRetries overrides the validation retry budget. Negative
		// disables retries; zero applies the runtime default.
		StructuredRetries int
		// StreamBuffer sizes the event channel for streaming runs.
		StreamBuffer int
	}
)

// Defaults applied when options leave the corresponding field unset.
const (
	DefaultMaxTurns          = 10
	DefaultMaxSteps          = 10
	DefaultStructuredRetries = 1
)

// WithClient sets the default model client used by agents that do not carry
// their own.
func WithClient(c model.Client) Option {
	return func(r *Runtime) { r.client = c }
}

// WithDefaultModel sets the model identifier used when an agent leaves Model
// empty.
func WithDefaultModel(id string) Option {
	return func(r *Runtime) { r.defaultModel = id }
}

// WithSessionStore binds the session backend.
func WithSessionStore(s session.Store) Option {
	return func(r *Runtime) { r.sessions = s }
}

// WithSummarizer enables history summarisation at session bind time.
func WithSummarizer(s session.Summarizer) Option {
	return func(r *Runtime) { r.summarizer = s }
}

// WithApprovalBroker overrides the broker shared by runs.
func WithApprovalBroker(b *approval.Broker) Option {
	return func(r *Runtime) { r.broker = b }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithSubscriber registers a hook subscriber that receives every run's
// lifecycle events.
func WithSubscriber(s hooks.Subscriber) Option {
	return func(r *Runtime) { r.subscribers = append(r.subscribers, s) }
}

// WithAttachedTools adds tools (typically from an MCP manager) to every
// agent's catalogue.
func WithAttachedTools(ts ...*tools.Tool) Option {
	return func(r *Runtime) { r.attached = append(r.attached, ts...) }
}

// WithMaxTurns sets the default per-run LLM invocation cap.
func WithMaxTurns(n int) Option {
	return func(r *Runtime) { r.maxTurns = n }
}

// WithMaxSteps sets the default per-agent step cap.
func WithMaxSteps(n int) Option {
	return func(r *Runtime) { r.maxSteps = n }
}

// New constructs a Runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		broker:            approval.NewBroker(),
		logger:            telemetry.NoopLogger{},
		metrics:           telemetry.NoopMetrics{},
		tracer:            telemetry.NoopTracer{},
		maxTurns:          DefaultMaxTurns,
		maxSteps:          DefaultMaxSteps,
		structuredRetries: DefaultStructuredRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	defaultMu sync.RWMutex
	defaultRT *Runtime
)

// Default returns the process-wide runtime, creating an empty one on first
// use. Tests and embedders override it with SetDefault or, better, construct
// their own Runtime and skip the default entirely.
func Default() *Runtime {
	defaultMu.RLock()
	rt := defaultRT
	defaultMu.RUnlock()
	if rt != nil {
		return rt
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRT == nil {
		defaultRT = New()
	}
	return defaultRT
}

// SetDefault replaces the process-wide runtime.
func SetDefault(rt *Runtime) {
	defaultMu.Lock()
	defaultRT = rt
	defaultMu.Unlock()
}

// Broker exposes the runtime's approval broker so out-of-band approvers can
// resolve pending records by token.
func (r *Runtime) Broker() *approval.Broker { return r.broker }

// Run executes the agent loop to completion and returns the result. On a
// terminal failure the returned error is a *RunError and the result still
// carries the partial state accumulated before the failure.
func (r *Runtime) Run(ctx context.Context, ag *agent.Agent, input string, opts RunOptions) (*RunResult, error) {
	st, err := r.newState(ctx, ag, input, opts, nil)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, st)
}

// RunStream executes the agent loop while exposing its progress as an event
// stream. The returned stream's Close cancels the run. The terminal event is
// finish on success and error on failure.
func (r *Runtime) RunStream(ctx context.Context, ag *agent.Agent, input string, opts RunOptions) (*stream.Stream, error) {
	cctx, cancel := context.WithCancel(ctx)
	s := stream.New(cancel, opts.StreamBuffer)
	st, err := r.newState(cctx, ag, input, opts, s)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		defer cancel()
		res, err := r.execute(cctx, st)
		if err != nil {
			ev := stream.Event{Type: stream.TypeError, Agent: st.agent.Name, Err: err}
			if re, ok := err.(*RunError); ok {
				ev.Message = re.Msg
				ev.Phase = string(re.Phase)
			}
			s.Finish(ev)
			return
		}
		s.Finish(stream.Event{
			Type:         stream.TypeFinish,
			Agent:        st.agent.Name,
			Content:      res.FinalOutput,
			FinishReason: res.FinishReason,
			Usage:        &res.Metadata.Usage,
		})
	}()
	return s, nil
}

// RaceAgents runs the given agents concurrently over the same input; the
// first to complete successfully wins and the others are cancelled. When
// every run fails, the first failure (by agent order) is returned.
func (r *Runtime) RaceAgents(ctx context.Context, agents []*agent.Agent, input string, opts RunOptions) (*RaceResult, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("runtime: race requires at least one agent")
	}
	type outcome struct {
		idx int
		res *RunResult
		err error
	}
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan outcome, len(agents))
	for i, ag := range agents {
		go func(i int, ag *agent.Agent) {
			res, err := r.Run(cctx, ag, input, opts)
			results <- outcome{idx: i, res: res, err: err}
		}(i, ag)
	}
	failures := make([]*outcome, len(agents))
	failed := 0
	for failed < len(agents) {
		select {
		case <-ctx.Done():
			return nil, &RunError{Kind: ErrKindCancelled, Msg: "race cancelled", Err: ctx.Err()}
		case out := <-results:
			if out.err == nil {
				cancel()
				return &RaceResult{WinningAgent: agents[out.idx].Name, Result: out.res}, nil
			}
			o := out
			failures[out.idx] = &o
			failed++
		}
	}
	for _, f := range failures {
		if f != nil {
			return nil, f.err
		}
	}
	return nil, fmt.Errorf("runtime: race produced no outcome")
}

// AgentTool adapts an agent into a tool whose executor runs the agent with
// the call's "input" argument and returns its final output. The child run
// shares the runtime's collaborators but not the parent's session.
func (r *Runtime) AgentTool(ag *agent.Agent, name, description string) *tools.Tool {
	if name == "" {
		name = agent.NormalizeName(ag.Name)
	}
	if description == "" {
		description = "Run agent " + ag.Name + " with the given input and return its final output."
	}
	return &tools.Tool{
		Name:        name,
		Description: description,
		Kind:        tools.KindUser,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input": map[string]any{
					"type":        "string",
					"description": "The input to hand the agent.",
				},
			},
			"required": []any{"input"},
		},
		Execute: func(ctx context.Context, args json.RawMessage) (any, error) {
			var payload struct {
				Input string `json:"input"`
			}
			if err := json.Unmarshal(args, &payload); err != nil {
				return nil, fmt.Errorf("agent tool %s: decode input: %w", ag.Name, err)
			}
			res, err := r.Run(ctx, ag, payload.Input, RunOptions{})
			if err != nil {
				return nil, err
			}
			return res.FinalOutput, nil
		},
	}
}

// Run executes the agent loop on the process-wide default runtime.
func Run(ctx context.Context, ag *agent.Agent, input string, opts RunOptions) (*RunResult, error) {
	return Default().Run(ctx, ag, input, opts)
}

// RunStream streams the agent loop on the process-wide default runtime.
func RunStream(ctx context.Context, ag *agent.Agent, input string, opts RunOptions) (*stream.Stream, error) {
	return Default().RunStream(ctx, ag, input, opts)
}
