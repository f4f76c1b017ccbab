// Package tools defines the tool model consumed by the runner. A Tool is a
// tagged union: user tools carry an executor, transfer tools are synthesized
// from an agent's transfer list and carry reserved semantics, and MCP tools
// proxy to a remote server. The dispatcher matches on the tag; open
// extensibility comes from the executor signature, not from reflection.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Kind discriminates tool variants.
	Kind string

	// Executor runs a user tool. The args payload has already been validated
	// against the tool's input schema. The return value must be
	// JSON-serialisable, a *Background handle, or an error.
	Executor func(ctx context.Context, args json.RawMessage) (any, error)

	// EnabledFunc decides whether a tool is visible in the catalogue for the
	// current run. The value passed is the caller-supplied run context value
	// (opaque to the core).
	EnabledFunc func(ctx context.Context, userContext any) bool

	// ApprovalFunc dynamically overrides the RequiresApproval flag per call.
	ApprovalFunc func(ctx context.Context, args json.RawMessage) bool

	// Tool describes a capability exposed to the model. Tools are shared
	// immutably across runs after registration.
	Tool struct {
		// Name is the catalogue identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the argument payload.
		InputSchema map[string]any

		// Kind tags the variant. Zero value is KindUser.
		Kind Kind
		// Execute runs the tool. Required for KindUser; nil for transfer and
		// MCP tools, whose execution semantics are owned by the runner and
		// the MCP manager respectively.
		Execute Executor

		// TargetAgent names the transfer target for KindTransfer tools.
		TargetAgent string
		// Server and RemoteName locate the backing MCP tool for KindMCP.
		Server     string
		RemoteName string

		// RequiresApproval gates execution behind a human decision.
		RequiresApproval bool
		// ApprovalPolicy, when set, overrides RequiresApproval per call.
		ApprovalPolicy ApprovalFunc

		// Enabled controls catalogue visibility. Nil means always enabled.
		// Disabled tools are filtered at catalogue time, never at dispatch.
		Enabled EnabledFunc

		// Timeout caps a single execution. Zero means unbounded.
		Timeout time.Duration
		// MaxConsecutiveFailures fails the run when the tool fails this many
		// times in a row. Zero means unlimited.
		MaxConsecutiveFailures int

		mu       sync.Mutex
		compiled *jsonschema.Schema
	}

	// Background wraps a deferred tool outcome. An executor returns a
	// *Background to tell the dispatcher not to wait: the step proceeds with
	// an in-progress result and the runner joins the handle before the run
	// completes.
	Background struct {
		done  chan struct{}
		value any
		err   error
	}
)

// Tool kinds.
const (
	KindUser     Kind = "user"
	KindTransfer Kind = "transfer"
	KindMCP      Kind = "mcp"
)

// New constructs a user tool with the given name, description, input schema
// and executor.
func New(name, description string, schema map[string]any, exec Executor) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
		Kind:        KindUser,
		Execute:     exec,
	}
}

// ValidateArgs checks the JSON argument payload against the tool's input
// schema. A nil schema accepts anything. The schema is compiled once and
// cached for the lifetime of the tool.
func (t *Tool) ValidateArgs(args json.RawMessage) error {
	if t.InputSchema == nil {
		return nil
	}
	schema, err := t.schema()
	if err != nil {
		return err
	}
	var instance any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &instance); err != nil {
			return fmt.Errorf("tool %s: invalid argument JSON: %w", t.Name, err)
		}
	} else {
		instance = map[string]any{}
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("tool %s: arguments do not match schema: %w", t.Name, err)
	}
	return nil
}

// NeedsApproval reports whether this specific call must be gated behind an
// approval decision.
func (t *Tool) NeedsApproval(ctx context.Context, args json.RawMessage) bool {
	if t.ApprovalPolicy != nil {
		return t.ApprovalPolicy(ctx, args)
	}
	return t.RequiresApproval
}

// IsEnabled reports whether the tool is visible in the catalogue for the
// given run context value.
func (t *Tool) IsEnabled(ctx context.Context, userContext any) bool {
	if t.Enabled == nil {
		return true
	}
	return t.Enabled(ctx, userContext)
}

// Definition renders the tool for the model catalogue.
func (t *Tool) Definition() (name, description string, schema any) {
	s := any(t.InputSchema)
	if t.InputSchema == nil {
		s = map[string]any{"type": "object"}
	}
	return t.Name, t.Description, s
}

func (t *Tool) schema() (*jsonschema.Schema, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.compiled != nil {
		return t.compiled, nil
	}
	// Round-trip through JSON so the compiler sees a plain document.
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: marshal schema: %w", t.Name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tool %s: unmarshal schema: %w", t.Name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", t.Name, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
	}
	t.compiled = schema
	return schema, nil
}

// Defer starts fn in its own goroutine and returns the Background handle the
// executor hands back to the dispatcher. The context passed to fn is the
// dispatch context; when the run is cancelled the handle is detached and the
// result discarded.
func Defer(ctx context.Context, fn func(ctx context.Context) (any, error)) *Background {
	b := &Background{done: make(chan struct{})}
	go func() {
		defer close(b.done)
		b.value, b.err = fn(ctx)
	}()
	return b
}

// Resolved returns an already-completed Background handle. Useful in tests.
func Resolved(value any, err error) *Background {
	b := &Background{done: make(chan struct{}), value: value, err: err}
	close(b.done)
	return b
}

// Await blocks until the deferred work completes or ctx is cancelled.
func (b *Background) Await(ctx context.Context) (any, error) {
	select {
	case <-b.done:
		return b.value, b.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports completion without blocking.
func (b *Background) Done() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
