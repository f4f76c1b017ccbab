// Package approval implements the broker that mediates human-in-the-loop
// decisions on gated tool calls. The broker owns the only mutable structure
// shared across concurrent runs: the pending-approval table. Records are
// keyed by token; decisions arrive either from a configured handler or
// out-of-band via Resolve.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Status is the lifecycle state of an approval record.
	Status string

	// Decision is the outcome of an approval request.
	Decision struct {
		// Approved grants execution.
		Approved bool
		// Reason explains a rejection (or a timeout).
		Reason string
		// ModifiedArgs, when non-nil, replace the original arguments before
		// execution.
		ModifiedArgs json.RawMessage
	}

	// Record describes a pending or settled approval request.
	Record struct {
		// Token uniquely identifies the request.
		Token string
		// ToolName is the gated tool.
		ToolName string
		// Args is the argument payload awaiting approval.
		Args json.RawMessage
		// RequestedAt is when the record was allocated.
		RequestedAt time.Time
		// Status is pending until a decision arrives or the timeout fires.
		Status Status
	}

	// Handler supplies decisions for gated tool calls. Implementations may
	// block (e.g. prompting a human); the broker enforces the timeout.
	Handler func(ctx context.Context, toolName string, args json.RawMessage) (Decision, error)

	// Broker is the process-wide registry of approval requests. It is safe
	// for concurrent use by multiple runs; decisions are matched by token.
	Broker struct {
		mu      sync.Mutex
		pending map[string]*entry

		timeout time.Duration
		reapAge time.Duration
	}

	entry struct {
		record   Record
		decision Decision
		done     chan struct{}
		settled  bool
	}

	// Option configures a Broker.
	Option func(*Broker)
)

// Approval statuses.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

const (
	// DefaultTimeout bounds how long a dispatch waits for a decision.
	DefaultTimeout = 300 * time.Second
	// DefaultReapAge is the age past which settled records are evicted.
	DefaultReapAge = 600 * time.Second
)

var (
	// ErrUnknownToken reports a token with no matching record.
	ErrUnknownToken = errors.New("approval: unknown token")
	// ErrAlreadySettled reports a second decision for the same token.
	ErrAlreadySettled = errors.New("approval: already settled")
)

// WithTimeout overrides the decision timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) { b.timeout = d }
}

// WithReapAge overrides the eviction threshold.
func WithReapAge(d time.Duration) Option {
	return func(b *Broker) { b.reapAge = d }
}

// NewBroker constructs an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		pending: make(map[string]*entry),
		timeout: DefaultTimeout,
		reapAge: DefaultReapAge,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Request allocates a pending record for the given tool call and returns its
// token. The caller then awaits the decision with Await, or lets an
// out-of-band approver settle it via Resolve.
func (b *Broker) Request(toolName string, args json.RawMessage) Record {
	rec := Record{
		Token:       uuid.NewString(),
		ToolName:    toolName,
		Args:        args,
		RequestedAt: time.Now().UTC(),
		Status:      StatusPending,
	}
	b.mu.Lock()
	b.pending[rec.Token] = &entry{record: rec, done: make(chan struct{})}
	b.mu.Unlock()
	return rec
}

// Await blocks until the record identified by token is settled, the broker
// timeout elapses, or ctx is cancelled. A timeout settles the record with
// Approved=false and Reason "timeout"; it is a tool-level outcome, never a
// run-level failure.
func (b *Broker) Await(ctx context.Context, token string) (Decision, error) {
	b.mu.Lock()
	e, ok := b.pending[token]
	b.mu.Unlock()
	if !ok {
		return Decision{}, ErrUnknownToken
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		b.mu.Lock()
		d := e.decision
		b.mu.Unlock()
		return d, nil
	case <-timer.C:
		d := Decision{Approved: false, Reason: "timeout"}
		b.settle(token, d, StatusTimeout)
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve settles a pending record by token. It is used by out-of-band
// approvers (web handlers, CLIs) and by the broker itself when a handler
// returns. Resolving an already-settled or unknown token returns an error;
// the first decision wins.
func (b *Broker) Resolve(token string, d Decision) error {
	status := StatusRejected
	if d.Approved {
		status = StatusApproved
	}
	return b.settle(token, d, status)
}

// Pending lists records still awaiting a decision, ordered by request time.
func (b *Broker) Pending() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.pending))
	for _, e := range b.pending {
		if e.record.Status == StatusPending {
			out = append(out, e.record)
		}
	}
	sortRecords(out)
	return out
}

// Lookup returns the record for token, if any.
func (b *Broker) Lookup(token string) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.pending[token]
	if !ok {
		return Record{}, false
	}
	return e.record, true
}

// Reap evicts settled records older than the reaping threshold and returns
// how many were removed. Callers run this periodically; the broker does not
// own a background goroutine so tests and short-lived processes stay clean.
func (b *Broker) Reap(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for token, e := range b.pending {
		if e.record.Status == StatusPending {
			continue
		}
		if now.Sub(e.record.RequestedAt) >= b.reapAge {
			delete(b.pending, token)
			n++
		}
	}
	return n
}

// Timeout returns the configured decision timeout.
func (b *Broker) Timeout() time.Duration { return b.timeout }

func (b *Broker) settle(token string, d Decision, status Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.pending[token]
	if !ok {
		return ErrUnknownToken
	}
	if e.settled {
		return ErrAlreadySettled
	}
	e.settled = true
	e.decision = d
	e.record.Status = status
	close(e.done)
	return nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].RequestedAt.Before(recs[j].RequestedAt)
	})
}

// ArgsDigest returns the stable digest used to match pre-supplied decisions
// to tool calls: callers key decisions by {toolName, digest(args)}.
func ArgsDigest(args json.RawMessage) string {
	sum := sha256.Sum256(args)
	return hex.EncodeToString(sum[:])
}

// DecisionKey builds the map key for pre-supplied decisions.
func DecisionKey(toolName string, args json.RawMessage) string {
	return toolName + ":" + ArgsDigest(args)
}
