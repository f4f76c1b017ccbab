// Package session defines the durable conversation store consumed by the
// runner. A session holds the ordered message history shared across runs plus
// free-form metadata. The runner reads the history once at run start and
// appends the run's new items once on successful completion; failed runs
// leave the session untouched.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"goa.design/maestro/model"
)

type (
	// Store persists conversation history and metadata keyed by session ID.
	//
	// Contract:
	// - Session IDs are stable and caller-provided.
	// - History returns messages in append order.
	// - Append is atomic: either all messages land or none do.
	// - Unknown session IDs behave as empty sessions; Append creates them.
	Store interface {
		// History returns the full ordered message history of the session.
		History(ctx context.Context, sessionID string) ([]*model.Message, error)
		// Append atomically appends messages to the session history.
		Append(ctx context.Context, sessionID string, msgs []*model.Message) error
		// Clear removes the session's history and metadata.
		Clear(ctx context.Context, sessionID string) error
		// Metadata returns the session's metadata map.
		Metadata(ctx context.Context, sessionID string) (map[string]string, error)
		// UpdateMetadata merges entries into the session's metadata. Empty
		// values delete keys.
		UpdateMetadata(ctx context.Context, sessionID string, entries map[string]string) error
	}

	// Summarizer condenses a long history into a shorter one. The runner
	// invokes it (when configured) before binding the session history to a
	// run, replacing older messages with a summary message.
	Summarizer interface {
		// Summarize returns the condensed history. Implementations must
		// preserve the most recent messages verbatim.
		Summarize(ctx context.Context, msgs []*model.Message) ([]*model.Message, error)
	}
)

// ErrUnavailable reports a backend failure. Runs fail fast when the session
// store cannot be reached; histories are never silently dropped.
var ErrUnavailable = errors.New("session: store unavailable")

// LLMSummarizer condenses history by asking a model to summarize everything
// except the most recent KeepRecent messages.
type LLMSummarizer struct {
	// Client performs the summarization call.
	Client model.Client
	// Model selects the summarization model. Empty uses the client default.
	Model string
	// KeepRecent is how many trailing messages survive verbatim. Zero keeps
	// the default of 10.
	KeepRecent int
	// Threshold is the history length below which summarization is skipped.
	// Zero means 50.
	Threshold int
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, msgs []*model.Message) ([]*model.Message, error) {
	keep := s.KeepRecent
	if keep <= 0 {
		keep = 10
	}
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = 50
	}
	if len(msgs) < threshold {
		return msgs, nil
	}
	head := msgs[:len(msgs)-keep]
	tail := msgs[len(msgs)-keep:]

	prompt := make([]*model.Message, 0, len(head)+1)
	prompt = append(prompt, head...)
	prompt = append(prompt, &model.Message{
		Role:    model.RoleUser,
		Content: "Summarize the conversation so far in a concise paragraph, preserving names, decisions and open questions.",
	})
	resp, err := s.Client.Complete(ctx, model.Request{Model: s.Model, Messages: prompt})
	if err != nil {
		return nil, err
	}
	out := make([]*model.Message, 0, len(tail)+1)
	out = append(out, &model.Message{
		Role:    model.RoleSystem,
		Content: "Summary of earlier conversation: " + resp.Text,
	})
	out = append(out, tail...)
	return out, nil
}

// ExtractiveSummarizer condenses history without a model call: older
// messages are replaced by a single system message concatenating the first
// SnippetLen characters of each. Deterministic fallback for deployments with
// no summarization model configured.
type ExtractiveSummarizer struct {
	// KeepRecent is how many trailing messages survive verbatim. Zero keeps
	// the default of 10.
	KeepRecent int
	// Threshold is the history length below which summarization is skipped.
	// Zero means 50.
	Threshold int
	// SnippetLen is how many characters of each older message survive in the
	// summary. Zero means 80.
	SnippetLen int
}

// Summarize implements Summarizer.
func (s *ExtractiveSummarizer) Summarize(_ context.Context, msgs []*model.Message) ([]*model.Message, error) {
	keep := s.KeepRecent
	if keep <= 0 {
		keep = 10
	}
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = 50
	}
	if len(msgs) < threshold {
		return msgs, nil
	}
	snippet := s.SnippetLen
	if snippet <= 0 {
		snippet = 80
	}
	head := msgs[:len(msgs)-keep]
	tail := msgs[len(msgs)-keep:]

	var b strings.Builder
	b.WriteString("Summary of earlier conversation:")
	for _, m := range head {
		if m == nil || m.Content == "" {
			continue
		}
		text := m.Content
		if r := []rune(text); len(r) > snippet {
			text = string(r[:snippet]) + "..."
		}
		b.WriteString("\n- ")
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(text)
	}
	out := make([]*model.Message, 0, len(tail)+1)
	out = append(out, &model.Message{Role: model.RoleSystem, Content: b.String()})
	out = append(out, tail...)
	return out, nil
}

// Touch returns metadata entries recording run activity, used by the runner
// when updating session metadata after a completed run.
func Touch(agentName string, at time.Time) map[string]string {
	return map[string]string{
		"last_agent":  agentName,
		"last_run_at": at.UTC().Format(time.RFC3339),
	}
}
