// Package model provides the provider-agnostic abstraction over chat
// completion APIs (OpenAI, Anthropic, Bedrock) that the runner consumes.
// Adapters translate these normalized types into provider-specific formats;
// the run loop never touches provider SDK types directly.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client defines the contract the runner uses to invoke LLM calls.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be safe for concurrent use and
	// reusable across runs.
	Client interface {
		// Complete sends a chat completion request to the model provider and
		// returns the generated response. Returns an error if the model is
		// unavailable, quota is exceeded, or the request is malformed.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat completion request and returns a Streamer that
		// yields incremental chunks (text, tool-call fragments, usage deltas).
		// The returned Streamer must be closed by callers. Providers that do
		// not support streaming return ErrStreamingUnsupported; the runner
		// falls back to Complete and synthesizes a single text chunk.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return Chunk values until io.EOF. Implementations must be safe to call
	// from a single goroutine and release underlying resources on Close.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close closes the stream.
		Close() error
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier. Empty selects the adapter's default.
		Model string

		// System is the system prompt for this invocation. Adapters that
		// represent the system prompt as a message prepend it to Messages.
		System string

		// Messages is the ordered chat history provided to the model,
		// excluding the system prompt.
		Messages []*Message

		// Tools describes the tool schemas exposed to the model for function
		// calling. Empty if the model should not invoke tools.
		Tools []*ToolDefinition

		// ToolChoice constrains tool selection for this request. Nil means
		// provider default (auto).
		ToolChoice *ToolChoice

		// ResponseSchema, when non-nil, asks the provider for output
		// conforming to the given JSON schema. Providers without native
		// support ignore it; the runner validates the output regardless.
		ResponseSchema map[string]any

		// Settings carries sampling parameters.
		Settings Settings
	}

	// Settings groups the per-agent sampling parameters forwarded to the
	// provider on every invocation.
	Settings struct {
		// Temperature controls sampling temperature. Zero means provider
		// default.
		Temperature float32
		// MaxTokens caps completion tokens. Zero means provider default.
		MaxTokens int
		// TopP is the nucleus sampling parameter. Zero means provider default.
		TopP float32
	}

	// ToolChoice constrains which tool the model may call.
	ToolChoice struct {
		// Mode is one of ToolChoiceModeAuto, ToolChoiceModeNone or
		// ToolChoiceModeTool.
		Mode ToolChoiceMode
		// Name is the required tool name when Mode is ToolChoiceModeTool.
		Name string
	}

	// ToolChoiceMode enumerates tool choice behaviors.
	ToolChoiceMode string

	// Response wraps the generated content and any tool call requests from
	// the model provider.
	Response struct {
		// Text is the assistant text returned by the model. Empty if the
		// model only requested tool calls.
		Text string

		// ToolCalls lists tool invocations requested by the model, in the
		// order the provider returned them. Empty for a final text response.
		ToolCalls []ToolCall

		// Reasoning carries provider "thinking" output when available.
		Reasoning string

		// Usage reports token usage when the provider makes it available.
		Usage TokenUsage

		// FinishReason explains why the model stopped generating. Common
		// values: "stop", "length", "tool_calls", "content_filter". Values
		// are provider-specific and may be empty.
		FinishReason string
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role is one of RoleUser, RoleAssistant, RoleSystem or RoleTool.
		Role string `json:"role"`

		// Content is the message text. May be empty when the message is a
		// tool call request or tool result carried in Meta.
		Content string `json:"content"`

		// Meta carries structured side data: tool call ids, tool results,
		// timestamps. Adapters use well-known keys ("tool_call_id",
		// "tool_name", "tool_calls", "is_error") to rebuild provider
		// payloads; unknown keys are preserved verbatim.
		Meta map[string]any `json:"meta,omitempty"`
	}

	// ToolDefinition describes a tool schema passed to model providers for
	// function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model. Providers restrict
		// allowed characters to alphanumerics and underscores.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool's input
		// parameters, typically a map[string]any with "type": "object".
		InputSchema any
	}

	// ToolCall captures a tool invocation requested by the model provider.
	ToolCall struct {
		// ID is the provider-assigned call identifier used to correlate the
		// eventual tool result. Empty when the provider does not assign ids;
		// the runner then assigns a deterministic one.
		ID string
		// Name identifies which tool should be invoked.
		Name string
		// Args carries the JSON arguments requested by the model.
		Args json.RawMessage
	}

	// Chunk represents a streaming event emitted by the model. Type indicates
	// which payload fields are populated.
	Chunk struct {
		// Type is one of ChunkTypeText, ChunkTypeReasoning,
		// ChunkTypeToolCall, ChunkTypeUsage or ChunkTypeStop.
		Type string
		// Text is the assistant text delta when Type == ChunkTypeText.
		Text string
		// Reasoning is the thinking delta when Type == ChunkTypeReasoning.
		Reasoning string
		// ToolCall carries a completed tool invocation request when
		// Type == ChunkTypeToolCall.
		ToolCall *ToolCall
		// UsageDelta reports incremental token usage when
		// Type == ChunkTypeUsage.
		UsageDelta *TokenUsage
		// FinishReason explains termination when Type == ChunkTypeStop.
		FinishReason string
	}

	// TokenUsage records prompt/completion token counts when provided by the
	// model provider. All fields are zero when the provider does not report
	// usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int
		// OutputTokens counts tokens produced by the model.
		OutputTokens int
		// TotalTokens is the aggregate. Prefer this field when the provider
		// reports it; otherwise it is Input + Output.
		TotalTokens int
	}
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool choice modes.
const (
	ToolChoiceModeAuto ToolChoiceMode = "auto"
	ToolChoiceModeNone ToolChoiceMode = "none"
	ToolChoiceModeTool ToolChoiceMode = "tool"
)

// Chunk type constants are the well-known streaming event kinds produced by
// model providers.
const (
	ChunkTypeText      = "text"
	ChunkTypeReasoning = "reasoning"
	ChunkTypeToolCall  = "tool_call"
	ChunkTypeUsage     = "usage"
	ChunkTypeStop      = "stop"
)

// Finish reasons normalized across providers.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// Add accumulates usage counters. Counters are additive across steps; the
// aggregated run metadata is the sum of per-step deltas.
func (u *TokenUsage) Add(delta TokenUsage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	if delta.TotalTokens > 0 {
		u.TotalTokens += delta.TotalTokens
	} else {
		u.TotalTokens += delta.InputTokens + delta.OutputTokens
	}
}

// ErrStreamingUnsupported indicates the model provider does not implement
// streaming for the requested model/parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited wraps provider rate-limit failures so middleware can detect
// them with errors.Is and back off.
var ErrRateLimited = errors.New("model: rate limited")
