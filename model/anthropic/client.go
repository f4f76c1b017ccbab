// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates normalized requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// maps responses (text, tools, thinking, usage) back into the generic runner
// structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/maestro/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when the request
		// leaves Model empty.
		DefaultModel string
		// MaxTokens is the default completion cap when a request does not
		// specify one. The Messages API requires a positive cap.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
	}
)

var _ model.Client = (*Client)(nil)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 4096
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return model.Response{}, wrapError("anthropic messages.new", err)
	}
	return translateResponse(msg), nil
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, wrapError("anthropic messages.new stream", err)
	}
	return &streamer{stream: stream, tools: map[int]*toolBuffer{}}, nil
}

func (c *Client) prepareRequest(req model.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.Settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Settings.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Settings.Temperature))
	}
	if req.Settings.TopP > 0 {
		params.TopP = sdk.Float(float64(req.Settings.TopP))
	}
	if defs, err := encodeTools(req.Tools); err != nil {
		return sdk.MessageNewParams{}, err
	} else if len(defs) > 0 {
		params.Tools = defs
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.ToolChoice = tc
	}
	return params, nil
}

// encodeMessages rebuilds the Anthropic conversation from normalized
// messages. Assistant tool call requests and tool results travel in Meta.
func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		callID, _ := metaString(m.Meta, "tool_call_id")
		switch m.Role {
		case model.RoleSystem:
			// System prompts are carried in Request.System; a stray system
			// message is folded into a user message so history replays.
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			if name, ok := metaString(m.Meta, "tool_name"); ok && callID != "" {
				var input any
				if raw, ok := m.Meta["tool_args"].(json.RawMessage); ok && len(raw) > 0 {
					if err := json.Unmarshal(raw, &input); err != nil {
						return nil, fmt.Errorf("anthropic: tool call %s args: %w", callID, err)
					}
				}
				out = append(out, sdk.NewAssistantMessage(sdk.NewToolUseBlock(callID, input, name)))
				continue
			}
			if m.Content == "" {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleTool:
			if callID == "" {
				return nil, errors.New("anthropic: tool result message missing tool_call_id")
			}
			isErr, _ := m.Meta["is_error"].(bool)
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(callID, m.Content, isErr)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeToolChoice(choice *model.ToolChoice, defs []*model.ToolDefinition) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", model.ToolChoiceModeAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case model.ToolChoiceModeNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case model.ToolChoiceModeTool:
		if choice.Name == "" {
			return sdk.ToolChoiceUnionParam{}, errors.New("anthropic: tool choice requires a tool name")
		}
		for _, def := range defs {
			if def != nil && def.Name == choice.Name {
				return sdk.ToolChoiceParamOfTool(choice.Name), nil
			}
		}
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice name %q does not match any tool", choice.Name)
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
	}
}

func translateResponse(msg *sdk.Message) model.Response {
	var resp model.Response
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "thinking":
			resp.Reasoning += block.Thinking
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: json.RawMessage(block.Input),
			})
		}
	}
	resp.Usage = model.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	resp.FinishReason = normalizeStop(string(msg.StopReason))
	return resp
}

func normalizeStop(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return model.FinishStop
	case "max_tokens":
		return model.FinishLength
	case "tool_use":
		return model.FinishToolCalls
	default:
		return reason
	}
}

func metaString(meta map[string]any, key string) (string, bool) {
	if meta == nil {
		return "", false
	}
	s, ok := meta[key].(string)
	return s, ok && s != ""
}

func wrapError(op string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return fmt.Errorf("%s: %w: %w", op, model.ErrRateLimited, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type (
	streamer struct {
		stream *ssestream.Stream[sdk.MessageStreamEventUnion]
		tools  map[int]*toolBuffer
		queue  []model.Chunk
		done   bool
	}

	toolBuffer struct {
		id   string
		name string
		args []byte
	}
)

// Recv implements model.Streamer by pulling SSE events and converting them
// into chunks. Tool input JSON deltas are buffered per content block and
// released as one complete tool call when the block stops.
func (s *streamer) Recv() (model.Chunk, error) {
	for {
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			return chunk, nil
		}
		if s.done {
			return model.Chunk{}, io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return model.Chunk{}, wrapError("anthropic stream", err)
			}
			s.done = true
			continue
		}
		if err := s.handle(s.stream.Current()); err != nil {
			return model.Chunk{}, err
		}
	}
}

func (s *streamer) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" || toolUse.Name == "" {
				return errors.New("anthropic stream: tool use block missing id or name")
			}
			s.tools[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				s.queue = append(s.queue, model.Chunk{Type: model.ChunkTypeText, Text: delta.Text})
			}
		case sdk.ThinkingDelta:
			if delta.Thinking != "" {
				s.queue = append(s.queue, model.Chunk{Type: model.ChunkTypeReasoning, Reasoning: delta.Thinking})
			}
		case sdk.InputJSONDelta:
			if tb := s.tools[int(ev.Index)]; tb != nil {
				tb.args = append(tb.args, delta.PartialJSON...)
			}
		}
	case sdk.ContentBlockStopEvent:
		if tb := s.tools[int(ev.Index)]; tb != nil {
			delete(s.tools, int(ev.Index))
			args := tb.args
			if len(args) == 0 {
				args = []byte("{}")
			}
			s.queue = append(s.queue, model.Chunk{
				Type:     model.ChunkTypeToolCall,
				ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name, Args: args},
			})
		}
	case sdk.MessageDeltaEvent:
		if ev.Usage.OutputTokens > 0 {
			s.queue = append(s.queue, model.Chunk{
				Type:       model.ChunkTypeUsage,
				UsageDelta: &model.TokenUsage{OutputTokens: int(ev.Usage.OutputTokens)},
			})
		}
		if ev.Delta.StopReason != "" {
			s.queue = append(s.queue, model.Chunk{
				Type:         model.ChunkTypeStop,
				FinishReason: normalizeStop(string(ev.Delta.StopReason)),
			})
		}
	case sdk.MessageStartEvent:
		if ev.Message.Usage.InputTokens > 0 {
			s.queue = append(s.queue, model.Chunk{
				Type:       model.ChunkTypeUsage,
				UsageDelta: &model.TokenUsage{InputTokens: int(ev.Message.Usage.InputTokens)},
			})
		}
	}
	return nil
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	return s.stream.Close()
}
