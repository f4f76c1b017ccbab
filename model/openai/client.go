// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates normalized requests into ChatCompletion
// calls using github.com/sashabaranov/go-openai and maps responses back to
// the generic runner structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	goopenai "github.com/sashabaranov/go-openai"

	"goa.design/maestro/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request goopenai.ChatCompletionRequest) (
		goopenai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request goopenai.ChatCompletionRequest) (
		*goopenai.ChatCompletionStream, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

var _ model.Client = (*Client)(nil)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: goopenai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	request, err := c.buildRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return model.Response{}, wrapError(err)
	}
	return translateResponse(response), nil
}

// Stream renders a streaming chat completion. Tool call fragments are
// accumulated per index and emitted as complete calls when the provider
// signals finish.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	request, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	request.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, wrapError(err)
	}
	return &streamer{stream: stream, calls: map[int]*callAccumulator{}}, nil
}

func (c *Client) buildRequest(req model.Request) (goopenai.ChatCompletionRequest, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role: goopenai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		messages = append(messages, encodeMessage(m))
	}
	defs, err := encodeTools(req.Tools)
	if err != nil {
		return goopenai.ChatCompletionRequest{}, err
	}
	request := goopenai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: req.Settings.Temperature,
		MaxTokens:   req.Settings.MaxTokens,
		TopP:        req.Settings.TopP,
		Tools:       defs,
	}
	if req.ResponseSchema != nil {
		request.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case "", model.ToolChoiceModeAuto:
		case model.ToolChoiceModeNone:
			request.ToolChoice = "none"
		case model.ToolChoiceModeTool:
			if req.ToolChoice.Name == "" {
				return goopenai.ChatCompletionRequest{}, errors.New("openai: tool choice requires a tool name")
			}
			request.ToolChoice = goopenai.ToolChoice{
				Type:     goopenai.ToolTypeFunction,
				Function: goopenai.ToolFunction{Name: req.ToolChoice.Name},
			}
		default:
			return goopenai.ChatCompletionRequest{}, fmt.Errorf("openai: unsupported tool choice mode %q", req.ToolChoice.Mode)
		}
	}
	return request, nil
}

// encodeMessage rebuilds the provider message from the normalized one. Tool
// call requests and tool results travel in Meta; everything else is plain
// role plus content.
func encodeMessage(m *model.Message) goopenai.ChatCompletionMessage {
	out := goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	if m.Meta == nil {
		return out
	}
	callID, _ := m.Meta["tool_call_id"].(string)
	toolName, _ := m.Meta["tool_name"].(string)
	switch m.Role {
	case model.RoleAssistant:
		if callID != "" && toolName != "" {
			var args json.RawMessage
			if raw, ok := m.Meta["tool_args"].(json.RawMessage); ok {
				args = raw
			}
			out.ToolCalls = []goopenai.ToolCall{{
				ID:   callID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      toolName,
					Arguments: string(args),
				},
			}}
		}
	case model.RoleTool:
		out.ToolCallID = callID
	}
	return out
}

func encodeTools(defs []*model.ToolDefinition) ([]goopenai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]goopenai.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out, nil
}

func translateResponse(resp goopenai.ChatCompletionResponse) model.Response {
	out := model.Response{
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	out.FinishReason = normalizeFinish(string(choice.FinishReason))
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: json.RawMessage(call.Function.Arguments),
		})
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == "" {
		out.FinishReason = model.FinishToolCalls
	}
	return out
}

func normalizeFinish(reason string) string {
	switch reason {
	case "stop":
		return model.FinishStop
	case "length":
		return model.FinishLength
	case "tool_calls", "function_call":
		return model.FinishToolCalls
	case "content_filter":
		return model.FinishContentFilter
	default:
		return reason
	}
}

func wrapError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		return fmt.Errorf("openai chat completion: %w: %w", model.ErrRateLimited, err)
	}
	return fmt.Errorf("openai chat completion: %w", err)
}

type (
	streamer struct {
		stream *goopenai.ChatCompletionStream
		calls  map[int]*callAccumulator
		// queue holds chunks synthesized from a single provider event (a
		// finish event can release several completed tool calls).
		queue []model.Chunk
		done  bool
	}

	callAccumulator struct {
		id   string
		name string
		args []byte
	}
)

// Recv implements model.Streamer.
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
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			s.flushCalls("")
			continue
		}
		if err != nil {
			return model.Chunk{}, wrapError(err)
		}
		if resp.Usage != nil {
			s.queue = append(s.queue, model.Chunk{
				Type: model.ChunkTypeUsage,
				UsageDelta: &model.TokenUsage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				},
			})
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			s.queue = append(s.queue, model.Chunk{Type: model.ChunkTypeText, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc := s.calls[idx]
			if acc == nil {
				acc = &callAccumulator{}
				s.calls[idx] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args = append(acc.args, tc.Function.Arguments...)
		}
		if choice.FinishReason != "" {
			s.flushCalls(normalizeFinish(string(choice.FinishReason)))
		}
	}
}

// flushCalls releases accumulated tool calls followed by the stop chunk.
func (s *streamer) flushCalls(finish string) {
	for idx := 0; ; idx++ {
		acc, ok := s.calls[idx]
		if !ok {
			break
		}
		delete(s.calls, idx)
		s.queue = append(s.queue, model.Chunk{
			Type: model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{
				ID:   acc.id,
				Name: acc.name,
				Args: json.RawMessage(acc.args),
			},
		})
	}
	if finish != "" {
		s.queue = append(s.queue, model.Chunk{Type: model.ChunkTypeStop, FinishReason: finish})
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	return s.stream.Close()
}
