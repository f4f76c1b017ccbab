// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system from conversational messages,
// encodes tool schemas into Bedrock's ToolConfiguration and translates
// Converse responses (text + tool_use blocks) back into the generic runner
// structures.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/maestro/model"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass
// either the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient
	// DefaultModel is the model identifier used when the request leaves
	// Model empty.
	DefaultModel string
	// MaxTokens sets the default completion cap. Zero omits the cap so
	// Bedrock applies its own default.
	MaxTokens int
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
}

var _ model.Client = (*Client)(nil)

// New builds a Bedrock-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
	}, nil
}

// Complete invokes the Converse API and translates the response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return model.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return model.Response{}, wrapError(err)
	}
	return translateResponse(output), nil
}

// Stream is not implemented for Bedrock; the runner falls back to Complete
// and synthesizes a single text chunk.
func (c *Client) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) buildInput(req model.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if cfg := c.inferenceConfig(req.Settings); cfg != nil {
		input.InferenceConfig = cfg
	}
	toolConfig, err := encodeTools(req.Tools, req.ToolChoice)
	if err != nil {
		return nil, err
	}
	input.ToolConfig = toolConfig
	return input, nil
}

func (c *Client) inferenceConfig(s model.Settings) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := s.MaxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens))
	}
	if s.Temperature > 0 {
		cfg.Temperature = aws.Float32(s.Temperature)
	}
	if s.TopP > 0 {
		cfg.TopP = aws.Float32(s.TopP)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil && cfg.TopP == nil {
		return nil
	}
	return &cfg
}

// encodeMessages converts normalized messages into Bedrock messages. Tool
// call requests become assistant tool_use blocks; tool results become user
// tool_result blocks, as Converse requires.
func encodeMessages(msgs []*model.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		callID, _ := metaString(m.Meta, "tool_call_id")
		switch m.Role {
		case model.RoleSystem, model.RoleUser:
			out = append(out, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			if name, ok := metaString(m.Meta, "tool_name"); ok && callID != "" {
				tb := brtypes.ToolUseBlock{
					ToolUseId: aws.String(callID),
					Name:      aws.String(name),
				}
				if raw, ok := m.Meta["tool_args"].(json.RawMessage); ok {
					tb.Input = rawToDocument(raw)
				}
				out = append(out, brtypes.Message{
					Role:    brtypes.ConversationRoleAssistant,
					Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolUse{Value: tb}},
				})
				continue
			}
			if m.Content == "" {
				continue
			}
			out = append(out, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleTool:
			if callID == "" {
				return nil, errors.New("bedrock: tool result message missing tool_call_id")
			}
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(callID),
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
				},
			}
			if isErr, _ := m.Meta["is_error"].(bool); isErr {
				tr.Status = brtypes.ToolResultStatusError
			}
			out = append(out, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: tr}},
			})
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeTools(defs []*model.ToolDefinition, choice *model.ToolChoice) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		if choice != nil && choice.Mode == model.ToolChoiceModeTool {
			return nil, errors.New("bedrock: tool choice is set but no tools are defined")
		}
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		data, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("bedrock: tool %q schema: %w", def.Name, err)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: rawToDocument(data)},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	cfg := &brtypes.ToolConfiguration{Tools: toolList}
	if choice != nil {
		switch choice.Mode {
		case "", model.ToolChoiceModeAuto, model.ToolChoiceModeNone:
			// Converse has no "none" mode; the runner omits tools instead.
		case model.ToolChoiceModeTool:
			if choice.Name == "" {
				return nil, errors.New("bedrock: tool choice requires a tool name")
			}
			cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{
				Value: brtypes.SpecificToolChoice{Name: aws.String(choice.Name)},
			}
		default:
			return nil, fmt.Errorf("bedrock: unsupported tool choice mode %q", choice.Mode)
		}
	}
	return cfg, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput) model.Response {
	var resp model.Response
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Text += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				call := model.ToolCall{Args: decodeDocument(v.Value.Input)}
				if v.Value.ToolUseId != nil {
					call.ID = *v.Value.ToolUseId
				}
				if v.Value.Name != nil {
					call.Name = *v.Value.Name
				}
				resp.ToolCalls = append(resp.ToolCalls, call)
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
			TotalTokens:  int(ptrValue(usage.TotalTokens)),
		}
	}
	resp.FinishReason = normalizeStop(string(output.StopReason))
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
	case "content_filtered":
		return model.FinishContentFilter
	default:
		return reason
	}
}

// wrapError marks throttling responses with model.ErrRateLimited so the
// rate-limit middleware can detect them with errors.Is.
func wrapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return fmt.Errorf("bedrock converse: %w: %w", model.ErrRateLimited, err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return fmt.Errorf("bedrock converse: %w: %w", model.ErrRateLimited, err)
	}
	return fmt.Errorf("bedrock converse: %w", err)
}

func rawToDocument(raw json.RawMessage) document.Interface {
	var decoded any
	if len(raw) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = map[string]any{}
	}
	return document.NewLazyDocument(decoded)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil
	}
	return data
}

func metaString(meta map[string]any, key string) (string, bool) {
	if meta == nil {
		return "", false
	}
	s, ok := meta[key].(string)
	return s, ok && s != ""
}

func ptrValue(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
