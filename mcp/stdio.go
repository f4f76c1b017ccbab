package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the MCP revision spoken to servers.
const protocolVersion = "2024-11-05"

// stdioConn speaks MCP to a subprocess over stdin/stdout.
type stdioConn struct {
	cfg    ServerConfig
	client *mcpclient.Client
}

func newStdioConn(cfg ServerConfig) *stdioConn {
	return &stdioConn{cfg: cfg}
}

func (c *stdioConn) initialize(ctx context.Context) error {
	env := make([]string, 0, len(c.cfg.Env))
	for k, v := range c.cfg.Env {
		env = append(env, k+"="+v)
	}
	client, err := mcpclient.NewStdioMCPClient(c.cfg.Command, env, c.cfg.Args...)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", c.cfg.Command, err)
	}
	if err := client.Start(ctx); err != nil {
		client.Close()
		return fmt.Errorf("start %s: %w", c.cfg.Command, err)
	}

	initReq := mcptypes.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcptypes.Implementation{
		Name:    "maestro",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	c.client = client
	return nil
}

func (c *stdioConn) listTools(ctx context.Context) ([]ToolInfo, error) {
	resp, err := c.client.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	infos := make([]ToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		infos = append(infos, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	return infos, nil
}

func (c *stdioConn) callTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	var argMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	req := mcptypes.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = argMap

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeResult(resp)
}

func (c *stdioConn) close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// decodeResult flattens an MCP tool result into a value the dispatcher can
// record: a single text payload, a slice of texts, or an error when the
// server flagged one.
func decodeResult(resp *mcptypes.CallToolResult) (any, error) {
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcptypes.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if resp.IsError {
		msg := "remote tool error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, fmt.Errorf("%s", msg)
	}
	switch len(texts) {
	case 0:
		return nil, nil
	case 1:
		return texts[0], nil
	default:
		return texts, nil
	}
}

// schemaToMap round-trips the SDK schema type into a plain map.
func schemaToMap(schema mcptypes.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
