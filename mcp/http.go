package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

type (
	// httpConn speaks MCP as JSON-RPC 2.0 over HTTP POST.
	httpConn struct {
		cfg    ServerConfig
		client *http.Client
		nextID atomic.Int64
	}

	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      int64           `json:"id"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *rpcError       `json:"error,omitempty"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	listToolsResult struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}

	callToolResult struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
)

func newHTTPConn(cfg ServerConfig) *httpConn {
	return &httpConn{cfg: cfg, client: &http.Client{Timeout: cfg.timeout()}}
}

func (c *httpConn) initialize(ctx context.Context) error {
	var out json.RawMessage
	err := c.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "maestro", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	}, &out)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

func (c *httpConn) listTools(ctx context.Context) ([]ToolInfo, error) {
	var res listToolsResult
	if err := c.rpc(ctx, "tools/list", nil, &res); err != nil {
		return nil, err
	}
	infos := make([]ToolInfo, 0, len(res.Tools))
	for _, t := range res.Tools {
		infos = append(infos, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return infos, nil
}

func (c *httpConn) callTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	var argMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	var res callToolResult
	err := c.rpc(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": argMap,
	}, &res)
	if err != nil {
		return nil, err
	}
	var texts []string
	for _, content := range res.Content {
		if content.Type == "text" {
			texts = append(texts, content.Text)
		}
	}
	if res.IsError {
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

func (c *httpConn) close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *httpConn) rpc(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Address, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	switch {
	case c.cfg.Auth.Bearer != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Auth.Bearer)
	case c.cfg.Auth.Username != "":
		req.SetBasicAuth(c.cfg.Auth.Username, c.cfg.Auth.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, data)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}
