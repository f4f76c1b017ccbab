package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// rpcServer is a minimal JSON-RPC 2.0 endpoint speaking the MCP methods the
// http transport uses.
type rpcServer struct {
	t *testing.T

	tools    []map[string]any
	callFunc func(name string, args map[string]any) map[string]any

	headers []http.Header
	methods []string
}

func (s *rpcServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.headers = append(s.headers, r.Header.Clone())
		var req rpcRequest
		require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(s.t, "2.0", req.JSONRPC)
		s.methods = append(s.methods, req.Method)

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": protocolVersion}
		case "tools/list":
			result = map[string]any{"tools": s.tools}
		case "tools/call":
			params := req.Params.(map[string]any)
			name, _ := params["name"].(string)
			args, _ := params["arguments"].(map[string]any)
			result = s.callFunc(name, args)
		default:
			s.t.Fatalf("unexpected method %q", req.Method)
		}
		data, err := json.Marshal(result)
		require.NoError(s.t, err)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: data}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(s.t, json.NewEncoder(w).Encode(resp))
	}
}

func newRPCServer(t *testing.T) *rpcServer {
	return &rpcServer{
		t: t,
		tools: []map[string]any{{
			"name":        "echo",
			"description": "echoes input",
			"inputSchema": map[string]any{"type": "object"},
		}},
		callFunc: func(name string, args map[string]any) map[string]any {
			return map[string]any{
				"content": []map[string]any{{"type": "text", "text": "echo: " + args["msg"].(string)}},
			}
		},
	}
}

func TestHTTPConnectAndDiscover(t *testing.T) {
	rpc := newRPCServer(t)
	srv := httptest.NewServer(rpc.handler())
	defer srv.Close()

	m, err := NewManager([]ServerConfig{{
		Name:      "remote",
		Transport: TransportHTTP,
		Address:   srv.URL,
	}})
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	require.Equal(t, []string{"initialize", "tools/list"}, rpc.methods)

	catalogue := m.Tools()
	require.Len(t, catalogue, 1)
	tool := catalogue[0]
	require.Equal(t, "remote_echo", tool.Name, "catalogue names are server-prefixed")
	require.Equal(t, "echoes input", tool.Description)
	require.Equal(t, "remote", tool.Server)
	require.Equal(t, "echo", tool.RemoteName)
	require.Equal(t, DefaultRequestTimeout, tool.Timeout)
}

func TestHTTPCallTool(t *testing.T) {
	rpc := newRPCServer(t)
	srv := httptest.NewServer(rpc.handler())
	defer srv.Close()

	m, err := NewManager([]ServerConfig{{
		Name:      "remote",
		Transport: TransportHTTP,
		Address:   srv.URL,
	}})
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	out, err := m.Call(context.Background(), "remote", "echo", json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, "echo: hi", out)
}

func TestHTTPCallThroughCatalogueExecutor(t *testing.T) {
	rpc := newRPCServer(t)
	srv := httptest.NewServer(rpc.handler())
	defer srv.Close()

	m, err := NewManager([]ServerConfig{{
		Name:      "remote",
		Transport: TransportHTTP,
		Address:   srv.URL,
	}})
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	tool := m.Tools()[0]
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"msg":"via tool"}`))
	require.NoError(t, err)
	require.Equal(t, "echo: via tool", out)
}

func TestHTTPRemoteToolError(t *testing.T) {
	rpc := newRPCServer(t)
	rpc.callFunc = func(string, map[string]any) map[string]any {
		return map[string]any{
			"isError": true,
			"content": []map[string]any{{"type": "text", "text": "disk on fire"}},
		}
	}
	srv := httptest.NewServer(rpc.handler())
	defer srv.Close()

	m, err := NewManager([]ServerConfig{{
		Name:      "remote",
		Transport: TransportHTTP,
		Address:   srv.URL,
	}})
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	_, err = m.Call(context.Background(), "remote", "echo", json.RawMessage(`{"msg":"x"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk on fire")
}

func TestHTTPRPCErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		body, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32601, "message": "method not found"},
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer srv.Close()

	m, err := NewManager([]ServerConfig{{
		Name:      "remote",
		Transport: TransportHTTP,
		Address:   srv.URL,
	}})
	require.NoError(t, err)
	err = m.Connect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "method not found")
}

func TestHTTPAuthHeaders(t *testing.T) {
	rpc := newRPCServer(t)
	srv := httptest.NewServer(rpc.handler())
	defer srv.Close()

	m, err := NewManager([]ServerConfig{{
		Name:      "remote",
		Transport: TransportHTTP,
		Address:   srv.URL,
		Auth:      Auth{Bearer: "tok-123"},
	}})
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	m.Close()
	require.NotEmpty(t, rpc.headers)
	require.Equal(t, "Bearer tok-123", rpc.headers[0].Get("Authorization"))

	rpc2 := newRPCServer(t)
	srv2 := httptest.NewServer(rpc2.handler())
	defer srv2.Close()

	m2, err := NewManager([]ServerConfig{{
		Name:      "remote",
		Transport: TransportHTTP,
		Address:   srv2.URL,
		Auth:      Auth{Username: "alice", Password: "s3cret"},
	}})
	require.NoError(t, err)
	require.NoError(t, m2.Connect(context.Background()))
	m2.Close()
	req := &http.Request{Header: rpc2.headers[0]}
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	require.Equal(t, "alice", user)
	require.Equal(t, "s3cret", pass)
}

func TestHTTPAllowlistFiltersDiscovery(t *testing.T) {
	rpc := newRPCServer(t)
	rpc.tools = []map[string]any{
		{"name": "read_file", "description": "", "inputSchema": map[string]any{}},
		{"name": "delete_file", "description": "", "inputSchema": map[string]any{}},
	}
	srv := httptest.NewServer(rpc.handler())
	defer srv.Close()

	m, err := NewManager([]ServerConfig{{
		Name:      "remote",
		Transport: TransportHTTP,
		Address:   srv.URL,
		Allow:     []string{"read_file"},
	}})
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	catalogue := m.Tools()
	require.Len(t, catalogue, 1)
	require.Equal(t, "remote_read_file", catalogue[0].Name)
}

func TestHTTPRefreshPicksUpNewTools(t *testing.T) {
	rpc := newRPCServer(t)
	srv := httptest.NewServer(rpc.handler())
	defer srv.Close()

	m, err := NewManager([]ServerConfig{{
		Name:      "remote",
		Transport: TransportHTTP,
		Address:   srv.URL,
	}})
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()
	require.Len(t, m.Tools(), 1)

	rpc.tools = append(rpc.tools, map[string]any{
		"name":        "reverse",
		"description": "reverses input",
		"inputSchema": map[string]any{"type": "object"},
	})
	require.NoError(t, m.Refresh(context.Background(), "remote"))
	require.Len(t, m.Tools(), 2)

	require.Error(t, m.Refresh(context.Background(), "nope"), "unknown server name")
}

func TestHTTPCallUnknownServer(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)
	_, err = m.Call(context.Background(), "ghost", "echo", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown server")
}

