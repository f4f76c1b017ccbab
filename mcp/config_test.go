package mcp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: files
    transport: stdio
    command: mcp-files
    args: ["--root", "/data"]
    env:
      LOG_LEVEL: debug
    allow: [read_file, list_dir]
    request_timeout: 10s
  - name: search
    transport: http
    address: https://search.internal/mcp
    auth:
      bearer: tok-123
    auto_refresh_interval: 5m
`)
	cfgs, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	files := cfgs[0]
	require.Equal(t, "files", files.Name)
	require.Equal(t, TransportStdio, files.Transport)
	require.Equal(t, "mcp-files", files.Command)
	require.Equal(t, []string{"--root", "/data"}, files.Args)
	require.Equal(t, "debug", files.Env["LOG_LEVEL"])
	require.Equal(t, []string{"read_file", "list_dir"}, files.Allow)
	require.Equal(t, 10*time.Second, files.RequestTimeout)

	search := cfgs[1]
	require.Equal(t, TransportHTTP, search.Transport)
	require.Equal(t, "https://search.internal/mcp", search.Address)
	require.Equal(t, "tok-123", search.Auth.Bearer)
	require.Equal(t, 5*time.Minute, search.AutoRefreshInterval)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing name", "servers:\n  - transport: http\n    address: http://x\n"},
		{"stdio without command", "servers:\n  - name: a\n    transport: stdio\n"},
		{"http without address", "servers:\n  - name: a\n    transport: http\n"},
		{"unknown transport", "servers:\n  - name: a\n    transport: grpc\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestTimeoutDefault(t *testing.T) {
	cfg := ServerConfig{}
	require.Equal(t, DefaultRequestTimeout, cfg.timeout())
	cfg.RequestTimeout = time.Second
	require.Equal(t, time.Second, cfg.timeout())
}

func TestAllowlist(t *testing.T) {
	cfg := ServerConfig{}
	require.True(t, cfg.allowed("anything"), "empty allowlist exposes all tools")

	cfg.Allow = []string{"read_file"}
	require.True(t, cfg.allowed("read_file"))
	require.False(t, cfg.allowed("delete_file"))
}

func TestNewManagerRejectsDuplicates(t *testing.T) {
	cfgs := []ServerConfig{
		{Name: "a", Transport: TransportHTTP, Address: "http://x"},
		{Name: "a", Transport: TransportHTTP, Address: "http://y"},
	}
	_, err := NewManager(cfgs)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate")
}
