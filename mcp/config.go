package mcp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Transport selects how the manager reaches an MCP server.
	Transport string

	// Auth carries optional HTTP credentials. Bearer wins when both are set.
	Auth struct {
		// Bearer is sent as "Authorization: Bearer <token>".
		Bearer string `yaml:"bearer"`
		// Username and Password enable HTTP basic auth.
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	}

	// ServerConfig describes one MCP server the manager connects to.
	ServerConfig struct {
		// Name is the local identifier. Tool catalogue names are prefixed
		// with it ("<name>_<tool>") to avoid collisions across servers.
		Name string `yaml:"name"`
		// Transport is "stdio" or "http".
		Transport Transport `yaml:"transport"`
		// Command and Args launch the subprocess for stdio transport.
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
		// Env is extra environment for the subprocess.
		Env map[string]string `yaml:"env"`
		// Address is the endpoint URL for http transport.
		Address string `yaml:"address"`
		// Auth is the http credential block.
		Auth Auth `yaml:"auth"`
		// Allow restricts which remote tools are exposed. Empty exposes all.
		Allow []string `yaml:"allow"`
		// AutoRefreshInterval re-lists remote tools periodically so catalogue
		// changes on the server surface without reconnecting. Zero disables.
		AutoRefreshInterval time.Duration `yaml:"auto_refresh_interval"`
		// RequestTimeout caps each remote call. Zero means 30s.
		RequestTimeout time.Duration `yaml:"request_timeout"`
	}

	fileConfig struct {
		Servers []ServerConfig `yaml:"servers"`
	}
)

// Transports.
const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// DefaultRequestTimeout applies when a server config leaves RequestTimeout
// zero.
const DefaultRequestTimeout = 30 * time.Second

// LoadConfig reads server configurations from a YAML file with a top-level
// "servers" list.
func LoadConfig(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcp: read config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("mcp: parse config %s: %w", path, err)
	}
	for i := range cfg.Servers {
		if err := cfg.Servers[i].validate(); err != nil {
			return nil, err
		}
	}
	return cfg.Servers, nil
}

func (c *ServerConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp: server config missing name")
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp: server %s: stdio transport requires command", c.Name)
		}
	case TransportHTTP:
		if c.Address == "" {
			return fmt.Errorf("mcp: server %s: http transport requires address", c.Name)
		}
	default:
		return fmt.Errorf("mcp: server %s: unknown transport %q", c.Name, c.Transport)
	}
	return nil
}

func (c *ServerConfig) timeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return DefaultRequestTimeout
}

func (c *ServerConfig) allowed(tool string) bool {
	if len(c.Allow) == 0 {
		return true
	}
	for _, a := range c.Allow {
		if a == tool {
			return true
		}
	}
	return false
}
