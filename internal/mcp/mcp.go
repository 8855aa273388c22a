// Package mcp manages configured MCP server integrations. The engine makes
// its own connections during a turn; this package probes servers up front so
// sessions only advertise integrations that actually answer, and so the tool
// allowlist can name their tools.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deskagent-ai/deskagent/internal/engine"
	"github.com/deskagent-ai/deskagent/internal/logging"
)

// Status describes a server's probe outcome.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusConnected Status = "connected"
	StatusFailed    Status = "failed"
	StatusDisabled  Status = "disabled"
)

// ServerConfig describes one MCP server. Command servers run over stdio;
// URL servers are probed over streamable HTTP, falling back to SSE.
type ServerConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Enabled bool              `json:"enabled"`

	// TimeoutMS bounds the probe; zero means 5s.
	TimeoutMS int `json:"timeout,omitempty"`
}

type serverState struct {
	config ServerConfig
	status Status
	tools  []string
	err    string
}

// Registry holds the configured servers and their last probe results.
type Registry struct {
	client *sdkmcp.Client

	mu      sync.RWMutex
	servers map[string]*serverState
}

// NewRegistry creates a registry for the given server configs.
func NewRegistry(configs []ServerConfig) *Registry {
	r := &Registry{
		client: sdkmcp.NewClient(&sdkmcp.Implementation{
			Name:    "deskagent",
			Version: "1.0.0",
		}, nil),
		servers: make(map[string]*serverState),
	}
	for _, cfg := range configs {
		status := StatusUnknown
		if !cfg.Enabled {
			status = StatusDisabled
		}
		r.servers[cfg.Name] = &serverState{config: cfg, status: status}
	}
	return r
}

// Probe connects to every enabled server, lists its tools, and disconnects.
// Failures mark the server unhealthy but are not returned; a broken
// integration must not block the session.
func (r *Registry) Probe(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, s := range r.servers {
		if s.status == StatusDisabled {
			continue
		}
		tools, err := r.probeServer(ctx, s.config)
		if err != nil {
			s.status = StatusFailed
			s.err = err.Error()
			logging.Warn().Str("server", name).Err(err).Msg("mcp server probe failed")
			continue
		}
		s.status = StatusConnected
		s.tools = tools
		s.err = ""
	}
}

func (r *Registry) probeServer(ctx context.Context, cfg ServerConfig) ([]string, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var transports []sdkmcp.Transport
	switch {
	case cfg.Command != "":
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		transports = []sdkmcp.Transport{&sdkmcp.CommandTransport{Command: cmd}}
	case cfg.URL != "":
		transports = []sdkmcp.Transport{
			&sdkmcp.StreamableClientTransport{Endpoint: cfg.URL},
			&sdkmcp.SSEClientTransport{Endpoint: cfg.URL},
		}
	default:
		return nil, fmt.Errorf("server %s has neither command nor url", cfg.Name)
	}

	var lastErr error
	for _, transport := range transports {
		session, err := r.client.Connect(probeCtx, transport, nil)
		if err != nil {
			lastErr = err
			continue
		}
		result, err := session.ListTools(probeCtx, nil)
		session.Close()
		if err != nil {
			lastErr = err
			continue
		}
		tools := make([]string, len(result.Tools))
		for i, t := range result.Tools {
			tools[i] = t.Name
		}
		return tools, nil
	}
	return nil, lastErr
}

// EngineServers returns descriptors for the servers the engine should
// connect to: everything enabled that has not failed its last probe.
func (r *Registry) EngineServers() []engine.MCPServer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []engine.MCPServer
	for _, s := range r.servers {
		if s.status == StatusDisabled || s.status == StatusFailed {
			continue
		}
		out = append(out, engine.MCPServer{
			Name:    s.config.Name,
			Command: s.config.Command,
			Args:    s.config.Args,
			Env:     s.config.Env,
			URL:     s.config.URL,
		})
	}
	return out
}

// ToolNames returns the engine-facing names of every discovered tool,
// qualified by server.
func (r *Registry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for _, s := range r.servers {
		if s.status != StatusConnected {
			continue
		}
		for _, tool := range s.tools {
			names = append(names, ToolName(s.config.Name, tool))
		}
	}
	return names
}

// ServerStatus is the reportable state of one server.
type ServerStatus struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

// Statuses returns the state of every configured server.
func (r *Registry) Statuses() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ServerStatus
	for name, s := range r.servers {
		out = append(out, ServerStatus{
			Name:      name,
			Status:    s.status,
			ToolCount: len(s.tools),
			Error:     s.err,
		})
	}
	return out
}

// ToolName builds the engine-facing name for a server's tool.
func ToolName(server, tool string) string {
	return "mcp__" + sanitize(server) + "__" + sanitize(tool)
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
