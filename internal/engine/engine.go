package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotInstalled is returned when the engine binary cannot be found.
var ErrNotInstalled = errors.New("engine binary not found")

// Decision answers a tool-use permission query.
type Decision struct {
	Allow   bool
	Message string // denial reason shown to the engine
}

// PermissionFunc is consulted before a gated tool runs. It may block until a
// human decides; cancelling ctx must resolve it as a denial.
type PermissionFunc func(ctx context.Context, toolName string, input json.RawMessage) Decision

// MCPServer describes one MCP integration the engine may connect to.
type MCPServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// Options configures one engine invocation.
type Options struct {
	WorkDir      string
	Model        string
	APIKey       string
	BaseURL      string
	ResumeToken  string
	SystemPrompt string

	// AllowedTools names the tools the engine may run without consulting
	// CanUseTool; everything else round-trips through the callback. Empty
	// pre-clears nothing.
	AllowedTools []string

	MCPServers []MCPServer

	// CanUseTool gates tool execution. Nil means everything is allowed.
	CanUseTool PermissionFunc
}

// Stream yields raw engine messages for one invocation. Recv returns io.EOF
// when the engine is done. Close releases the underlying resources and is
// safe to call more than once.
type Stream interface {
	Recv() (Message, error)
	Close() error
	// Stderr returns captured diagnostic output, for failure classification.
	Stderr() string
}

// Engine is the external execution backend.
type Engine interface {
	Invoke(ctx context.Context, prompt string, opts Options) (Stream, error)
}
