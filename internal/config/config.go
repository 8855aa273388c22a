package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/tidwall/jsonc"

	"github.com/deskagent-ai/deskagent/internal/mcp"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

// Config is the merged daemon configuration.
type Config struct {
	Schema string `json:"$schema,omitempty"`

	// Model is the default "provider/model" reference for new sessions.
	Model string `json:"model,omitempty"`

	// Mode is the default permission mode for new sessions.
	Mode types.PermissionMode `json:"mode,omitempty"`

	// Engine names the agent engine binary and extra arguments.
	Engine EngineConfig `json:"engine,omitempty"`

	Server ServerConfig `json:"server,omitempty"`

	// DataDir overrides where sessions and messages are stored.
	DataDir string `json:"dataDir,omitempty"`

	LogLevel string `json:"logLevel,omitempty"`

	MCP map[string]MCPConfig `json:"mcp,omitempty"`

	// Timeouts tune the inactivity watchdog, in milliseconds.
	Timeouts TimeoutConfig `json:"timeouts,omitempty"`
}

// EngineConfig selects the engine binary.
type EngineConfig struct {
	Binary string   `json:"binary,omitempty"`
	Args   []string `json:"args,omitempty"`
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// MCPConfig describes one configured MCP server.
type MCPConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Enabled *bool             `json:"enabled,omitempty"`
	Timeout int               `json:"timeout,omitempty"`
}

// TimeoutConfig holds watchdog overrides in milliseconds; zero keeps the
// built-in defaults.
type TimeoutConfig struct {
	FirstMessageMS int `json:"firstMessageMs,omitempty"`
	IdleMS         int `json:"idleMs,omitempty"`
	ToolRunningMS  int `json:"toolRunningMs,omitempty"`
}

// Load merges configuration from, in priority order:
//  1. Global config (~/.config/deskagent/)
//  2. Workspace config (<dir>/.deskagent/)
//  3. DESKAGENT_CONFIG file
//  4. Environment variables
func Load(directory string) (*Config, error) {
	config := &Config{
		Model:    "anthropic/claude-sonnet-4-5",
		Mode:     types.ModeSmart,
		Engine:   EngineConfig{Binary: "claude"},
		Server:   ServerConfig{Host: "127.0.0.1", Port: 7317},
		LogLevel: "info",
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return
		}
		if loadFile(path, config) == nil {
			loaded[abs] = true
		}
	}

	globalDir := GetPaths().Config
	loadOnce(filepath.Join(globalDir, "deskagent.json"))
	loadOnce(filepath.Join(globalDir, "deskagent.jsonc"))

	if directory != "" {
		workspaceDir := filepath.Join(directory, ".deskagent")
		loadOnce(filepath.Join(workspaceDir, "deskagent.json"))
		loadOnce(filepath.Join(workspaceDir, "deskagent.jsonc"))
	}

	if path := os.Getenv("DESKAGENT_CONFIG"); path != "" {
		loadOnce(path)
	}

	applyEnvOverrides(config)
	return config, nil
}

func loadFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	merge(config, &fileConfig)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate resolves {env:VAR} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func merge(target, source *Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.Mode != "" {
		target.Mode = source.Mode
	}
	if source.Engine.Binary != "" {
		target.Engine.Binary = source.Engine.Binary
	}
	if len(source.Engine.Args) > 0 {
		target.Engine.Args = source.Engine.Args
	}
	if source.Server.Host != "" {
		target.Server.Host = source.Server.Host
	}
	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.MCP != nil {
		if target.MCP == nil {
			target.MCP = make(map[string]MCPConfig)
		}
		for k, v := range source.MCP {
			target.MCP[k] = v
		}
	}
	if source.Timeouts.FirstMessageMS != 0 {
		target.Timeouts.FirstMessageMS = source.Timeouts.FirstMessageMS
	}
	if source.Timeouts.IdleMS != 0 {
		target.Timeouts.IdleMS = source.Timeouts.IdleMS
	}
	if source.Timeouts.ToolRunningMS != 0 {
		target.Timeouts.ToolRunningMS = source.Timeouts.ToolRunningMS
	}
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DESKAGENT_MODEL"); v != "" {
		config.Model = v
	}
	if v := os.Getenv("DESKAGENT_MODE"); v != "" {
		config.Mode = types.PermissionMode(v)
	}
	if v := os.Getenv("DESKAGENT_ENGINE"); v != "" {
		config.Engine.Binary = v
	}
	if v := os.Getenv("DESKAGENT_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("DESKAGENT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("DESKAGENT_DATA_DIR"); v != "" {
		config.DataDir = v
	}
}

// MCPServers converts the MCP section into registry configs. Servers are
// enabled unless explicitly disabled.
func (c *Config) MCPServers() []mcp.ServerConfig {
	var out []mcp.ServerConfig
	for name, m := range c.MCP {
		enabled := m.Enabled == nil || *m.Enabled
		out = append(out, mcp.ServerConfig{
			Name:      name,
			Command:   m.Command,
			Args:      m.Args,
			Env:       m.Env,
			URL:       m.URL,
			Enabled:   enabled,
			TimeoutMS: m.Timeout,
		})
	}
	return out
}

// StorageDir returns where session data lives.
func (c *Config) StorageDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return GetPaths().StoragePath()
}
