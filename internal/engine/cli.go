package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/deskagent-ai/deskagent/internal/logging"
)

// CLI runs the engine as an external process speaking NDJSON on stdio.
type CLI struct {
	Binary string
	Args   []string
}

// NewCLI creates a process-backed engine.
func NewCLI(binary string, args ...string) *CLI {
	return &CLI{Binary: binary, Args: args}
}

// Invoke spawns the engine process. A missing binary is reported as
// ErrNotInstalled so the caller can treat it as a setup error.
func (c *CLI) Invoke(ctx context.Context, prompt string, opts Options) (Stream, error) {
	if _, err := exec.LookPath(c.Binary); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, c.Binary)
	}

	args := append([]string{}, c.Args...)
	args = append(args, "--output-format", "ndjson")
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.MCPServers) > 0 {
		cfg, err := json.Marshal(opts.MCPServers)
		if err == nil {
			args = append(args, "--mcp-config", string(cfg))
		}
	}

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Dir = opts.WorkDir
	if opts.APIKey != "" {
		cmd.Env = append(cmd.Environ(), "ANTHROPIC_API_KEY="+opts.APIKey)
		if opts.BaseURL != "" {
			cmd.Env = append(cmd.Env, "ANTHROPIC_BASE_URL="+opts.BaseURL)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr := &boundedBuffer{limit: 64 * 1024}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine failed to start: %w", err)
	}

	s := &cliStream{
		ctx:     ctx,
		cmd:     cmd,
		stdin:   stdin,
		scanner: bufio.NewScanner(stdout),
		stderr:  stderr,
		canUse:  opts.CanUseTool,
	}
	s.scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if _, err := io.WriteString(stdin, prompt+"\n"); err != nil {
		s.Close()
		return nil, fmt.Errorf("engine failed to start: %w", err)
	}

	return s, nil
}

type cliStream struct {
	ctx     context.Context
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	stderr  *boundedBuffer

	canUse PermissionFunc

	mu     sync.Mutex
	closed bool
}

// Recv returns the next engine message, answering control requests inline.
func (s *cliStream) Recv() (Message, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			if err := s.ctx.Err(); err != nil {
				return nil, err
			}
			if err := s.cmd.Wait(); err != nil {
				return nil, fmt.Errorf("engine exited: %w (stderr: %s)", err, s.stderr.String())
			}
			return nil, io.EOF
		}

		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, cr, err := decodeLine(line)
		if err != nil {
			// Malformed lines are dropped, not fatal.
			logging.Debug().Err(err).Msg("dropping malformed engine line")
			continue
		}
		if cr != nil {
			s.answerControl(*cr)
			continue
		}
		return msg, nil
	}
}

func (s *cliStream) answerControl(cr controlRequest) {
	decision := Decision{Allow: true}
	if s.canUse != nil {
		decision = s.canUse(s.ctx, cr.Tool, cr.Input)
	}
	resp := map[string]any{
		"type":  "control_response",
		"id":    cr.ID,
		"allow": decision.Allow,
	}
	if decision.Message != "" {
		resp["message"] = decision.Message
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := s.stdin.Write(append(payload, '\n')); err != nil {
		logging.Warn().Err(err).Str("tool", cr.Tool).Msg("failed to answer engine control request")
	}
}

func (s *cliStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		// Reap the process; Recv will not get there on an aborted stream.
		go s.cmd.Wait()
	}
	return nil
}

func (s *cliStream) Stderr() string {
	return s.stderr.String()
}

// boundedBuffer keeps the tail of the engine's stderr for diagnostics.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
