package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/deskagent-ai/deskagent/internal/config"
	"github.com/deskagent-ai/deskagent/internal/credential"
	"github.com/deskagent-ai/deskagent/internal/engine"
	"github.com/deskagent-ai/deskagent/internal/event"
	"github.com/deskagent-ai/deskagent/internal/orchestrator"
	"github.com/deskagent-ai/deskagent/internal/permission"
	"github.com/deskagent-ai/deskagent/internal/store"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

var (
	runModel   string
	runDir     string
	runSession string
	runMode    string
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Run one agent turn from the terminal",
	Long: `Run a single agent turn and print its progress to stdout.

Examples:
  deskagent run "Fix the failing test in parser_test.go"
  deskagent run --model anthropic/claude-sonnet-4-5 "Explain this repo"
  deskagent run --session 01J... "Continue where we left off"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model reference (provider/model)")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Workspace directory")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Existing session to continue")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Permission mode (auto|smart|supervised)")
}

func runOnce(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}
	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	st := store.New(cfg.StorageDir())
	bus := event.NewBus()
	defer bus.Close()
	perms := permission.NewService()
	creds := credential.NewFileResolver(paths.AuthPath())
	eng := engine.NewCLI(cfg.Engine.Binary, cfg.Engine.Args...)
	orch := orchestrator.New(eng, st, creds, perms, bus, nil)

	ctx := cmd.Context()
	sessionID := runSession
	if sessionID == "" {
		mode := cfg.Mode
		if runMode != "" {
			mode = types.PermissionMode(runMode)
		}
		model := cfg.Model
		if runModel != "" {
			model = runModel
		}
		session := &types.Session{
			ID:        ulid.Make().String(),
			Title:     types.DefaultTitle,
			Model:     model,
			Workspace: workDir,
			Mode:      mode,
			Time:      types.SessionTime{Created: time.Now().UnixMilli()},
		}
		if err := st.CreateSession(ctx, session); err != nil {
			return err
		}
		sessionID = session.ID
	}

	unsubscribe := bus.Subscribe(printEvent)
	defer unsubscribe()

	// Terminal prompts answer permission requests inline.
	terminalPermissionPrompt(perms, os.Stdin, os.Stdout)

	done := make(chan error, 1)
	err = orch.SendMessage(ctx, sessionID, strings.Join(args, " "), orchestrator.Callbacks{
		OnComplete: func(string, *types.Message) { done <- nil },
		OnError: func(_ string, aerr *types.AgentError) {
			done <- fmt.Errorf("%s: %s", aerr.Title, aerr.Message)
		},
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		orch.Stop(sessionID)
		return ctx.Err()
	}
}

// terminalPermissionPrompt answers permission requests with an interactive
// y/N prompt. It chains onto the handler already installed on the service,
// so bus forwarding set up by the orchestrator keeps working.
func terminalPermissionPrompt(perms *permission.Service, in io.Reader, out io.Writer) {
	forward := perms.OnRequest
	reader := bufio.NewReader(in)
	perms.OnRequest = func(req permission.Request) {
		if forward != nil {
			forward(req)
		}
		fmt.Fprintf(out, "\n[permission] %s wants to run: %s (y/N) ", req.ToolName, req.Description)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(answer)
		behavior := permission.BehaviorDeny
		if strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes") {
			behavior = permission.BehaviorAllow
		}
		perms.Respond(req.ID, behavior, false)
	}
}

func printEvent(_ string, ev types.AgentEvent) {
	switch ev.Type {
	case types.EventTextDelta:
		fmt.Print(ev.Text)
	case types.EventTextComplete:
		fmt.Println()
	case types.EventToolStart:
		fmt.Fprintf(os.Stderr, "→ %s\n", ev.ToolName)
	case types.EventToolResult:
		if ev.IsError {
			fmt.Fprintf(os.Stderr, "✗ %s failed\n", ev.ToolName)
		}
	case types.EventRetrying:
		if ev.Retry != nil {
			fmt.Fprintf(os.Stderr, "retrying (%d/%d) in %dms: %s\n",
				ev.Retry.Attempt, ev.Retry.MaxAttempts, ev.Retry.DelayMs, ev.Retry.Reason)
		}
	}
}
