package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskagent-ai/deskagent/internal/config"
	"github.com/deskagent-ai/deskagent/internal/credential"
	"github.com/deskagent-ai/deskagent/internal/engine"
	"github.com/deskagent-ai/deskagent/internal/event"
	"github.com/deskagent-ai/deskagent/internal/logging"
	"github.com/deskagent-ai/deskagent/internal/mcp"
	"github.com/deskagent-ai/deskagent/internal/orchestrator"
	"github.com/deskagent-ai/deskagent/internal/permission"
	"github.com/deskagent-ai/deskagent/internal/retry"
	"github.com/deskagent-ai/deskagent/internal/server"
	"github.com/deskagent-ai/deskagent/internal/store"
)

var (
	servePort int
	serveHost string
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the deskagent daemon",
	Long: `Start deskagent as a daemon exposing the local HTTP API the desktop
shell connects to.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Workspace directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
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
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: prettyLogs})
	logging.Info().Str("version", Version).Str("workspace", workDir).Msg("starting deskagent")

	st := store.New(cfg.StorageDir())
	bus := event.NewBus()
	defer bus.Close()
	perms := permission.NewService()
	creds := credential.NewFileResolver(paths.AuthPath())
	eng := engine.NewCLI(cfg.Engine.Binary, cfg.Engine.Args...)

	var registry *mcp.Registry
	if servers := cfg.MCPServers(); len(servers) > 0 {
		registry = mcp.NewRegistry(servers)
		probeCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		registry.Probe(probeCtx)
		cancel()
	}

	orch := orchestrator.New(eng, st, creds, perms, bus, registry)
	orch.SetTimeouts(watchdogTimeouts(cfg))

	srv := server.New(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		DefaultModel: cfg.Model,
		DefaultMode:  cfg.Mode,
	}, st, orch, perms, bus, registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Config edits take effect for subsequent sessions without a restart.
	go config.Watch(ctx, workDir, func(fresh *config.Config) {
		logging.Init(logging.Config{Level: fresh.LogLevel, Pretty: prettyLogs})
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logging.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func watchdogTimeouts(cfg *config.Config) (t retry.Timeouts) {
	if cfg.Timeouts.FirstMessageMS > 0 {
		t.FirstMessage = time.Duration(cfg.Timeouts.FirstMessageMS) * time.Millisecond
	}
	if cfg.Timeouts.IdleMS > 0 {
		t.Idle = time.Duration(cfg.Timeouts.IdleMS) * time.Millisecond
	}
	if cfg.Timeouts.ToolRunningMS > 0 {
		t.ToolRunning = time.Duration(cfg.Timeouts.ToolRunningMS) * time.Millisecond
	}
	return t
}
