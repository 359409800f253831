package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/carbbuild/internal/api"
	"github.com/kalambet/carbbuild/internal/artifact"
	"github.com/kalambet/carbbuild/internal/builder"
	"github.com/kalambet/carbbuild/internal/config"
	"github.com/kalambet/carbbuild/internal/jobs"
	"github.com/kalambet/carbbuild/internal/storage"
)

const drainTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the carbbuild HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running carbbuild server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show carbbuild server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve build tools over MCP on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "carbbuild.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// buildRuntime holds the components shared by serve, mcp and build.
type buildRuntime struct {
	store   *storage.Store
	manager *jobs.Manager
}

func (rt *buildRuntime) Close() {
	if err := rt.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

func openRuntime(cfg config.Config) (*buildRuntime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout, err := cfg.BuildTimeout()
	if err != nil {
		return nil, err
	}

	files := artifact.NewStore(cfg.Storage.DataDir)
	if err := files.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("creating artifact directories: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	runner := builder.NewRunner(builder.Config{
		ToolPath:    cfg.Builder.Path,
		UseLauncher: cfg.Builder.UseLauncher,
		Launcher:    cfg.Builder.Launcher,
		PSF:         cfg.Builder.PSF,
		Timeout:     timeout,
	}, files)

	manager := jobs.NewManager(runner, store, files, jobs.Options{
		Version:       cfg.Builder.Version,
		MaxConcurrent: cfg.Builder.MaxConcurrent,
	})
	return &buildRuntime{store: store, manager: manager}, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "carbbuild version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if cfg.Server.APIToken == "" {
		slog.Warn("no API token configured, build routes are unauthenticated")
	}

	// Check if a server is already running via the health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("carbbuild is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("carbbuild is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recovered, err := rt.manager.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		slog.Info("recovered interrupted builds", "count", recovered)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Builds: rt.manager,
			Token:  cfg.Server.APIToken,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "carbbuild listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}

	if n := rt.manager.InFlight(); n > 0 {
		slog.Info("waiting for in-flight builds", "count", n, "timeout", drainTimeout)
	}
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := rt.manager.Wait(drainCtx); err != nil {
		slog.Warn("builds still running at exit, they will be marked failed on next start", "count", rt.manager.InFlight())
	}
	return nil
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Builds:  rt.manager,
		Version: version,
	})
	slog.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := rt.manager.Wait(drainCtx); err != nil {
		slog.Warn("builds still running at exit", "count", rt.manager.InFlight())
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("carbbuild is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop carbbuild (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to carbbuild (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health api.HealthResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK && decodeErr == nil {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			printStatus("In flight", "%d", health.InFlight)
			for _, s := range []jobs.Status{jobs.StatusPending, jobs.StatusSuccess, jobs.StatusFailed} {
				printStatus("Builds "+s.String(), "%d", health.Builds[s.String()])
			}
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	builderPath := cfg.Builder.Path
	if builderPath == "" {
		builderPath = "(not set)"
	}
	printStatus("Builder", "%s", builderPath)
	printStatus("Builder version", "%s", cfg.Builder.Version)
	if cfg.Builder.UseLauncher {
		printStatus("Launcher", "%s", cfg.Builder.Launcher)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
