package main

import (
	"context"
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

	"github.com/kalambet/orchmem/internal/api"
	"github.com/kalambet/orchmem/internal/config"
	"github.com/kalambet/orchmem/internal/memory"
	"github.com/kalambet/orchmem/internal/ollama"
	"github.com/kalambet/orchmem/internal/telemetry"
	"github.com/kalambet/orchmem/internal/usage"
	"github.com/kalambet/orchmem/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory service (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running memory service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memory service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "orchmem.pid")
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

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func runServer(withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DBPath)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("orchmem is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("orchmem is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if cfg.Storage.DBPath != ":memory:" {
		if err := writePIDFile(pidPath); err != nil {
			return fmt.Errorf("writing PID file: %w", err)
		}
		defer removePIDFile(pidPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, "orchmem", version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("flushing telemetry", "error", err)
		}
	}()

	ensureLocalModels(ctx, cfg)

	svc, err := memory.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Warn("closing memory service", "error", err)
		}
	}()
	if !svc.Enabled() {
		printWarning("memory is disabled; every call is a no-op")
	}

	if svc.Enabled() {
		w := worker.New(svc.Store(), svc, 500*time.Millisecond, logger)
		go w.Run(ctx)
		go svc.RunRetention(ctx, 24*time.Hour)
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Memory: svc})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(api.HandlerDeps{Memory: svc, Token: apiToken}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "orchmem listening on %s\n", addr)
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
	return srv.Shutdown(shutdownCtx)
}

// ensureLocalModels pulls the Ollama models the configuration relies on. An
// unreachable Ollama only warns: similarity degrades to keyword search and
// extraction falls back to rules.
func ensureLocalModels(ctx context.Context, cfg config.Config) {
	if !cfg.Memory.Enabled {
		return
	}
	var models []string
	if cfg.Vector.Backend != "disabled" && cfg.Vector.Embedder == "ollama" {
		models = append(models, cfg.Vector.EmbedModel)
	}
	if cfg.AI.Enabled && cfg.AI.Provider == "ollama" {
		models = append(models, cfg.AI.Model)
	}
	if len(models) == 0 {
		return
	}
	client := ollama.New(cfg.Vector.OllamaBaseURL)
	if err := ollama.EnsureModels(ctx, client, os.Stderr, models...); err != nil {
		printWarning("local models unavailable: %v", err)
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DBPath)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("orchmem is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop orchmem (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to orchmem (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		return nil
	}
	client.httpClient.Timeout = 2 * time.Second

	var health memory.Health
	if err := client.getJSON(ctx, "/health", &health); err != nil {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Memory", "%s", enabledLabel(health.Enabled))
		printStatus("Store", "%s", health.Store)
		printStatus("Similarity", "%s (%s)", health.Similarity, cfg.Vector.Backend)
		printStatus("Records", "%d", health.Records)
		for state, n := range health.Jobs {
			printStatus("Jobs "+state, "%d", n)
		}
		printStatus("AI extraction", "%s", enabledLabel(health.AI))

		if health.Usage {
			var st usage.Status
			if err := client.getJSON(ctx, "/usage/status", &st); err == nil {
				printStatus("Today", "%s", colorize(alertColor(st.AlertLevel), fmt.Sprintf("$%.2f of %s", st.DailySpend, budgetLabel(st.DailyBudget))))
				printStatus("This month", "%s", colorize(alertColor(st.AlertLevel), fmt.Sprintf("$%.2f of %s", st.MonthlySpend, budgetLabel(st.MonthlyBudget))))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DBPath)
	return nil
}

func enabledLabel(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func budgetLabel(b float64) string {
	if b <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("$%.2f", b)
}
