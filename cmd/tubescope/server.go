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

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/tubescope/internal/api"
	"github.com/kalambet/tubescope/internal/config"
	"github.com/kalambet/tubescope/internal/jobs"
	"github.com/kalambet/tubescope/internal/quota"
	"github.com/kalambet/tubescope/internal/reports"
	"github.com/kalambet/tubescope/internal/settings"
	"github.com/kalambet/tubescope/internal/storage"
	"github.com/kalambet/tubescope/internal/sweep"
	"github.com/kalambet/tubescope/internal/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tubescope server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpMode, _ := cmd.Flags().GetString("mcp")
		sweepEvery, _ := cmd.Flags().GetDuration("sweep-interval")
		return runServer(mcpMode, sweepEvery)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tubescope server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tubescope server and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("mcp", "stdio", "MCP transport: stdio, http or none")
	serveCmd.Flags().Duration("sweep-interval", sweep.DefaultInterval, "how often expired cache entries are removed")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tubescope.pid")
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

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// services is everything built over one storage area.
type services struct {
	area     *storage.SQLiteArea
	bus      *storage.Bus
	reports  *reports.Cache
	jobs     *jobs.History
	quota    *quota.Tracker
	settings *settings.Store
	// watchTab observes writes made through the cache tab.
	watchTab *storage.Tab
}

func (s *services) Close() error {
	return errors.Join(s.bus.Close(), s.area.Close())
}

// openServices opens the area in cfg.Storage.DataDir and builds the caches
// on top of it. Caches write through one tab of the bus; settings sit on a
// second tab so they hear about the caches' writes.
func openServices(cfg config.Config) (*services, error) {
	area, err := storage.OpenSQLite(cfg.Storage.DataDir, int64(cfg.Storage.CapacityBytes))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	bus := storage.NewBus(slog.Default())
	cacheTab := bus.Tab(area)
	watchTab := bus.Tab(area)

	svc := &services{area: area, bus: bus, watchTab: watchTab}
	fail := func(err error) (*services, error) {
		svc.Close()
		return nil, err
	}

	svc.reports, err = reports.New(cacheTab, reports.Options{TTL: cfg.Reports.TTL, MaxItems: cfg.Reports.MaxItems})
	if err != nil {
		return fail(fmt.Errorf("creating report cache: %w", err))
	}
	svc.jobs, err = jobs.New(cacheTab, jobs.Options{TTL: cfg.Jobs.TTL, MaxItems: cfg.Jobs.MaxItems})
	if err != nil {
		return fail(fmt.Errorf("creating job history: %w", err))
	}
	svc.quota = quota.New(cacheTab, quota.Options{
		Model: cfg.Gemini.Model,
		Tier:  quota.ParseTier(cfg.Gemini.Tier),
	})
	svc.settings = settings.New(watchTab, newEncrypter(&cfg), settings.Options{})
	return svc, nil
}

// newEncrypter derives the settings encrypter from the configured key,
// creating the key on first use. Without a key credentials cannot be saved.
func newEncrypter(cfg *config.Config) settings.Encrypter {
	secret, err := config.EnsureEncryptionKey(cfg)
	if err != nil {
		slog.Warn("settings encryption key unavailable", "error", err)
		return nil
	}
	enc, err := vault.New(secret)
	if err != nil {
		slog.Warn("settings encryption disabled", "error", err)
		return nil
	}
	return enc
}

func runServer(mcpMode string, sweepEvery time.Duration) error {
	fmt.Fprintf(os.Stderr, "tubescope version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	apiToken, err := config.EnsureAPIToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("tubescope is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("tubescope is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if err := followSettings(ctx, svc, quota.ParseTier(cfg.Gemini.Tier)); err != nil {
		return err
	}
	if err := svc.jobs.Watch(ctx, svc.watchTab, func(id string) {
		if job, ok := svc.jobs.Get(id); ok {
			slog.Debug("job updated", "job_id", id, "status", job.Status, "completed", job.CompletedScenes)
		}
	}); err != nil {
		return fmt.Errorf("watching jobs: %w", err)
	}

	worker := sweep.NewWorker(sweepEvery,
		sweep.Target{Name: "reports", Sweep: svc.reports.ClearExpiredReports},
		sweep.Target{Name: "jobs", Sweep: svc.jobs.ClearExpired},
	)
	go worker.Run(ctx)

	appHandler := api.NewAppHandler(api.AppDeps{
		Reports:      svc.reports,
		Jobs:         svc.jobs,
		Quota:        svc.quota,
		Token:        apiToken,
		WriteLimiter: api.NewWriteLimiter(cfg.Server.WriteRate, cfg.Server.WriteBurst),
	})

	topRouter := chi.NewRouter()
	topRouter.Mount("/", appHandler)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Reports: svc.reports,
		Jobs:    svc.jobs,
		Quota:   svc.quota,
	})
	switch mcpMode {
	case "stdio":
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	case "http":
		topRouter.With(api.BearerAuth(apiToken)).Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))
		slog.Info("MCP server started (streamable HTTP transport)", "path", "/mcp")
	case "none", "":
	default:
		return fmt.Errorf("unknown MCP transport %q", mcpMode)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "tubescope listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// followSettings keeps the Gemini quota limits in line with the model
// chosen in the settings record.
func followSettings(ctx context.Context, svc *services, tier quota.Tier) error {
	current, err := svc.settings.Load(ctx)
	if err != nil {
		slog.Warn("loading settings", "error", err)
	}
	if current.GeminiModel != "" {
		svc.quota.UpdateGeminiLimits(current.GeminiModel, tier)
	}

	svc.settings.Watch(func(s settings.Settings) {
		if s.GeminiModel == "" {
			return
		}
		svc.quota.UpdateGeminiLimits(s.GeminiModel, tier)
		slog.Info("gemini limits updated", "model", s.GeminiModel, "tier", tier)
	})
	if err := svc.settings.Follow(ctx, svc.watchTab); err != nil {
		return fmt.Errorf("following settings: %w", err)
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
		printError("tubescope is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop tubescope (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to tubescope (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := httpClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Gemini", "%s (%s tier)", cfg.Gemini.Model, cfg.Gemini.Tier)
	printStatus("Reports", "keep %d for %s", cfg.Reports.MaxItems, cfg.Reports.TTL)
	printStatus("Jobs", "keep %d for %s", cfg.Jobs.MaxItems, cfg.Jobs.TTL)

	if running {
		token, tokenErr := config.EnsureAPIToken(&cfg)
		if tokenErr == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: httpClient}
			var stats reports.Stats
			if resp, err := c.get(ctx, "/reports/stats"); err == nil && decodeJSON(resp, &stats) == nil {
				printStatus("Cached reports", "%d of %d across %d channels", stats.Count, stats.MaxItems, stats.Channels)
			}
			var status []quota.ProviderStatus
			if resp, err := c.get(ctx, "/quota"); err == nil && decodeJSON(resp, &status) == nil {
				for _, p := range status {
					printStatus("Quota "+string(p.Provider), "%d%% (%d/%d)", p.Percentage, p.Used, p.Total)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
