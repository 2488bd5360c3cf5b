package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/genreview/internal/api"
	"github.com/kalambet/genreview/internal/cache"
	"github.com/kalambet/genreview/internal/clock"
	"github.com/kalambet/genreview/internal/config"
	"github.com/kalambet/genreview/internal/jobs"
	"github.com/kalambet/genreview/internal/maintenance"
	"github.com/kalambet/genreview/internal/provider"
	"github.com/kalambet/genreview/internal/review"
	"github.com/kalambet/genreview/internal/stats"
	"github.com/kalambet/genreview/internal/storage"
	"github.com/kalambet/genreview/internal/telemetry"
)

// maxPassageChars bounds extracted passages so prompts stay within model context.
const maxPassageChars = 12000

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the genreview server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running genreview server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, provider and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve the MCP review tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "genreview.pid")
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
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "genreview version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireProviderKey(); err != nil {
		return err
	}
	policy, err := review.ParseEditPolicy(cfg.Review.EditPolicy)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	// Ensure API token exists in platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("genreview is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("genreview is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := provider.NewRegistry(cfg.Provider.Default)
	if cfg.OpenRouter.APIKey != "" {
		registry.Register("openrouter", provider.NewOpenRouter(cfg.OpenRouter.APIKey, cfg.OpenRouter.BaseURL, cfg.OpenRouter.TextModel, cfg.OpenRouter.VisionModel))
	}
	if cfg.Ollama.Enabled || cfg.Provider.Default == "ollama" {
		ol := provider.NewOllama(cfg.Ollama.BaseURL, cfg.Ollama.Model)
		if err := ol.EnsureModel(ctx, os.Stderr); err != nil {
			return err
		}
		registry.Register("ollama", ol)
	}
	slog.Info("providers registered", "providers", registry.Names(), "default", cfg.Provider.Default)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	metrics := telemetry.New(nil)
	clk := clock.Real()

	cacheStore := cache.New(store, cache.Options{
		DefaultTTL: cfg.Cache.TTL,
		FlightWait: cfg.Cache.FlightWait,
		Clock:      clk,
		Logger:     logger,
		Metrics:    metrics,
	})

	orch := jobs.New(jobs.Config{
		Workers:          cfg.Jobs.Workers,
		MaxAttempts:      cfg.Jobs.MaxAttempts,
		InitialBackoff:   cfg.Jobs.InitialBackoff,
		RateLimitBackoff: cfg.Jobs.RateLimitBackoff,
		CallTimeout:      cfg.Jobs.CallTimeout,
		DispatchRPS:      cfg.Jobs.DispatchRPS,
		DefaultProvider:  cfg.Provider.Default,
		CacheTTL:         cfg.Cache.TTL,
	}, jobs.Deps{
		Store:     store,
		Cache:     cacheStore,
		Generator: registry,
		Clock:     clk,
		Logger:    logger,
		Metrics:   metrics,
	})
	defer orch.Close()

	if n, err := orch.ResumeBatches(ctx); err != nil {
		slog.Error("resuming batches", "error", err)
	} else if n > 0 {
		slog.Info("resumed interrupted batches", "count", n)
	}

	reviewSvc := review.New(store, review.Options{
		EditPolicy: policy,
		Clock:      clk,
		Logger:     logger,
		Metrics:    metrics,
	})
	agg := stats.NewAggregator(store, cacheStore, clk, cfg.Stats.StuckThreshold)

	var (
		snapshotter *stats.Snapshotter
		snap        maintenance.Snapshotter
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("metrics store unreachable, snapshots will retry on schedule", "addr", cfg.Redis.Addr, "error", err)
		}
		snapshotter = stats.NewSnapshotter(rdb, agg, stats.SnapshotterOptions{Metrics: metrics, Logger: logger})
		snap = snapshotter
	}

	sched, err := maintenance.New(maintenance.Config{
		ExpireSchedule:   cfg.Maintenance.ExpireSchedule,
		EvictSchedule:    cfg.Maintenance.EvictSchedule,
		SnapshotSchedule: cfg.Maintenance.SnapshotSchedule,
		MaxEntries:       cfg.Cache.MaxEntries,
	}, cacheStore, snap, logger)
	if err != nil {
		return fmt.Errorf("configuring maintenance: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	handler := api.NewHandler(api.Deps{
		Store:           store,
		Orchestrator:    orch,
		Review:          reviewSvc,
		Cache:           cacheStore,
		Stats:           agg,
		Snapshots:       snapshotter,
		Metrics:         metrics,
		Token:           apiToken,
		MaxCacheEntries: cfg.Cache.MaxEntries,
		MaxPassageChars: maxPassageChars,
	})

	if mcpStdio {
		user := os.Getenv("USER")
		if user == "" {
			user = "mcp"
		}
		mcpSrv := api.NewMCPServer(api.MCPDeps{Review: reviewSvc, Stats: agg, Actor: user})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "genreview listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
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

	// Stop taking requests before the deferred orchestrator and scheduler
	// shutdowns drain in-flight work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("genreview is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop genreview (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to genreview (PID %d)", pid)
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
	probe := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := probe.Get(serverURL + "/health")
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

	printStatus("Default provider", "%s", cfg.Provider.Default)
	if cfg.OpenRouter.APIKey != "" {
		printStatus("OpenRouter", "configured (%s, %s)", cfg.OpenRouter.TextModel, cfg.OpenRouter.VisionModel)
	} else {
		printStatus("OpenRouter", "no API key")
	}
	if cfg.Ollama.Enabled {
		if r, err := probe.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
			printStatus("Ollama", "not running")
		} else {
			r.Body.Close()
			printStatus("Ollama", "running at %s (%s)", cfg.Ollama.BaseURL, cfg.Ollama.Model)
		}
	}
	if cfg.Redis.Addr != "" {
		printStatus("Metrics store", "%s", cfg.Redis.Addr)
	}

	if running {
		client, err := newAPIClient()
		if err == nil {
			if d, err := fetchDashboard(ctx, client); err == nil {
				printStatus("Review queue", "%d pending", d.Queue.Depth)
				if d.Queue.OldestCreatedAt != nil {
					printStatus("Oldest pending", "%s", formatAge(d.Queue.OldestAgeSeconds))
				}
				if len(d.StuckJobs) > 0 {
					printWarning("%d stuck jobs", len(d.StuckJobs))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func formatAge(seconds float64) string {
	return (time.Duration(seconds) * time.Second).Round(time.Second).String()
}
