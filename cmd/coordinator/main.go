// Package main is the entry point for the neurax-coordinator binary.
// It wires all internal packages together and serves the fabric's control
// plane.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open the node registry (SQLite) and start the liveness sweep
//  4. Optionally connect to Docker (non-fatal if unavailable)
//  5. Build the event hub, metrics, execution engine, and signaling plane
//  6. Serve the HTTP API + event channel
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/api"
	"github.com/Zeeshankhan077/neuraX/internal/engine"
	"github.com/Zeeshankhan077/neuraX/internal/metrics"
	"github.com/Zeeshankhan077/neuraX/internal/registry"
	"github.com/Zeeshankhan077/neuraX/internal/sandbox"
	"github.com/Zeeshankhan077/neuraX/internal/signaling"
	"github.com/Zeeshankhan077/neuraX/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr       string
	dbPath         string
	outputRoot     string
	scratchRoot    string
	uploadRoot     string
	dockerSocket   string
	allowLocalExec bool
	enableGPU      bool
	logLevel       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "neurax-coordinator",
		Short: "NeuraX coordinator — control plane of the compute fabric",
		Long: `NeuraX coordinator is the central component of the NeuraX fabric.
It accepts job submissions over a REST API, runs them in disposable
sandboxes, tracks compute nodes, and relays session signaling between
browser clients and nodes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("NEURAX_HTTP_ADDR", ":8080"), "HTTP API and event-channel listen address")
	root.PersistentFlags().StringVar(&cfg.dbPath, "db-path", envOrDefault("NEURAX_DB_PATH", "./neurax.db"), "SQLite file path for the node registry")
	root.PersistentFlags().StringVar(&cfg.outputRoot, "output-root", envOrDefault("NEURAX_OUTPUT_ROOT", "./data/output"), "Directory for per-job artifact directories")
	root.PersistentFlags().StringVar(&cfg.scratchRoot, "scratch-root", envOrDefault("NEURAX_SCRATCH_ROOT", os.TempDir()), "Directory for per-job scratch payload files")
	root.PersistentFlags().StringVar(&cfg.uploadRoot, "upload-root", envOrDefault("NEURAX_UPLOAD_ROOT", "./data/uploads"), "Directory for uploaded task files")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("NEURAX_DOCKER_SOCKET", ""), "Docker socket path (empty = platform default)")
	root.PersistentFlags().BoolVar(&cfg.allowLocalExec, "allow-local-exec", os.Getenv("NEURAX_ALLOW_LOCAL_EXEC") == "1", "Run jobs as local subprocesses when Docker is unavailable (development only)")
	root.PersistentFlags().BoolVar(&cfg.enableGPU, "gpu", os.Getenv("NEURAX_GPU") == "1", "Enable GPU passthrough for render jobs")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("NEURAX_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("neurax-coordinator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting neurax coordinator",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_path", cfg.dbPath),
		zap.Bool("allow_local_exec", cfg.allowLocalExec),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Node registry ---
	reg, err := registry.New(cfg.dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	if err := reg.StartSweep(registry.DefaultSweepInterval); err != nil {
		return fmt.Errorf("failed to start liveness sweep: %w", err)
	}
	defer reg.Stop() //nolint:errcheck

	// --- Sandbox runner (optional) ---
	// Docker is best-effort: if the daemon is unreachable the coordinator
	// starts normally; jobs then fail with infrastructure errors unless the
	// local-subprocess fallback was enabled explicitly.
	var runner sandbox.Runner
	dr, err := sandbox.NewDockerRunner(ctx, cfg.dockerSocket, logger)
	switch {
	case err == nil:
		runner = dr
		defer dr.Close() //nolint:errcheck
		logger.Info("docker daemon reachable, container sandbox available")
	case errors.Is(err, sandbox.ErrUnavailable):
		logger.Warn("docker daemon unreachable", zap.Error(err))
		if !cfg.allowLocalExec {
			logger.Warn("jobs will fail until docker is back (pass --allow-local-exec to run without isolation)")
		}
	default:
		return fmt.Errorf("failed to create sandbox runner: %w", err)
	}

	// --- Event hub ---
	hub := websocket.NewHub()
	go hub.Run(ctx)

	// --- Metrics ---
	m := metrics.New()

	// --- Execution engine ---
	eng := engine.New(engine.Config{
		OutputRoot:         cfg.outputRoot,
		ScratchRoot:        cfg.scratchRoot,
		UploadRoot:         cfg.uploadRoot,
		AllowLocalFallback: cfg.allowLocalExec,
		EnableGPU:          cfg.enableGPU,
	}, runner, &api.HubPublisher{Hub: hub, Metrics: m}, logger)
	defer eng.Shutdown()

	m.RegisterGauges(
		func() float64 { return float64(eng.ActiveJobs()) },
		func() float64 {
			nodes, err := reg.List(true)
			if err != nil {
				return 0
			}
			return float64(len(nodes))
		},
		func() float64 { return float64(hub.ConnectedCount()) },
	)

	// --- Signaling plane ---
	plane := signaling.New(hub, reg, logger)

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Engine:     eng,
		Registry:   reg,
		Hub:        hub,
		Plane:      plane,
		Metrics:    m,
		UploadRoot: cfg.uploadRoot,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down neurax coordinator")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
