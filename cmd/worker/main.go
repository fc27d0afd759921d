// Package main is the entry point for the neurax-worker binary.
// It runs on each compute node, registers with the coordinator, and serves
// the peer data channel on which clients submit encrypted tasks.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Optionally connect to Docker (non-fatal if unavailable)
//  4. Build the local execution engine and peer data-channel server
//  5. Start the connection manager (register, heartbeats, signaling)
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/engine"
	"github.com/Zeeshankhan077/neuraX/internal/sandbox"
	"github.com/Zeeshankhan077/neuraX/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	signalingURL      string
	dataAddr          string
	advertiseEndpoint string
	nodeID            string
	gpu               string
	vramGB            int
	tags              string
	outputRoot        string
	scratchRoot       string
	dockerSocket      string
	allowLocalExec    bool
	logLevel          string
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
		Use:   "neurax-worker",
		Short: "NeuraX worker — compute node of the NeuraX fabric",
		Long: `NeuraX worker runs on each compute node. It registers with the
coordinator over the event channel, answers session offers with its data
endpoint, and executes encrypted tasks inside disposable sandboxes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.signalingURL, "signaling-url", envOrDefault("NEURAX_SIGNALING_URL", "ws://localhost:8080/ws"), "Coordinator event-channel URL")
	root.PersistentFlags().StringVar(&cfg.dataAddr, "data-addr", envOrDefault("NEURAX_DATA_ADDR", ":9443"), "Peer data-channel listen address")
	root.PersistentFlags().StringVar(&cfg.advertiseEndpoint, "advertise-endpoint", envOrDefault("NEURAX_ADVERTISE_ENDPOINT", ""), "Address clients dial for the data channel (defaults to --data-addr)")
	root.PersistentFlags().StringVar(&cfg.nodeID, "node-id", envOrDefault("NEURAX_NODE_ID", ""), "Stable node identity (generated when empty)")
	root.PersistentFlags().StringVar(&cfg.gpu, "gpu", envOrDefault("NEURAX_GPU_MODEL", "N/A"), "Advertised GPU model")
	root.PersistentFlags().IntVar(&cfg.vramGB, "vram", 0, "Advertised GPU memory in GB")
	root.PersistentFlags().StringVar(&cfg.tags, "tags", envOrDefault("NEURAX_TAGS", "script,cli"), "Comma-separated capability tags")
	root.PersistentFlags().StringVar(&cfg.outputRoot, "output-root", envOrDefault("NEURAX_OUTPUT_ROOT", "./data/output"), "Directory for per-job artifact directories")
	root.PersistentFlags().StringVar(&cfg.scratchRoot, "scratch-root", envOrDefault("NEURAX_SCRATCH_ROOT", os.TempDir()), "Directory for per-job scratch payload files")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("NEURAX_DOCKER_SOCKET", ""), "Docker socket path (empty = platform default)")
	root.PersistentFlags().BoolVar(&cfg.allowLocalExec, "allow-local-exec", os.Getenv("NEURAX_ALLOW_LOCAL_EXEC") == "1", "Run tasks as local subprocesses when Docker is unavailable (development only)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("NEURAX_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("neurax-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.nodeID == "" {
		cfg.nodeID = uuid.NewString()
	}

	logger.Info("starting neurax worker",
		zap.String("version", version),
		zap.String("node_id", cfg.nodeID),
		zap.String("signaling_url", cfg.signalingURL),
		zap.String("data_addr", cfg.dataAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Sandbox runner (optional) ---
	var runner sandbox.Runner
	gpuAvailable := cfg.gpu != "" && cfg.gpu != "N/A"

	dr, err := sandbox.NewDockerRunner(ctx, cfg.dockerSocket, logger)
	switch {
	case err == nil:
		runner = dr
		defer dr.Close() //nolint:errcheck
		logger.Info("docker daemon reachable, container sandbox available")
	case errors.Is(err, sandbox.ErrUnavailable):
		logger.Warn("docker daemon unreachable", zap.Error(err))
		if !cfg.allowLocalExec {
			logger.Warn("tasks will fail until docker is back (pass --allow-local-exec to run without isolation)")
		}
	default:
		return fmt.Errorf("failed to create sandbox runner: %w", err)
	}

	// --- Local execution engine ---
	eng := engine.New(engine.Config{
		OutputRoot:         cfg.outputRoot,
		ScratchRoot:        cfg.scratchRoot,
		AllowLocalFallback: cfg.allowLocalExec,
		EnableGPU:          gpuAvailable,
	}, runner, nil, logger)
	defer eng.Shutdown()

	// --- Peer data channel ---
	peer := worker.NewPeerServer(eng, logger)
	srv := &http.Server{
		Addr:              cfg.dataAddr,
		Handler:           peer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("peer data channel listening", zap.String("addr", cfg.dataAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// --- Connection manager ---
	mgr := worker.NewManager(worker.Config{
		SignalingURL:      cfg.signalingURL,
		DataAddr:          cfg.dataAddr,
		AdvertiseEndpoint: cfg.advertiseEndpoint,
		NodeID:            cfg.nodeID,
		GPU:               cfg.gpu,
		VRAMGB:            cfg.vramGB,
		Tags:              splitTags(cfg.tags),
		Version:           version,
	}, logger)

	go mgr.Run(ctx)

	select {
	case err := <-errCh:
		return fmt.Errorf("peer server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down neurax worker")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("peer server shutdown", zap.Error(err))
	}
	return nil
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
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
