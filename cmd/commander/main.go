package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/api"
	"github.com/rpcyber/botnet-commander/internal/dispatch"
	"github.com/rpcyber/botnet-commander/internal/metrics"
	"github.com/rpcyber/botnet-commander/internal/pki"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/server"
	"github.com/rpcyber/botnet-commander/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes kept stable for operators' process supervision.
const (
	exitConfig = 5
	exitPKI    = 9
)

type config struct {
	basePath       string
	agentAddr      string
	apiAddr        string
	offlineTimeout time.Duration
	flushInterval  time.Duration
	connBuffer     int
	logLevel       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, pki.ErrPermission) {
			os.Exit(exitPKI)
		}
		os.Exit(exitConfig)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "commander",
		Short: "Commander — central control server for the bot-agent fleet",
		Long: `Commander accepts persistent TLS sessions from bot-agents, dispatches
shell commands and scripts to filtered subsets of the fleet, correlates
the replies into a durable event log, and exposes an HTTP control plane
for operators.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.basePath, "base-path", envOrDefault("COMMANDER_BASE_PATH", "/opt/commander"), "Base directory for PKI material and the database")
	root.PersistentFlags().StringVar(&cfg.agentAddr, "agent-addr", envOrDefault("COMMANDER_AGENT_ADDR", ":1984"), "TLS listen address for bot-agent sessions")
	root.PersistentFlags().StringVar(&cfg.apiAddr, "api-addr", envOrDefault("COMMANDER_API_ADDR", ":8080"), "HTTPS listen address for the control plane")
	root.PersistentFlags().DurationVar(&cfg.offlineTimeout, "offline-timeout", envDurationOrDefault("COMMANDER_OFFLINE_TIMEOUT", 300*time.Second), "Silence span after which an agent session is dropped")
	root.PersistentFlags().DurationVar(&cfg.flushInterval, "resp-wait-window", envDurationOrDefault("COMMANDER_RESP_WAIT_WINDOW", 5*time.Second), "Reply correlator batching window")
	root.PersistentFlags().IntVar(&cfg.connBuffer, "conn-buffer", envIntOrDefault("COMMANDER_CONN_BUFFER", 4096), "Per-session read buffer size in bytes")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("COMMANDER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("commander %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting commander",
		zap.String("version", version),
		zap.String("base_path", cfg.basePath),
		zap.String("agent_addr", cfg.agentAddr),
		zap.String("api_addr", cfg.apiAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	material, err := pki.Init(cfg.basePath, logger)
	if err != nil {
		return err
	}

	m := metrics.New()

	dbDir := filepath.Join(cfg.basePath, "db")
	if err := os.MkdirAll(dbDir, 0o750); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	st, err := store.Open(store.Config{
		Path:          filepath.Join(dbDir, "commander.db"),
		FlushInterval: cfg.flushInterval,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	reg := registry.New(logger, m)
	known, err := st.ExistingAgents(ctx)
	if err != nil {
		return err
	}
	identities := make([]registry.Identity, len(known))
	for i, a := range known {
		identities[i] = registry.Identity{ID: a.ID, Hostname: a.Hostname, OS: a.OS, Addr: a.Address}
	}
	reg.Warm(identities)

	dispatcher := dispatch.New(reg, st, logger, m)

	srv := server.New(server.Config{
		Addr:           cfg.agentAddr,
		OfflineTimeout: cfg.offlineTimeout,
		BufferSize:     cfg.connBuffer,
		TLS:            material.ServerTLSConfig(),
	}, reg, st, logger, m)
	if err := srv.Listen(); err != nil {
		return err
	}

	serveErr := make(chan error, 2)
	go func() { serveErr <- srv.Serve(ctx) }()

	httpSrv := &http.Server{
		Addr:      cfg.apiAddr,
		TLSConfig: material.APITLSConfig(),
		Handler: api.NewRouter(api.RouterConfig{
			Registry:   reg,
			Store:      st,
			Dispatcher: dispatcher,
			Metrics:    m,
			Logger:     logger,
		}),
	}
	go func() {
		logger.Info("control plane listening", zap.String("addr", cfg.apiAddr))
		if err := httpSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	// Both the agent listener and the control plane send exactly once.
	pending := 2
	select {
	case <-ctx.Done():
		logger.Info("shutting down commander")
	case err := <-serveErr:
		pending--
		if err != nil {
			cancel()
			shutdownHTTP(httpSrv, logger)
			return err
		}
	}

	cancel()
	shutdownHTTP(httpSrv, logger)
	// Wait for the agent sessions to drain, not just whichever listener
	// finished first.
	for ; pending > 0; pending-- {
		<-serveErr
	}
	return nil
}

func shutdownHTTP(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("control plane shutdown", zap.Error(err))
	}
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

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
