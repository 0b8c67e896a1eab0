// aaa is the RADIUS authentication, authorization and accounting engine.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/auth"
	"github.com/codelaboratoryltd/aaa/pkg/coa"
	"github.com/codelaboratoryltd/aaa/pkg/config"
	"github.com/codelaboratoryltd/aaa/pkg/metrics"
	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/ratelimit"
	"github.com/codelaboratoryltd/aaa/pkg/server"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aaa",
	Short: "RADIUS AAA engine for subscriber gateways",
	Long: `aaa - RADIUS authentication, authorization and accounting
for MikroTik and compatible NAS fleets.

Authenticates subscribers, applies service plans, tracks usage
sessions and disconnects subscribers that exhaust their quota.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the AAA engine",
	RunE:  runEngine,
}

var (
	configFile  string
	logLevel    string
	authAddr    string
	acctAddr    string
	metricsAddr string
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/aaa/config.yaml",
		"Configuration file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&authAddr, "auth-address", "",
		"Authentication listen address (overrides config)")
	runCmd.Flags().StringVar(&acctAddr, "acct-address", "",
		"Accounting listen address (overrides config)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-address", "",
		"Metrics HTTP listen address (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("aaa %s (commit: %s)\n", version, commit)
	},
}

func runEngine(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if authAddr != "" {
		cfg.Server.AuthAddress = authAddr
	}
	if acctAddr != "" {
		cfg.Server.AcctAddress = acctAddr
	}
	if metricsAddr != "" {
		cfg.MetricsAddress = metricsAddr
	}

	logger.Info("Starting AAA engine",
		zap.String("version", version),
		zap.String("config", configFile),
		zap.Int("nas_records", len(cfg.NAS)),
		zap.Int("subscribers", len(cfg.Subscribers)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Directories
	nasCache := nas.NewCache(nas.NewStaticDirectory(cfg.NAS), cfg.NASCacheTTL, logger)
	subscribers := subscriber.NewStaticDirectory(cfg.Subscribers)

	// Session store: Redis when configured, in-memory otherwise.
	var store accounting.Store
	if cfg.Redis.Addr != "" {
		redisStore := accounting.NewRedisStore(cfg.Redis, logger)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisStore.Ping(pingCtx)
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
		}
		defer redisStore.Close()
		store = redisStore
		logger.Info("Using Redis session store", zap.String("addr", cfg.Redis.Addr))
	} else {
		store = accounting.NewMemoryStore()
		logger.Info("Using in-memory session store")
	}

	// Disconnect sender
	sender := coa.NewSender(nasCache, cfg.CoA, logger)
	if err := sender.Start(); err != nil {
		return err
	}
	defer sender.Stop()

	// Engines
	engine := auth.NewEngine(subscribers, cfg.Auth, logger)
	machine := accounting.NewMachine(store, subscribers, sender, logger)
	limiter := ratelimit.New(cfg.RateLimit)

	// Metrics
	m := metrics.New(store, machine, nasCache, limiter, sender, logger)
	if err := m.Register(); err != nil {
		return fmt.Errorf("metrics registration: %w", err)
	}
	stopCollector := make(chan struct{})
	go m.StartCollector(15*time.Second, stopCollector)
	defer close(stopCollector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}()

	// RADIUS front end
	srv := server.New(cfg.Server, nasCache, engine, machine, limiter, m, logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	logger.Info("AAA engine running",
		zap.String("auth_address", cfg.Server.AuthAddress),
		zap.String("acct_address", cfg.Server.AcctAddress),
		zap.String("metrics_address", cfg.MetricsAddress),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))
	cancel()

	return nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}
