// Command panel is the fleetd panel binary. It loads its YAML
// configuration, opens the PostgreSQL-backed token/peak-event store,
// bootstraps a NodeClient for every configured node, runs the scheduled
// background tasks, and serves the health/readiness/metrics HTTP surface.
// It shuts down gracefully on SIGTERM/SIGINT.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kelex-io/fleetd/internal/audit"
	"github.com/kelex-io/fleetd/internal/config"
	"github.com/kelex-io/fleetd/internal/panel/api"
	"github.com/kelex-io/fleetd/internal/panel/breaker"
	"github.com/kelex-io/fleetd/internal/panel/registry"
	"github.com/kelex-io/fleetd/internal/panel/store"
	"github.com/kelex-io/fleetd/internal/panel/tasks"
	"github.com/kelex-io/fleetd/internal/panel/tokens"
)

func main() {
	cfgPath := ""

	root := &cobra.Command{
		Use:   "fleetd-panel",
		Short: "Run the fleetd panel control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "/etc/fleetd/panel.yaml", "path to the panel YAML configuration file")

	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("FLEETD_PANEL")
		viper.AutomaticEnv()
		if v := viper.GetString("config"); v != "" {
			cfgPath = v
		}
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.LoadPanelConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("fleetd-panel: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("panel configuration loaded",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.Int("bootstrap_nodes", len(cfg.Nodes)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		logger.Error("failed to apply store migrations", slog.Any("error", err))
		os.Exit(1)
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBPoolSize, cfg.DBMaxOverflow)
	if err != nil {
		logger.Error("failed to open panel store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	tokenMgr := tokens.New(st)

	var auditLog *audit.Logger
	if cfg.AuditLogPath != "" {
		auditLog, err = audit.Open(cfg.AuditLogPath)
		if err != nil {
			logger.Error("failed to open audit log", slog.Any("error", err))
			os.Exit(1)
		}
		defer auditLog.Close()
	}

	nodeReg := registry.New(registry.Deps{
		Tokens:     tokenMgr,
		PoolConfig: cfg.Pool,
		Breaker:    breakerClassConfig(cfg),
		Registerer: reg,
		Log:        logger,
		Audit:      auditLog,
	})

	for _, n := range cfg.Nodes {
		spec := registry.NodeSpec{
			ID:   n.ID,
			Addr: n.Addr,
			Cert: registry.Certificate{
				ClientCertPath: cfg.TLS.CertPath,
				ClientKeyPath:  cfg.TLS.KeyPath,
				CAPath:         cfg.TLS.CAPath,
				ServerName:     n.ID,
			},
		}
		if n.CertPath != "" {
			pinned, err := os.ReadFile(n.CertPath)
			if err != nil {
				logger.Error("failed to read pinned node certificate", slog.String("node", n.ID), slog.Any("error", err))
				os.Exit(1)
			}
			spec.Cert.PinnedServerCertPEM = pinned
		}
		if err := nodeReg.Add(ctx, spec); err != nil {
			logger.Error("failed to bootstrap node", slog.String("node", n.ID), slog.Any("error", err))
		}
	}

	scheduler, err := tasks.New(
		tasks.Config{
			RecordUserUsagesInterval:  cfg.Tasks.RecordUserUsagesInterval,
			ReviewUsersInterval:       cfg.Tasks.ReviewUsersInterval,
			TokenCleanupInterval:      time.Hour,
			DisableRecordingNodeUsage: cfg.DisableRecordingNodeUsage,
		},
		nil, nil, tokenCleaner{st}, logger,
	)
	if err != nil {
		logger.Error("failed to build scheduler", slog.Any("error", err))
		os.Exit(1)
	}
	scheduler.Start()

	apiSrv := api.NewServer(apiRegistry{nodeReg}, reg, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("health/readiness surface listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down panel")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	scheduler.Stop(shutdownCtx)
	tokenMgr.Close()

	for _, id := range nodeReg.Nodes() {
		if c, ok := nodeReg.Get(id); ok {
			c.Stop(shutdownCtx)
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("fleetd panel exited cleanly")
	return nil
}

// breakerClassConfig adapts PanelConfig.ResolveBreakerClass into the
// breaker.ClassConfig shape the registry's NodeClients need.
func breakerClassConfig(cfg *config.PanelConfig) breaker.ClassConfig {
	return func(class string) breaker.Config {
		bc := cfg.ResolveBreakerClass(class)
		return breaker.Config{
			FailureThreshold:   bc.FailureThreshold,
			ErrorRateThreshold: bc.ErrorRateThreshold,
			MonitoringWindow:   bc.MonitoringWindow,
			RecoveryTimeout:    bc.RecoveryTimeout,
			HalfOpenMaxCalls:   bc.HalfOpenMaxCalls,
		}
	}
}

// apiRegistry adapts *registry.Registry to the api package's narrower
// Registry view.
type apiRegistry struct {
	reg *registry.Registry
}

func (a apiRegistry) Nodes() []string { return a.reg.Nodes() }

func (a apiRegistry) Get(nodeID string) (api.NodeStatuser, bool) {
	return a.reg.Get(nodeID)
}

// tokenCleaner adapts store.Store's DeleteExpiredTokens to tasks.TokenCleaner.
type tokenCleaner struct {
	st *store.Store
}

func (t tokenCleaner) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	return t.st.DeleteExpiredTokens(ctx, cutoff)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
