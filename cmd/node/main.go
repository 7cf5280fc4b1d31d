// Command node is the fleetd node binary. It loads its YAML configuration,
// opens the local user-storage SQLite database, starts every configured
// backend process, runs the peak monitor, and serves the node gRPC
// service over mTLS with bearer-token authentication. A minimal /healthz
// HTTP endpoint reports liveness, and the process shuts down gracefully on
// SIGTERM/SIGINT.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/kelex-io/fleetd/internal/config"
	"github.com/kelex-io/fleetd/internal/node/auth"
	"github.com/kelex-io/fleetd/internal/node/backend"
	"github.com/kelex-io/fleetd/internal/node/peak"
	"github.com/kelex-io/fleetd/internal/node/service"
	"github.com/kelex-io/fleetd/internal/node/storage"
	"github.com/kelex-io/fleetd/internal/wire"
)

func main() {
	cfgPath := ""

	root := &cobra.Command{
		Use:   "fleetd-node",
		Short: "Run the fleetd node agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "/etc/fleetd/node.yaml", "path to the node YAML configuration file")

	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("FLEETD_NODE")
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
	cfg, err := config.LoadNodeConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("fleetd-node: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("node configuration loaded",
		slog.Int64("node_id", cfg.NodeID),
		slog.String("grpc_addr", cfg.GRPCAddr),
		slog.String("health_addr", cfg.HealthAddr),
	)

	store, err := storage.Open(cfg.StoragePath)
	if err != nil {
		logger.Error("failed to open user storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	seq, err := peak.OpenSeqCounter(cfg.PeakSeqPath)
	if err != nil {
		logger.Error("failed to open peak sequence counter", slog.Any("error", err))
		os.Exit(1)
	}
	defer seq.Close()

	monitor := peak.NewMonitor(cfg.NodeID, cfg.Peak, seq, logger)

	svc := service.New(store, monitor, logger)
	for _, b := range cfg.Backends {
		svc.RegisterBackend(backend.New(b.Name, b.Type, "", b.BinaryPath, b.ConfigPath))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.StartBackends(ctx); err != nil {
		logger.Error("failed to start backends", slog.Any("error", err))
		os.Exit(1)
	}
	defer svc.StopBackends()

	go monitor.Run(ctx)

	creds, err := serverTLSCredentials(cfg.TLS)
	if err != nil {
		logger.Error("failed to build server TLS credentials", slog.Any("error", err))
		os.Exit(1)
	}

	validator := auth.New(cfg.TokenHash)
	grpcOpts := append(wire.ServerOptions(),
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(validator.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(validator.StreamServerInterceptor),
	)
	grpcSrv := grpc.NewServer(grpcOpts...)
	wire.RegisterNodeServiceServer(grpcSrv, svc)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("failed to bind gRPC listener", slog.Any("error", err))
		os.Exit(1)
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC service listening", slog.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			grpcErrCh <- fmt.Errorf("gRPC server: %w", err)
		}
		close(grpcErrCh)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("health endpoint listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("health server: %w", err)
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("gRPC server error", slog.Any("error", err))
		}
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("health server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down node")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", slog.Any("error", err))
	}

	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("gRPC graceful stop timed out; forcing stop")
		grpcSrv.Stop()
	}

	logger.Info("fleetd node exited cleanly")
	return nil
}

// serverTLSCredentials builds strict mTLS server credentials: the node
// presents its own certificate and requires (and verifies) a client
// certificate signed by the configured CA.
func serverTLSCredentials(tlsCfg config.TLSConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}

	caPEM, err := os.ReadFile(tlsCfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert: no certificates found")
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}), nil
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
