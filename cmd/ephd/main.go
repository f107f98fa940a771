// Command ephd is a long-running eph peer: it keeps presence and logs the
// timelines of configured rooms, and serves gRPC health while the relay is reachable.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/and161185/eph/internal/config"
	"github.com/and161185/eph/internal/crypto/roomcrypto"
	"github.com/and161185/eph/internal/migrate"
	"github.com/and161185/eph/internal/protocol"
	grpcserver "github.com/and161185/eph/internal/server/grpc"
	"github.com/and161185/eph/internal/store/postgres"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	fs := pflag.NewFlagSet("ephd", pflag.ContinueOnError)
	cfgPath := fs.String("config", "", "YAML config file (default $"+config.EnvPath+")")
	addr := fs.String("addr", "", "gRPC health listen address")
	dsn := fs.String("dsn", "", "relay PostgreSQL DSN")
	dev := fs.Bool("dev", false, "enable server reflection (dev only)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if fs.Changed("addr") {
		cfg.GRPC.Addr = *addr
	}
	if fs.Changed("dsn") {
		cfg.DSN = *dsn
	}
	if fs.Changed("dev") {
		cfg.GRPC.Reflection = *dev
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.GRPC.Addr),
		zap.Int("rooms", len(cfg.Daemon.Rooms)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exit", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("pgxpool: %w", err)
	}
	defer db.Close()
	graph := postgres.NewGraph(db, postgres.Options{
		PollInterval: cfg.Store.PollInterval,
		PingInterval: cfg.Store.PingInterval,
	}, logger.Named("store"))
	defer graph.Close()

	cipher, err := roomcrypto.NewPair(cfg.Crypto.Scheme)
	if err != nil {
		return err
	}

	srv, health := grpcserver.New(logger.Named("grpc"), cfg.GRPC.Reflection)
	sess := protocol.New(graph, cipher, protocol.Config{
		Origin:               cfg.Origin,
		HeartbeatInterval:    cfg.Presence.HeartbeatInterval,
		OfflineThreshold:     cfg.Presence.OfflineThreshold,
		ClearPresenceOnLeave: cfg.Presence.ClearOnLeave,
		OnConnectionChange:   health.SetConnected,
	}, logger)

	d := newDaemon(sess, cfg, logger.Named("daemon"))
	if err := d.start(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.stop(sctx)
		health.Shutdown()
	}()

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return grpcserver.Serve(ctx, srv, lis, 5*time.Second, logger)
}
