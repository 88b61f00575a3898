package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/emu512/internal/cfg"
	"github.com/e2b-dev/infra/packages/emu512/internal/emulator"
	"github.com/e2b-dev/infra/packages/emu512/internal/logger"
	"github.com/e2b-dev/infra/packages/emu512/internal/metrics"
	"github.com/e2b-dev/infra/packages/emu512/internal/nbd"
	"github.com/e2b-dev/infra/packages/emu512/internal/server"
	"github.com/e2b-dev/infra/packages/emu512/internal/telemetry"
)

const (
	serviceName = "emu512"
	version     = "0.1.0"
)

var commitSHA string

func main() {
	if !run() {
		os.Exit(1)
	}
}

func run() (success bool) {
	success = true

	config, err := cfg.Parse()
	if err != nil {
		log.Printf("failed to parse config: %v", err)

		return false
	}

	if err := config.Validate(); err != nil {
		log.Printf("invalid config: %v", err)

		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig, sigCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	tel := telemetry.NewNoopClient()
	if config.OTELCollectorEndpoint != "" {
		tel, err = telemetry.New(ctx, config.OTELCollectorEndpoint, serviceName, version)
		if err != nil {
			log.Printf("failed to init telemetry: %v", err)

			return false
		}
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
			success = false
		}
	}()

	globalLogger := zap.Must(logger.NewLogger(ctx, logger.LoggerConfig{
		ServiceName:   serviceName,
		IsInternal:    config.OTELCollectorEndpoint != "",
		IsDevelopment: config.IsLocal(),
		IsDebug:       config.Debug,
		InitialFields: []zap.Field{zap.String("commit", commitSHA)},
	}))
	defer func(l *zap.Logger) {
		// Syncing stdout fails with EINVAL on some terminals.
		if err := l.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
			log.Printf("error while shutting down logger: %v", err)
		}
	}(globalLogger)
	defer logger.ReplaceGlobals(globalLogger)()

	m, err := metrics.NewMetrics(tel.MeterProvider)
	if err != nil {
		logger.L().Error(ctx, "failed to create metrics", zap.Error(err))

		return false
	}

	logger.L().Info(ctx, "starting emu512",
		zap.String("version", version),
		zap.Uint64("physical_block_size", config.PhysicalBlockSize),
		zap.Int("devices", len(config.Devices)),
	)

	srv := server.New(sig, config, m)
	defer func() {
		if err := srv.Close(context.Background()); err != nil {
			logger.L().Error(ctx, "failed to close devices", zap.Error(err))
			success = false
		}
	}()

	if err := srv.Start(sig); err != nil {
		logger.L().Error(ctx, "failed to start devices", zap.Error(err))

		return false
	}

	if config.ExportNetwork == "unix" {
		_ = os.Remove(config.ExportAddress)
	}

	var lc net.ListenConfig

	listener, err := lc.Listen(sig, config.ExportNetwork, config.ExportAddress)
	if err != nil {
		logger.L().Error(ctx, "failed to listen", zap.String("address", config.ExportAddress), zap.Error(err))

		return false
	}

	export := nbd.NewExport(listener, emulator.LogicalBlockSize, srv.Exports)

	g, gctx := errgroup.WithContext(sig)

	g.Go(func() error {
		err := export.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if err := g.Wait(); err != nil {
		logger.L().Error(ctx, "nbd export stopped", zap.Error(err))
		success = false
	}

	logger.L().Info(ctx, "shutting down")

	return success
}
