package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"voltrader/internal/broadcast"
	"voltrader/internal/orchestrator"
	"voltrader/internal/persistence"
	"voltrader/internal/service"
	"voltrader/internal/telemetry"
	"voltrader/internal/trade"
)

func main() {
	service.InitLogger()
	logger := service.Logger
	defer logger.Sync()

	cfg := service.LoadConfig("config")

	var sink trade.Sink = trade.NopSink{}
	if cfg.Persistence.Enabled {
		pg, err := persistence.Open(persistence.Config{
			Host:            cfg.Persistence.Host,
			Port:            cfg.Persistence.Port,
			User:            cfg.Persistence.User,
			Password:        cfg.Persistence.Password,
			DBName:          cfg.Persistence.DBName,
			SSLMode:         cfg.Persistence.SSLMode,
			MaxOpenConns:    cfg.Persistence.MaxOpenConns,
			MaxIdleConns:    cfg.Persistence.MaxIdleConns,
			MaxConnLifetime: cfg.Persistence.MaxConnLifetime,
		}, logger)
		if err != nil {
			logger.Fatal("persistence unavailable", zap.Error(err))
		}
		defer pg.Close()
		sink = pg
	}

	var broadcaster trade.Broadcaster = trade.NopBroadcaster{}
	if cfg.Broadcast.Enabled {
		pub, err := broadcast.New(broadcast.Config{
			Host:         cfg.Broadcast.Host,
			Port:         cfg.Broadcast.Port,
			Password:     cfg.Broadcast.Password,
			DB:           cfg.Broadcast.DB,
			PoolSize:     cfg.Broadcast.PoolSize,
			DialTimeout:  cfg.Broadcast.DialTimeout,
			WriteTimeout: cfg.Broadcast.WriteTimeout,
		}, logger)
		if err != nil {
			logger.Fatal("broadcast sink unavailable", zap.Error(err))
		}
		defer pub.Close()
		broadcaster = pub
	}

	metrics := telemetry.New(prometheus.NewRegistry())

	orch := orchestrator.New(cfg, sink, broadcaster, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("voltrader starting", zap.String("symbol", cfg.Broker.Symbol))
	orch.Run(ctx)
	logger.Info("voltrader shut down")
}
