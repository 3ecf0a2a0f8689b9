package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jprofessionals/shopping-list-sub001/internal/auth"
	"github.com/jprofessionals/shopping-list-sub001/internal/bridge"
	"github.com/jprofessionals/shopping-list-sub001/internal/broadcast"
	"github.com/jprofessionals/shopping-list-sub001/internal/broker"
	"github.com/jprofessionals/shopping-list-sub001/internal/config"
	"github.com/jprofessionals/shopping-list-sub001/internal/logging"
	"github.com/jprofessionals/shopping-list-sub001/internal/registry"
	"github.com/jprofessionals/shopping-list-sub001/internal/server"
	"github.com/jprofessionals/shopping-list-sub001/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newBroker(cfg config.BrokerConfig, logger *zap.Logger) (broker.Broker, error) {
	switch cfg.Mode {
	case config.BrokerZMQ:
		return broker.NewZMQ(broker.ZMQConfig{PubAddr: cfg.PubAddr, SubAddr: cfg.SubAddr, Logger: logger})
	case config.BrokerMemory:
		return broker.NewMemoryBroker(), nil
	}
	return nil, fmt.Errorf("unknown broker mode %q", cfg.Mode)
}

func run(cfg config.Config, logger *zap.Logger) error {
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.NewWithOptions(store.Options{StateFile: cfg.StateFile, Logger: logger})
	reg := registry.New(logger, registry.WithShards(cfg.RegistryShards))

	b, err := newBroker(cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("close broker", zap.Error(err))
		}
	}()

	origin := uuid.NewString()
	br := bridge.New(reg, b, logger, bridge.WithOrigin(origin))
	disp := broadcast.NewDispatcher(cfg.FanoutWorkers, cfg.FanoutQueueSize, logger)
	rt := broadcast.NewRouter(reg, b, disp, logger,
		broadcast.WithPublishTimeout(cfg.Broker.PublishTimeout),
		broadcast.WithOrigin(origin),
	)

	tokenCfg := auth.DefaultTokenConfig(cfg.JWTSecret)
	tokenCfg.Expiry = cfg.TokenExpiry

	router := server.NewRouter(server.Deps{
		Store:       st,
		Registry:    reg,
		Router:      rt,
		Bridge:      br,
		TokenConfig: tokenCfg,
		Logger:      logger,
	})

	logger.Info("starting",
		zap.Int("port", cfg.Port),
		zap.String("broker", cfg.Broker.Mode),
		zap.String("origin", origin),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := br.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return server.Run(gctx, cfg, router)
	})
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := disp.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("fanout did not drain", zap.Error(serr), zap.Int64("discarded", disp.Discarded()))
	}
	return err
}
