package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/jprofessionals/shopping-list-sub001/internal/broker"
	"github.com/jprofessionals/shopping-list-sub001/internal/config"
	"github.com/jprofessionals/shopping-list-sub001/internal/logging"
)

// The proxy is the rendezvous point for every server process in zmq mode:
// servers publish to its XSUB side and subscribe on its XPUB side.
func main() {
	cfg, err := config.LoadProxyConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("proxy starting", zap.String("xsub", cfg.XSubAddr), zap.String("xpub", cfg.XPubAddr))
	if err := broker.RunProxy(ctx, cfg.XSubAddr, cfg.XPubAddr, logger); err != nil {
		logger.Fatal("proxy stopped", zap.Error(err))
	}
}
