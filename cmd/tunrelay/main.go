package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tunrelay/internal/bridge"
	"tunrelay/internal/config"
	"tunrelay/internal/logger"
	"tunrelay/internal/metrics"
	"tunrelay/internal/relay"
	"tunrelay/internal/tun"
)

func main() {
	var cfgPath string
	var metricsAddr string
	flag.StringVar(&cfgPath, "c", "config.yaml", "config path")
	flag.StringVar(&metricsAddr, "metrics", "", "prometheus listen address, overrides metrics_listen")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if metricsAddr != "" {
		cfg.MetricsListen = metricsAddr
	}

	lg := logger.New(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsListen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsListen); err != nil {
				lg.WithError(err).Warn("metrics server stopped")
			}
		}()
		lg.Infof("prometheus metrics listening on %s", cfg.MetricsListen)
	}

	dev, err := tun.Open(cfg.Tun.Name)
	if err != nil {
		lg.WithError(err).Fatal("open tun")
	}
	defer dev.Close()
	if mtu := dev.MTU(); mtu > 0 {
		cfg.Tun.MTU = mtu
	}
	lg.Infof("tun opened: %s (mtu=%d)", cfg.Tun.Name, cfg.Tun.MTU)

	factory := bridge.NewInterfaceFactory(cfg.OutboundInterface)
	if cfg.OutboundInterface != "" {
		lg.Infof("outbound sockets bound to %s", cfg.OutboundInterface)
	}

	r := relay.New(cfg, lg, dev, factory)

	// Graceful shutdown: closing the device unblocks the read loop.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		lg.Info("shutting down...")
		cancel()
		_ = dev.Close()
	}()

	if err := r.Run(ctx); err != nil {
		lg.WithError(err).Fatal("relay stopped")
	}
}
