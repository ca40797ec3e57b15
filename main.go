package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"rigstatus/config"
)

func main() {
	configPath := pflag.StringP("config", "c", "rigstatus.yaml", "path to the configuration file")
	listen := pflag.String("listen", "", "address to listen on, overriding the configuration")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rigstatus-listener: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	logger := cfg.Logger()

	st := newStats()
	consumers, err := openConsumers(cfg, st, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	ingester := newIngester(newResolver(cfg), consumers, st, logger)

	engine := newServer(ingester, st, logger, cfg.TrustForwarded).engine(cfg.Listen)
	if err := engine.Start(); err != nil {
		logger.Error("http server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("listening", "addr", cfg.Listen, "store", cfg.Store.Backend)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	engine.Stop()
}
