// Command rigstatus prints a line for every miner report as it lands in
// the status store, and optionally alerts a Telegram chat when miners go
// offline or come back.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"rigstatus/config"
	"rigstatus/monitor"
	"rigstatus/store"
)

func main() {
	configPath := pflag.StringP("config", "c", "rigstatus.yaml", "path to the configuration file")
	noAlerts := pflag.Bool("no-alerts", false, "do not send Telegram alerts even if configured")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rigstatus: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger()

	statusStore, err := store.Open(cfg.Store, store.WithLogger(logger))
	if err != nil {
		logger.Error("opening status store failed", "error", err)
		os.Exit(1)
	}

	opts := []monitor.Option{monitor.WithLogger(logger)}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 && !*noAlerts {
		tg, err := monitor.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			logger.Error("telegram setup failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts, monitor.WithNotifier(tg))
	}

	m := monitor.New(monitor.Config{
		Window:         cfg.Monitor.Window,
		Period:         cfg.Monitor.Period,
		Cutoff:         cfg.Monitor.Cutoff,
		Grace:          cfg.Monitor.Grace,
		CacheTolerance: cfg.Monitor.CacheTolerance,
	}, statusStore, monitor.NewWriterSink(os.Stdout), opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("monitor stopped", "error", err)
		os.Exit(1)
	}
}
