// Command rigstatus-client reports the local xmrig miner's status to the
// rigstatus listener on a cron schedule.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/henrylee2cn/goutil/calendar/cron"
	"github.com/spf13/pflag"

	"rigstatus/client/model"
	"rigstatus/config"
	"rigstatus/restclient"
)

func main() {
	configPath := pflag.StringP("config", "c", "rigstatus.yaml", "path to the configuration file")
	once := pflag.Bool("once", false, "send a single report and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rigstatus-client: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	cc := cfg.Client
	if cc.URL == "" {
		logger.Error("client.url is required")
		os.Exit(1)
	}

	xmrig, err := restclient.New(cc.XMRigURL, cc.XMRigToken, cc.Timeout)
	if err != nil {
		logger.Error("bad xmrig url", "error", err)
		os.Exit(1)
	}

	var s sender
	switch cc.Transport {
	case "http":
		ep, err := restclient.New(cc.URL, "", cc.Timeout)
		if err != nil {
			logger.Error("bad listener url", "error", err)
			os.Exit(1)
		}
		s = &httpSender{endpoint: ep}
	default:
		s = newWSSender(cc.URL, cc.Timeout)
	}
	defer s.Close()

	r := &reporter{xmrig: xmrig, sender: s, logger: logger}
	if cc.AdvertiseAPI != "" {
		r.advertise = &model.APIEndpoint{
			URL:         strings.TrimRight(cc.AdvertiseAPI, "/"),
			AccessToken: cc.XMRigToken,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		run(ctx, r, cc)
		return
	}

	logger.Info("reporting", "to", cc.URL, "transport", cc.Transport, "schedule", cc.Schedule)
	c := cron.New()
	if err := c.AddFunc(cc.Schedule, func() { run(ctx, r, cc) }); err != nil {
		logger.Error("bad schedule", "schedule", cc.Schedule, "error", err)
		os.Exit(1)
	}
	c.Start()
	<-ctx.Done()
	c.Stop()
}

func run(ctx context.Context, r *reporter, cc config.ClientConfig) {
	ctx, cancel := context.WithTimeout(ctx, 2*cc.Timeout)
	defer cancel()
	r.run(ctx)
}
