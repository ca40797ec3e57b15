package main

import (
	"log/slog"
	"net"

	"rigstatus/config"
	"rigstatus/metrics"
	"rigstatus/restclient"
	"rigstatus/store"
	"rigstatus/telemetry"
)

func newResolver(cfg *config.Config) *telemetry.Resolver {
	return &telemetry.Resolver{
		HomeNetwork:    cfg.HomeNetworkPrefix(),
		HostnamesByCPU: cfg.HomeHostnamesByCPU,
		Suffix:         cfg.CanonicalSuffix,
		DNS:            net.DefaultResolver,
		DNSTimeout:     cfg.DNSTimeout,
	}
}

// openConsumers builds the ingestion outputs. Metrics are only published
// when a metrics backend is configured.
func openConsumers(cfg *config.Config, st *stats, logger *slog.Logger) ([]consumer, error) {
	statusStore, err := store.Open(cfg.Store, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	consumers := []consumer{
		&statusRecorder{store: statusStore, stats: st, logger: logger},
	}

	if cfg.Metrics.URL == "" {
		logger.Warn("metrics.url not set, metrics will not be published")
		return consumers, nil
	}
	ep, err := restclient.New(cfg.Metrics.URL, cfg.Metrics.AccessToken, cfg.Metrics.Timeout)
	if err != nil {
		return nil, err
	}
	consumers = append(consumers, &metricsRecorder{
		publisher: metrics.NewPublisher(ep, logger),
		stats:     st,
	})
	return consumers, nil
}
