package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// stats are the listener's own metrics, served at /metrics.
type stats struct {
	registry *prometheus.Registry

	reports        *prometheus.CounterVec
	storeWrites    *prometheus.CounterVec
	metricPoints   prometheus.Counter
	metricsPublish *prometheus.CounterVec
	panics         prometheus.Counter
}

func newStats() *stats {
	reports := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rigstatus_reports_total",
		Help: "Reports received, by transport.",
	}, []string{"transport"})
	storeWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rigstatus_store_writes_total",
		Help: "Status store writes, by outcome (verified, unverified, failed).",
	}, []string{"outcome"})
	metricPoints := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rigstatus_metric_points_total",
		Help: "Metric points projected from worker reports.",
	})
	metricsPublish := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rigstatus_metrics_publish_total",
		Help: "Metric publish requests, by outcome (published, failed).",
	}, []string{"outcome"})
	panics := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rigstatus_ingest_panics_total",
		Help: "Reports whose processing panicked.",
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(reports, storeWrites, metricPoints, metricsPublish, panics)

	return &stats{
		registry:       reg,
		reports:        reports,
		storeWrites:    storeWrites,
		metricPoints:   metricPoints,
		metricsPublish: metricsPublish,
		panics:         panics,
	}
}
