// Package metrics publishes projected miner metrics to a Graphite-style
// HTTP API that accepts a JSON array of points at /metrics and answers
// with the number it published.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"rigstatus/restclient"
	"rigstatus/telemetry"
)

// ErrPartialPublish is returned when the backend published fewer points
// than it was sent, or its reply could not be read.
var ErrPartialPublish = errors.New("metrics not fully published")

type Publisher struct {
	endpoint *restclient.Endpoint
	logger   *slog.Logger
}

func NewPublisher(endpoint *restclient.Endpoint, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{endpoint: endpoint, logger: logger}
}

type publishReply struct {
	Published *int `json:"published"`
}

// Publish sends points in one request. It is fire-and-forget from the
// caller's point of view: a short count is logged together with the raw
// reply, never retried, and reported as ErrPartialPublish.
func (p *Publisher) Publish(ctx context.Context, points []telemetry.MetricPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	body, err := json.Marshal(points)
	if err != nil {
		return 0, fmt.Errorf("marshal metrics: %w", err)
	}

	reply, err := p.endpoint.PostJSON(ctx, "/metrics", body)
	var statusErr *restclient.StatusError
	if err != nil && !errors.As(err, &statusErr) {
		return 0, fmt.Errorf("publish metrics: %w", err)
	}

	var r publishReply
	if jsonErr := json.Unmarshal(reply, &r); statusErr != nil || jsonErr != nil || r.Published == nil || *r.Published != len(points) {
		published := 0
		if r.Published != nil {
			published = *r.Published
		}
		p.logger.Warn("metrics not fully published",
			"sent", len(points),
			"published", published,
			"reply", string(reply),
		)
		return published, ErrPartialPublish
	}
	return *r.Published, nil
}
