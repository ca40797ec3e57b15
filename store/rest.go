package store

import (
	"context"
	"encoding/json"
	"fmt"

	"rigstatus/restclient"
)

// RESTBackend sends pipelines to an Upstash-style REST API, which takes a
// JSON array of commands at /pipeline and answers with one result object
// per command.
type RESTBackend struct {
	endpoint *restclient.Endpoint
}

func NewRESTBackend(endpoint *restclient.Endpoint) *RESTBackend {
	return &RESTBackend{endpoint: endpoint}
}

func (b *RESTBackend) Pipeline(ctx context.Context, cmds []Command) (json.RawMessage, error) {
	body, err := json.Marshal(cmds)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}
	reply, err := b.endpoint.PostJSON(ctx, "/pipeline", body)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

var _ Backend = (*RESTBackend)(nil)
