package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"rigstatus/client/model"
	"rigstatus/restclient"
)

// reporter polls the local miner API and forwards what it finds, or why
// it found nothing, to the listener.
type reporter struct {
	xmrig     *restclient.Endpoint
	advertise *model.APIEndpoint
	sender    sender
	logger    *slog.Logger
}

// collect builds one report. Failures to reach the miner end up in the
// report's error field rather than being returned.
func (r *reporter) collect(ctx context.Context) *model.Report {
	rep := &model.Report{
		Host:     GetHost(),
		MinerAPI: r.advertise,
	}

	body, err := r.xmrig.Get(ctx, "/2/summary")
	var statusErr *restclient.StatusError
	switch {
	case errors.As(err, &statusErr):
		rep.Error = &model.HTTPError{
			Code:    statusErr.Code,
			Message: http.StatusText(statusErr.Code),
			Body:    string(statusErr.Body),
		}
		return rep
	case err != nil:
		rep.Error = &model.GoError{Message: err.Error()}
		return rep
	}

	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		rep.Error = &model.GoError{
			Message: "miner summary is not a JSON object",
			Context: truncate(string(body), 512),
		}
		return rep
	}
	rep.MinerStatus = json.RawMessage(body)
	return rep
}

// run collects and sends one report.
func (r *reporter) run(ctx context.Context) {
	rep := r.collect(ctx)
	if rep.Error != nil {
		r.logger.Warn("miner unavailable", "error", rep.Error)
	}

	body, err := json.Marshal(rep)
	if err != nil {
		r.logger.Error("encoding report failed", "error", err)
		return
	}
	if err := r.sender.Send(ctx, body); err != nil {
		r.logger.Error("sending report failed", "error", err)
		return
	}
	r.logger.Debug("report sent", "bytes", len(body))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
