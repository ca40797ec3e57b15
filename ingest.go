package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/tidwall/gjson"

	"rigstatus/metrics"
	"rigstatus/store"
	"rigstatus/telemetry"
)

// Event is one inbound report with the metadata of the request that
// carried it.
type Event struct {
	SourceIP   string
	UnixtimeMs int64
	Body       []byte
	Transport  string
}

func (ev Event) Unixtime() float64 {
	return float64(ev.UnixtimeMs) / 1000
}

// Response is what the listener answers the worker with.
type Response struct {
	Status int
	Body   []byte
}

var noContent = Response{Status: http.StatusNoContent}

const errNoStatus = `{"message":"miner_status not supplied"}`

// report accumulates everything derived from one Event. It is built by
// receive and then only read by the consumers.
type report struct {
	event    Event
	status   []byte
	fields   []telemetry.Field
	identity telemetry.Identity
	minerAPI json.RawMessage
	host     json.RawMessage
	errors   []json.RawMessage
}

func (r *report) addError(err error) {
	msg, _ := json.Marshal(map[string]string{"message": err.Error()})
	r.errors = append(r.errors, msg)
}

type fieldHandler func(r *report, value gjson.Result) error

// fieldHandlers lists the top-level report fields the listener
// understands. Anything else is logged and ignored.
var fieldHandlers = map[string]fieldHandler{
	"miner_status": receiveMinerStatus,
	"miner_api":    receiveMinerAPI,
	"miner_host":   receiveMinerHost,
	"error":        receiveError,
}

func receiveMinerStatus(r *report, value gjson.Result) error {
	raw := []byte(value.Raw)
	r.fields = telemetry.Flatten(value)
	sanitized, err := telemetry.Sanitize(raw)
	if err != nil {
		return err
	}
	r.status = sanitized
	return nil
}

func receiveMinerAPI(r *report, value gjson.Result) error {
	if value.Type != gjson.Null {
		r.minerAPI = json.RawMessage(value.Raw)
	}
	return nil
}

func receiveMinerHost(r *report, value gjson.Result) error {
	if !value.IsObject() {
		return fmt.Errorf("miner_host is %s, not an object", value.Type)
	}
	r.host = json.RawMessage(value.Raw)
	return nil
}

func receiveError(r *report, value gjson.Result) error {
	if value.Type != gjson.Null {
		r.errors = append(r.errors, json.RawMessage(value.Raw))
	}
	return nil
}

// consumer is one output of the ingestion pipeline. A nil response means
// it has nothing to tell the worker.
type consumer interface {
	Name() string
	Consume(ctx context.Context, r *report) (*Response, error)
}

type Ingester struct {
	resolver  *telemetry.Resolver
	consumers []consumer
	stats     *stats
	logger    *slog.Logger
}

func newIngester(resolver *telemetry.Resolver, consumers []consumer, st *stats, logger *slog.Logger) *Ingester {
	return &Ingester{
		resolver:  resolver,
		consumers: consumers,
		stats:     st,
		logger:    logger,
	}
}

// Handle runs ev through every consumer and merges their replies. It never
// fails: anything unexpected is logged with the payload and answered with
// no content.
func (in *Ingester) Handle(ctx context.Context, ev Event) (resp Response) {
	defer func() {
		if v := recover(); v != nil {
			in.stats.panics.Inc()
			in.logger.Error("ingest panicked",
				"panic", v,
				"source_ip", ev.SourceIP,
				"payload", string(ev.Body),
				"stack", string(debug.Stack()),
			)
			resp = noContent
		}
	}()
	in.stats.reports.WithLabelValues(ev.Transport).Inc()

	r := in.receive(ctx, ev)

	var responses []Response
	for _, c := range in.consumers {
		out, err := c.Consume(ctx, r)
		if err != nil {
			in.logger.Error("consumer failed",
				"consumer", c.Name(),
				"key", r.identity.Key(),
				"error", err,
				"payload", string(ev.Body),
			)
			continue
		}
		if out != nil && out.Status != http.StatusNoContent {
			responses = append(responses, *out)
		}
	}
	return mergeResponses(responses)
}

// receive dispatches the body's fields and resolves the identity.
func (in *Ingester) receive(ctx context.Context, ev Event) *report {
	r := &report{event: ev}

	// gjson does not validate, so malformed bodies are caught here before
	// their raw bytes reach the record or the metric points.
	var bodyErr error
	body := gjson.ParseBytes(ev.Body)
	switch {
	case !gjson.ValidBytes(ev.Body):
		bodyErr = errors.New("report body is not valid JSON")
	case !body.IsObject():
		bodyErr = errors.New("report body is not a JSON object")
	}
	if bodyErr != nil {
		in.logger.Warn("malformed report body", "source_ip", ev.SourceIP, "error", bodyErr, "payload", string(ev.Body))
		r.addError(bodyErr)
		r.identity = in.resolver.Resolve(ctx, nil, ev.SourceIP)
		return r
	}
	body.ForEach(func(key, value gjson.Result) bool {
		handler, ok := fieldHandlers[key.String()]
		if !ok {
			in.logger.Warn("no receiver for field", "field", key.String(), "source_ip", ev.SourceIP)
			return true
		}
		if err := handler(r, value); err != nil {
			in.logger.Warn("malformed field", "field", key.String(), "error", err, "payload", string(ev.Body))
			r.addError(err)
		}
		return true
	})

	r.identity = in.resolver.Resolve(ctx, r.fields, ev.SourceIP)
	return r
}

// mergeResponses answers no content when nobody replied, passes a single
// reply through and wraps several in {"responses": [...]}.
func mergeResponses(responses []Response) Response {
	switch len(responses) {
	case 0:
		return noContent
	case 1:
		return responses[0]
	}
	bodies := make([]json.RawMessage, len(responses))
	for i, resp := range responses {
		bodies[i] = resp.Body
		if !json.Valid(resp.Body) {
			bodies[i], _ = json.Marshal(string(resp.Body))
		}
	}
	body, _ := json.Marshal(map[string][]json.RawMessage{"responses": bodies})
	return Response{Status: http.StatusOK, Body: body}
}

// statusRecorder writes the report to the status store.
type statusRecorder struct {
	store  *store.Store
	stats  *stats
	logger *slog.Logger
}

func (s *statusRecorder) Name() string { return "status" }

func (s *statusRecorder) Consume(ctx context.Context, r *report) (*Response, error) {
	rec := buildRecord(r)
	res, err := s.store.Put(ctx, rec)
	switch {
	case err != nil:
		s.stats.storeWrites.WithLabelValues("failed").Inc()
		return nil, err
	case !res.Verified:
		s.stats.storeWrites.WithLabelValues("unverified").Inc()
	default:
		s.stats.storeWrites.WithLabelValues("verified").Inc()
	}
	s.logger.Debug("status recorded", "key", rec.Key, "verified", res.Verified)
	return nil, nil
}

// buildRecord turns the report into the stored record. A host-only report
// that carries neither a status nor an error is marked as such.
func buildRecord(r *report) *store.Record {
	rec := &store.Record{
		Key:      r.identity.Key(),
		Identity: r.identity.Name,
		Unixtime: r.event.Unixtime(),
		SourceIP: r.event.SourceIP,
		Status:   r.status,
		MinerAPI: r.minerAPI,
		Host:     r.host,
		Errors:   r.errors,
	}
	if !r.identity.IsWorker() && len(r.status) == 0 && len(r.errors) == 0 {
		rec.Errors = []json.RawMessage{json.RawMessage(errNoStatus)}
	}
	return rec
}

// metricsRecorder projects worker reports to metric points and publishes
// them.
type metricsRecorder struct {
	publisher *metrics.Publisher
	stats     *stats
}

func (m *metricsRecorder) Name() string { return "metrics" }

func (m *metricsRecorder) Consume(ctx context.Context, r *report) (*Response, error) {
	points := telemetry.Project(r.fields, r.identity, r.event.UnixtimeMs)
	if len(points) == 0 {
		return nil, nil
	}
	m.stats.metricPoints.Add(float64(len(points)))

	if _, err := m.publisher.Publish(ctx, points); err != nil {
		m.stats.metricsPublish.WithLabelValues("failed").Inc()
		// The publisher has already logged a short count.
		if errors.Is(err, metrics.ErrPartialPublish) {
			return nil, nil
		}
		return nil, err
	}
	m.stats.metricsPublish.WithLabelValues("published").Inc()
	return nil, nil
}
