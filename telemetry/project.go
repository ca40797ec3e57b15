package telemetry

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// MetricInterval is the reporting interval, in seconds, attached to every
// metric point.
const MetricInterval = 10

// MetricPoint is one sample in the metrics backend's JSON format.
type MetricPoint struct {
	Name     string      `json:"name"`
	Value    json.Number `json:"value"`
	Time     int64       `json:"time"`
	Interval int         `json:"interval"`
	Tags     []string    `json:"tags"`
}

// Project turns the numeric leaves of a flattened status document into
// metric points tagged with the worker's identity. Booleans count as 0 or
// 1; strings, nulls and unexpanded lists are dropped. Host-only
// identities produce no points.
func Project(fields []Field, id Identity, unixtimeMs int64) []MetricPoint {
	if !id.IsWorker() {
		return nil
	}

	unixtime := unixtimeMs / 1000
	tags := []string{"miner=" + id.Name}

	var points []MetricPoint
	for _, f := range fields {
		value, ok := numericValue(f.Value)
		if !ok {
			continue
		}
		points = append(points, MetricPoint{
			Name:     "miner." + f.Path,
			Value:    value,
			Time:     unixtime,
			Interval: MetricInterval,
			Tags:     tags,
		})
	}
	return points
}

func numericValue(v gjson.Result) (json.Number, bool) {
	switch v.Type {
	case gjson.True:
		return "1", true
	case gjson.False:
		return "0", true
	case gjson.Number:
		return json.Number(v.Raw), true
	}
	return "", false
}
