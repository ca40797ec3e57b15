package telemetry

import (
	"reflect"
	"testing"

	"github.com/tidwall/gjson"
)

func paths(fields []Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Path
	}
	return out
}

func TestFlattenNestedOrder(t *testing.T) {
	doc := gjson.Parse(`{
		"worker_id": "rig1",
		"cpu": {"brand": "AMD Ryzen 9", "cores": 16, "aes": true},
		"uptime": 3600,
		"connection": {"pool": "pool:3333", "diff": 1000}
	}`)

	got := paths(Flatten(doc))
	want := []string{
		"worker_id",
		"cpu.brand",
		"cpu.cores",
		"cpu.aes",
		"uptime",
		"connection.pool",
		"connection.diff",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected paths:\n got %v\nwant %v", got, want)
	}
}

func TestFlattenListSuffixes(t *testing.T) {
	doc := gjson.Parse(`{
		"hashrate": {"total": [812.5, 790.1, 801.0], "highest": 900.2},
		"hugepages": [1168, 1168],
		"resources": {"load_average": [1.5, 1.2, 0.9]}
	}`)

	fields := Flatten(doc)
	want := []string{
		"hashrate.total.10s",
		"hashrate.total.1m",
		"hashrate.total.15m",
		"hashrate.highest",
		"hugepages.got",
		"hugepages.want",
		"resources.load_average.1m",
		"resources.load_average.5m",
		"resources.load_average.15m",
	}
	if got := paths(fields); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected paths:\n got %v\nwant %v", got, want)
	}
	if v := fields[1].Value.Float(); v != 790.1 {
		t.Fatalf("expected hashrate.total.1m 790.1, got %v", v)
	}
}

func TestFlattenListLengths(t *testing.T) {
	doc := gjson.Parse(`{"hashrate": {"total": [1, 2, 3, 4, 5]}, "hugepages": [7]}`)

	got := paths(Flatten(doc))
	want := []string{
		"hashrate.total.10s",
		"hashrate.total.1m",
		"hashrate.total.15m",
		"hugepages.got",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected paths:\n got %v\nwant %v", got, want)
	}
}

func TestFlattenUnmappedListPassesThrough(t *testing.T) {
	doc := gjson.Parse(`{"algorithms": ["rx/0", "cn/r"], "results": {"best": [10, 9]}}`)

	fields := Flatten(doc)
	if got := paths(fields); !reflect.DeepEqual(got, []string{"algorithms", "results.best"}) {
		t.Fatalf("unexpected paths: %v", got)
	}
	if !fields[0].Value.IsArray() {
		t.Fatalf("expected algorithms to stay a list, got %s", fields[0].Value.Type)
	}
}

func TestFlattenDeterministic(t *testing.T) {
	doc := gjson.Parse(`{"b": 1, "a": {"z": 2, "y": [1, 2]}, "hugepages": [1, 2], "c": null}`)

	first := Flatten(doc)
	second := Flatten(doc)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("flatten is not deterministic:\n%v\n%v", first, second)
	}
}

func TestFlattenNonObject(t *testing.T) {
	for _, raw := range []string{`[1, 2]`, `"text"`, `42`, ``} {
		if fields := Flatten(gjson.Parse(raw)); len(fields) != 0 {
			t.Fatalf("expected no fields for %q, got %v", raw, fields)
		}
	}
}
