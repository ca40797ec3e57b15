package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/lesismal/nbio/nbhttp/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestServer(t *testing.T, trustForwarded bool) (*testListener, *httptest.Server) {
	t.Helper()
	l := newTestListener(t)
	srv := httptest.NewServer(newServer(l.ingester, l.stats, l.ingester.logger, trustForwarded).handler())
	t.Cleanup(srv.Close)
	return l, srv
}

func TestRecv(t *testing.T) {
	l, srv := newTestServer(t, false)

	resp, err := http.Post(srv.URL+"/recv", "application/json", strings.NewReader(`{"miner_status":{"worker_id":"rig1"}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	rec := l.record(t, "worker:rig1")
	if rec.SourceIP != "127.0.0.1" {
		t.Fatalf("expected peer address, got %q", rec.SourceIP)
	}
	if got := testutil.ToFloat64(l.stats.reports.WithLabelValues(transportHTTP)); got != 1 {
		t.Fatalf("expected one http report, got %v", got)
	}
}

func TestRecvForwardedFor(t *testing.T) {
	l, srv := newTestServer(t, true)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/recv", strings.NewReader(`{}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	l.record(t, "host:203.0.113.7")
}

func TestRecvIgnoresForwardedForUntrusted(t *testing.T) {
	l, srv := newTestServer(t, false)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/recv", strings.NewReader(`{}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	l.record(t, "host:127.0.0.1")
}

func TestRecvRejectsGet(t *testing.T) {
	_, srv := newTestServer(t, false)

	resp, err := http.Get(srv.URL + "/recv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestServer(t, false)

	resp, err := http.Post(srv.URL+"/recv", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `rigstatus_reports_total{transport="http"} 1`) {
		t.Fatalf("expected report counter in exposition, got:\n%s", body)
	}
	if !strings.Contains(string(body), `rigstatus_store_writes_total{outcome="verified"} 1`) {
		t.Fatalf("expected store write counter in exposition, got:\n%s", body)
	}
}

func TestDecodeMessage(t *testing.T) {
	report := []byte(`{"miner_status":{"worker_id":"rig1"}}`)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(report)
	zw.Close()

	got, err := decodeMessage(websocket.BinaryMessage, buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, report) {
		t.Fatalf("got %s", got)
	}

	got, err = decodeMessage(websocket.TextMessage, report)
	if err != nil || !bytes.Equal(got, report) {
		t.Fatalf("expected text message to pass through, got %s %v", got, err)
	}

	if _, err := decodeMessage(websocket.BinaryMessage, []byte("not gzip")); err == nil {
		t.Fatal("expected an error for a corrupt message")
	}
}
