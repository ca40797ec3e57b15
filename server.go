package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/lesismal/nbio/nbhttp"
	"github.com/lesismal/nbio/nbhttp/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxReportSize  = 1 << 20
	requestTimeout = 30 * time.Second
)

const (
	transportHTTP      = "http"
	transportWebsocket = "websocket"
)

type server struct {
	ingester       *Ingester
	stats          *stats
	logger         *slog.Logger
	trustForwarded bool
	now            func() time.Time
}

func newServer(ingester *Ingester, st *stats, logger *slog.Logger, trustForwarded bool) *server {
	return &server{
		ingester:       ingester,
		stats:          st,
		logger:         logger,
		trustForwarded: trustForwarded,
		now:            time.Now,
	}
}

func (s *server) handler() http.Handler {
	mux := &http.ServeMux{}
	mux.HandleFunc("/recv", s.recv)
	mux.HandleFunc("/report", s.report)
	mux.Handle("/metrics", promhttp.HandlerFor(s.stats.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *server) engine(listen string) *nbhttp.Engine {
	return nbhttp.NewEngine(nbhttp.Config{
		Network:                 "tcp",
		Addrs:                   []string{listen},
		MaxLoad:                 100000,
		ReleaseWebsocketPayload: true,
		Handler:                 s.handler(),
	})
}

func (s *server) recv(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	received := s.now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportSize))
	if err != nil {
		s.logger.Warn("reading report failed", "remote", r.RemoteAddr, "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := s.ingester.Handle(r.Context(), Event{
		SourceIP:   s.sourceIP(r),
		UnixtimeMs: received.UnixMilli(),
		Body:       body,
		Transport:  transportHTTP,
	})
	writeResponse(w, resp)
}

// report accepts gzip-compressed reports over a websocket, one per
// message. Plain text messages are taken as uncompressed JSON.
func (s *server) report(w http.ResponseWriter, r *http.Request) {
	sourceIP := s.sourceIP(r)

	upgrader := websocket.NewUpgrader()
	upgrader.KeepaliveTime = 90 * time.Second
	upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}
	upgrader.EnableCompression(true)
	upgrader.OnOpen(func(c *websocket.Conn) {
		c.SetSession(sourceIP)
		s.logger.Info("reporter connected", "source_ip", sourceIP)
	})
	upgrader.OnClose(func(c *websocket.Conn, err error) {
		s.logger.Info("reporter disconnected", "source_ip", sourceIP, "error", err)
	})
	upgrader.OnMessage(func(c *websocket.Conn, mt websocket.MessageType, b []byte) {
		received := s.now()
		body, err := decodeMessage(mt, b)
		if err != nil {
			s.logger.Warn("undecodable report message", "source_ip", sourceIP, "error", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp := s.ingester.Handle(ctx, Event{
			SourceIP:   sourceIP,
			UnixtimeMs: received.UnixMilli(),
			Body:       body,
			Transport:  transportWebsocket,
		})
		if len(resp.Body) == 0 {
			return
		}
		if err := c.WriteMessage(websocket.TextMessage, resp.Body); err != nil {
			s.logger.Warn("writing reply failed", "source_ip", sourceIP, "error", err)
			c.Close()
		}
	})

	if _, err := upgrader.Upgrade(w, r, nil); err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
	}
}

// decodeMessage unpacks one websocket message into a JSON report.
func decodeMessage(mt websocket.MessageType, b []byte) ([]byte, error) {
	if mt != websocket.BinaryMessage {
		return append([]byte(nil), b...), nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(io.LimitReader(zr, maxReportSize))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	return body, nil
}

// sourceIP is the peer address, or the first X-Forwarded-For hop when
// the listener sits behind a trusted proxy.
func (s *server) sourceIP(r *http.Request) string {
	if s.trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeResponse(w http.ResponseWriter, resp Response) {
	if resp.Status == 0 {
		resp.Status = http.StatusNoContent
	}
	if resp.Status == http.StatusNoContent || len(resp.Body) == 0 {
		w.WriteHeader(resp.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}
