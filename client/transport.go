package main

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"rigstatus/restclient"
)

// sender delivers an encoded report to the listener.
type sender interface {
	Send(ctx context.Context, report []byte) error
	Close() error
}

// httpSender posts each report to /recv.
type httpSender struct {
	endpoint *restclient.Endpoint
}

func (s *httpSender) Send(ctx context.Context, report []byte) error {
	_, err := s.endpoint.PostJSON(ctx, "/recv", report)
	return err
}

func (s *httpSender) Close() error { return nil }

// wsSender keeps one websocket to the listener's /report endpoint and
// writes each report as a gzip-compressed binary message. A failed write,
// or the listener closing its end, drops the connection; the next report
// dials again.
type wsSender struct {
	url         string
	dialTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSender(url string, dialTimeout time.Duration) *wsSender {
	return &wsSender{url: url, dialTimeout: dialTimeout}
}

func (s *wsSender) Send(ctx context.Context, report []byte) error {
	msg, err := gzipBytes(report)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = s.dialTimeout
		c, _, err := dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", s.url, err)
		}
		s.conn = c
		go s.readLoop(c)
	}

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// readLoop discards the listener's replies and processes control frames
// until c fails, then forgets c so the next Send redials.
func (s *wsSender) readLoop(c *websocket.Conn) {
	for {
		if _, _, err := c.NextReader(); err != nil {
			s.mu.Lock()
			if s.conn == c {
				s.conn = nil
			}
			s.mu.Unlock()
			c.Close()
			return
		}
	}
}

func (s *wsSender) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *wsSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.conn.Close()
	s.conn = nil
	return err
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(b); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}
