// Package restclient talks to the bearer-token JSON APIs the listener
// writes to: the status store's REST pipeline and the metrics backend.
package restclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

const defaultTimeout = 10 * time.Second

// StatusError is returned for any non-2xx reply.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, truncate(e.Body, 256))
}

// Endpoint is an API base URL plus the token sent with every request.
// It is safe for concurrent use.
type Endpoint struct {
	baseURL     string
	accessToken string
	timeout     time.Duration
	client      *client.Client
}

func New(baseURL, accessToken string, timeout time.Duration) (*Endpoint, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse %q: %w", baseURL, err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c, err := client.NewClient(
		client.WithDialTimeout(timeout),
		client.WithClientReadTimeout(timeout),
		client.WithWriteTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}

	return &Endpoint{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		timeout:     timeout,
		client:      c,
	}, nil
}

func (e *Endpoint) URL(route string) string {
	return e.baseURL + "/" + strings.TrimLeft(route, "/")
}

// PostJSON posts body to route and returns the reply body. Replies
// outside 2xx come back as a *StatusError carrying the body.
func (e *Endpoint) PostJSON(ctx context.Context, route string, body []byte) ([]byte, error) {
	return e.do(ctx, consts.MethodPost, route, body)
}

func (e *Endpoint) Get(ctx context.Context, route string) ([]byte, error) {
	return e.do(ctx, consts.MethodGet, route, nil)
}

func (e *Endpoint) do(ctx context.Context, method, route string, body []byte) ([]byte, error) {
	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetMethod(method)
	req.SetRequestURI(e.URL(route))
	if e.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.accessToken)
	}
	if body != nil {
		req.Header.SetContentTypeBytes([]byte("application/json"))
		req.SetBody(body)
	}

	if err := e.client.DoTimeout(ctx, req, resp, e.timeout); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, e.URL(route), err)
	}

	reply := append([]byte(nil), resp.Body()...)
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return reply, &StatusError{Code: code, Body: reply}
	}
	return reply, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
