// Package httptp sends GraphQL operations as JSON POST requests.
package httptp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/fetch"
	reqid "github.com/hanpama/graphcache/internal/reqid"
)

// Transport is a GraphQL-over-HTTP client. Connection failures are reported
// as *fetch.TransportError, bad statuses and undecodable bodies as
// *fetch.ProtocolError.
type Transport struct {
	opts   *Options
	client *http.Client
	closed atomic.Bool
}

func New(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	c := o.Client
	if c == nil {
		c = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &Transport{opts: o, client: c}
}

// Ensure we satisfy fetch.Transport
var _ fetch.Transport = (*Transport)(nil)

func (t *Transport) Send(ctx context.Context, op *fetch.Operation) (*fetch.Response, error) {
	if t.closed.Load() {
		return nil, fetch.ErrClosed
	}
	if t.opts.Provider == nil {
		return nil, fmt.Errorf("httptp: provider not configured")
	}
	endpoints, err := t.opts.Provider.Endpoints(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := endpoints[rand.Intn(len(endpoints))]

	if _, ok := ctx.Deadline(); !ok && t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("httptp: encode operation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httptp: %w", err)
	}
	for k, vs := range t.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/graphql-response+json, application/json")
	if id, ok := reqid.FromContext(ctx); ok {
		req.Header.Set("X-Request-Id", id)
	}

	start := time.Now()
	eventbus.Publish(ctx, events.HTTPClientStart{
		Request:       req,
		OperationName: op.OperationName,
		Kind:          string(op.Kind),
	})
	resp, status, err := t.do(req)
	eventbus.Publish(ctx, events.HTTPClientFinish{
		Request:       req,
		OperationName: op.OperationName,
		Status:        status,
		Err:           err,
		Duration:      time.Since(start),
	})
	return resp, err
}

func (t *Transport) do(req *http.Request) (*fetch.Response, int, error) {
	res, err := t.client.Do(req)
	if err != nil {
		return nil, 0, &fetch.TransportError{Err: err}
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, t.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, res.StatusCode, &fetch.TransportError{Err: err}
	}
	if int64(len(raw)) > t.opts.MaxBodyBytes {
		return nil, res.StatusCode, &fetch.ProtocolError{
			StatusCode: res.StatusCode,
			Message:    fmt.Sprintf("response body exceeds %d bytes", t.opts.MaxBodyBytes),
		}
	}
	var out fetch.Response
	decodeErr := json.Unmarshal(raw, &out)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		pe := &fetch.ProtocolError{
			StatusCode: res.StatusCode,
			Message:    http.StatusText(res.StatusCode),
			Body:       string(raw),
			Retryable:  fetch.RetryableStatus(res.StatusCode),
		}
		if decodeErr == nil {
			pe.Errors = out.Errors
		}
		return nil, res.StatusCode, pe
	}
	if decodeErr != nil {
		return nil, res.StatusCode, &fetch.ProtocolError{
			StatusCode: res.StatusCode,
			Message:    "decode body: " + decodeErr.Error(),
			Body:       string(raw),
		}
	}
	return &out, res.StatusCode, nil
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.client.CloseIdleConnections()
	return nil
}
