// Package transport issues single HTTP calls under a hard deadline.
//
// Every call gets its own deadline timer, armed when the call starts and
// released on every return path. A call that runs out of time fails with
// ErrTimedOut; a call abandoned because the caller's context ended fails
// with ErrCancelled. The two are never confused.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/althrussell/databricks-sql-copilot/internal/metrics"
)

var (
	// ErrTimedOut means the per-call deadline fired.
	ErrTimedOut = errors.New("request timed out")

	// ErrCancelled means the caller's context was cancelled or hit its own deadline.
	ErrCancelled = errors.New("request cancelled")

	errDeadline = errors.New("per-call deadline exceeded")
)

const (
	// DefaultTimeout applies when a call passes no timeout.
	DefaultTimeout = 30 * time.Second

	defaultMaxBody = 32 << 20
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Transport wraps a Doer with per-call deadlines.
type Transport struct {
	client         Doer
	defaultTimeout time.Duration
	maxBody        int64
}

// New creates a Transport. A nil client uses a fresh http.Client with no
// client-level timeout; deadlines come from Do.
func New(client Doer, defaultTimeout time.Duration) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Transport{
		client:         client,
		defaultTimeout: defaultTimeout,
		maxBody:        defaultMaxBody,
	}
}

// Guard runs fn under a per-call deadline derived from ctx. The timer is
// released when fn returns, whatever the outcome.
func Guard(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}

	callCtx, cancel := context.WithTimeoutCause(ctx, timeout, errDeadline)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if callCtx.Err() == nil {
		return err
	}
	if errors.Is(context.Cause(callCtx), errDeadline) {
		return fmt.Errorf("%w after %s: %w", ErrTimedOut, timeout, err)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// Do sends req and reads the whole body before the deadline. timeout <= 0
// uses the transport default.
func (t *Transport) Do(ctx context.Context, req *http.Request, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}

	var out *Response
	start := time.Now()
	err := Guard(ctx, timeout, func(callCtx context.Context) error {
		resp, err := t.client.Do(req.WithContext(callCtx))
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		out = &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		}
		return nil
	})
	observe(req.Method, err, start)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return out, nil
}

func observe(method string, err error, start time.Time) {
	outcome := "ok"
	switch {
	case errors.Is(err, ErrTimedOut):
		outcome = "timeout"
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	metrics.ObserveRequest(method, outcome, time.Since(start).Seconds())
}
