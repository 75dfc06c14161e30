package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slowServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTransport_Success(t *testing.T) {
	t.Parallel()
	srv := slowServer(t, 0)

	tr := New(srv.Client(), time.Second)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ok", nil)
	require.NoError(t, err)

	resp, err := tr.Do(context.Background(), req, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, resp.OK())
	assert.Equal(t, "yes", resp.Header.Get("X-Test"))
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestTransport_TimedOut(t *testing.T) {
	t.Parallel()
	srv := slowServer(t, 2*time.Second)

	tr := New(srv.Client(), time.Second)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/slow", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = tr.Do(context.Background(), req, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.False(t, errors.Is(err, ErrCancelled))
	assert.Less(t, time.Since(start), time.Second)
}

func TestTransport_CancelledByCaller(t *testing.T) {
	t.Parallel()
	srv := slowServer(t, 2*time.Second)

	tr := New(srv.Client(), time.Second)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/slow", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err = tr.Do(ctx, req, 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, errors.Is(err, ErrTimedOut))
}

func TestTransport_CallerDeadlineIsCancellation(t *testing.T) {
	t.Parallel()
	srv := slowServer(t, 2*time.Second)

	tr := New(srv.Client(), time.Second)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/slow", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = tr.Do(ctx, req, 5*time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestTransport_AlreadyCancelledContext(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	tr := New(srv.Client(), time.Second)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = tr.Do(ctx, req, time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, calls.Load())
}

type failingDoer struct{ err error }

func (d failingDoer) Do(*http.Request) (*http.Response, error) { return nil, d.err }

func TestTransport_NetworkErrorIsNeitherTimeoutNorCancel(t *testing.T) {
	t.Parallel()

	tr := New(failingDoer{err: errors.New("connection reset by peer")}, time.Second)
	req, err := http.NewRequest(http.MethodGet, "http://example.invalid/x", nil)
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), req, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.False(t, errors.Is(err, ErrTimedOut))
	assert.False(t, errors.Is(err, ErrCancelled))
}

func TestGuard(t *testing.T) {
	t.Parallel()

	t.Run("passes through success", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, Guard(context.Background(), time.Second, func(context.Context) error { return nil }))
	})

	t.Run("passes through plain errors", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		err := Guard(context.Background(), time.Second, func(context.Context) error { return boom })
		assert.Same(t, boom, err)
	})

	t.Run("deadline becomes ErrTimedOut", func(t *testing.T) {
		t.Parallel()
		err := Guard(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, ErrTimedOut)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("caller cancel becomes ErrCancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		err := Guard(ctx, time.Minute, func(callCtx context.Context) error {
			cancel()
			<-callCtx.Done()
			return callCtx.Err()
		})
		assert.ErrorIs(t, err, ErrCancelled)
		assert.False(t, errors.Is(err, ErrTimedOut))
	})
}
