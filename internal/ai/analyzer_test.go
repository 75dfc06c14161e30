package ai

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
	"github.com/althrussell/databricks-sql-copilot/internal/events"
	"github.com/althrussell/databricks-sql-copilot/internal/gate"
	"github.com/althrussell/databricks-sql-copilot/internal/retry"
	"github.com/althrussell/databricks-sql-copilot/internal/store"
)

// fakeEndpoint answers every invocation with content.
type fakeEndpoint struct {
	content string
	err     error
	hold    time.Duration

	mu      sync.Mutex
	path    string
	request chatRequest
	current atomic.Int32
	peak    atomic.Int32
	invokes atomic.Int32
}

func (f *fakeEndpoint) Call(_ context.Context, _ retry.Policy, method, path string, body, out interface{}) error {
	f.invokes.Add(1)
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.hold)

	f.mu.Lock()
	f.path = path
	f.request = body.(chatRequest)
	f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": f.content}},
		},
	})
	return json.Unmarshal(raw, out)
}

type captureQueue struct {
	mu     sync.Mutex
	events []events.Event
}

func (q *captureQueue) Submit(e events.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, e)
	return true
}

func (q *captureQueue) Events() []events.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]events.Event(nil), q.events...)
}

func newTestAnalyzer(t *testing.T, api Caller, q Submitter) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(api, gate.New(2), q, Config{Endpoint: "copilot-llm"}, nil)
	require.NoError(t, err)
	return a
}

func TestAnalyze_Success(t *testing.T) {
	t.Parallel()

	api := &fakeEndpoint{content: "```json\n" + `{"summary":["Full table scan"],"rewrittenSql":"SELECT id FROM t WHERE d > '2026-01-01'","severity":"high","recommendations":[{"title":"Add a date filter"}]}` + "\n```"}
	q := &captureQueue{}
	a := newTestAnalyzer(t, api, q)

	res, err := a.Analyze(context.Background(), Request{SQL: "SELECT * FROM t", RequestedBy: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, res.Severity)
	assert.Equal(t, []string{"Full table scan"}, res.Summary)
	require.Len(t, res.Recommendations, 1)
	assert.False(t, res.Repaired)

	assert.Equal(t, "/serving-endpoints/copilot-llm/invocations", api.path)
	require.Len(t, api.request.Messages, 2)
	assert.Equal(t, "system", api.request.Messages[0].Role)
	assert.Contains(t, api.request.Messages[1].Content, "SELECT * FROM t")

	evs := q.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindAnalysisCompleted, evs[0].Kind)
	rec, ok := evs[0].Payload.(store.Record)
	require.True(t, ok)
	assert.Equal(t, "SELECT * FROM t", rec.Statement)
	assert.Equal(t, "high", rec.Severity)
	assert.Equal(t, "alice@example.com", rec.RequestedBy)
}

func TestAnalyze_TruncatedOutputIsRepaired(t *testing.T) {
	t.Parallel()

	api := &fakeEndpoint{content: `{"summary":["a","b"],"rewrittenSql":"SELECT 1`}
	a := newTestAnalyzer(t, api, nil)

	res, err := a.Analyze(context.Background(), Request{SQL: "SELECT 1"})
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.Equal(t, []string{"a", "b"}, res.Summary)
	assert.Equal(t, SeverityMedium, res.Severity)
}

func TestAnalyze_MalformedOutputFails(t *testing.T) {
	t.Parallel()

	api := &fakeEndpoint{content: "I'm sorry, I can't produce JSON for that."}
	q := &captureQueue{}
	a := newTestAnalyzer(t, api, q)

	res, err := a.Analyze(context.Background(), Request{SQL: "SELECT 1"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, dserrors.ErrMalformedResponse)
	assert.EqualValues(t, 1, api.invokes.Load())

	evs := q.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindAnalysisFailed, evs[0].Kind)
}

func TestAnalyze_InvocationErrorSurfaces(t *testing.T) {
	t.Parallel()

	api := &fakeEndpoint{err: &dserrors.PermissionDeniedError{StatusCode: 403, Body: "PERMISSION_DENIED"}}
	a := newTestAnalyzer(t, api, nil)

	_, err := a.Analyze(context.Background(), Request{SQL: "SELECT 1"})
	assert.True(t, dserrors.IsPermissionDenied(err))
}

func TestAnalyze_GateBoundsConcurrency(t *testing.T) {
	t.Parallel()

	api := &fakeEndpoint{content: `{"summary":["ok"]}`, hold: 50 * time.Millisecond}
	a := newTestAnalyzer(t, api, nil)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Analyze(context.Background(), Request{SQL: "SELECT 1"}); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, ok.Load())
	assert.LessOrEqual(t, api.peak.Load(), int32(2))
}

func TestAnalyze_EmptySQL(t *testing.T) {
	t.Parallel()

	api := &fakeEndpoint{}
	_, err := newTestAnalyzer(t, api, nil).Analyze(context.Background(), Request{SQL: "  "})
	assert.Error(t, err)
	assert.Zero(t, api.invokes.Load())
}

func TestNewAnalyzer_RequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewAnalyzer(&fakeEndpoint{}, nil, nil, Config{}, nil)
	var ce dserrors.ConfigError
	assert.True(t, errors.As(err, &ce))
}
