package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/althrussell/databricks-sql-copilot/internal/ai"
	"github.com/althrussell/databricks-sql-copilot/internal/auth"
	"github.com/althrussell/databricks-sql-copilot/internal/controlplane"
	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
	"github.com/althrussell/databricks-sql-copilot/internal/store"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
)

type fakeAnalyzer struct {
	err      error
	gotReq   ai.Request
	gotToken string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req ai.Request) (*ai.Analysis, error) {
	f.gotReq = req
	f.gotToken = auth.OBOTokenFrom(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return &ai.Analysis{Summary: []string{"full scan"}, Severity: ai.SeverityHigh}, nil
}

type fakeHistory struct {
	limit int
	recs  []store.Record
}

func (f *fakeHistory) RecentAnalyses(_ context.Context, limit int) ([]store.Record, error) {
	f.limit = limit
	return f.recs, nil
}

type fakeDirectory struct{}

func (fakeDirectory) CurrentUser(ctx context.Context) (*controlplane.User, error) {
	if auth.OBOTokenFrom(ctx) == "" {
		return &controlplane.User{UserName: "copilot-app@example.com"}, nil
	}
	return &controlplane.User{UserName: "analyst@example.com"}, nil
}

func newMux(deps Deps) *http.ServeMux {
	mux := http.NewServeMux()
	Register(mux, deps, nil)
	return mux
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	analyzer := &fakeAnalyzer{}
	mux := newMux(Deps{Analyzer: analyzer})

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader(`{"sql":"SELECT * FROM sales"}`))
	req.Header.Set(auth.ForwardedTokenHeader, "user-token")
	req.Header.Set(ForwardedEmailHeader, "analyst@example.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got ai.Analysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"full scan"}, got.Summary)
	assert.Equal(t, ai.SeverityHigh, got.Severity)
	assert.Equal(t, "SELECT * FROM sales", analyzer.gotReq.SQL)
	assert.Equal(t, "analyst@example.com", analyzer.gotReq.RequestedBy)
	assert.Equal(t, "user-token", analyzer.gotToken)
}

func TestAnalyze_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `SELECT 1`},
		{name: "empty sql", body: `{"sql":"   "}`},
		{name: "unknown field", body: `{"query":"SELECT 1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mux := newMux(Deps{Analyzer: &fakeAnalyzer{}})
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAnalyze_NotConfigured(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newMux(Deps{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader(`{"sql":"SELECT 1"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAnalyze_ErrorStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "permission", err: &dserrors.PermissionDeniedError{StatusCode: 403}, status: http.StatusForbidden},
		{name: "auth expired", err: &dserrors.AuthExpiredError{StatusCode: 401}, status: http.StatusUnauthorized},
		{name: "rate limited", err: &dserrors.RateLimitedError{RetryAfter: 7 * time.Second}, status: http.StatusTooManyRequests},
		{name: "malformed", err: fmt.Errorf("parse: %w", dserrors.ErrMalformedResponse), status: http.StatusBadGateway},
		{name: "timed out", err: fmt.Errorf("invoke: %w", transport.ErrTimedOut), status: http.StatusGatewayTimeout},
		{name: "other", err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mux := newMux(Deps{Analyzer: &fakeAnalyzer{err: tt.err}})
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader(`{"sql":"SELECT 1"}`)))

			assert.Equal(t, tt.status, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAnalyze_RetryAfterHeader(t *testing.T) {
	t.Parallel()

	mux := newMux(Deps{Analyzer: &fakeAnalyzer{err: &dserrors.RateLimitedError{RetryAfter: 7 * time.Second}}})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader(`{"sql":"SELECT 1"}`)))

	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
}

func TestWhoami_UsesForwardedToken(t *testing.T) {
	t.Parallel()

	mux := newMux(Deps{Directory: fakeDirectory{}})

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set(auth.ForwardedTokenHeader, "user-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "analyst@example.com")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/whoami", nil))
	assert.Contains(t, rec.Body.String(), "copilot-app@example.com")
}

func TestAnalyses(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	history := &fakeHistory{recs: []store.Record{{
		ID:        9,
		Statement: "SELECT 1",
		Summary:   []string{"trivial"},
		Severity:  "low",
		CreatedAt: created,
	}}}
	mux := newMux(Deps{History: history})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, history.limit)

	var body struct {
		Analyses []analysisRecord `json:"analyses"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Analyses, 1)
	assert.EqualValues(t, 9, body.Analyses[0].ID)
	assert.Equal(t, "2026-05-04T03:02:01Z", body.Analyses[0].CreatedAt)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutes_MethodMismatch(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newMux(Deps{Analyzer: &fakeAnalyzer{}}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyze", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
