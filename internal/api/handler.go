// Package api serves the copilot's JSON endpoints behind the hosting proxy.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/althrussell/databricks-sql-copilot/internal/ai"
	"github.com/althrussell/databricks-sql-copilot/internal/auth"
	"github.com/althrussell/databricks-sql-copilot/internal/controlplane"
	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
	"github.com/althrussell/databricks-sql-copilot/internal/logging"
	"github.com/althrussell/databricks-sql-copilot/internal/store"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
)

// ForwardedEmailHeader names the signed-in user as set by the hosting proxy.
const ForwardedEmailHeader = "X-Forwarded-Email"

const maxBodyBytes = 1 << 20

// Analyzer runs an analysis. Nil when no serving endpoint is configured.
type Analyzer interface {
	Analyze(ctx context.Context, req ai.Request) (*ai.Analysis, error)
}

// History lists stored analyses.
type History interface {
	RecentAnalyses(ctx context.Context, limit int) ([]store.Record, error)
}

// Directory looks up the caller.
type Directory interface {
	CurrentUser(ctx context.Context) (*controlplane.User, error)
}

// Deps are the components behind the handlers.
type Deps struct {
	Analyzer  Analyzer
	History   History
	Directory Directory
}

type server struct {
	deps   Deps
	logger *logging.Logger
}

// Register mounts the API routes on mux. Every route sees the forwarded
// user token through auth.OBOMiddleware.
func Register(mux *http.ServeMux, deps Deps, logger *logging.Logger) {
	s := &server{deps: deps, logger: logger.Component("api")}
	mux.Handle("POST /api/analyze", auth.OBOMiddleware(http.HandlerFunc(s.handleAnalyze)))
	mux.Handle("GET /api/whoami", auth.OBOMiddleware(http.HandlerFunc(s.handleWhoami)))
	mux.Handle("GET /api/analyses", auth.OBOMiddleware(http.HandlerFunc(s.handleAnalyses)))
}

type analyzeRequest struct {
	SQL     string `json:"sql"`
	Context string `json:"context,omitempty"`
}

func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "AI analysis is not configured")
		return
	}
	var req analyzeRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		writeError(w, http.StatusBadRequest, "sql is required")
		return
	}

	analysis, err := s.deps.Analyzer.Analyze(r.Context(), ai.Request{
		SQL:         req.SQL,
		Context:     req.Context,
		RequestedBy: r.Header.Get(ForwardedEmailHeader),
	})
	if err != nil {
		s.fail(w, "analyze", err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	user, err := s.deps.Directory.CurrentUser(r.Context())
	if err != nil {
		s.fail(w, "whoami", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type analysisRecord struct {
	ID           int64    `json:"id"`
	Statement    string   `json:"statement"`
	Summary      []string `json:"summary"`
	RewrittenSQL string   `json:"rewrittenSql,omitempty"`
	Severity     string   `json:"severity"`
	Repaired     bool     `json:"repaired"`
	RequestedBy  string   `json:"requestedBy,omitempty"`
	CreatedAt    string   `json:"createdAt"`
}

func (s *server) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	recs, err := s.deps.History.RecentAnalyses(r.Context(), limit)
	if err != nil {
		s.fail(w, "list analyses", err)
		return
	}
	out := make([]analysisRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, analysisRecord{
			ID:           rec.ID,
			Statement:    rec.Statement,
			Summary:      rec.Summary,
			RewrittenSQL: rec.RewrittenSQL,
			Severity:     rec.Severity,
			Repaired:     rec.Repaired,
			RequestedBy:  rec.RequestedBy,
			CreatedAt:    rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"analyses": out})
}

func (s *server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("%s: %v", op, err)
	} else {
		s.logger.Warn("%s: %v", op, err)
	}

	var rl *dserrors.RateLimitedError
	if errors.As(err, &rl) && rl.Hinted() {
		w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
	}
	msg := err.Error()
	var ue dserrors.UserError
	if errors.As(dserrors.SimplifyError(err), &ue) {
		msg = ue.Message
	}
	writeError(w, status, msg)
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var (
		cfgErr dserrors.ConfigError
		pd     *dserrors.PermissionDeniedError
		ae     *dserrors.AuthExpiredError
		rl     *dserrors.RateLimitedError
	)
	switch {
	case errors.As(err, &pd):
		return http.StatusForbidden
	case errors.As(err, &ae):
		return http.StatusUnauthorized
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.Is(err, dserrors.ErrMalformedResponse):
		return http.StatusBadGateway
	case errors.Is(err, transport.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, transport.ErrCancelled):
		return 499
	case errors.As(err, &cfgErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(body io.ReadCloser, out interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
