// Package ai asks a model serving endpoint to review a SQL statement and
// returns a validated analysis.
package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
	"github.com/althrussell/databricks-sql-copilot/internal/events"
	"github.com/althrussell/databricks-sql-copilot/internal/gate"
	"github.com/althrussell/databricks-sql-copilot/internal/logging"
	"github.com/althrussell/databricks-sql-copilot/internal/repair"
	"github.com/althrussell/databricks-sql-copilot/internal/retry"
	"github.com/althrussell/databricks-sql-copilot/internal/store"
)

// Severity ranks how much a statement would gain from a rewrite.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Recommendation is one suggested change.
type Recommendation struct {
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	Impact string `json:"impact,omitempty"`
}

// Analysis is the structured model output.
type Analysis struct {
	Summary         []string         `json:"summary"`
	RewrittenSQL    string           `json:"rewrittenSql,omitempty"`
	Severity        Severity         `json:"severity"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	// Repaired is set when the model output was truncated and recovered.
	Repaired bool `json:"repaired"`
}

const analysisSchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "array", "items": {"type": "string"}},
    "rewrittenSql": {"type": "string"},
    "severity": {"enum": ["low", "medium", "high"]},
    "recommendations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "title": {"type": "string"},
          "detail": {"type": "string"},
          "impact": {"type": "string"}
        }
      }
    }
  }
}`

const systemPrompt = `You review Databricks SQL statements for performance and cost.
Respond with a single JSON object and nothing else, shaped as:
{"summary": [string], "rewrittenSql": string, "severity": "low"|"medium"|"high",
 "recommendations": [{"title": string, "detail": string, "impact": string}]}`

// Request is one statement to analyse.
type Request struct {
	SQL string
	// Context is optional extra material, such as execution statistics.
	Context     string
	RequestedBy string
}

// Caller is the part of the control-plane client used here.
type Caller interface {
	Call(ctx context.Context, p retry.Policy, method, path string, body, out interface{}) error
}

// Submitter accepts background events.
type Submitter interface {
	Submit(event events.Event) bool
}

// Config configures an Analyzer.
type Config struct {
	Endpoint  string
	MaxTokens int
	Policy    retry.Policy
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Analyzer calls the serving endpoint behind a concurrency gate.
type Analyzer struct {
	api    Caller
	gate   *gate.Gate
	parser *repair.Parser[Analysis]
	queue  Submitter
	cfg    Config
	logger *logging.Logger
}

// NewAnalyzer creates an Analyzer. queue may be nil.
func NewAnalyzer(api Caller, g *gate.Gate, queue Submitter, cfg Config, logger *logging.Logger) (*Analyzer, error) {
	if cfg.Endpoint == "" {
		return nil, dserrors.ConfigError{
			Field:      "serving_endpoint",
			Message:    "no model serving endpoint configured",
			Suggestion: "Set SERVING_ENDPOINT to the name of a chat model endpoint",
		}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Policy.Label == "" {
		cfg.Policy = retry.Policy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 20 * time.Second, Label: "ai.invoke"}
	}
	if g == nil {
		g = gate.New(gate.DefaultAIConcurrency)
	}

	logger = logger.Component("ai")
	parser, err := repair.NewParser(analysisSchema, func() Analysis {
		return Analysis{Severity: SeverityMedium}
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Analyzer{api: api, gate: g, parser: parser, queue: queue, cfg: cfg, logger: logger}, nil
}

// Analyze reviews req.SQL. Output that cannot be parsed returns an error
// wrapping errors.ErrMalformedResponse.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	if strings.TrimSpace(req.SQL) == "" {
		return nil, fmt.Errorf("no SQL statement to analyse")
	}

	raw, err := gate.Do(ctx, a.gate, func(ctx context.Context) (string, error) {
		return a.invoke(ctx, req)
	})
	if err != nil {
		a.emit(events.KindAnalysisFailed, req, err.Error())
		return nil, fmt.Errorf("invoke %s: %w", a.cfg.Endpoint, err)
	}

	res, err := a.parser.Parse(raw)
	if err != nil {
		a.emit(events.KindAnalysisFailed, req, err.Error())
		return nil, err
	}

	analysis := res.Value
	analysis.Repaired = res.Repaired
	a.emit(events.KindAnalysisCompleted, req, store.Record{
		Statement:    req.SQL,
		Summary:      analysis.Summary,
		RewrittenSQL: analysis.RewrittenSQL,
		Severity:     string(analysis.Severity),
		Repaired:     analysis.Repaired,
		RequestedBy:  req.RequestedBy,
	})
	return &analysis, nil
}

func (a *Analyzer) invoke(ctx context.Context, req Request) (string, error) {
	user := "Analyse this statement:\n\n" + req.SQL
	if req.Context != "" {
		user += "\n\nExecution context:\n" + req.Context
	}
	body := chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		MaxTokens: a.cfg.MaxTokens,
	}

	var resp chatResponse
	path := "/serving-endpoints/" + url.PathEscape(a.cfg.Endpoint) + "/invocations"
	if err := a.api.Call(ctx, a.cfg.Policy, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", dserrors.ErrMalformedResponse)
	}
	if resp.Choices[0].FinishReason == "length" {
		a.logger.Debug("model output hit the token limit; expecting repair")
	}
	return resp.Choices[0].Message.Content, nil
}

func (a *Analyzer) emit(kind events.Kind, req Request, payload interface{}) {
	if a.queue == nil {
		return
	}
	a.queue.Submit(events.Event{Kind: kind, Identity: req.RequestedBy, Payload: payload})
}
