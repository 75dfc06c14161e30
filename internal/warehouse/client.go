// Package warehouse runs read-only SQL through the statement execution API.
package warehouse

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/althrussell/databricks-sql-copilot/internal/logging"
	"github.com/althrussell/databricks-sql-copilot/internal/retry"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
)

const statementsPath = "/api/2.0/sql/statements"

// Caller is the part of the control-plane client used here.
type Caller interface {
	Call(ctx context.Context, p retry.Policy, method, path string, body, out interface{}) error
}

// State is a statement's lifecycle state.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCanceled  State = "CANCELED"
	StateClosed    State = "CLOSED"
)

// Column describes one result column.
type Column struct {
	Name     string `json:"name"`
	TypeName string `json:"type_name"`
}

// Result is a fully materialised inline result.
type Result struct {
	StatementID string
	Columns     []Column
	Rows        [][]*string
}

// StatementError is a failed statement. Its message carries the SQL error
// class so retry classification can tell syntax errors from outages.
type StatementError struct {
	StatementID string
	ErrorCode   string
	Message     string
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement %s failed: %s: %s", e.StatementID, e.ErrorCode, e.Message)
}

type executeRequest struct {
	WarehouseID string `json:"warehouse_id"`
	Statement   string `json:"statement"`
	WaitTimeout string `json:"wait_timeout"`
	Disposition string `json:"disposition"`
	Format      string `json:"format"`
}

type statementResponse struct {
	StatementID string `json:"statement_id"`
	Status      struct {
		State State `json:"state"`
		Error *struct {
			ErrorCode string `json:"error_code"`
			Message   string `json:"message"`
		} `json:"error"`
	} `json:"status"`
	Manifest struct {
		Schema struct {
			Columns []Column `json:"columns"`
		} `json:"schema"`
	} `json:"manifest"`
	Result struct {
		DataArray [][]*string `json:"data_array"`
	} `json:"result"`
}

// Config configures a Client.
type Config struct {
	WarehouseID  string
	PollInterval time.Duration
	// Timeout bounds one Query call including polling.
	Timeout time.Duration
}

// Client runs statements on one warehouse.
type Client struct {
	api    Caller
	cfg    Config
	logger *logging.Logger
}

// New creates a Client.
func New(api Caller, cfg Config, logger *logging.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Client{api: api, cfg: cfg, logger: logger.Component("warehouse")}
}

// Query runs statement and waits for its result. Transient failures of the
// whole statement are retried; SQL errors are not.
func (c *Client) Query(ctx context.Context, statement string) (*Result, error) {
	if c.cfg.WarehouseID == "" {
		return nil, fmt.Errorf("no warehouse configured")
	}

	var result *Result
	err := transport.Guard(ctx, c.cfg.Timeout, func(ctx context.Context) error {
		var err error
		result, err = retry.Run(ctx, retry.DefaultPolicy("warehouse.query"), func(ctx context.Context) (*Result, error) {
			return c.execute(ctx, statement)
		})
		return err
	})
	return result, err
}

func (c *Client) execute(ctx context.Context, statement string) (*Result, error) {
	req := executeRequest{
		WarehouseID: c.cfg.WarehouseID,
		Statement:   statement,
		WaitTimeout: "30s",
		Disposition: "INLINE",
		Format:      "JSON_ARRAY",
	}

	var resp statementResponse
	// A single attempt here: the outer retry owns re-submission.
	once := retry.Policy{Label: "warehouse.submit"}
	if err := c.api.Call(ctx, once, http.MethodPost, statementsPath, req, &resp); err != nil {
		return nil, err
	}

	for resp.Status.State == StatePending || resp.Status.State == StateRunning {
		c.logger.Debug("statement %s is %s", resp.StatementID, resp.Status.State)
		t := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: waiting for statement %s: %w", transport.ErrCancelled, resp.StatementID, context.Cause(ctx))
		case <-t.C:
		}

		id := resp.StatementID
		resp = statementResponse{}
		path := statementsPath + "/" + url.PathEscape(id)
		if err := c.api.Call(ctx, retry.DefaultPolicy("warehouse.poll"), http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}
		if resp.StatementID == "" {
			resp.StatementID = id
		}
	}

	switch resp.Status.State {
	case StateSucceeded:
		return &Result{
			StatementID: resp.StatementID,
			Columns:     resp.Manifest.Schema.Columns,
			Rows:        resp.Result.DataArray,
		}, nil
	case StateFailed:
		se := &StatementError{StatementID: resp.StatementID}
		if resp.Status.Error != nil {
			se.ErrorCode = resp.Status.Error.ErrorCode
			se.Message = resp.Status.Error.Message
		}
		return nil, se
	default:
		return nil, fmt.Errorf("statement %s ended in state %s", resp.StatementID, resp.Status.State)
	}
}
