// Package controlplane is the authenticated REST client for the workspace
// control API.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/althrussell/databricks-sql-copilot/internal/auth"
	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
	"github.com/althrussell/databricks-sql-copilot/internal/logging"
	"github.com/althrussell/databricks-sql-copilot/internal/retry"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
)

// UserAgent is sent on every request.
var UserAgent = "dbsql-copilot/dev"

// TokenProvider supplies bearer tokens and can drop a stale service-principal token.
type TokenProvider interface {
	BearerToken(ctx context.Context) (string, auth.Source, error)
	Invalidate()
}

// Config configures a Client.
type Config struct {
	Host      string
	Tokens    TokenProvider
	Transport *transport.Transport
	// Timeout bounds each HTTP call.
	Timeout time.Duration
	// Retry is the engine used by Call. Nil uses retry.Default.
	Retry  *retry.Engine
	Logger *logging.Logger
}

// Client issues control-plane calls.
type Client struct {
	host    string
	tokens  TokenProvider
	tr      *transport.Transport
	timeout time.Duration
	engine  *retry.Engine
	logger  *logging.Logger
	now     func() time.Time
}

// New creates a Client.
func New(cfg Config) *Client {
	tr := cfg.Transport
	if tr == nil {
		tr = transport.New(nil, cfg.Timeout)
	}
	engine := cfg.Retry
	if engine == nil {
		engine = retry.Default
	}
	return &Client{
		host:    strings.TrimRight(cfg.Host, "/"),
		tokens:  cfg.Tokens,
		tr:      tr,
		timeout: cfg.Timeout,
		engine:  engine,
		logger:  cfg.Logger.Component("controlplane"),
		now:     time.Now,
	}
}

// Host returns the workspace base URL.
func (c *Client) Host() string { return c.host }

// Do performs one logical call. A 401/403 that is not a genuine permission
// denial on a service-principal token triggers one token refresh and a
// single repeat of the call.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	source, err := c.doOnce(ctx, method, path, payload, out)
	var expired *dserrors.AuthExpiredError
	if errors.As(err, &expired) && source == auth.SourceServicePrincipal {
		c.logger.Info("token rejected on %s %s, refreshing and retrying once", method, path)
		c.tokens.Invalidate()
		_, err = c.doOnce(ctx, method, path, payload, out)
	}
	return err
}

// Call performs Do under the retry policy p.
func (c *Client) Call(ctx context.Context, p retry.Policy, method, path string, body, out interface{}) error {
	_, err := retry.Do(ctx, c.engine, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.Do(ctx, method, path, body, out)
	})
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out interface{}) (auth.Source, error) {
	token, source, err := c.tokens.BearerToken(ctx)
	if err != nil {
		return source, err
	}

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.host+path, rdr)
	if err != nil {
		return source, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.tr.Do(ctx, req, c.timeout)
	if err != nil {
		return source, err
	}
	if !resp.OK() {
		return source, c.statusError(method, path, resp)
	}

	if out != nil && len(bytes.TrimSpace(resp.Body)) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return source, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return source, nil
}

func (c *Client) statusError(method, path string, resp *transport.Response) error {
	body := string(resp.Body)
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		after, ok := retry.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		return &dserrors.RateLimitedError{RetryAfter: after, HasRetryAfter: ok, Body: body}
	case http.StatusUnauthorized, http.StatusForbidden:
		if isPermissionDenial(body) {
			return &dserrors.PermissionDeniedError{StatusCode: resp.StatusCode, Body: body}
		}
		return &dserrors.AuthExpiredError{StatusCode: resp.StatusCode, Body: body}
	default:
		return &dserrors.APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: body}
	}
}

// isPermissionDenial tells an access-control failure from a stale token by
// the error code or wording in the body.
func isPermissionDenial(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{
		"permission_denied",
		"permission denied",
		"not authorized to",
		"does not have",
		"insufficient privileges",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// User is the SCIM identity of the caller.
type User struct {
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	Emails      []struct {
		Value   string `json:"value"`
		Primary bool   `json:"primary"`
	} `json:"emails,omitempty"`
}

// CurrentUser looks up the identity behind the token in use.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.Call(ctx, retry.DefaultPolicy("scim.me"), http.MethodGet, "/api/2.0/preview/scim/v2/Me", nil, &u); err != nil {
		return nil, fmt.Errorf("look up current user: %w", err)
	}
	return &u, nil
}
