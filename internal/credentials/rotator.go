// Package credentials mints short-lived database credentials for the resolved
// endpoint and tracks how often they rotate.
package credentials

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/althrussell/databricks-sql-copilot/internal/logging"
	"github.com/althrussell/databricks-sql-copilot/internal/metrics"
	"github.com/althrussell/databricks-sql-copilot/internal/provisioning"
	"github.com/althrussell/databricks-sql-copilot/internal/retry"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
)

// RefreshBuffer is how long before expiry a credential stops being handed out.
const RefreshBuffer = 60 * time.Second

// Lease is a connection string and the generation and expiry of the
// credential inside it. ExpiresAt is zero for credentials that never expire.
type Lease struct {
	DSN        string
	Generation int64
	ExpiresAt  time.Time
}

// Credential is a database login.
type Credential struct {
	Username  string
	Token     string
	ExpiresAt time.Time
}

// Caller is the part of the control-plane client the rotator uses.
type Caller interface {
	Call(ctx context.Context, p retry.Policy, method, path string, body, out interface{}) error
}

// EndpointResolver supplies the endpoint credentials are bound to.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context) (provisioning.State, error)
}

// Config shapes the connection string.
type Config struct {
	Family   string
	Database string
	Port     int
	SSLMode  string
	Buffer   time.Duration
	// OnMint, if set, is called after each new credential is stored.
	OnMint func(generation int64, expiresAt time.Time)
}

func (c *Config) setDefaults() {
	if c.Family == "" {
		c.Family = provisioning.DefaultFamily
	}
	if c.Database == "" {
		c.Database = "databricks_postgres"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "require"
	}
	if c.Buffer <= 0 {
		c.Buffer = RefreshBuffer
	}
}

type mintResponse struct {
	Token      string `json:"token"`
	ExpireTime string `json:"expire_time"`
}

// Rotator caches one credential and mints a new one only when it is missing,
// invalidated or inside the refresh buffer.
type Rotator struct {
	api       Caller
	endpoints EndpointResolver
	cfg       Config
	logger    *logging.Logger

	mu         sync.Mutex
	cred       *Credential
	host       string
	generation int64
	group      singleflight.Group

	now func() time.Time
}

// NewRotator creates a Rotator.
func NewRotator(api Caller, endpoints EndpointResolver, cfg Config, logger *logging.Logger) *Rotator {
	cfg.setDefaults()
	return &Rotator{
		api:       api,
		endpoints: endpoints,
		cfg:       cfg,
		logger:    logger.Component("credentials"),
		now:       time.Now,
	}
}

// minted is a credential together with the host and generation it was
// minted for, read under one lock.
type minted struct {
	cred Credential
	host string
	gen  int64
}

func (r *Rotator) cached() (minted, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cred == nil || !r.now().Before(r.cred.ExpiresAt.Add(-r.cfg.Buffer)) {
		return minted{}, false
	}
	return minted{*r.cred, r.host, r.generation}, true
}

// Credential returns a credential valid for at least the refresh buffer.
func (r *Rotator) Credential(ctx context.Context) (Credential, error) {
	m, err := r.credential(ctx)
	return m.cred, err
}

func (r *Rotator) credential(ctx context.Context) (minted, error) {
	if m, ok := r.cached(); ok {
		return m, nil
	}

	ch := r.group.DoChan("mint", func() (interface{}, error) {
		if m, ok := r.cached(); ok {
			return m, nil
		}
		return r.mint(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return minted{}, res.Err
		}
		return res.Val.(minted), nil
	case <-ctx.Done():
		return minted{}, fmt.Errorf("%w: waiting for database credential: %w", transport.ErrCancelled, context.Cause(ctx))
	}
}

func (r *Rotator) mint(ctx context.Context) (minted, error) {
	state, err := r.endpoints.ResolveEndpoint(ctx)
	if err != nil {
		return minted{}, fmt.Errorf("resolve endpoint: %w", err)
	}

	var resp mintResponse
	path := "/api/2.0/" + r.cfg.Family + "/credentials"
	body := map[string]string{"endpoint": state.EndpointName}
	if err := r.api.Call(ctx, retry.DefaultPolicy("credentials.mint"), http.MethodPost, path, body, &resp); err != nil {
		return minted{}, fmt.Errorf("mint database credential: %w", err)
	}
	if resp.Token == "" {
		return minted{}, fmt.Errorf("mint database credential: response carried no token")
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, resp.ExpireTime)
	if err != nil {
		return minted{}, fmt.Errorf("mint database credential: bad expire_time %q: %w", resp.ExpireTime, err)
	}

	cred := Credential{Username: state.Username, Token: resp.Token, ExpiresAt: expiresAt}

	r.mu.Lock()
	r.cred = &cred
	r.host = state.EndpointHost
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	metrics.RecordCredentialMint(gen, float64(expiresAt.Unix()))
	r.logger.Info("minted database credential generation %d, expires %s", gen, expiresAt.Format(time.RFC3339))
	if r.cfg.OnMint != nil {
		r.cfg.OnMint(gen, expiresAt)
	}
	return minted{cred, state.EndpointHost, gen}, nil
}

// ConnectionString returns a postgres:// URL for the current credential.
func (r *Rotator) ConnectionString(ctx context.Context) (string, error) {
	m, err := r.credential(ctx)
	if err != nil {
		return "", err
	}
	return r.dsn(m), nil
}

// Lease returns the connection string for the current credential with the
// generation and expiry of that same credential.
func (r *Rotator) Lease(ctx context.Context) (Lease, error) {
	m, err := r.credential(ctx)
	if err != nil {
		return Lease{}, err
	}
	return Lease{DSN: r.dsn(m), Generation: m.gen, ExpiresAt: m.cred.ExpiresAt}, nil
}

func (r *Rotator) dsn(m minted) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(m.cred.Username, m.cred.Token),
		Host:     m.host + ":" + strconv.Itoa(r.cfg.Port),
		Path:     "/" + r.cfg.Database,
		RawQuery: url.Values{"sslmode": {r.cfg.SSLMode}}.Encode(),
	}
	return u.String()
}

// Generation increments once per minted credential.
func (r *Rotator) Generation() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// ExpiresAt returns the expiry of the cached credential, or the zero time.
func (r *Rotator) ExpiresAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cred == nil {
		return time.Time{}
	}
	return r.cred.ExpiresAt
}

// Invalidate forces the next call to mint. Used after the database rejects
// a credential.
func (r *Rotator) Invalidate() {
	r.mu.Lock()
	r.cred = nil
	r.mu.Unlock()
	r.logger.Info("database credential invalidated")
}
