// Package provisioning idempotently creates the backing database project and
// resolves the endpoint that credentials are minted for.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/althrussell/databricks-sql-copilot/internal/controlplane"
	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
	"github.com/althrussell/databricks-sql-copilot/internal/logging"
	"github.com/althrussell/databricks-sql-copilot/internal/metrics"
	"github.com/althrussell/databricks-sql-copilot/internal/retry"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
)

const (
	// DefaultFamily is the resource family of the managed Postgres API.
	DefaultFamily = "postgres"

	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 120 * time.Second
)

// API is the part of the control-plane client the manager uses.
type API interface {
	Call(ctx context.Context, p retry.Policy, method, path string, body, out interface{}) error
	CurrentUser(ctx context.Context) (*controlplane.User, error)
}

// Config describes the project to ensure.
type Config struct {
	Family      string
	ProjectID   string
	BranchID    string
	DisplayName string
	PGVersion   string

	PollInterval time.Duration
	PollTimeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.Family == "" {
		c.Family = DefaultFamily
	}
	if c.BranchID == "" {
		c.BranchID = "production"
	}
	if c.DisplayName == "" {
		c.DisplayName = c.ProjectID
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
}

// State is the resolved endpoint. It does not change for the life of the process.
type State struct {
	EndpointHost string
	EndpointName string
	Username     string
}

// Operation is a long-running operation envelope.
type Operation struct {
	Name  string          `json:"name"`
	Done  bool            `json:"done"`
	Error *OperationError `json:"error,omitempty"`
}

// createResponse is either the created project or an operation envelope.
type createResponse struct {
	Operation
	Done *bool `json:"done"`
}

// pending reports whether r is an operation that has not finished.
func (r createResponse) pending() bool {
	if r.Done != nil {
		return !*r.Done
	}
	return strings.Contains(r.Name, "/operations/") || strings.HasPrefix(r.Name, "operations/")
}

// OperationError is the terminal error of an operation.
type OperationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createRequest struct {
	Spec projectSpec `json:"spec"`
}

type projectSpec struct {
	DisplayName string `json:"display_name"`
	PGVersion   string `json:"version,omitempty"`
}

type endpointList struct {
	Endpoints []struct {
		Name string `json:"name"`
	} `json:"endpoints"`
}

type endpointDetail struct {
	Name   string `json:"name"`
	Status struct {
		Hosts struct {
			Host string `json:"host"`
		} `json:"hosts"`
	} `json:"status"`
}

// Manager owns project provisioning and the endpoint cache.
type Manager struct {
	api    API
	cfg    Config
	logger *logging.Logger

	group   singleflight.Group
	ensured atomic.Bool

	mu    sync.RWMutex
	state *State

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager.
func NewManager(api API, cfg Config, logger *logging.Logger) *Manager {
	cfg.setDefaults()
	return &Manager{
		api:    api,
		cfg:    cfg,
		logger: logger.Component("provisioning").With("project", cfg.ProjectID),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

func (m *Manager) base() string { return "/api/2.0/" + m.cfg.Family }

func (m *Manager) projectPath() string {
	return m.base() + "/projects/" + url.PathEscape(m.cfg.ProjectID)
}

// resourcePath turns a resource or operation name into a request path.
func (m *Manager) resourcePath(name string) string {
	if strings.HasPrefix(name, "/") {
		return name
	}
	return m.base() + "/" + name
}

// EnsureProjectExists creates the project if it is absent and waits for the
// create operation to finish. Concurrent callers share one attempt. If ctx
// ends first the caller gets an error wrapping transport.ErrCancelled while
// the shared attempt keeps going, since the server-side operation continues
// regardless.
func (m *Manager) EnsureProjectExists(ctx context.Context) error {
	if m.ensured.Load() {
		return nil
	}

	ch := m.group.DoChan("ensure", func() (interface{}, error) {
		if m.ensured.Load() {
			return nil, nil
		}
		if err := m.ensure(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		m.ensured.Store(true)
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for project %s: %w", transport.ErrCancelled, m.cfg.ProjectID, context.Cause(ctx))
	}
}

func (m *Manager) ensure(ctx context.Context) error {
	err := m.api.Call(ctx, retry.DefaultPolicy("project.get"), http.MethodGet, m.projectPath(), nil, nil)
	if err == nil {
		m.logger.Debug("project already exists")
		metrics.RecordProvisioning("exists")
		return nil
	}
	if !dserrors.IsNotFound(err) {
		metrics.RecordProvisioning("failed")
		return fmt.Errorf("check project %s: %w", m.cfg.ProjectID, err)
	}

	m.logger.Info("project not found, creating")
	path := m.base() + "/projects?project_id=" + url.QueryEscape(m.cfg.ProjectID)
	body := createRequest{Spec: projectSpec{DisplayName: m.cfg.DisplayName, PGVersion: m.cfg.PGVersion}}

	var created createResponse
	err = m.api.Call(ctx, retry.DefaultPolicy("project.create"), http.MethodPost, path, body, &created)
	var apiErr *dserrors.APIError
	if errors.As(err, &apiErr) && apiErr.Conflict() {
		m.logger.Info("project was created concurrently")
		metrics.RecordProvisioning("exists")
		return nil
	}
	if err != nil {
		metrics.RecordProvisioning("failed")
		return fmt.Errorf("create project %s: %w", m.cfg.ProjectID, err)
	}

	if created.Error != nil {
		metrics.RecordProvisioning("failed")
		return operationFailed(created.Operation)
	}
	if created.pending() {
		if err := m.settle(ctx, created.Operation); err != nil {
			return err
		}
	}
	m.logger.Info("project created")
	metrics.RecordProvisioning("created")
	return nil
}

// settle polls the pending operation op until it reaches a terminal state.
func (m *Manager) settle(ctx context.Context, op Operation) error {
	deadline := m.now().Add(m.cfg.PollTimeout)
	for polls := 0; ; {
		if !m.now().Before(deadline) {
			metrics.RecordProvisioning("timeout")
			return fmt.Errorf("operation %s after %d polls: %w", op.Name, polls, dserrors.ErrProvisioningTimeout)
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return fmt.Errorf("%w: polling operation %s: %w", transport.ErrCancelled, op.Name, err)
		}

		var cur Operation
		err := m.api.Call(ctx, retry.DefaultPolicy("operation.poll"), http.MethodGet, m.resourcePath(op.Name), nil, &cur)
		polls++
		metrics.RecordProvisioningPoll()
		if err != nil {
			return fmt.Errorf("poll operation %s: %w", op.Name, err)
		}
		if cur.Name == "" {
			cur.Name = op.Name
		}
		if cur.Error != nil {
			metrics.RecordProvisioning("failed")
			return operationFailed(cur)
		}
		if cur.Done {
			m.logger.Debug("operation %s done after %d polls", op.Name, polls)
			return nil
		}
	}
}

func operationFailed(op Operation) error {
	return &dserrors.ProvisioningFailedError{Operation: op.Name, Code: op.Error.Code, Message: op.Error.Message}
}

// Cached returns the resolved endpoint, if any.
func (m *Manager) Cached() (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return State{}, false
	}
	return *m.state, true
}

// ResolveEndpoint returns the host, name and username credentials are minted
// for. The first successful result is cached. An endpoint without a host
// returns an error wrapping errors.ErrEndpointNotReady and is not cached.
func (m *Manager) ResolveEndpoint(ctx context.Context) (State, error) {
	if s, ok := m.Cached(); ok {
		return s, nil
	}

	ch := m.group.DoChan("endpoint", func() (interface{}, error) {
		if s, ok := m.Cached(); ok {
			return s, nil
		}
		s, err := m.resolve(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.state = &s
		m.mu.Unlock()
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return State{}, res.Err
		}
		return res.Val.(State), nil
	case <-ctx.Done():
		return State{}, fmt.Errorf("%w: resolving endpoint: %w", transport.ErrCancelled, context.Cause(ctx))
	}
}

func (m *Manager) resolve(ctx context.Context) (State, error) {
	var list endpointList
	path := m.projectPath() + "/branches/" + url.PathEscape(m.cfg.BranchID) + "/endpoints"
	if err := m.api.Call(ctx, retry.DefaultPolicy("endpoint.list"), http.MethodGet, path, nil, &list); err != nil {
		return State{}, fmt.Errorf("list endpoints: %w", err)
	}
	if len(list.Endpoints) == 0 {
		return State{}, fmt.Errorf("branch %s has no endpoints: %w", m.cfg.BranchID, dserrors.ErrEndpointNotReady)
	}

	name := list.Endpoints[0].Name
	var detail endpointDetail
	if err := m.api.Call(ctx, retry.DefaultPolicy("endpoint.get"), http.MethodGet, m.resourcePath(name), nil, &detail); err != nil {
		return State{}, fmt.Errorf("get endpoint %s: %w", name, err)
	}
	host := detail.Status.Hosts.Host
	if host == "" {
		return State{}, fmt.Errorf("endpoint %s: %w", name, dserrors.ErrEndpointNotReady)
	}

	user, err := m.api.CurrentUser(ctx)
	if err != nil {
		return State{}, err
	}

	m.logger.Info("resolved endpoint %s at %s", name, host)
	return State{EndpointHost: host, EndpointName: name, Username: user.UserName}, nil
}
