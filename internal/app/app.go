// Package app builds the copilot's components from configuration and owns
// their lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/althrussell/databricks-sql-copilot/internal/ai"
	"github.com/althrussell/databricks-sql-copilot/internal/auth"
	"github.com/althrussell/databricks-sql-copilot/internal/config"
	"github.com/althrussell/databricks-sql-copilot/internal/controlplane"
	"github.com/althrussell/databricks-sql-copilot/internal/credentials"
	"github.com/althrussell/databricks-sql-copilot/internal/events"
	"github.com/althrussell/databricks-sql-copilot/internal/gate"
	"github.com/althrussell/databricks-sql-copilot/internal/logging"
	"github.com/althrussell/databricks-sql-copilot/internal/metrics"
	"github.com/althrussell/databricks-sql-copilot/internal/pool"
	"github.com/althrussell/databricks-sql-copilot/internal/provisioning"
	"github.com/althrussell/databricks-sql-copilot/internal/retry"
	"github.com/althrussell/databricks-sql-copilot/internal/secure"
	"github.com/althrussell/databricks-sql-copilot/internal/store"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
	"github.com/althrussell/databricks-sql-copilot/internal/warehouse"
)

// endpointPolicy covers the window between project creation and the
// endpoint reporting a host.
var endpointPolicy = retry.Policy{
	MaxRetries:   5,
	InitialDelay: 2 * time.Second,
	MaxDelay:     15 * time.Second,
	Label:        "endpoint.resolve",
}

// App holds every wired component. Optional components are nil when their
// configuration is absent: Provisioner and Rotator when a database URL is
// given, Warehouse without a warehouse id, Analyzer without a serving
// endpoint.
type App struct {
	Config *config.Config
	Logger *logging.Logger

	Tokens *auth.TokenCache
	// Client acts as the caller: the forwarded user in OBO mode.
	Client *controlplane.Client
	// AppClient always acts as the application itself.
	AppClient *controlplane.Client

	Provisioner *provisioning.Manager
	Rotator     *credentials.Rotator
	Pool        *pool.Pool
	Store       *store.Store
	Events      *events.Queue
	Gate        *gate.Gate
	Warehouse   *warehouse.Client
	Analyzer    *ai.Analyzer

	engine  *retry.Engine
	metrics *metrics.Server
	secrets []*secure.Value
}

// New validates cfg and builds the application. Nothing touches the network
// until Bootstrap or the first call.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	return build(cfg, logger, pool.Config{})
}

func build(cfg *config.Config, logger *logging.Logger, poolCfg pool.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hasSP := cfg.HasServicePrincipal()
	clientSecret, staticToken := cfg.SealSecrets()

	a := &App{
		Config:  cfg,
		Logger:  logger,
		engine:  &retry.Engine{Logger: logger},
		secrets: []*secure.Value{clientSecret, staticToken},
	}

	httpClient := &http.Client{}
	tr := transport.New(httpClient, cfg.HTTPTimeout)

	var source auth.TokenSource
	if hasSP {
		source = auth.NewOAuthSource(cfg.Host, cfg.ClientID, clientSecret, httpClient, cfg.HTTPTimeout)
	}
	a.Tokens = auth.NewTokenCache(auth.TokenCacheConfig{
		Mode:   cfg.Mode(),
		Static: staticToken,
		Source: source,
		Logger: logger,
	})

	clientCfg := controlplane.Config{
		Host:      cfg.Host,
		Tokens:    a.Tokens,
		Transport: tr,
		Timeout:   cfg.HTTPTimeout,
		Retry:     a.engine,
		Logger:    logger,
	}
	a.Client = controlplane.New(clientCfg)
	clientCfg.Tokens = auth.AppTokens{TokenCache: a.Tokens}
	a.AppClient = controlplane.New(clientCfg)

	a.Events = events.NewQueue(events.DefaultQueueSize, logger)
	if cfg.WebhookURL != "" {
		a.Events.Register(events.NewWebhookSink(events.WebhookConfig{URL: cfg.WebhookURL}, httpClient))
	}

	var src pool.Source
	if cfg.Lakebase.DatabaseURL != "" {
		logger.Info("using configured database URL; provisioning disabled")
		src = credentials.Static{DSN: cfg.Lakebase.DatabaseURL}
	} else {
		a.Provisioner = provisioning.NewManager(a.AppClient, provisioning.Config{
			ProjectID:    cfg.Lakebase.ProjectID,
			BranchID:     cfg.Lakebase.BranchID,
			PGVersion:    cfg.Lakebase.PGVersion,
			PollInterval: cfg.Lakebase.PollInterval,
			PollTimeout:  cfg.Lakebase.PollTimeout,
		}, logger)
		a.Rotator = credentials.NewRotator(a.AppClient, a.Provisioner, credentials.Config{
			Database: cfg.Lakebase.Database,
			OnMint:   a.credentialRotated,
		}, logger)
		src = a.Rotator
	}

	a.Pool = pool.New(src, poolCfg, logger)
	a.Store = store.New(a.Pool, logger)
	a.Events.Register(store.Sink{Store: a.Store})

	a.Gate = gate.New(cfg.AIMaxConcurrency)
	if cfg.WarehouseID != "" {
		a.Warehouse = warehouse.New(a.Client, warehouse.Config{WarehouseID: cfg.WarehouseID}, logger)
	}
	if cfg.ServingEndpoint != "" {
		analyzer, err := ai.NewAnalyzer(a.Client, a.Gate, a.Events, ai.Config{Endpoint: cfg.ServingEndpoint}, logger)
		if err != nil {
			return nil, err
		}
		a.Analyzer = analyzer
	}

	if cfg.MetricsAddr != "" {
		mc := metrics.DefaultServerConfig()
		mc.Addr = cfg.MetricsAddr
		a.metrics = metrics.NewServer(mc)
	}
	return a, nil
}

func (a *App) credentialRotated(generation int64, expiresAt time.Time) {
	a.Events.Submit(events.Event{
		Kind: events.KindCredentialRotated,
		Payload: map[string]interface{}{
			"generation": generation,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		},
	})
}

// Start registers metrics, starts the background queue and, when an address
// is configured, the metrics server.
func (a *App) Start(ctx context.Context) error {
	metrics.InitMetrics()
	a.Events.Start(ctx)
	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		a.Logger.Info("metrics listening on %s", a.metrics.Addr())
	}
	return nil
}

// Bootstrap makes the database usable: it ensures the project exists, waits
// for the endpoint to report a host and creates the schema. With a
// configured database URL only the schema step runs.
func (a *App) Bootstrap(ctx context.Context) error {
	if a.Provisioner != nil {
		if err := a.Provisioner.EnsureProjectExists(ctx); err != nil {
			return fmt.Errorf("ensure project: %w", err)
		}
		state, err := retry.Do(ctx, a.engine, endpointPolicy, a.Provisioner.ResolveEndpoint)
		if err != nil {
			return fmt.Errorf("resolve endpoint: %w", err)
		}
		a.Logger.Info("database endpoint %s ready", state.EndpointHost)
	}
	if err := a.Store.Migrate(ctx); err != nil {
		return err
	}
	return nil
}

// Close stops background work, closes the database handle and wipes secrets.
func (a *App) Close() error {
	a.Events.Stop()
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metrics.Stop(ctx)
	}
	err := a.Pool.Close()
	for _, s := range a.secrets {
		s.Destroy()
	}
	return err
}
