package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/althrussell/databricks-sql-copilot/internal/auth"
	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
	"github.com/althrussell/databricks-sql-copilot/internal/logging"
	"github.com/althrussell/databricks-sql-copilot/internal/secure"
)

// Config holds the runtime configuration
type Config struct {
	Path   string          `yaml:"-"`
	Logger *logging.Logger `yaml:"-"`

	Host         string `yaml:"host"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Token        string `yaml:"token"`
	AuthMode     string `yaml:"auth_mode"`

	WarehouseID      string `yaml:"warehouse_id"`
	ServingEndpoint  string `yaml:"serving_endpoint"`
	AIMaxConcurrency int    `yaml:"ai_max_concurrency"`

	HTTPTimeout time.Duration `yaml:"http_timeout"`
	ListenAddr  string        `yaml:"listen_addr"`
	MetricsAddr string        `yaml:"metrics_addr"`
	WebhookURL  string        `yaml:"webhook_url"`

	Lakebase Lakebase `yaml:"lakebase"`
}

// Lakebase configures the managed Postgres store.
type Lakebase struct {
	// DatabaseURL bypasses provisioning and credential rotation entirely.
	DatabaseURL  string        `yaml:"database_url"`
	ProjectID    string        `yaml:"project_id"`
	BranchID     string        `yaml:"branch_id"`
	Database     string        `yaml:"database"`
	PGVersion    string        `yaml:"pg_version"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		AuthMode:         string(auth.ModeOBO),
		AIMaxConcurrency: 2,
		HTTPTimeout:      30 * time.Second,
		ListenAddr:       ":8000",
		Lakebase: Lakebase{
			ProjectID:    "dbsql-copilot",
			BranchID:     "production",
			Database:     "databricks_postgres",
			PGVersion:    "17",
			PollInterval: 5 * time.Second,
			PollTimeout:  120 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and then the environment, in increasing precedence.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := Defaults()
	c.Path = path

	if path != "" {
		if err := c.loadFile(); err != nil {
			return nil, err
		}
	}
	if err := c.applyEnv(getenv); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Check the --config path, or omit it to use environment variables only",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return dserrors.ConfigError{
			Message:    fmt.Sprintf("invalid YAML in configuration file: %v", err),
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters",
		}
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"DATABRICKS_HOST":          &c.Host,
		"DATABRICKS_CLIENT_ID":     &c.ClientID,
		"DATABRICKS_CLIENT_SECRET": &c.ClientSecret,
		"DATABRICKS_TOKEN":         &c.Token,
		"COPILOT_AUTH_MODE":        &c.AuthMode,
		"DATABRICKS_WAREHOUSE_ID":  &c.WarehouseID,
		"SERVING_ENDPOINT":         &c.ServingEndpoint,
		"COPILOT_LISTEN_ADDR":      &c.ListenAddr,
		"COPILOT_METRICS_ADDR":     &c.MetricsAddr,
		"COPILOT_WEBHOOK_URL":      &c.WebhookURL,
		"LAKEBASE_DATABASE_URL":    &c.Lakebase.DatabaseURL,
		"LAKEBASE_PROJECT_ID":      &c.Lakebase.ProjectID,
		"LAKEBASE_BRANCH_ID":       &c.Lakebase.BranchID,
		"LAKEBASE_DATABASE":        &c.Lakebase.Database,
		"LAKEBASE_PG_VERSION":      &c.Lakebase.PGVersion,
	}
	for name, dst := range strs {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}

	// Databricks Apps assign the port to listen on.
	if port := getenv("DATABRICKS_APP_PORT"); port != "" && getenv("COPILOT_LISTEN_ADDR") == "" {
		c.ListenAddr = ":" + port
	}

	if v := getenv("AI_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return dserrors.ConfigError{
				Field:      "AI_MAX_CONCURRENCY",
				Value:      v,
				Message:    "must be an integer",
				Suggestion: "Set AI_MAX_CONCURRENCY to a small positive number such as 2",
			}
		}
		c.AIMaxConcurrency = n
	}
	return nil
}

// Validate checks the configuration and normalises the host.
func (c *Config) Validate() error {
	if c.Host == "" {
		return dserrors.ConfigError{
			Field:      "host",
			Message:    "workspace host is required",
			Suggestion: "Set DATABRICKS_HOST, for example https://<workspace>.cloud.databricks.com",
		}
	}
	host := c.Host
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil || u.Host == "" {
		return dserrors.ConfigError{
			Field:      "host",
			Value:      c.Host,
			Message:    "invalid URL format",
			Suggestion: "Use format: https://<workspace>.cloud.databricks.com",
		}
	}
	c.Host = strings.TrimRight(u.Scheme+"://"+u.Host, "/")

	if (c.ClientID == "") != (c.ClientSecret == "") {
		return dserrors.ConfigError{
			Field:      "client_id",
			Message:    "client id and client secret must be set together",
			Suggestion: "Set both DATABRICKS_CLIENT_ID and DATABRICKS_CLIENT_SECRET, or neither",
		}
	}
	if c.ClientID != "" && c.Token != "" {
		return dserrors.ConfigError{
			Field:      "token",
			Message:    "a static token and service-principal credentials are mutually exclusive",
			Suggestion: "Unset DATABRICKS_TOKEN or the DATABRICKS_CLIENT_ID/SECRET pair",
		}
	}

	if _, ok := auth.ParseMode(c.AuthMode); !ok {
		return dserrors.ConfigError{
			Field:      "auth_mode",
			Value:      c.AuthMode,
			Message:    "unknown identity mode",
			Suggestion: "Use 'obo' to act as the signed-in user or 'sp' to force the service principal",
		}
	}

	if c.AIMaxConcurrency < 1 {
		return dserrors.ConfigError{
			Field:   "ai_max_concurrency",
			Value:   c.AIMaxConcurrency,
			Message: "must be at least 1",
		}
	}
	if c.Lakebase.DatabaseURL == "" && c.Lakebase.ProjectID == "" {
		return dserrors.ConfigError{
			Field:      "lakebase.project_id",
			Message:    "a project id is required unless a database URL is given",
			Suggestion: "Set LAKEBASE_PROJECT_ID or LAKEBASE_DATABASE_URL",
		}
	}
	return nil
}

// Mode returns the parsed identity mode. Call after Validate.
func (c *Config) Mode() auth.Mode {
	m, _ := auth.ParseMode(c.AuthMode)
	return m
}

// HasServicePrincipal reports whether client credentials are configured.
func (c *Config) HasServicePrincipal() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// SealSecrets moves the client secret and static token into protected
// memory and clears the plain copies.
func (c *Config) SealSecrets() (clientSecret, token *secure.Value) {
	clientSecret = secure.NewValue(c.ClientSecret)
	token = secure.NewValue(c.Token)
	c.ClientSecret = ""
	c.Token = ""
	return clientSecret, token
}
