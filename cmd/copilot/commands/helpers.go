package commands

import (
	"net/url"
	"os"

	"github.com/althrussell/databricks-sql-copilot/internal/app"
	"github.com/althrussell/databricks-sql-copilot/internal/config"
)

// getenv is replaced in tests.
var getenv = os.Getenv

// loadApp reads the configuration named by the global flags and builds the
// application from it.
func loadApp(flags *config.Config) (*app.App, error) {
	cfg, err := config.Load(flags.Path, getenv)
	if err != nil {
		return nil, err
	}
	cfg.Logger = flags.Logger
	return app.New(cfg, flags.Logger)
}

// redactDSN masks the password in a connection URL.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "[REDACTED]"
	}
	return u.Redacted()
}
