package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/althrussell/databricks-sql-copilot/cmd/copilot/commands"
	"github.com/althrussell/databricks-sql-copilot/internal/config"
	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
	"github.com/althrussell/databricks-sql-copilot/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", dserrors.SimplifyError(err))
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	// Filled in once flags are parsed; commands load the rest on demand.
	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "copilot",
		Short: "Databricks SQL copilot - AI review of SQL statements",
		Long: `copilot reviews Databricks SQL statements with a model serving endpoint
and keeps its results in a managed Postgres database it provisions itself.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (environment variables override it)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewWhoamiCommand(cfg),
		commands.NewProvisionCommand(cfg),
		commands.NewCredentialsCommand(cfg),
		commands.NewAnalyzeCommand(cfg),
		commands.NewQueryCommand(cfg),
		commands.NewDoctorCommand(cfg),
		commands.NewServeCommand(cfg),
	)

	return rootCmd.Execute()
}
