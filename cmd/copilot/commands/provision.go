package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/althrussell/databricks-sql-copilot/internal/config"
)

func NewProvisionCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the database project and schema if needed",
		Long: `Make sure the managed Postgres project exists, wait for its endpoint to
come up and create the analysis table.

Safe to run repeatedly and from several machines at once: an existing
project is left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Bootstrap(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.Provisioner == nil {
				fmt.Fprintln(out, "Using the configured database URL; schema is up to date.")
				return nil
			}
			state, _ := a.Provisioner.Cached()
			fmt.Fprintf(out, "Project:  %s\n", a.Config.Lakebase.ProjectID)
			fmt.Fprintf(out, "Endpoint: %s\n", state.EndpointName)
			fmt.Fprintf(out, "Host:     %s\n", state.EndpointHost)
			fmt.Fprintf(out, "Role:     %s\n", state.Username)
			return nil
		},
	}

	return cmd
}
