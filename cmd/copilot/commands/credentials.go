package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/althrussell/databricks-sql-copilot/internal/config"
)

func NewCredentialsCommand(cfg *config.Config) *cobra.Command {
	var showDSN bool

	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Mint a database credential and show when it expires",
		Long: `Mint a short-lived database credential for the resolved endpoint.

The token itself is never printed. --dsn prints the connection string with
the password masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if a.Rotator == nil {
				fmt.Fprintln(out, "A static database URL is configured; credentials are not rotated.")
				return nil
			}

			cred, err := a.Rotator.Credential(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Username:   %s\n", cred.Username)
			fmt.Fprintf(out, "Expires:    %s (in %s)\n", cred.ExpiresAt.Local().Format(time.RFC3339), time.Until(cred.ExpiresAt).Round(time.Second))
			fmt.Fprintf(out, "Generation: %d\n", a.Rotator.Generation())

			if showDSN {
				dsn, err := a.Rotator.ConnectionString(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "DSN:        %s\n", redactDSN(dsn))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showDSN, "dsn", false, "Also print the connection string with the password masked")

	return cmd
}
