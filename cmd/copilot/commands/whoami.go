package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/althrussell/databricks-sql-copilot/internal/config"
)

func NewWhoamiCommand(cfg *config.Config) *cobra.Command {
	var asApp bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity used for workspace calls",
		Long: `Look up the workspace identity behind the configured credentials.

With --app the application's own identity is shown, which is the one used
for provisioning and database credentials.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			client := a.Client
			if asApp {
				client = a.AppClient
			}
			user, err := client.CurrentUser(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User:      %s\n", user.UserName)
			if user.DisplayName != "" {
				fmt.Fprintf(out, "Name:      %s\n", user.DisplayName)
			}
			fmt.Fprintf(out, "ID:        %s\n", user.ID)
			fmt.Fprintf(out, "Workspace: %s\n", client.Host())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asApp, "app", false, "Show the application identity instead of the caller")

	return cmd
}
