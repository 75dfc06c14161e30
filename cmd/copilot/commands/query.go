package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/althrussell/databricks-sql-copilot/internal/config"
	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
	"github.com/althrussell/databricks-sql-copilot/internal/warehouse"
)

func NewQueryCommand(cfg *config.Config) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "query [SQL]",
		Short: "Run a read-only statement on the SQL warehouse",
		Long: `Run a statement on the configured SQL warehouse as the current identity
and print the result as a table.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readStatement(cmd.InOrStdin(), args, file)
			if err != nil {
				return err
			}

			a, err := loadApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Warehouse == nil {
				return dserrors.ConfigError{
					Field:      "warehouse_id",
					Message:    "no SQL warehouse configured",
					Suggestion: "Set DATABRICKS_WAREHOUSE_ID",
				}
			}

			res, err := a.Warehouse.Query(cmd.Context(), sql)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the statement from a file")

	return cmd
}

func printResult(out io.Writer, res *warehouse.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	names := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		names[i] = strings.ToUpper(c.Name)
	}
	fmt.Fprintln(w, strings.Join(names, "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = *v
			}
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()
	fmt.Fprintf(out, "\n(%d rows)\n", len(res.Rows))
}
