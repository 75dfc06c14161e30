package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/althrussell/databricks-sql-copilot/internal/ai"
	"github.com/althrussell/databricks-sql-copilot/internal/config"
	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
)

func NewAnalyzeCommand(cfg *config.Config) *cobra.Command {
	var (
		file    string
		extra   string
		asJSON  bool
		noStore bool
	)

	cmd := &cobra.Command{
		Use:   "analyze [SQL]",
		Short: "Review a SQL statement with the serving endpoint",
		Long: `Send a SQL statement to the configured model serving endpoint and print
the structured review.

The statement comes from the argument, from --file, or from stdin when the
argument is "-". Results are also stored in the database unless --no-store
is given.`,
		Example: `  copilot analyze "SELECT * FROM sales WHERE year(ts) = 2024"
  copilot analyze --file slow_query.sql --json`,
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
			if a.Analyzer == nil {
				return dserrors.ConfigError{
					Field:      "serving_endpoint",
					Message:    "no model serving endpoint configured",
					Suggestion: "Set SERVING_ENDPOINT to the name of a chat model endpoint",
				}
			}

			if !noStore {
				if err := a.Start(cmd.Context()); err != nil {
					return err
				}
			}

			analysis, err := a.Analyzer.Analyze(cmd.Context(), ai.Request{SQL: sql, Context: extra})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(analysis)
			}
			printAnalysis(out, analysis)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the statement from a file")
	cmd.Flags().StringVar(&extra, "context", "", "Extra context for the model, such as execution statistics")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the analysis as JSON")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "Do not store the result")

	return cmd
}

func readStatement(stdin io.Reader, args []string, file string) (string, error) {
	var sql string
	switch {
	case file != "" && len(args) > 0:
		return "", fmt.Errorf("give the statement as an argument or with --file, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		sql = string(data)
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		sql = string(data)
	case len(args) == 1:
		sql = args[0]
	}
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return "", fmt.Errorf("no SQL statement given")
	}
	return sql, nil
}

func printAnalysis(out io.Writer, a *ai.Analysis) {
	fmt.Fprintf(out, "Severity: %s\n", a.Severity)
	if a.Repaired {
		fmt.Fprintln(out, "(the model response was truncated; some fields may be missing)")
	}
	fmt.Fprintln(out, "\nSummary:")
	for _, s := range a.Summary {
		fmt.Fprintf(out, "  - %s\n", s)
	}
	if len(a.Recommendations) > 0 {
		fmt.Fprintln(out, "\nRecommendations:")
		for _, r := range a.Recommendations {
			fmt.Fprintf(out, "  - %s", r.Title)
			if r.Impact != "" {
				fmt.Fprintf(out, " [%s]", r.Impact)
			}
			fmt.Fprintln(out)
			if r.Detail != "" {
				fmt.Fprintf(out, "    %s\n", r.Detail)
			}
		}
	}
	if a.RewrittenSQL != "" {
		fmt.Fprintf(out, "\nRewritten SQL:\n%s\n", a.RewrittenSQL)
	}
}
