package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/althrussell/databricks-sql-copilot/internal/app"
	"github.com/althrussell/databricks-sql-copilot/internal/config"
	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
	"github.com/althrussell/databricks-sql-copilot/internal/retry"
)

const doctorCheckTimeout = 60 * time.Second

func NewDoctorCommand(cfg *config.Config) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity",
		Long: `Verify that the copilot is configured and can reach everything it uses.

This command checks:
- Configuration validity
- Workspace authentication
- SQL warehouse access
- Model serving endpoint state
- Database connectivity

Nothing is created; run 'copilot provision' to set up the database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			a, err := loadApp(cfg)
			if err != nil {
				displayChecks(out, []CheckResult{{Name: "configuration", Status: statusError, Error: err}}, verbose)
				return fmt.Errorf("configuration is invalid")
			}
			defer a.Close()

			results := []CheckResult{{Name: "configuration", Status: statusOK, Message: a.Config.Host}}
			results = append(results,
				runCheck(cmd.Context(), "workspace auth", func(ctx context.Context) (string, error) {
					user, err := a.AppClient.CurrentUser(ctx)
					if err != nil {
						return "", err
					}
					return "authenticated as " + user.UserName, nil
				}),
				checkWarehouse(cmd.Context(), a),
				checkServingEndpoint(cmd.Context(), a),
				runCheck(cmd.Context(), "database", func(ctx context.Context) (string, error) {
					if err := a.Pool.Ping(ctx); err != nil {
						return "", err
					}
					return "connected", nil
				}),
			)

			displayChecks(out, results, verbose)

			passed, ran := 0, 0
			for _, r := range results {
				if r.Status == statusSkipped {
					continue
				}
				ran++
				if r.Status == statusOK {
					passed++
				}
			}
			fmt.Fprintf(out, "\nSummary: %d/%d checks passed\n", passed, ran)
			if passed < ran {
				return fmt.Errorf("some checks failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&verbose, "verbose", false, "Show suggestions for failed checks")

	return cmd
}

const (
	statusOK      = "ok"
	statusError   = "error"
	statusSkipped = "skipped"
)

// CheckResult is the outcome of one doctor check.
type CheckResult struct {
	Name    string
	Status  string
	Message string
	Error   error
}

func runCheck(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, doctorCheckTimeout)
	defer cancel()
	msg, err := fn(ctx)
	if err != nil {
		return CheckResult{Name: name, Status: statusError, Error: err}
	}
	return CheckResult{Name: name, Status: statusOK, Message: msg}
}

func checkWarehouse(ctx context.Context, a *app.App) CheckResult {
	if a.Warehouse == nil {
		return CheckResult{Name: "sql warehouse", Status: statusSkipped, Message: "DATABRICKS_WAREHOUSE_ID not set"}
	}
	return runCheck(ctx, "sql warehouse", func(ctx context.Context) (string, error) {
		if _, err := a.Warehouse.Query(ctx, "SELECT 1"); err != nil {
			return "", err
		}
		return a.Config.WarehouseID + " answered", nil
	})
}

func checkServingEndpoint(ctx context.Context, a *app.App) CheckResult {
	name := a.Config.ServingEndpoint
	if name == "" {
		return CheckResult{Name: "serving endpoint", Status: statusSkipped, Message: "SERVING_ENDPOINT not set"}
	}
	return runCheck(ctx, "serving endpoint", func(ctx context.Context) (string, error) {
		var ep struct {
			State struct {
				Ready string `json:"ready"`
			} `json:"state"`
		}
		path := "/api/2.0/serving-endpoints/" + url.PathEscape(name)
		if err := a.Client.Call(ctx, retry.DefaultPolicy("doctor.serving"), http.MethodGet, path, nil, &ep); err != nil {
			return "", err
		}
		if ep.State.Ready != "READY" {
			return "", fmt.Errorf("endpoint %s is %s", name, ep.State.Ready)
		}
		return name + " is ready", nil
	})
}

// displayChecks shows check results in a formatted table
func displayChecks(out io.Writer, results []CheckResult, verbose bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "CHECK\tSTATUS\tMESSAGE\n")
	_, _ = fmt.Fprintf(w, "-----\t------\t-------\n")

	for _, r := range results {
		status := r.Status
		message := r.Message
		switch r.Status {
		case statusOK:
			status = "✓ " + status
		case statusError:
			status = "✗ " + status
			message = firstLine(dserrors.SimplifyError(r.Error).Error())
		default:
			status = "- " + status
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, status, message)
	}
	_ = w.Flush()

	if !verbose {
		return
	}
	for _, r := range results {
		if r.Status != statusError {
			continue
		}
		fmt.Fprintf(out, "\n%s:\n  %v\n", r.Name, dserrors.SimplifyError(r.Error))
		if dserrors.IsNotFound(r.Error) && r.Name == "database" {
			fmt.Fprintln(out, "  Try: copilot provision")
		}
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
