package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/quatton/qmesh/pkg/db"
	"github.com/quatton/qmesh/pkg/qsdk"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
	"github.com/quatton/qmesh/pkg/qsession"
	"github.com/spf13/cobra"
)

var (
	runsStatus   string
	runsAnchor   string
	runsAll      bool
	runsLimit    int
	runsShowJSON bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run history",
}

var runsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuns(cmd, func(ctx context.Context, repo *db.RunRepository) error {
			runs, err := repo.List(ctx, db.ListOptions{
				Status:           qsession.Status(runsStatus),
				AnchorKey:        runsAnchor,
				IncludeDismissed: runsAll,
				Limit:            runsLimit,
			})
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tANCHOR\tSTATUS\tCREATED\tDURATION\tERROR")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.Anchor.Name, run.Status,
					run.CreatedAt.Local().Format(time.DateTime), duration(run), run.Error)
			}
			return w.Flush()
		})
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuns(cmd, func(ctx context.Context, repo *db.RunRepository) error {
			run, err := repo.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if runsShowJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(run)
			}

			fmt.Printf("Run:      %s\n", run.ID)
			fmt.Printf("Anchor:   %s (%s)\n", run.Anchor.Name, run.AnchorKey)
			fmt.Printf("Status:   %s\n", run.Status)
			fmt.Printf("Sources:  %v\n", run.Sources)
			fmt.Printf("Created:  %s\n", run.CreatedAt.Local().Format(time.DateTime))
			if d := duration(run); d != "" {
				fmt.Printf("Duration: %s\n", d)
			}
			if run.Dir != "" && !run.Purged {
				fmt.Printf("Dir:      %s\n", run.Dir)
			}
			if len(run.Imported) > 0 {
				fmt.Printf("Imported: %v\n", run.Imported)
			}
			for _, a := range run.Artifacts {
				fmt.Printf("Artifact: %s (%d bytes)\n", a.Key, a.Size)
			}
			if run.Status == qsession.StatusFailed {
				fmt.Println()
				if run.Diagnostic != nil {
					printDiagnostic(run.Diagnostic)
				} else {
					fmt.Fprintf(os.Stderr, "error: %s\n", run.Error)
				}
			}
			return nil
		})
	},
}

var runsDismissCmd = &cobra.Command{
	Use:   "dismiss <run-id>...",
	Short: "Forget finished runs and remove their scratch directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuns(cmd, func(ctx context.Context, repo *db.RunRepository) error {
			for _, id := range args {
				run, err := repo.Get(ctx, id)
				if err != nil {
					return err
				}
				if run.Status.Active() {
					return qerr.Errorf(qerr.CodeBusy, "run %s is still %s", id, run.Status)
				}
				if run.Dir != "" && !run.Purged {
					if err := os.RemoveAll(run.Dir); err != nil {
						return fmt.Errorf("removing %s: %w", run.Dir, err)
					}
					run.Purged = true
				}
				run.Dismissed = true
				if err := repo.SaveRun(ctx, run); err != nil {
					return err
				}
				fmt.Printf("✓ dismissed %s\n", id)
			}
			return nil
		})
	},
}

func withRuns(cmd *cobra.Command, fn func(context.Context, *db.RunRepository) error) error {
	cfg, err := GetConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	bunDB, err := qsdk.OpenDB(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer bunDB.Close()
	return fn(ctx, db.NewRunRepository(bunDB))
}

func duration(run *qsession.Run) string {
	if run.StartedAt == nil || run.FinishedAt == nil {
		return ""
	}
	return run.FinishedAt.Sub(*run.StartedAt).Round(10 * time.Millisecond).String()
}

func init() {
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "only runs with this status")
	runsListCmd.Flags().StringVar(&runsAnchor, "anchor", "", "only runs on this anchor key")
	runsListCmd.Flags().BoolVarP(&runsAll, "all", "a", false, "include dismissed runs")
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "maximum number of runs (0 for all)")
	runsShowCmd.Flags().BoolVar(&runsShowJSON, "json", false, "print the run as JSON")
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDismissCmd)
	rootCmd.AddCommand(runsCmd)
}
