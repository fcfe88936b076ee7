package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/config"
	"github.com/abdul-hamid-achik/splitrun/packages/history"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	historyLimitFlag   int
	historySlowestFlag int
	historyPruneFlag   int
	historyPathFlag    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show previous runs",
	Long: `Show runs recorded in the SQLite history database.

Examples:
  splitrun history
  splitrun history --limit 50
  splitrun history --slowest 10
  splitrun history --prune 100`,
	Args: cobra.NoArgs,
	RunE: historyCommand,
}

func init() {
	historyCmd.Flags().StringVar(&historyPathFlag, "db", getEnvString("SPLITRUN_HISTORY", config.DefaultHistoryPath), "History database (env: SPLITRUN_HISTORY)")
	historyCmd.Flags().IntVarP(&historyLimitFlag, "limit", "n", 20, "Number of runs to show")
	historyCmd.Flags().IntVar(&historySlowestFlag, "slowest", 0, "Show the N files with the highest average duration instead of runs")
	historyCmd.Flags().IntVar(&historyPruneFlag, "prune", 0, "Delete all but the N most recent runs")
}

func historyCommand(cmd *cobra.Command, args []string) error {
	if historyPathFlag == "" {
		return withExitCode(ExitUsageError, errors.New("no history database given"))
	}

	store, err := history.Open(historyPathFlag)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()

	if historyPruneFlag > 0 {
		removed, err := store.Prune(ctx, historyPruneFlag)
		if err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d run(s)\n", removed)
		return nil
	}

	if historySlowestFlag > 0 {
		stats, err := store.SlowestUnits(ctx, historySlowestFlag)
		if err != nil {
			return fmt.Errorf("failed to read history: %w", err)
		}
		printSlowest(cmd, stats)
		return nil
	}

	runs, err := store.RecentRuns(ctx, historyLimitFlag)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	printRuns(cmd, runs)
	return nil
}

func printRuns(cmd *cobra.Command, runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet")
		return
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tRESULT\tSHARD\tWORKERS\tPASSED\tFAILED\tNOT RUN\tDURATION\tID")
	for _, r := range runs {
		result := green("pass")
		if !r.Success() {
			result = red("fail")
		}
		shard := r.Shard
		if shard == "" {
			shard = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), result, shard, r.Workers,
			r.Passed, r.Failed, r.NotRun, r.Duration.Round(time.Millisecond), r.ID)
	}
	_ = w.Flush()
}

func printSlowest(cmd *cobra.Command, stats []history.UnitStat) {
	if len(stats) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet")
		return
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AVERAGE\tMAX\tRUNS\tFAILURES\tFILE")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			s.Average.Round(time.Millisecond), s.Max.Round(time.Millisecond), s.Runs, s.Failures, s.Unit)
	}
	_ = w.Flush()
}
