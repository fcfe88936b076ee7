package cmd

import (
	"github.com/abdul-hamid-achik/splitrun/packages/core/batch"
	"github.com/abdul-hamid-achik/splitrun/packages/core/runner"
	"github.com/abdul-hamid-achik/splitrun/packages/output"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show which worker would run which test file",
	Long: `Discover test files, keep the selected shard and print the round-robin
assignment to workers without running anything.

Examples:
  splitrun list --root tests --pattern '*_test.sh'
  splitrun list --pattern '*.spec.ts' --workers 4 --shard 1/3`,
	Args: cobra.NoArgs,
	RunE: listCommand,
}

func init() {
	addPlanFlags(listCmd)
}

func listCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd, args)
	if err != nil {
		return err
	}

	plan, err := buildPlan(cfg)
	if err != nil {
		return err
	}

	return printAssignment(newFormatter(cmd, cfg), plan)
}

// printAssignment resolves the plan and prints its batches
func printAssignment(formatter *output.ConsoleFormatter, plan runner.Plan) error {
	units, err := runner.ResolveUnits(plan)
	if err != nil {
		return err
	}

	batches, err := batch.Assign(units, plan.WorkerCount())
	if err != nil {
		return err
	}

	formatter.FormatAssignment(batches, plan.Shard)
	return nil
}
