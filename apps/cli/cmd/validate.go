package cmd

import (
	"errors"
	"fmt"

	"github.com/abdul-hamid-achik/splitrun/packages/core/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [config file]",
	Short: "Validate a splitrun config file",
	Long: `Check a config file against the splitrun schema without running anything.
Without an argument the config of the current directory is used.

Examples:
  splitrun validate
  splitrun validate ci/splitrun.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: validateCommand,
}

func validateCommand(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	} else if path = config.FindConfig("."); path == "" {
		return withExitCode(ExitConfigError, errors.New("no config file found in the current directory"))
	}

	doc, err := config.ReadDocument(path)
	if err != nil {
		return err
	}

	problems, err := config.Validate(doc)
	if err != nil {
		return &config.Error{Path: path, Err: err}
	}

	if len(problems) == 0 {
		cfg, err := config.LoadConfig(path)
		if err != nil {
			return err
		}
		if _, err := cfg.ShardSpec(); err != nil {
			problems = append(problems, err.Error())
		}
		if _, err := cfg.UnitTimeout(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintf(cmd.OutOrStderr(), "  %s\n", p)
		}
		return &config.Error{Path: path, Problems: []string{fmt.Sprintf("%d problem(s)", len(problems))}}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Valid: %s\n", path)
	return nil
}
