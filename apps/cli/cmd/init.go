package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/abdul-hamid-achik/splitrun/packages/core/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter splitrun.yaml",
	Long: `Create a splitrun.yaml in the current directory with commented defaults
to adapt to the project's test runner.

Examples:
  splitrun init
  splitrun init --force`,
	Args: cobra.NoArgs,
	RunE: initCommand,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing file")
}

const starterHeader = `# splitrun configuration
#
# command is a shell template, {} is replaced by the file path.
# Flags and SPLITRUN_* environment variables override these values.
# Set SPLITRUN_SHARD=index/total (or --shard) on each CI machine.

`

func initCommand(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	configFile := filepath.Join(cwd, config.ConfigFilenames[0])

	if !forceInit {
		if existing := config.FindConfig(cwd); existing != "" {
			return withExitCode(ExitUsageError, fmt.Errorf("config already exists: %s (use --force to overwrite)", existing))
		}
	}

	starter := config.DefaultConfig()
	starter.Command = "sh {}"
	starter.Root = "tests"
	starter.Pattern = "*_test.sh"
	starter.Timeout = "5m"
	starter.Env = map[string]string{"CI": "true"}

	configYAML, err := yaml.Marshal(starter)
	if err != nil {
		return err
	}
	if err := os.WriteFile(configFile, append([]byte(starterHeader), configYAML...), 0644); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created: %s\n", configFile)
	fmt.Fprintf(cmd.OutOrStdout(), "\nRun 'splitrun list' to see how the files are split, then 'splitrun run'.\n")

	return nil
}
