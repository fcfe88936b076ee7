package cmd

import (
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for splitrun.

To load completions:

Bash:
  $ source <(splitrun completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ splitrun completion bash > /etc/bash_completion.d/splitrun
  # macOS:
  $ splitrun completion bash > $(brew --prefix)/etc/bash_completion.d/splitrun

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. Execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ splitrun completion zsh > "${fpath[1]}/_splitrun"

  # You will need to start a new shell for this setup to take effect.

Fish:
  $ splitrun completion fish | source

  # To load completions for each session, execute once:
  $ splitrun completion fish > ~/.config/fish/completions/splitrun.fish

PowerShell:
  PS> splitrun completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, run:
  PS> splitrun completion powershell > splitrun.ps1
  # and source this file from your PowerShell profile.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(cmd.OutOrStdout())
		case "zsh":
			return cmd.Root().GenZshCompletion(cmd.OutOrStdout())
		case "fish":
			return cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

// registerFlagCompletions adds value completions once every flag exists
func registerFlagCompletions() {
	fixed := func(values ...string) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
			return values, cobra.ShellCompDirectiveNoFileComp
		}
	}

	_ = rootCmd.RegisterFlagCompletionFunc("log-format", fixed("console", "json"))
	_ = runCmd.RegisterFlagCompletionFunc("notify", fixed("slack", "teams", "slack,teams"))
	_ = runCmd.RegisterFlagCompletionFunc("notify-on", fixed("always", "failure", "success", "recovery"))
	_ = runCmd.RegisterFlagCompletionFunc("shell", fixed("sh", "bash", "zsh", "cmd", "pwsh"))
	for _, c := range []*cobra.Command{runCmd, listCmd} {
		_ = c.MarkFlagDirname("root")
		_ = c.MarkFlagFilename("config", "yaml", "yml", "json")
	}
	_ = runCmd.MarkFlagDirname("workdir")
	_ = runCmd.MarkFlagFilename("env-file")
}
