package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	verboseFlag   bool
	logFormatFlag string

	// logger is replaced in PersistentPreRunE; commands may log before that in tests
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "splitrun",
	Short: "Split test files across workers and CI shards",
	Long: `splitrun discovers test files, splits them into disjoint shards for CI
machines and runs each shard across a pool of workers. Every file runs as
its own child process, so one failing or crashing file never stops the
others.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogger,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func Execute(v, bt string) {
	version = v
	buildTime = bt
	registerFlagCompletions()
	if err := rootCmd.Execute(); err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", getEnvBool("SPLITRUN_VERBOSE", false), "Verbose output and debug logging (env: SPLITRUN_VERBOSE)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", getEnvString("SPLITRUN_LOG_FORMAT", "console"), "Log encoding: console, json (env: SPLITRUN_LOG_FORMAT)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return withExitCode(ExitUsageError, fmt.Errorf("%w\n\n%s", err, cmd.UsageString()))
	})

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
}

// newLogger builds the CLI logger. Logs go to stderr so they never mix with
// the console report; below debug only warnings are shown.
func newLogger(verbose bool, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	switch strings.ToLower(format) {
	case "json":
	case "console", "":
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, withExitCode(ExitUsageError, fmt.Errorf("invalid log format %q (use console or json)", format))
	}

	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil
	cfg.DisableStacktrace = !verbose

	return cfg.Build()
}

func setupLogger(cmd *cobra.Command, args []string) error {
	l, err := newLogger(verboseFlag, logFormatFlag)
	if err != nil {
		return err
	}
	logger = l.With(zap.String("command", cmd.Name()))
	return nil
}

// reportedError marks errors whose details the console formatter already printed
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }
