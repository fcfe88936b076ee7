package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/batch"
	"github.com/abdul-hamid-achik/splitrun/packages/core/config"
	"github.com/abdul-hamid-achik/splitrun/packages/core/runner"
	"github.com/abdul-hamid-achik/splitrun/packages/core/shard"
	"github.com/abdul-hamid-achik/splitrun/packages/output"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run [command...]",
	Short: "Run test files across workers",
	Long: `Run every discovered test file as its own child process, spread over a
pool of workers. The command is a shell template: "{}" is replaced by the
file path, otherwise the path is appended to the command.

A failing, crashing or timed out file is reported and the remaining files
still run. The exit code is 0 only when every file passed.

Examples:
  splitrun run --root tests --pattern '*_test.sh' sh
  splitrun run --pattern '*.spec.ts' --workers 4 -- npx playwright test
  splitrun run --shard 2/4 --command 'pytest -q {}'
  SPLITRUN_SHARD=3/4 splitrun run --root tests bats

Watch Mode:
  splitrun run --watch --root tests --pattern '*_test.sh' sh`,
	Args: cobra.ArbitraryArgs,
	RunE: runCommand,
}

const (
	// WatchDebounceDelay is the debounce delay for file watch events
	WatchDebounceDelay = 300 * time.Millisecond

	// childEnvPrefix selects process variables forwarded to units with the prefix stripped
	childEnvPrefix = "SPLITRUN_ENV_"
)

var (
	// Plan flags, shared with list
	configFlag  string
	rootFlag    string
	patternFlag string
	workersFlag int
	shardFlag   string

	commandFlag   string
	timeoutFlag   string
	shellFlag     string
	workDirFlag   string
	envFileFlag   string
	historyFlag   string
	beforeFlag    string
	afterFlag     string
	waitForFlag   string
	waitTimeout   string
	spawnRateFlag float64
	noColorFlag   bool
	dryRunFlag    bool
	watchFlag     bool

	// Metrics flags
	metricsFileFlag   string
	metricsAddrFlag   string
	datadogFlag       bool
	datadogAPIKeyFlag string
	datadogSiteFlag   string
	datadogTagsFlag   string

	// Notification flags
	notifyFlag       string
	notifyOnFlag     string
	slackWebhookFlag string
	slackChannelFlag string
	teamsWebhookFlag string
)

func init() {
	addPlanFlags(runCmd)

	// Execution flags
	runCmd.Flags().StringVarP(&commandFlag, "command", "c", getEnvString("SPLITRUN_COMMAND", ""), "Command template, {} is replaced by the file path (env: SPLITRUN_COMMAND)")
	runCmd.Flags().StringVar(&timeoutFlag, "timeout", getEnvString("SPLITRUN_TIMEOUT", ""), "Kill a file running longer than this, e.g. 90s (env: SPLITRUN_TIMEOUT)")
	runCmd.Flags().StringVar(&shellFlag, "shell", getEnvString("SPLITRUN_SHELL", ""), "Shell interpreting the command (default sh, cmd on windows) (env: SPLITRUN_SHELL)")
	runCmd.Flags().StringVar(&workDirFlag, "workdir", getEnvString("SPLITRUN_WORKDIR", ""), "Working directory of every child process (env: SPLITRUN_WORKDIR)")
	runCmd.Flags().StringVar(&envFileFlag, "env-file", getEnvString("SPLITRUN_ENV_FILE", ""), "Path to .env file merged into the child environment (env: SPLITRUN_ENV_FILE)")
	runCmd.Flags().StringVar(&beforeFlag, "before", getEnvString("SPLITRUN_BEFORE", ""), "Command run once before any file, e.g. to start services (env: SPLITRUN_BEFORE)")
	runCmd.Flags().StringVar(&afterFlag, "after", getEnvString("SPLITRUN_AFTER", ""), "Command run once after all files, even when they failed (env: SPLITRUN_AFTER)")
	runCmd.Flags().StringVar(&waitForFlag, "wait-for", getEnvString("SPLITRUN_WAIT_FOR", ""), "Wait until this http(s) or tcp:// URL is ready before running (env: SPLITRUN_WAIT_FOR)")
	runCmd.Flags().StringVar(&waitTimeout, "wait-timeout", getEnvString("SPLITRUN_WAIT_TIMEOUT", ""), "How long --wait-for waits (default 30s) (env: SPLITRUN_WAIT_TIMEOUT)")
	runCmd.Flags().Float64Var(&spawnRateFlag, "spawn-rate", getEnvFloat("SPLITRUN_SPAWN_RATE", 0), "Maximum process starts per second across all workers, 0 is unlimited (env: SPLITRUN_SPAWN_RATE)")
	runCmd.Flags().StringVar(&historyFlag, "history", getEnvString("SPLITRUN_HISTORY", config.DefaultHistoryPath), "SQLite run history, empty disables it (env: SPLITRUN_HISTORY)")
	runCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Show which worker would run which file without executing")
	runCmd.Flags().BoolVar(&watchFlag, "watch", false, "Watch the root for changes and re-run")

	// Output flags
	runCmd.Flags().BoolVar(&noColorFlag, "no-color", getEnvBool("SPLITRUN_NO_COLOR", false), "Disable colored output (env: SPLITRUN_NO_COLOR)")

	// Metrics flags
	runCmd.Flags().StringVar(&metricsFileFlag, "metrics-file", getEnvString("SPLITRUN_METRICS_FILE", ""), "Write Prometheus metrics to this file, e.g. for the node_exporter textfile collector (env: SPLITRUN_METRICS_FILE)")
	runCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", getEnvString("SPLITRUN_METRICS_ADDR", ""), "Serve Prometheus metrics on this address while running, e.g. :9090 (env: SPLITRUN_METRICS_ADDR)")
	runCmd.Flags().BoolVar(&datadogFlag, "datadog", getEnvBool("SPLITRUN_DATADOG", false), "Send metrics to DataDog (env: SPLITRUN_DATADOG)")
	runCmd.Flags().StringVar(&datadogAPIKeyFlag, "datadog-api-key", getEnvString("DD_API_KEY", ""), "DataDog API key (env: DD_API_KEY)")
	runCmd.Flags().StringVar(&datadogSiteFlag, "datadog-site", getEnvString("DD_SITE", "datadoghq.com"), "DataDog site (env: DD_SITE)")
	runCmd.Flags().StringVar(&datadogTagsFlag, "datadog-tags", getEnvString("DD_TAGS", ""), "Comma-separated DataDog tags (env: DD_TAGS)")

	// Notification flags
	runCmd.Flags().StringVar(&notifyFlag, "notify", getEnvString("SPLITRUN_NOTIFY", ""), "Notification services: slack, teams (env: SPLITRUN_NOTIFY)")
	runCmd.Flags().StringVar(&notifyOnFlag, "notify-on", getEnvString("SPLITRUN_NOTIFY_ON", ""), "When to notify: always, failure, success, recovery (default failure) (env: SPLITRUN_NOTIFY_ON)")
	runCmd.Flags().StringVar(&slackWebhookFlag, "slack-webhook", getEnvString("SLACK_WEBHOOK", ""), "Slack webhook URL (env: SLACK_WEBHOOK)")
	runCmd.Flags().StringVar(&slackChannelFlag, "slack-channel", getEnvString("SLACK_CHANNEL", ""), "Slack channel override (env: SLACK_CHANNEL)")
	runCmd.Flags().StringVar(&teamsWebhookFlag, "teams-webhook", getEnvString("TEAMS_WEBHOOK", ""), "Microsoft Teams webhook URL (env: TEAMS_WEBHOOK)")
}

// addPlanFlags registers the flags deciding which files run where
func addPlanFlags(c *cobra.Command) {
	c.Flags().StringVar(&configFlag, "config", getEnvString("SPLITRUN_CONFIG", ""), "Path to config file (env: SPLITRUN_CONFIG)")
	c.Flags().StringVarP(&rootFlag, "root", "r", getEnvString("SPLITRUN_ROOT", ""), "Directory searched for test files (default \".\") (env: SPLITRUN_ROOT)")
	c.Flags().StringVarP(&patternFlag, "pattern", "p", getEnvString("SPLITRUN_PATTERN", ""), "File name glob, * and ? are wildcards (default \"*\") (env: SPLITRUN_PATTERN)")
	c.Flags().IntVarP(&workersFlag, "workers", "w", getEnvInt("SPLITRUN_WORKERS", 0), "Number of workers (default: number of CPUs) (env: SPLITRUN_WORKERS)")
	c.Flags().StringVarP(&shardFlag, "shard", "s", "", "Run only one shard, index/total with index from 1, e.g. 2/4 (env: "+shard.EnvVar+")")
}

// Environment variable helpers
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// splitList splits a comma separated flag value, dropping empty entries
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadSettings reads the config file and applies flags on top of it.
// Flags default from the environment, so the precedence is flag, then
// environment, then config file, then built-in defaults.
func loadSettings(cmd *cobra.Command, args []string) (*config.Config, error) {
	fileConfig, err := config.LoadConfig(configFlag)
	if err != nil {
		return nil, err
	}

	if workersFlag < 0 {
		return nil, &batch.InvalidWorkerCountError{Workers: workersFlag}
	}

	overrides := &config.Config{
		Command:     commandFlag,
		Root:        rootFlag,
		Pattern:     patternFlag,
		Workers:     workersFlag,
		Shard:       shardFlag,
		Timeout:     timeoutFlag,
		Shell:       shellFlag,
		WorkDir:     workDirFlag,
		EnvFile:     envFileFlag,
		WaitFor:     waitForFlag,
		WaitTimeout: waitTimeout,
		SpawnRate:   spawnRateFlag,
		MetricsFile: metricsFileFlag,
		Notify:      splitList(notifyFlag),
		NotifyOn:    notifyOnFlag,
		Slack:       slackWebhookFlag,
		Teams:       teamsWebhookFlag,
	}
	if beforeFlag != "" {
		overrides.Before = []string{beforeFlag}
	}
	if afterFlag != "" {
		overrides.After = []string{afterFlag}
	}
	if len(args) > 0 {
		overrides.Command = strings.Join(args, " ")
	}

	if overrides.Shard == "" {
		spec, ok, err := shard.FromEnv()
		if err != nil {
			return nil, withExitCode(ExitConfigError, err)
		}
		if ok {
			overrides.Shard = spec.String()
		}
	}

	// an empty history path is meaningful, so only explicit values override
	if f := cmd.Flags().Lookup("history"); f != nil {
		if _, fromEnv := os.LookupEnv("SPLITRUN_HISTORY"); f.Changed || fromEnv {
			overrides.History = config.StringPtr(historyFlag)
		}
	}
	if verboseFlag {
		overrides.Verbose = config.BoolPtr(true)
	}
	if noColorFlag {
		overrides.NoColor = config.BoolPtr(true)
	}

	cfg := fileConfig.Merge(overrides)

	if cfg.GetVerbose() && !verboseFlag {
		if l, err := newLogger(true, logFormatFlag); err == nil {
			logger = l.With(zap.String("command", cmd.Name()))
		}
	}

	return cfg, nil
}

// buildPlan turns the merged settings into an executor plan
func buildPlan(cfg *config.Config) (runner.Plan, error) {
	spec, err := cfg.ShardSpec()
	if err != nil {
		return runner.Plan{}, withExitCode(ExitConfigError, err)
	}

	return runner.Plan{
		Command: cfg.Command,
		Root:    cfg.Root,
		Pattern: cfg.Pattern,
		Shard:   spec,
		Workers: cfg.Workers,
	}, nil
}

func newFormatter(cmd *cobra.Command, cfg *config.Config) *output.ConsoleFormatter {
	return output.NewConsoleFormatter(
		output.WithWriter(cmd.OutOrStdout()),
		output.WithVerbose(cfg.GetVerbose()),
		output.WithNoColor(cfg.GetNoColor()),
	)
}

func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd, args)
	if err != nil {
		return err
	}

	if cfg.Command == "" {
		return withExitCode(ExitUsageError, errors.New("no command given: pass it as arguments, with --command or in the config file"))
	}

	plan, err := buildPlan(cfg)
	if err != nil {
		return err
	}

	formatter := newFormatter(cmd, cfg)

	if dryRunFlag {
		return printAssignment(formatter, plan)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newSession(ctx, cmd, cfg, plan, formatter)
	if err != nil {
		return err
	}
	defer s.close()

	formatter.FormatHeader(version)

	if err := s.waitForServices(ctx); err != nil {
		return err
	}

	report, err := s.runOnce(ctx)
	if !watchFlag {
		return runOutcome(report, err)
	}
	if err != nil && report == nil {
		return err
	}

	return s.watch(ctx)
}

// runOutcome converts a finished run into the error that selects the exit code
func runOutcome(report *runner.Report, err error) error {
	if err != nil {
		if report != nil {
			return fmt.Errorf("run interrupted: %w", err)
		}
		return err
	}

	if len(report.WorkerFailures) > 0 {
		errs := make([]error, 0, len(report.WorkerFailures))
		for _, wf := range report.WorkerFailures {
			errs = append(errs, wf)
		}
		return &reportedError{err: errors.Join(errs...)}
	}

	if s := report.Summary; s.Failed > 0 {
		return &reportedError{err: fmt.Errorf("%d of %d unit(s) failed", s.Failed, s.Executed)}
	}
	return nil
}
