package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/config"
	"github.com/abdul-hamid-achik/splitrun/packages/core/discover"
	"github.com/abdul-hamid-achik/splitrun/packages/core/env"
	"github.com/abdul-hamid-achik/splitrun/packages/core/runner"
	"github.com/abdul-hamid-achik/splitrun/packages/core/shard"
	"github.com/abdul-hamid-achik/splitrun/packages/export/metrics"
	"github.com/abdul-hamid-achik/splitrun/packages/history"
	"github.com/abdul-hamid-achik/splitrun/packages/notify"
	"github.com/abdul-hamid-achik/splitrun/packages/output"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// historyTimeout bounds history writes, which also happen after a cancelled run
const historyTimeout = 10 * time.Second

// session holds everything one run command needs across watch iterations
type session struct {
	cmd       *cobra.Command
	plan      runner.Plan
	formatter *output.ConsoleFormatter
	executor  *runner.Executor
	collector *metrics.Collector
	notifier  *notify.Manager
	store     *history.Store
	before    []string
	after     []string
	wait      *runner.WaitSpec
}

func newSession(ctx context.Context, cmd *cobra.Command, cfg *config.Config, plan runner.Plan, formatter *output.ConsoleFormatter) (*session, error) {
	timeout, err := cfg.UnitTimeout()
	if err != nil {
		return nil, withExitCode(ExitConfigError, err)
	}

	var wait *runner.WaitSpec
	if cfg.WaitFor != "" {
		d, err := cfg.WaitDuration()
		if err != nil {
			return nil, withExitCode(ExitConfigError, err)
		}
		wait = &runner.WaitSpec{URL: cfg.WaitFor, Timeout: d}
	}

	childEnv, err := buildEnviron(cfg)
	if err != nil {
		return nil, err
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return nil, err
	}

	exporters, err := buildExporters(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{
		cmd:       cmd,
		plan:      plan,
		formatter: formatter,
		collector: metrics.NewCollector(exporters...),
		notifier:  notifier,
		before:    cfg.Before,
		after:     cfg.After,
		wait:      wait,
	}

	if path := cfg.GetHistory(); path != "" {
		store, err := history.Open(path)
		if err != nil {
			logger.Warn("run history disabled", zap.String("path", path), zap.Error(err))
		} else {
			s.store = store
		}
	}

	if s.store != nil && s.notifier != nil {
		last, err := s.store.LastRun(ctx, shardLabel(plan.Shard))
		switch {
		case err != nil:
			logger.Warn("could not read previous run", zap.Error(err))
		case last != nil:
			s.notifier.SetLastState(last.Success())
		}
	}

	opts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithObserver(runner.MultiObserver{
			formatter,
			runner.NewLogObserver(logger),
			s.collector,
		}),
		runner.WithSpawnRate(cfg.SpawnRate),
	}

	s.executor = runner.NewExecutor(&runner.Config{
		Shell:       cfg.Shell,
		Dir:         cfg.WorkDir,
		Env:         childEnv,
		UnitTimeout: timeout,
	}, opts...)

	return s, nil
}

func shardLabel(spec *shard.Spec) string {
	if spec == nil {
		return ""
	}
	return spec.String()
}

// buildEnviron layers the env file, the config env map and SPLITRUN_ENV_*
// variables over the process environment
func buildEnviron(cfg *config.Config) ([]string, error) {
	var dotenv map[string]string
	if cfg.EnvFile != "" {
		vars, err := env.LoadDotEnv(cfg.EnvFile)
		if err != nil {
			return nil, withExitCode(ExitConfigError, err)
		}
		dotenv = vars
	}
	return env.Environ(dotenv, cfg.Env, env.LoadSystemEnv(childEnvPrefix)), nil
}

func buildNotifier(cfg *config.Config) (*notify.Manager, error) {
	if len(cfg.Notify) == 0 {
		return nil, nil
	}

	notifyOn, err := notify.ParseNotifyOn(cfg.NotifyOn)
	if err != nil {
		return nil, withExitCode(ExitConfigError, err)
	}

	manager := notify.NewManager(notifyOn)
	for _, service := range cfg.Notify {
		switch strings.ToLower(strings.TrimSpace(service)) {
		case "slack":
			if cfg.Slack == "" {
				return nil, withExitCode(ExitConfigError, errors.New("--slack-webhook is required when using --notify slack"))
			}
			slackOpts := []notify.SlackOption{}
			if slackChannelFlag != "" {
				slackOpts = append(slackOpts, notify.WithSlackChannel(slackChannelFlag))
			}
			manager.AddNotifier(notify.NewSlackNotifier(cfg.Slack, slackOpts...))

		case "teams":
			if cfg.Teams == "" {
				return nil, withExitCode(ExitConfigError, errors.New("--teams-webhook is required when using --notify teams"))
			}
			manager.AddNotifier(notify.NewTeamsNotifier(cfg.Teams))

		default:
			return nil, withExitCode(ExitConfigError, fmt.Errorf("unknown notification service %q (use slack or teams)", service))
		}
	}

	return manager, nil
}

func buildExporters(cfg *config.Config) ([]metrics.Exporter, error) {
	var exporters []metrics.Exporter

	var promOpts []metrics.PrometheusOption
	if cfg.MetricsFile != "" {
		promOpts = append(promOpts, metrics.WithPrometheusFile(cfg.MetricsFile))
	}
	if metricsAddrFlag != "" {
		promOpts = append(promOpts, metrics.WithPrometheusHTTP(metricsAddrFlag))
	}
	if len(promOpts) > 0 {
		p, err := metrics.NewPrometheusExporter(promOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to start metrics exporter: %w", err)
		}
		if metricsAddrFlag != "" {
			logger.Info("serving metrics", zap.String("url", "http://"+p.Addr()+"/metrics"))
		}
		exporters = append(exporters, p)
	}

	if datadogFlag {
		ddOpts := []metrics.DataDogOption{metrics.WithDataDogSite(datadogSiteFlag)}
		if datadogAPIKeyFlag != "" {
			ddOpts = append(ddOpts, metrics.WithDataDogAPIKey(datadogAPIKeyFlag))
		}
		if tags := splitList(datadogTagsFlag); len(tags) > 0 {
			ddOpts = append(ddOpts, metrics.WithDataDogTags(tags))
		}
		exporters = append(exporters, metrics.NewDataDogExporter(ddOpts...))
	}

	return exporters, nil
}

// runOnce resolves the plan against the current tree and runs it
func (s *session) runOnce(ctx context.Context) (*runner.Report, error) {
	units, err := runner.ResolveUnits(s.plan)
	if err != nil {
		s.formatter.FormatError(err)
		return nil, &reportedError{err: err}
	}

	workers := s.plan.WorkerCount()
	logger.Debug("starting run",
		zap.Int("units", len(units)),
		zap.Int("workers", workers),
		zap.String("shard", shardLabel(s.plan.Shard)))

	// teardown runs even when setup or the run was interrupted
	teardown := context.WithoutCancel(ctx)

	if err := s.executor.RunBeforeHooks(ctx, s.before); err != nil {
		s.formatter.FormatError(err)
		s.runAfterHooks(teardown)
		return nil, &reportedError{err: err}
	}

	s.collector.Reset()
	s.formatter.Start(len(units))

	report, err := s.executor.Run(ctx, s.plan.Command, units, workers)
	s.runAfterHooks(teardown)
	if report == nil {
		return nil, err
	}
	report.Summary.Shard = s.plan.Shard

	s.formatter.FormatReport(report)
	s.finish(report)
	return report, err
}

// waitForServices blocks until the configured service is ready
func (s *session) waitForServices(ctx context.Context) error {
	if s.wait == nil {
		return nil
	}
	fmt.Fprintf(s.cmd.OutOrStdout(), "Waiting for %s...\n", s.wait.URL)
	if err := s.executor.WaitFor(ctx, *s.wait); err != nil {
		s.formatter.FormatError(err)
		return &reportedError{err: err}
	}
	return nil
}

func (s *session) runAfterHooks(ctx context.Context) {
	if err := s.executor.RunAfterHooks(ctx, s.after); err != nil {
		logger.Warn("after hook failed", zap.Error(err))
		fmt.Fprintf(s.cmd.ErrOrStderr(), "warning: %v\n", err)
	}
}

// finish exports metrics, records history and notifies. None of these
// change the outcome of the run, so failures are only warnings.
func (s *session) finish(report *runner.Report) {
	stderr := s.cmd.ErrOrStderr()

	s.collector.Finish(report)
	if err := s.collector.Flush(); err != nil {
		logger.Warn("metrics export failed", zap.Error(err))
		fmt.Fprintf(stderr, "warning: failed to export metrics: %v\n", err)
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		id, err := s.store.SaveRun(ctx, report)
		cancel()
		if err != nil {
			logger.Warn("saving run history failed", zap.String("path", s.store.Path()), zap.Error(err))
			fmt.Fprintf(stderr, "warning: failed to save run history: %v\n", err)
		} else {
			logger.Debug("run saved", zap.String("run_id", id))
		}
	}

	if s.notifier != nil {
		sent, err := s.notifier.Notify(notify.FromReport(report))
		if err != nil {
			fmt.Fprintf(stderr, "warning: failed to send notification: %v\n", err)
		}
		logger.Debug("notification policy applied", zap.Bool("sent", sent))
	}
}

// watch re-runs the plan whenever a matching file under the root is
// written or created, until ctx ends
func (s *session) watch(ctx context.Context) error {
	matcher, err := discover.Compile(s.plan.Pattern)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	watchedDirs := make(map[string]bool)
	addTree := func(root string) {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() && !watchedDirs[path] {
				if err := watcher.Add(path); err != nil {
					s.formatter.FormatError(fmt.Errorf("failed to watch %s: %w", path, err))
				}
				watchedDirs[path] = true
			}
			return nil
		})
	}
	addTree(s.plan.Root)

	out := s.cmd.OutOrStdout()
	fmt.Fprintf(out, "\nWatching for changes... (press Ctrl+C to stop)\n\n")

	// Debounce timer for rapid file changes; reruns happen on this goroutine
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()
	trigger := make(chan string, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					addTree(event.Name)
					continue
				}
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !matcher.MatchString(filepath.Base(event.Name)) {
				continue
			}

			name := event.Name
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(WatchDebounceDelay, func() {
				select {
				case trigger <- name:
				default:
				}
			})

		case name := <-trigger:
			fmt.Fprintf(out, "\n\nFile changed: %s\nRe-running...\n\n", name)
			if _, err := s.runOnce(ctx); err != nil && ctx.Err() == nil {
				var reported *reportedError
				if !errors.As(err, &reported) {
					s.formatter.FormatError(err)
				}
			}
			fmt.Fprintf(out, "\nWatching for changes... (press Ctrl+C to stop)\n")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.formatter.FormatError(fmt.Errorf("watcher error: %w", err))
		}
	}
}

func (s *session) close() {
	if err := s.collector.Close(); err != nil {
		logger.Warn("closing metrics exporters failed", zap.Error(err))
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logger.Warn("closing run history failed", zap.Error(err))
		}
	}
}
