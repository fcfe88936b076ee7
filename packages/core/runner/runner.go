package runner

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/batch"
	"github.com/abdul-hamid-achik/splitrun/packages/core/discover"
	"github.com/abdul-hamid-achik/splitrun/packages/core/shard"
	"github.com/abdul-hamid-achik/splitrun/packages/stats"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config controls how unit processes are started
type Config struct {
	// Shell interprets the unit command, default sh (cmd on windows)
	Shell string
	// Dir is the working directory of every child, default the current one
	Dir string
	// Env is the child environment, nil means inherit os.Environ()
	Env []string
	// UnitTimeout kills a unit running longer than this, zero disables it
	UnitTimeout time.Duration
}

func (c *Config) withDefaults() *Config {
	cfg := Config{}
	if c != nil {
		cfg = *c
	}
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell()
	}
	return &cfg
}

type settings struct {
	observer Observer
	logger   *zap.Logger
	limiter  *rate.Limiter
}

func newSettings(opts []Option) settings {
	s := settings{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option configures a Supervisor or an Executor
type Option func(*settings)

// WithObserver sets the sink notified after every unit
func WithObserver(o Observer) Option {
	return func(s *settings) {
		s.observer = o
	}
}

// WithLogger sets the structured logger
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSpawnRate limits process starts across all workers to perSecond.
// Zero or negative means unlimited.
func WithSpawnRate(perSecond float64) Option {
	return func(s *settings) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// Executor fans batches out to concurrent workers and aggregates results
type Executor struct {
	supervisor *Supervisor
	settings
}

// NewExecutor creates an executor. A nil config uses defaults.
func NewExecutor(cfg *Config, opts ...Option) *Executor {
	s := newSettings(opts)
	return &Executor{
		supervisor: &Supervisor{config: cfg.withDefaults(), settings: s},
		settings:   s,
	}
}

// Run assigns units to workers round-robin, runs every batch on its own
// goroutine and waits for all of them. Parameter errors are returned before
// anything starts. A worker that terminates early is listed in
// Report.WorkerFailures; the others still finish. The error is non-nil only
// for invalid parameters or when ctx ends before the workers are done, in
// which case the partial report is returned as well.
func (e *Executor) Run(ctx context.Context, commandTemplate string, units []string, workers int) (*Report, error) {
	e.phase(PhaseIdle)
	e.phase(PhaseAssigning)

	batches, err := batch.Assign(units, workers)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := e.logger.With(zap.String("run_id", runID))

	e.phase(PhaseDispatching)
	logger.Info("dispatching workers", zap.Int("units", len(units)), zap.Int("workers", workers))

	perWorker := make([][]*ExecutionResult, workers)
	fatal := make([]*WorkerFatalError, workers)
	startedAt := time.Now()

	// A plain group: one worker failing must not cancel its siblings
	var g errgroup.Group
	for id, b := range batches {
		id, b := id, b
		g.Go(func() error {
			results, err := e.supervisor.RunBatch(ctx, commandTemplate, b, id)
			perWorker[id] = results

			var wf *WorkerFatalError
			if errors.As(err, &wf) {
				fatal[id] = wf
				logger.Error("worker terminated early", zap.Int("worker", id), zap.Error(wf))
				return nil
			}
			return err
		})
	}

	e.phase(PhaseAwaitingWorkers)
	waitErr := g.Wait()
	duration := time.Since(startedAt)

	e.phase(PhaseAggregating)
	report := aggregate(perWorker, fatal, len(units), workers)
	report.Summary.RunID = runID
	report.Summary.StartedAt = startedAt
	report.Summary.Duration = duration
	if waitErr != nil {
		report.Summary.Incomplete = true
	}

	logger.Info("run finished",
		zap.Int("passed", report.Summary.Passed),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("not_run", report.Summary.NotRun),
		zap.Duration("duration", duration))

	e.phase(PhaseDone)
	return report, waitErr
}

func aggregate(perWorker [][]*ExecutionResult, fatal []*WorkerFatalError, totalUnits, workers int) *Report {
	report := &Report{
		Summary: Summary{
			TotalUnits: totalUnits,
			Workers:    workers,
		},
	}

	latency := stats.NewRecorder()
	for _, results := range perWorker {
		for _, res := range results {
			report.Results = append(report.Results, res)
			latency.Record(res.Duration)
			report.Summary.UnitTime += res.Duration
			if res.Passed() {
				report.Summary.Passed++
			}
			if res.TimedOut {
				report.Summary.TimedOut++
			}
		}
	}

	for _, wf := range fatal {
		if wf != nil {
			report.WorkerFailures = append(report.WorkerFailures, wf)
		}
	}

	s := &report.Summary
	s.Executed = len(report.Results)
	s.Failed = s.Executed - s.Passed
	s.NotRun = totalUnits - s.Executed
	s.Latency = latency.Summary()
	s.Incomplete = len(report.WorkerFailures) > 0 || s.NotRun > 0
	return report
}

func (e *Executor) phase(p Phase) {
	if po, ok := e.observer.(PhaseObserver); ok {
		po.PhaseChanged(p)
	}
}

// Plan describes a complete invocation: which units to find, which shard of
// them to keep and how to run them
type Plan struct {
	Command string
	Root    string
	Pattern string
	// Shard restricts the run to one shard, nil runs everything
	Shard *shard.Spec
	// Workers defaults to the number of CPUs when zero
	Workers int
}

// WorkerCount returns the effective number of workers for the plan
func (p Plan) WorkerCount() int {
	if p.Workers == 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}

// ResolveUnits discovers the plan's units and applies its shard
func ResolveUnits(p Plan) ([]string, error) {
	units, err := discover.Discover(p.Root, p.Pattern)
	if err != nil {
		return nil, err
	}
	if p.Shard == nil {
		return units, nil
	}
	return shard.Select(units, p.Shard.Index, p.Shard.Total)
}

// RunPlan discovers units, keeps the selected shard and runs them
func (e *Executor) RunPlan(ctx context.Context, p Plan) (*Report, error) {
	if p.Shard != nil {
		if err := p.Shard.Validate(); err != nil {
			return nil, err
		}
	}

	units, err := ResolveUnits(p)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("units resolved",
		zap.String("root", p.Root),
		zap.String("pattern", p.Pattern),
		zap.Int("units", len(units)))

	report, err := e.Run(ctx, p.Command, units, p.WorkerCount())
	if report != nil {
		report.Summary.Shard = p.Shard
	}
	return report, err
}
