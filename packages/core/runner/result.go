package runner

import (
	"fmt"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/shard"
	"github.com/abdul-hamid-achik/splitrun/packages/stats"
)

const (
	// SpawnFailureExitCode is recorded when no OS exit code exists because the
	// process never started, or was killed before reporting one
	SpawnFailureExitCode = -1
)

// ExecutionResult is the outcome of running one unit. It is created when the
// child process terminates and never modified afterwards.
type ExecutionResult struct {
	Unit      string
	Command   string
	ExitCode  int
	Stdout    string
	Stderr    string // only kept when the unit failed
	Duration  time.Duration
	StartedAt time.Time
	WorkerID  int
	TimedOut  bool
	Err       error // spawn failure, timeout or cancellation
}

// Passed reports whether the unit exited with code 0
func (r *ExecutionResult) Passed() bool {
	return r.ExitCode == 0 && r.Err == nil
}

// WorkerFatalError means a worker could not continue its batch at all,
// independent of any single unit. Other workers are unaffected.
type WorkerFatalError struct {
	WorkerID  int
	Unit      string // unit being started when the worker gave up, if any
	Remaining int    // units of the batch that were not executed
	Err       error
}

func (e *WorkerFatalError) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("worker %d terminated early at %s (%d unit(s) not run): %v", e.WorkerID, e.Unit, e.Remaining, e.Err)
	}
	return fmt.Sprintf("worker %d terminated early (%d unit(s) not run): %v", e.WorkerID, e.Remaining, e.Err)
}

func (e *WorkerFatalError) Unwrap() error {
	return e.Err
}

// Summary aggregates all results of one invocation
type Summary struct {
	RunID      string
	StartedAt  time.Time
	Shard      *shard.Spec
	TotalUnits int
	Workers    int
	Executed   int
	Passed     int
	Failed     int
	NotRun     int
	TimedOut   int
	// Duration is wall clock from dispatch to the last worker finishing
	Duration time.Duration
	// UnitTime is the sum of all unit durations
	UnitTime time.Duration
	Latency  stats.Summary
	// Incomplete is set when a worker terminated early or the run was cancelled
	Incomplete bool
}

// Success reports whether every unit ran and passed
func (s *Summary) Success() bool {
	return s.Failed == 0 && !s.Incomplete
}

// Report is the full outcome of a run
type Report struct {
	Summary Summary
	// Results are flattened worker by worker. Order within a worker follows
	// its batch; order across workers carries no meaning.
	Results        []*ExecutionResult
	WorkerFailures []*WorkerFatalError
}

// Failures returns the results of units that did not pass
func (r *Report) Failures() []*ExecutionResult {
	var failed []*ExecutionResult
	for _, res := range r.Results {
		if !res.Passed() {
			failed = append(failed, res)
		}
	}
	return failed
}

// ByWorker returns the results produced by one worker, in execution order
func (r *Report) ByWorker(id int) []*ExecutionResult {
	var out []*ExecutionResult
	for _, res := range r.Results {
		if res.WorkerID == id {
			out = append(out, res)
		}
	}
	return out
}

// Phase is a step of the executor lifecycle
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAssigning
	PhaseDispatching
	PhaseAwaitingWorkers
	PhaseAggregating
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAssigning:
		return "assigning"
	case PhaseDispatching:
		return "dispatching"
	case PhaseAwaitingWorkers:
		return "awaiting-workers"
	case PhaseAggregating:
		return "aggregating"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}
