package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// WorkerIDEnv is set in every child environment to the id of the worker
// running it, so units can pick per-worker ports or databases
const WorkerIDEnv = "SPLITRUN_WORKER_ID"

// waitDelay bounds how long a finished or killed shell may hold its output
// pipes open through background grandchildren
const waitDelay = 5 * time.Second

// Supervisor runs the batch of one worker. Units run strictly one after
// another; a failing unit never stops the rest of the batch.
type Supervisor struct {
	config *Config
	settings
}

// NewSupervisor creates a supervisor. A nil config uses defaults.
func NewSupervisor(cfg *Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		config:   cfg.withDefaults(),
		settings: newSettings(opts),
	}
	return s
}

// RunBatch executes every unit of batch in order and returns one result per
// executed unit. The returned error is a *WorkerFatalError when the process
// facility is unusable, or the context error when ctx ends early; in both
// cases the results gathered so far are returned with it.
func (s *Supervisor) RunBatch(ctx context.Context, commandTemplate string, batch []string, workerID int) ([]*ExecutionResult, error) {
	results := make([]*ExecutionResult, 0, len(batch))
	if len(batch) == 0 {
		return results, nil
	}

	logger := s.logger.With(zap.Int("worker", workerID))

	shellPath, err := exec.LookPath(s.config.Shell)
	if err != nil {
		return results, &WorkerFatalError{
			WorkerID:  workerID,
			Remaining: len(batch),
			Err:       fmt.Errorf("shell %q unavailable: %w", s.config.Shell, err),
		}
	}

	env := s.environ(workerID)
	logger.Debug("worker started", zap.Int("units", len(batch)), zap.String("shell", shellPath))

	for i, unit := range batch {
		if err := ctx.Err(); err != nil {
			logger.Debug("worker stopped", zap.Int("not_run", len(batch)-i), zap.Error(err))
			return results, err
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return results, err
			}
		}

		res := s.runUnit(ctx, shellPath, env, commandTemplate, unit, workerID)

		// A spawn failure is a unit failure unless the shell itself is gone
		if res.Err != nil && !res.TimedOut && ctx.Err() == nil && res.ExitCode == SpawnFailureExitCode {
			if _, lookErr := exec.LookPath(shellPath); lookErr != nil {
				return results, &WorkerFatalError{
					WorkerID:  workerID,
					Unit:      unit,
					Remaining: len(batch) - i,
					Err:       fmt.Errorf("shell %q disappeared: %w", shellPath, res.Err),
				}
			}
		}

		results = append(results, res)
		s.emit(res)
	}

	logger.Debug("worker finished", zap.Int("units", len(results)))
	return results, nil
}

func (s *Supervisor) runUnit(ctx context.Context, shellPath string, env []string, commandTemplate, unit string, workerID int) *ExecutionResult {
	command := BuildCommand(commandTemplate, unit)

	runCtx := ctx
	if s.config.UnitTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.config.UnitTimeout)
		defer cancel()
	}

	cmd := shellCommand(runCtx, shellPath, command)
	cmd.Dir = s.config.Dir
	cmd.Env = env
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := &ExecutionResult{
		Unit:      unit,
		Command:   command,
		WorkerID:  workerID,
		StartedAt: time.Now(),
	}

	err := cmd.Run()
	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdout.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.Is(err, exec.ErrWaitDelay):
		result.ExitCode = 0
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.TimedOut = true
		result.ExitCode = SpawnFailureExitCode
		result.Err = fmt.Errorf("timed out after %s", s.config.UnitTimeout)
	case ctx.Err() != nil:
		result.ExitCode = SpawnFailureExitCode
		result.Err = fmt.Errorf("cancelled: %w", ctx.Err())
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		if result.ExitCode == 0 {
			result.ExitCode = SpawnFailureExitCode
		}
	default:
		result.ExitCode = SpawnFailureExitCode
		result.Err = fmt.Errorf("starting process: %w", err)
	}

	if !result.Passed() {
		result.Stderr = stderr.String()
	}

	return result
}

func (s *Supervisor) emit(res *ExecutionResult) {
	if s.observer == nil {
		return
	}
	s.observer.UnitCompleted(Event{
		WorkerID: res.WorkerID,
		Unit:     res.Unit,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
		Passed:   res.Passed(),
		TimedOut: res.TimedOut,
		Result:   res,
	})
}

func (s *Supervisor) environ(workerID int) []string {
	base := s.config.Env
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+1)
	env = append(env, base...)
	return append(env, WorkerIDEnv+"="+strconv.Itoa(workerID))
}
