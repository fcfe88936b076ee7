package cmd

import (
	"context"
	"errors"

	"github.com/abdul-hamid-achik/splitrun/packages/core/batch"
	"github.com/abdul-hamid-achik/splitrun/packages/core/config"
	"github.com/abdul-hamid-achik/splitrun/packages/core/discover"
	"github.com/abdul-hamid-achik/splitrun/packages/core/runner"
	"github.com/abdul-hamid-achik/splitrun/packages/core/shard"
)

// Exit codes for splitrun CLI
const (
	// ExitSuccess indicates all units passed
	ExitSuccess = 0

	// ExitUnitFailure indicates one or more units failed
	ExitUnitFailure = 1

	// ExitDiscoveryError indicates the unit root could not be walked
	ExitDiscoveryError = 2

	// ExitConfigError indicates an invalid config file, shard or worker count
	ExitConfigError = 3

	// ExitWorkerFatal indicates a worker gave up and units were not run
	ExitWorkerFatal = 4

	// ExitSetupError indicates a before hook failed or a service never became ready
	ExitSetupError = 5

	// ExitUsageError indicates invalid CLI usage
	ExitUsageError = 64

	// ExitInterrupted indicates the run was stopped by a signal
	ExitInterrupted = 130
)

// exitError carries an explicit exit code through cobra
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// ExitCode maps an error returned by a command to the process exit code
func ExitCode(err error) int {
	var (
		exitErr    *exitError
		discErr    *discover.DiscoveryError
		cfgErr     *config.Error
		shardErr   *shard.InvalidShardError
		workersErr *batch.InvalidWorkerCountError
		fatalErr   *runner.WorkerFatalError
		hookErr    *runner.HookError
	)

	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &exitErr):
		return exitErr.code
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &discErr):
		return ExitDiscoveryError
	case errors.As(err, &cfgErr), errors.As(err, &shardErr), errors.As(err, &workersErr):
		return ExitConfigError
	case errors.As(err, &fatalErr):
		return ExitWorkerFatal
	case errors.As(err, &hookErr):
		return ExitSetupError
	default:
		return ExitUnitFailure
	}
}
