package runner

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Hook stages
const (
	StageBefore  = "before"
	StageAfter   = "after"
	StageWaitFor = "wait-for"
)

// HookError reports a setup step that failed: a before or after command, or
// a service that never became ready
type HookError struct {
	Stage   string
	Command string
	Output  string
	Err     error
}

func (e *HookError) Error() string {
	msg := fmt.Sprintf("%s hook %q failed: %v", e.Stage, e.Command, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\nOutput: " + out
	}
	return msg
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// RunBeforeHooks runs setup commands in order, once per run, and stops at
// the first failure
func (e *Executor) RunBeforeHooks(ctx context.Context, commands []string) error {
	for _, command := range commands {
		if err := e.supervisor.runHook(ctx, StageBefore, command); err != nil {
			return err
		}
	}
	return nil
}

// RunAfterHooks runs every teardown command even when one fails and
// returns the first failure
func (e *Executor) RunAfterHooks(ctx context.Context, commands []string) error {
	var firstErr error
	for _, command := range commands {
		if err := e.supervisor.runHook(ctx, StageAfter, command); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runHook runs one command through the unit shell with the unit
// environment and working directory
func (s *Supervisor) runHook(ctx context.Context, stage, command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}

	shellPath, err := exec.LookPath(s.config.Shell)
	if err != nil {
		return &HookError{Stage: stage, Command: command, Err: fmt.Errorf("shell %q unavailable: %w", s.config.Shell, err)}
	}

	cmd := shellCommand(ctx, shellPath, command)
	cmd.Dir = s.config.Dir
	cmd.Env = s.config.Env
	cmd.WaitDelay = waitDelay

	output, err := cmd.CombinedOutput()
	if err != nil {
		return &HookError{Stage: stage, Command: command, Output: string(output), Err: err}
	}

	s.logger.Debug("hook finished",
		zap.String("stage", stage),
		zap.String("command", command),
		zap.Int("output_bytes", len(output)))
	return nil
}
