// Package runner executes discovered units as child processes.
//
// An Executor splits the units of one invocation into round-robin batches,
// one per worker, and runs every batch on its own goroutine. Each batch is
// owned by a Supervisor that starts the units one after another through the
// system shell, captures their output and records an ExecutionResult per
// unit. A failing unit never stops the rest of its batch, and a worker that
// cannot continue at all is reported as a WorkerFatalError without affecting
// the other workers.
//
// Progress is streamed through an Observer as units complete; the final
// Report aggregates every result once all workers have finished.
//
// Setup around a run uses the same shell and environment as the units:
// RunBeforeHooks and RunAfterHooks run plain commands once per run, and
// WaitFor polls an http(s) or tcp URL until a service accepts requests.
package runner
