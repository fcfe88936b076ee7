package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/runner"
	"github.com/abdul-hamid-achik/splitrun/packages/core/shard"
	"github.com/fatih/color"
)

// maxOutputLines is how much of a failed unit's stderr is shown
const maxOutputLines = 20

// tailLines keeps the last limit lines of s, noting how many were dropped
func tailLines(s string, limit int) []string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) <= limit {
		return lines
	}
	dropped := len(lines) - limit
	return append([]string{fmt.Sprintf("... (%d earlier lines)", dropped)}, lines[dropped:]...)
}

// ConsoleFormatter prints human readable progress and summaries. It is a
// runner.Observer; completions from concurrent workers are serialised.
type ConsoleFormatter struct {
	mu      sync.Mutex
	writer  io.Writer
	verbose bool
	noColor bool
	total   int
	done    int
}

type ConsoleOption func(*ConsoleFormatter)

func NewConsoleFormatter(opts ...ConsoleOption) *ConsoleFormatter {
	f := &ConsoleFormatter{
		writer: os.Stdout,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.noColor {
		color.NoColor = true
	}
	return f
}

func WithWriter(w io.Writer) ConsoleOption {
	return func(f *ConsoleFormatter) {
		f.writer = w
	}
}

func WithVerbose(v bool) ConsoleOption {
	return func(f *ConsoleFormatter) {
		f.verbose = v
	}
}

func WithNoColor(nc bool) ConsoleOption {
	return func(f *ConsoleFormatter) {
		f.noColor = nc
	}
}

// Start resets the progress counter for a run of total units
func (f *ConsoleFormatter) Start(total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = total
	f.done = 0
}

// UnitCompleted prints one progress line per finished unit
func (f *ConsoleFormatter) UnitCompleted(ev runner.Event) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.done++

	symbol := green("✓")
	if !ev.Passed {
		symbol = red("✗")
	}

	progress := ""
	if f.total > 0 {
		progress = faint(fmt.Sprintf("[%d/%d] ", f.done, f.total))
	}

	fmt.Fprintf(f.writer, "  %s %s%s %s %s", symbol, progress, ev.Unit,
		faint(fmt.Sprintf("w%d", ev.WorkerID)), cyan(fmt.Sprintf("(%dms)", ev.Duration.Milliseconds())))
	switch {
	case ev.TimedOut:
		fmt.Fprintf(f.writer, " %s", red("timed out"))
	case !ev.Passed && ev.Result != nil && ev.Result.Err != nil:
		fmt.Fprintf(f.writer, " %s", red(fmt.Sprintf("(%v)", ev.Result.Err)))
	case !ev.Passed:
		fmt.Fprintf(f.writer, " %s", red(fmt.Sprintf("exit %d", ev.ExitCode)))
	}
	fmt.Fprintf(f.writer, "\n")

	if f.verbose && ev.Result != nil {
		for _, line := range tailLines(ev.Result.Stdout, maxOutputLines) {
			fmt.Fprintf(f.writer, "      %s\n", faint(line))
		}
	}
}

// FormatReport prints the failures and the totals of a finished run
func (f *ConsoleFormatter) FormatReport(report *runner.Report) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	f.mu.Lock()
	defer f.mu.Unlock()

	s := report.Summary

	if failures := report.Failures(); len(failures) > 0 {
		fmt.Fprintf(f.writer, "\n%s\n", bold("Failures:"))
		for _, res := range failures {
			fmt.Fprintf(f.writer, "\n  %s %s %s\n", red("✗"), res.Unit, red(fmt.Sprintf("(exit %d, worker %d)", res.ExitCode, res.WorkerID)))
			fmt.Fprintf(f.writer, "    %s %s\n", red("→"), res.Command)
			if res.Err != nil {
				fmt.Fprintf(f.writer, "    %s\n", red(res.Err.Error()))
			}
			for _, line := range tailLines(res.Stderr, maxOutputLines) {
				fmt.Fprintf(f.writer, "    %s\n", line)
			}
		}
	}

	if len(report.WorkerFailures) > 0 {
		fmt.Fprintf(f.writer, "\n%s\n", bold("Worker failures:"))
		for _, wf := range report.WorkerFailures {
			fmt.Fprintf(f.writer, "  %s %v\n", yellow("!"), wf)
		}
	}

	fmt.Fprintf(f.writer, "\n")
	fmt.Fprintf(f.writer, "Units: ")
	if s.Passed > 0 {
		fmt.Fprintf(f.writer, "%s, ", green(fmt.Sprintf("%d passed", s.Passed)))
	}
	if s.Failed > 0 {
		fmt.Fprintf(f.writer, "%s, ", red(fmt.Sprintf("%d failed", s.Failed)))
	}
	if s.NotRun > 0 {
		fmt.Fprintf(f.writer, "%s, ", yellow(fmt.Sprintf("%d not run", s.NotRun)))
	}
	fmt.Fprintf(f.writer, "%d total\n", s.TotalUnits)

	workers := fmt.Sprintf("%d", s.Workers)
	if s.Shard != nil {
		workers += fmt.Sprintf(" (shard %s)", s.Shard)
	}
	fmt.Fprintf(f.writer, "Workers: %s\n", workers)
	fmt.Fprintf(f.writer, "Time:  %s", formatDuration(s.Duration))
	if s.Executed > 0 {
		fmt.Fprintf(f.writer, " (units %s, p50 %s, p95 %s, max %s)",
			formatDuration(s.UnitTime), formatDuration(s.Latency.P50),
			formatDuration(s.Latency.P95), formatDuration(s.Latency.Max))
	}
	fmt.Fprintf(f.writer, "\n\n")
}

// FormatAssignment prints which worker would run which unit
func (f *ConsoleFormatter) FormatAssignment(batches [][]string, spec *shard.Spec) {
	bold := color.New(color.Bold).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, b := range batches {
		total += len(b)
	}

	header := fmt.Sprintf("%d unit(s) across %d worker(s)", total, len(batches))
	if spec != nil {
		header += fmt.Sprintf(", shard %s", spec)
	}
	fmt.Fprintf(f.writer, "%s\n", bold(header))

	for id, b := range batches {
		fmt.Fprintf(f.writer, "\n  %s %s\n", bold(fmt.Sprintf("worker %d", id)), faint(fmt.Sprintf("(%d)", len(b))))
		for _, unit := range b {
			fmt.Fprintf(f.writer, "    %s\n", unit)
		}
	}
	fmt.Fprintf(f.writer, "\n")
}

func (f *ConsoleFormatter) FormatError(err error) {
	red := color.New(color.FgRed).SprintFunc()
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(f.writer, "%s %v\n", red("Error:"), err)
}

func (f *ConsoleFormatter) FormatHeader(version string) {
	bold := color.New(color.Bold).SprintFunc()
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(f.writer, "%s %s\n", bold("splitrun"), version)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}
