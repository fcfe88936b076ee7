package output

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/runner"
	"github.com/abdul-hamid-achik/splitrun/packages/core/shard"
	"github.com/abdul-hamid-achik/splitrun/packages/stats"
	"github.com/stretchr/testify/assert"
)

func newTestFormatter(buf *bytes.Buffer, verbose bool) *ConsoleFormatter {
	return NewConsoleFormatter(WithWriter(buf), WithNoColor(true), WithVerbose(verbose))
}

func TestConsoleFormatter_UnitCompleted(t *testing.T) {
	var buf bytes.Buffer
	f := newTestFormatter(&buf, false)
	f.Start(3)

	f.UnitCompleted(runner.Event{WorkerID: 0, Unit: "a.sh", Duration: 12 * time.Millisecond, Passed: true})
	f.UnitCompleted(runner.Event{WorkerID: 1, Unit: "b.sh", ExitCode: 2, Duration: 5 * time.Millisecond})
	f.UnitCompleted(runner.Event{WorkerID: 2, Unit: "c.sh", TimedOut: true, ExitCode: -1})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "✓ [1/3] a.sh w0 (12ms)", strings.TrimSpace(lines[0]))
	assert.Equal(t, "✗ [2/3] b.sh w1 (5ms) exit 2", strings.TrimSpace(lines[1]))
	assert.Contains(t, lines[2], "timed out")
}

func TestConsoleFormatter_UnitCompleted_SpawnError(t *testing.T) {
	var buf bytes.Buffer
	f := newTestFormatter(&buf, false)

	res := &runner.ExecutionResult{Unit: "x.sh", ExitCode: -1, Err: errors.New("starting process: no such file")}
	f.UnitCompleted(runner.Event{Unit: "x.sh", ExitCode: -1, Result: res})

	assert.Contains(t, buf.String(), "(starting process: no such file)")
	assert.NotContains(t, buf.String(), "[", "no progress without Start")
}

func TestConsoleFormatter_Verbose(t *testing.T) {
	var buf bytes.Buffer
	f := newTestFormatter(&buf, true)

	res := &runner.ExecutionResult{Unit: "a.sh", Stdout: "hello\nworld\n"}
	f.UnitCompleted(runner.Event{Unit: "a.sh", Passed: true, Result: res})

	assert.Contains(t, buf.String(), "      hello\n      world\n")
}

func TestConsoleFormatter_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	f := newTestFormatter(&buf, false)
	f.Start(100)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				f.UnitCompleted(runner.Event{WorkerID: id, Unit: fmt.Sprintf("u%d", i), Passed: true})
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 100, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "[100/100]")
}

func TestConsoleFormatter_FormatReport(t *testing.T) {
	var buf bytes.Buffer
	f := newTestFormatter(&buf, false)

	report := &runner.Report{
		Summary: runner.Summary{
			Shard:      &shard.Spec{Index: 1, Total: 2},
			TotalUnits: 4,
			Workers:    2,
			Executed:   3,
			Passed:     2,
			Failed:     1,
			NotRun:     1,
			Duration:   1500 * time.Millisecond,
			UnitTime:   2 * time.Second,
			Latency:    stats.Summary{Count: 3, P50: 300 * time.Millisecond, P95: time.Second, Max: time.Second},
		},
		Results: []*runner.ExecutionResult{
			{Unit: "a.sh", Command: "sh a.sh"},
			{Unit: "b.sh", Command: "sh b.sh", ExitCode: 1, WorkerID: 1, Stderr: "assertion failed\n"},
			{Unit: "c.sh", Command: "sh c.sh"},
		},
		WorkerFailures: []*runner.WorkerFatalError{{WorkerID: 1, Remaining: 1, Err: errors.New("shell gone")}},
	}

	f.FormatReport(report)
	out := buf.String()

	assert.Contains(t, out, "Failures:")
	assert.Contains(t, out, "✗ b.sh (exit 1, worker 1)")
	assert.Contains(t, out, "→ sh b.sh")
	assert.Contains(t, out, "    assertion failed\n")
	assert.NotContains(t, out, "a.sh (exit")
	assert.Contains(t, out, "Worker failures:")
	assert.Contains(t, out, "shell gone")
	assert.Contains(t, out, "Units: 2 passed, 1 failed, 1 not run, 4 total")
	assert.Contains(t, out, "Workers: 2 (shard 1/2)")
	assert.Contains(t, out, "Time:  1.50s (units 2.00s, p50 300ms, p95 1.00s, max 1.00s)")
}

func TestConsoleFormatter_FormatReport_Empty(t *testing.T) {
	var buf bytes.Buffer
	newTestFormatter(&buf, false).FormatReport(&runner.Report{Summary: runner.Summary{Workers: 1}})

	out := buf.String()
	assert.NotContains(t, out, "Failures:")
	assert.Contains(t, out, "Units: 0 total")
	assert.Contains(t, out, "Time:  0ms\n")
}

func TestConsoleFormatter_FormatAssignment(t *testing.T) {
	var buf bytes.Buffer
	f := newTestFormatter(&buf, false)

	f.FormatAssignment([][]string{{"a", "c"}, {"b"}, {}}, &shard.Spec{Index: 2, Total: 3})
	out := buf.String()

	assert.Contains(t, out, "3 unit(s) across 3 worker(s), shard 2/3")
	assert.Contains(t, out, "worker 0 (2)\n    a\n    c\n")
	assert.Contains(t, out, "worker 2 (0)")
}

func TestConsoleFormatter_HeaderAndError(t *testing.T) {
	var buf bytes.Buffer
	f := newTestFormatter(&buf, false)

	f.FormatHeader("1.2.3")
	f.FormatError(errors.New("bad"))

	assert.Equal(t, "splitrun 1.2.3\nError: bad\n", buf.String())
}

func TestTailLines(t *testing.T) {
	assert.Nil(t, tailLines("", 3))
	assert.Equal(t, []string{"a", "b"}, tailLines("a\nb\n", 3))
	assert.Equal(t, []string{"... (2 earlier lines)", "c", "d"}, tailLines("a\nb\nc\nd", 2))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "12.50s", formatDuration(12500*time.Millisecond))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
}
