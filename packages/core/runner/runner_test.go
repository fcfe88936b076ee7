package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/batch"
	"github.com/abdul-hamid-achik/splitrun/packages/core/discover"
	"github.com/abdul-hamid-achik/splitrun/packages/core/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// makeUnits writes n passing scripts named u1.sh..un.sh
func makeUnits(t *testing.T, dir string, n int) []string {
	t.Helper()
	units := make([]string, n)
	for i := range units {
		name := fmt.Sprintf("u%d.sh", i+1)
		units[i] = writeUnit(t, dir, name, "echo "+name)
	}
	return units
}

func TestNewExecutor(t *testing.T) {
	t.Run("with nil config", func(t *testing.T) {
		e := NewExecutor(nil)
		require.NotNil(t, e)
		assert.Equal(t, DefaultShell(), e.supervisor.config.Shell)
		assert.NotNil(t, e.logger)
		assert.Nil(t, e.limiter)
	})

	t.Run("with custom config", func(t *testing.T) {
		cfg := &Config{Shell: "bash", UnitTimeout: time.Second}
		e := NewExecutor(cfg, WithSpawnRate(5))
		assert.Equal(t, "bash", e.supervisor.config.Shell)
		assert.Equal(t, time.Second, e.supervisor.config.UnitTimeout)
		assert.NotNil(t, e.limiter)
		assert.Same(t, e.limiter, e.supervisor.limiter)
	})
}

func TestExecutor_Run_RoundRobin(t *testing.T) {
	defer goleak.VerifyNone(t)
	skipWindows(t)
	dir := t.TempDir()

	units := makeUnits(t, dir, 7)

	report, err := NewExecutor(nil).Run(context.Background(), "sh", units, 3)
	require.NoError(t, err)
	require.NotNil(t, report)

	s := report.Summary
	assert.Equal(t, 7, s.TotalUnits)
	assert.Equal(t, 3, s.Workers)
	assert.Equal(t, 7, s.Executed)
	assert.Equal(t, 7, s.Passed)
	assert.Zero(t, s.Failed)
	assert.Zero(t, s.NotRun)
	assert.False(t, s.Incomplete)
	assert.True(t, s.Success())
	assert.NotEmpty(t, s.RunID)
	assert.Equal(t, int64(7), s.Latency.Count)
	assert.GreaterOrEqual(t, s.UnitTime, s.Latency.Max)

	expected := map[int][]string{
		0: {units[0], units[3], units[6]},
		1: {units[1], units[4]},
		2: {units[2], units[5]},
	}
	for worker, want := range expected {
		var got []string
		for _, res := range report.ByWorker(worker) {
			got = append(got, res.Unit)
		}
		assert.Equal(t, want, got, "worker %d", worker)
	}
}

func TestExecutor_Run_FailuresDoNotStopOthers(t *testing.T) {
	defer goleak.VerifyNone(t)
	skipWindows(t)
	dir := t.TempDir()

	units := []string{
		writeUnit(t, dir, "a.sh", "exit 0"),
		writeUnit(t, dir, "b.sh", "echo nope >&2; exit 2"),
		writeUnit(t, dir, "c.sh", "exit 0"),
		writeUnit(t, dir, "d.sh", "exit 1"),
		writeUnit(t, dir, "e.sh", "exit 0"),
	}

	report, err := NewExecutor(nil).Run(context.Background(), "sh", units, 2)
	require.NoError(t, err)

	s := report.Summary
	assert.Equal(t, 5, s.Executed)
	assert.Equal(t, 3, s.Passed)
	assert.Equal(t, 2, s.Failed)
	assert.False(t, s.Incomplete)
	assert.False(t, s.Success())

	failed := report.Failures()
	require.Len(t, failed, 2)
	byUnit := map[string]*ExecutionResult{}
	for _, res := range failed {
		byUnit[res.Unit] = res
	}
	require.Contains(t, byUnit, units[1])
	require.Contains(t, byUnit, units[3])
	assert.Equal(t, 2, byUnit[units[1]].ExitCode)
	assert.Equal(t, "nope\n", byUnit[units[1]].Stderr)
	assert.Equal(t, 1, byUnit[units[3]].ExitCode)
}

func TestExecutor_Run_MoreWorkersThanUnits(t *testing.T) {
	defer goleak.VerifyNone(t)
	skipWindows(t)
	dir := t.TempDir()

	units := makeUnits(t, dir, 2)

	report, err := NewExecutor(nil).Run(context.Background(), "sh", units, 5)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Summary.Passed)
	assert.Len(t, report.ByWorker(0), 1)
	assert.Len(t, report.ByWorker(1), 1)
	for id := 2; id < 5; id++ {
		assert.Empty(t, report.ByWorker(id))
	}
	assert.Empty(t, report.WorkerFailures)
}

func TestExecutor_Run_NoUnits(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &Recorder{}
	report, err := NewExecutor(nil, WithObserver(rec)).Run(context.Background(), "sh", nil, 4)
	require.NoError(t, err)

	assert.Zero(t, report.Summary.TotalUnits)
	assert.Zero(t, report.Summary.Executed)
	assert.Empty(t, report.Results)
	assert.True(t, report.Summary.Success())
	assert.Empty(t, rec.Events())
}

func TestExecutor_Run_InvalidWorkers(t *testing.T) {
	for _, workers := range []int{0, -1} {
		report, err := NewExecutor(nil).Run(context.Background(), "sh", []string{"a"}, workers)
		assert.Nil(t, report)

		var invalid *batch.InvalidWorkerCountError
		assert.ErrorAs(t, err, &invalid)
	}
}

func TestExecutor_Run_WorkerFatal(t *testing.T) {
	defer goleak.VerifyNone(t)

	units := []string{"a", "b", "c"}
	report, err := NewExecutor(&Config{Shell: "/definitely/not/a/shell"}).
		Run(context.Background(), "sh", units, 2)
	require.NoError(t, err)

	s := report.Summary
	assert.True(t, s.Incomplete)
	assert.False(t, s.Success())
	assert.Zero(t, s.Executed)
	assert.Equal(t, 3, s.NotRun)

	require.Len(t, report.WorkerFailures, 2)
	assert.Equal(t, 0, report.WorkerFailures[0].WorkerID)
	assert.Equal(t, 2, report.WorkerFailures[0].Remaining)
	assert.Equal(t, 1, report.WorkerFailures[1].WorkerID)
	assert.Equal(t, 1, report.WorkerFailures[1].Remaining)
}

func TestExecutor_Run_Cancelled(t *testing.T) {
	defer goleak.VerifyNone(t)
	skipWindows(t)
	dir := t.TempDir()

	units := []string{
		writeUnit(t, dir, "a.sh", "exec sleep 5"),
		writeUnit(t, dir, "b.sh", "exit 0"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	report, err := NewExecutor(nil).Run(ctx, "exec sh", units, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)

	require.NotNil(t, report)
	assert.True(t, report.Summary.Incomplete)
	assert.Equal(t, 1, report.Summary.Executed)
	assert.Equal(t, 1, report.Summary.NotRun)
	require.Len(t, report.Results, 1)
	assert.False(t, report.Results[0].Passed())
	assert.False(t, report.Results[0].TimedOut)
}

func TestExecutor_Phases(t *testing.T) {
	rec := &Recorder{}
	_, err := NewExecutor(nil, WithObserver(rec)).Run(context.Background(), "sh", nil, 1)
	require.NoError(t, err)

	assert.Equal(t, []Phase{
		PhaseIdle,
		PhaseAssigning,
		PhaseDispatching,
		PhaseAwaitingWorkers,
		PhaseAggregating,
		PhaseDone,
	}, rec.Phases())
	assert.Equal(t, "awaiting-workers", PhaseAwaitingWorkers.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}

func TestExecutor_Logging(t *testing.T) {
	skipWindows(t)
	dir := t.TempDir()

	units := []string{
		writeUnit(t, dir, "ok.sh", "exit 0"),
		writeUnit(t, dir, "bad.sh", "exit 1"),
	}

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	_, err := NewExecutor(nil, WithLogger(logger), WithObserver(NewLogObserver(logger))).
		Run(context.Background(), "sh", units, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("unit passed").Len())
	failed := logs.FilterMessage("unit failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, units[1], failed[0].ContextMap()["unit"])
	assert.Equal(t, 1, logs.FilterMessage("run finished").Len())
	assert.NotZero(t, logs.FilterMessage("executor phase").Len())
}

func TestMultiObserver(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	var calls int
	m := MultiObserver{a, nil, ObserverFunc(func(Event) { calls++ }), b}

	m.UnitCompleted(Event{Unit: "x"})
	m.PhaseChanged(PhaseDone)

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []Phase{PhaseDone}, a.Phases())
}

func TestExecutor_RunPlan(t *testing.T) {
	defer goleak.VerifyNone(t)
	skipWindows(t)
	dir := t.TempDir()

	for _, name := range []string{"a.sh", "b.sh", "c.sh", "d.sh", "e.sh"} {
		writeUnit(t, dir, name, "exit 0")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	t.Run("selected shard", func(t *testing.T) {
		plan := Plan{
			Command: "sh",
			Root:    dir,
			Pattern: "*.sh",
			Shard:   &shard.Spec{Index: 2, Total: 2},
			Workers: 2,
		}

		units, err := ResolveUnits(plan)
		require.NoError(t, err)
		assert.Equal(t, []string{
			filepath.Join(dir, "d.sh"),
			filepath.Join(dir, "e.sh"),
		}, units)

		report, err := NewExecutor(nil).RunPlan(context.Background(), plan)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Summary.Passed)
		require.NotNil(t, report.Summary.Shard)
		assert.Equal(t, "2/2", report.Summary.Shard.String())
	})

	t.Run("invalid shard", func(t *testing.T) {
		plan := Plan{Command: "sh", Root: dir, Pattern: "*.sh", Shard: &shard.Spec{Index: 3, Total: 2}, Workers: 1}
		report, err := NewExecutor(nil).RunPlan(context.Background(), plan)
		assert.Nil(t, report)

		var invalid *shard.InvalidShardError
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("missing root", func(t *testing.T) {
		plan := Plan{Command: "sh", Root: filepath.Join(dir, "nope"), Pattern: "*.sh", Workers: 1}
		_, err := NewExecutor(nil).RunPlan(context.Background(), plan)

		var de *discover.DiscoveryError
		assert.ErrorAs(t, err, &de)
	})
}

func TestPlan_WorkerCount(t *testing.T) {
	assert.Equal(t, 3, Plan{Workers: 3}.WorkerCount())
	assert.Positive(t, Plan{}.WorkerCount())
}
