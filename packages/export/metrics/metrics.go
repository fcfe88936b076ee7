// Package metrics provides metrics export functionality for splitrun runs.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/runner"
)

// UnitMetrics represents the outcome of a single unit execution
type UnitMetrics struct {
	Unit       string    `json:"unit"`
	WorkerID   int       `json:"worker_id"`
	ExitCode   int       `json:"exit_code"`
	DurationMs float64   `json:"duration_ms"`
	Passed     bool      `json:"passed"`
	TimedOut   bool      `json:"timed_out"`
	Timestamp  time.Time `json:"timestamp"`
}

// AggregateMetrics represents aggregated metrics of one run
type AggregateMetrics struct {
	RunID           string                    `json:"run_id"`
	Shard           string                    `json:"shard,omitempty"`
	TotalUnits      int64                     `json:"total_units"`
	Executed        int64                     `json:"executed"`
	PassedCount     int64                     `json:"passed_count"`
	FailedCount     int64                     `json:"failed_count"`
	NotRunCount     int64                     `json:"not_run_count"`
	TimedOutCount   int64                     `json:"timed_out_count"`
	WallMs          float64                   `json:"wall_ms"`
	TotalDurationMs float64                   `json:"total_duration_ms"`
	MinDurationMs   float64                   `json:"min_duration_ms"`
	MaxDurationMs   float64                   `json:"max_duration_ms"`
	AvgDurationMs   float64                   `json:"avg_duration_ms"`
	P50DurationMs   float64                   `json:"p50_duration_ms"`
	P95DurationMs   float64                   `json:"p95_duration_ms"`
	P99DurationMs   float64                   `json:"p99_duration_ms"`
	ExitCodes       map[int]int64             `json:"exit_codes"`
	ByWorker        map[int]*WorkerAggregate  `json:"by_worker"`
	ByUnit          map[string]*UnitAggregate `json:"by_unit"`
}

// WorkerAggregate represents aggregated metrics for a single worker
type WorkerAggregate struct {
	WorkerID        int     `json:"worker_id"`
	Units           int64   `json:"units"`
	FailureCount    int64   `json:"failure_count"`
	TotalDurationMs float64 `json:"total_duration_ms"`
	Fatal           bool    `json:"fatal"`
}

// UnitAggregate represents aggregated metrics for a single unit
type UnitAggregate struct {
	Unit       string  `json:"unit"`
	Passed     bool    `json:"passed"`
	ExitCode   int     `json:"exit_code"`
	DurationMs float64 `json:"duration_ms"`
}

// Exporter is the interface for metrics exporters
type Exporter interface {
	// Export exports metrics to the target destination
	Export(metrics *AggregateMetrics) error

	// ExportSingle exports a single unit metric
	ExportSingle(metric *UnitMetrics) error

	// Close closes the exporter and flushes any buffered data
	Close() error
}

func newAggregate() *AggregateMetrics {
	return &AggregateMetrics{
		ExitCodes: make(map[int]int64),
		ByWorker:  make(map[int]*WorkerAggregate),
		ByUnit:    make(map[string]*UnitAggregate),
	}
}

// Collector collects unit metrics while a run is in progress. It implements
// runner.Observer and is safe for concurrent use by the workers.
type Collector struct {
	mu        sync.Mutex
	metrics   []*UnitMetrics
	aggregate *AggregateMetrics
	exporters []Exporter
	errs      []error
}

// NewCollector creates a new metrics collector
func NewCollector(exporters ...Exporter) *Collector {
	return &Collector{
		metrics:   make([]*UnitMetrics, 0),
		exporters: exporters,
		aggregate: newAggregate(),
	}
}

// UnitCompleted records the finished unit
func (c *Collector) UnitCompleted(ev runner.Event) {
	c.Record(&UnitMetrics{
		Unit:       ev.Unit,
		WorkerID:   ev.WorkerID,
		ExitCode:   ev.ExitCode,
		DurationMs: durationMs(ev.Duration),
		Passed:     ev.Passed,
		TimedOut:   ev.TimedOut,
		Timestamp:  time.Now(),
	})
}

// Record records a unit metric
func (c *Collector) Record(m *UnitMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics = append(c.metrics, m)
	updateAggregate(c.aggregate, m)

	// Export to all exporters
	for _, exp := range c.exporters {
		if err := exp.ExportSingle(m); err != nil {
			c.errs = append(c.errs, err)
		}
	}
}

func updateAggregate(agg *AggregateMetrics, m *UnitMetrics) {
	agg.Executed++
	agg.TotalDurationMs += m.DurationMs

	if m.Passed {
		agg.PassedCount++
	} else {
		agg.FailedCount++
	}
	if m.TimedOut {
		agg.TimedOutCount++
	}

	// Update min/max
	if agg.Executed == 1 {
		agg.MinDurationMs = m.DurationMs
		agg.MaxDurationMs = m.DurationMs
	} else {
		if m.DurationMs < agg.MinDurationMs {
			agg.MinDurationMs = m.DurationMs
		}
		if m.DurationMs > agg.MaxDurationMs {
			agg.MaxDurationMs = m.DurationMs
		}
	}

	agg.AvgDurationMs = agg.TotalDurationMs / float64(agg.Executed)
	agg.ExitCodes[m.ExitCode]++

	wa, ok := agg.ByWorker[m.WorkerID]
	if !ok {
		wa = &WorkerAggregate{WorkerID: m.WorkerID}
		agg.ByWorker[m.WorkerID] = wa
	}
	wa.Units++
	wa.TotalDurationMs += m.DurationMs
	if !m.Passed {
		wa.FailureCount++
	}

	agg.ByUnit[m.Unit] = &UnitAggregate{
		Unit:       m.Unit,
		Passed:     m.Passed,
		ExitCode:   m.ExitCode,
		DurationMs: m.DurationMs,
	}
}

// Finish completes the aggregate with the run-level figures only the final
// report knows: totals, wall time, percentiles and failed workers
func (c *Collector) Finish(report *runner.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := report.Summary
	agg := c.aggregate
	agg.RunID = s.RunID
	if s.Shard != nil {
		agg.Shard = s.Shard.String()
	}
	agg.TotalUnits = int64(s.TotalUnits)
	agg.NotRunCount = int64(s.NotRun)
	agg.WallMs = durationMs(s.Duration)
	agg.P50DurationMs = durationMs(s.Latency.P50)
	agg.P95DurationMs = durationMs(s.Latency.P95)
	agg.P99DurationMs = durationMs(s.Latency.P99)

	for id := 0; id < s.Workers; id++ {
		if _, ok := agg.ByWorker[id]; !ok {
			agg.ByWorker[id] = &WorkerAggregate{WorkerID: id}
		}
	}
	for _, wf := range report.WorkerFailures {
		if wa, ok := agg.ByWorker[wf.WorkerID]; ok {
			wa.Fatal = true
		}
	}
}

// GetAggregate returns the aggregated metrics
func (c *Collector) GetAggregate() *AggregateMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aggregate
}

// Flush exports all aggregated metrics and reports any error seen while
// exporting single units
func (c *Collector) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	errs := c.errs
	c.errs = nil
	for _, exp := range c.exporters {
		if err := exp.Export(c.aggregate); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset clears everything recorded so far, for watch mode re-runs
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = c.metrics[:0]
	c.aggregate = newAggregate()
	c.errs = nil
}

// Close closes all exporters
func (c *Collector) Close() error {
	var errs []error
	for _, exp := range c.exporters {
		if err := exp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
