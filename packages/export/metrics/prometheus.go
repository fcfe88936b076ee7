package metrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// PrometheusExporter exports metrics in Prometheus text format, to a writer,
// to a node_exporter textfile or over HTTP
type PrometheusExporter struct {
	mu        sync.RWMutex
	aggregate *AggregateMetrics
	final     bool // aggregate came from Export and must not be mutated
	writer    io.Writer
	filePath  string
	addr      string
	listener  net.Listener
	server    *http.Server
}

// PrometheusOption is a functional option for PrometheusExporter
type PrometheusOption func(*PrometheusExporter)

// WithPrometheusWriter sets the output writer for Prometheus metrics
func WithPrometheusWriter(w io.Writer) PrometheusOption {
	return func(p *PrometheusExporter) {
		p.writer = w
	}
}

// WithPrometheusFile writes metrics to path on every export. The file is
// replaced atomically so a textfile collector never reads a partial write.
func WithPrometheusFile(path string) PrometheusOption {
	return func(p *PrometheusExporter) {
		p.filePath = path
	}
}

// WithPrometheusHTTP enables serving /metrics on addr, e.g. ":9464"
func WithPrometheusHTTP(addr string) PrometheusOption {
	return func(p *PrometheusExporter) {
		p.addr = addr
	}
}

// NewPrometheusExporter creates a new Prometheus metrics exporter
func NewPrometheusExporter(opts ...PrometheusOption) (*PrometheusExporter, error) {
	p := &PrometheusExporter{
		aggregate: newAggregate(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.addr != "" {
		if err := p.startHTTPServer(); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *PrometheusExporter) startHTTPServer() error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("prometheus listener: %w", err)
	}
	p.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", p.handleMetrics)

	p.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = p.server.Serve(ln)
	}()
	return nil
}

// Addr returns the address the HTTP endpoint listens on, empty when disabled
func (p *PrometheusExporter) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

func (p *PrometheusExporter) handleMetrics(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	p.writeMetrics(w)
}

// Export publishes the aggregated metrics
func (p *PrometheusExporter) Export(metrics *AggregateMetrics) error {
	p.mu.Lock()
	p.aggregate = metrics
	p.final = true
	p.mu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.writer != nil {
		p.writeMetrics(p.writer)
	}
	if p.filePath != "" {
		return p.writeFile()
	}
	return nil
}

// ExportSingle keeps the HTTP view current while units complete
func (p *PrometheusExporter) ExportSingle(metric *UnitMetrics) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.final {
		p.aggregate = newAggregate()
		p.final = false
	}
	updateAggregate(p.aggregate, metric)
	return nil
}

func (p *PrometheusExporter) writeFile() error {
	var buf bytes.Buffer
	p.writeMetrics(&buf)

	dir := filepath.Dir(p.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("metrics directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".splitrun-metrics-*")
	if err != nil {
		return fmt.Errorf("metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("metrics file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metrics file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("metrics file: %w", err)
	}
	return os.Rename(tmp.Name(), p.filePath)
}

func (p *PrometheusExporter) writeMetrics(w io.Writer) {
	agg := p.aggregate
	labels := ""
	if agg.Shard != "" {
		labels = fmt.Sprintf(`shard="%s"`, sanitizeLabel(agg.Shard))
	}

	gauge := func(name, help, typ string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
	}
	sample := func(name, extra string, value float64) {
		all := joinLabels(labels, extra)
		if all == "" {
			fmt.Fprintf(w, "%s %g\n", name, value)
			return
		}
		fmt.Fprintf(w, "%s{%s} %g\n", name, all, value)
	}

	// Unit counters
	gauge("splitrun_units_total", "Units selected for the run", "gauge")
	sample("splitrun_units_total", "", float64(agg.TotalUnits))
	fmt.Fprintln(w)

	gauge("splitrun_units", "Units by outcome", "gauge")
	sample("splitrun_units", `result="passed"`, float64(agg.PassedCount))
	sample("splitrun_units", `result="failed"`, float64(agg.FailedCount))
	sample("splitrun_units", `result="not_run"`, float64(agg.NotRunCount))
	sample("splitrun_units", `result="timed_out"`, float64(agg.TimedOutCount))
	fmt.Fprintln(w)

	gauge("splitrun_run_duration_seconds", "Wall clock time of the run", "gauge")
	sample("splitrun_run_duration_seconds", "", agg.WallMs/1000)
	fmt.Fprintln(w)

	// Duration metrics
	gauge("splitrun_unit_duration_seconds", "Unit duration summary", "summary")
	for _, q := range []struct {
		label string
		value float64
	}{
		{"0.5", agg.P50DurationMs},
		{"0.95", agg.P95DurationMs},
		{"0.99", agg.P99DurationMs},
	} {
		if q.value > 0 {
			sample("splitrun_unit_duration_seconds", `quantile="`+q.label+`"`, q.value/1000)
		}
	}
	sample("splitrun_unit_duration_seconds_sum", "", agg.TotalDurationMs/1000)
	sample("splitrun_unit_duration_seconds_count", "", float64(agg.Executed))
	fmt.Fprintln(w)

	// Exit code distribution, sorted for consistent output
	gauge("splitrun_units_by_exit_code", "Executed units by exit code", "gauge")
	codes := make([]int, 0, len(agg.ExitCodes))
	for code := range agg.ExitCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		sample("splitrun_units_by_exit_code", fmt.Sprintf(`code="%d"`, code), float64(agg.ExitCodes[code]))
	}
	fmt.Fprintln(w)

	// Per-worker metrics
	if len(agg.ByWorker) > 0 {
		ids := make([]int, 0, len(agg.ByWorker))
		for id := range agg.ByWorker {
			ids = append(ids, id)
		}
		sort.Ints(ids)

		gauge("splitrun_worker_units", "Units executed per worker", "gauge")
		for _, id := range ids {
			sample("splitrun_worker_units", fmt.Sprintf(`worker="%d"`, id), float64(agg.ByWorker[id].Units))
		}
		fmt.Fprintln(w)

		gauge("splitrun_worker_busy_seconds", "Time each worker spent running units", "gauge")
		for _, id := range ids {
			sample("splitrun_worker_busy_seconds", fmt.Sprintf(`worker="%d"`, id), agg.ByWorker[id].TotalDurationMs/1000)
		}
		fmt.Fprintln(w)

		gauge("splitrun_worker_fatal", "1 when the worker terminated early", "gauge")
		for _, id := range ids {
			v := 0.0
			if agg.ByWorker[id].Fatal {
				v = 1
			}
			sample("splitrun_worker_fatal", fmt.Sprintf(`worker="%d"`, id), v)
		}
	}
}

func joinLabels(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ",")
}

// sanitizeLabel makes a string safe for use as a Prometheus label value
func sanitizeLabel(s string) string {
	// Replace characters that need escaping
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

// Close shuts down the HTTP endpoint if one was started
func (p *PrometheusExporter) Close() error {
	if p.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
