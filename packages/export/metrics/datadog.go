package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// DataDogExporter exports metrics to DataDog
type DataDogExporter struct {
	apiKey   string
	site     string // e.g., "datadoghq.com", "datadoghq.eu"
	endpoint string // overrides the site derived URL
	tags     []string
	prefix   string
	client   *http.Client
}

// DataDogOption is a functional option for DataDogExporter
type DataDogOption func(*DataDogExporter)

// WithDataDogAPIKey sets the DataDog API key
func WithDataDogAPIKey(apiKey string) DataDogOption {
	return func(d *DataDogExporter) {
		d.apiKey = apiKey
	}
}

// WithDataDogSite sets the DataDog site (e.g., "datadoghq.com", "datadoghq.eu")
func WithDataDogSite(site string) DataDogOption {
	return func(d *DataDogExporter) {
		d.site = site
	}
}

// WithDataDogEndpoint sends series to url instead of the public API
func WithDataDogEndpoint(url string) DataDogOption {
	return func(d *DataDogExporter) {
		d.endpoint = url
	}
}

// WithDataDogTags sets additional tags for all metrics
func WithDataDogTags(tags []string) DataDogOption {
	return func(d *DataDogExporter) {
		d.tags = tags
	}
}

// WithDataDogPrefix sets a prefix for metric names
func WithDataDogPrefix(prefix string) DataDogOption {
	return func(d *DataDogExporter) {
		d.prefix = prefix
	}
}

// NewDataDogExporter creates a new DataDog metrics exporter
func NewDataDogExporter(opts ...DataDogOption) *DataDogExporter {
	d := &DataDogExporter{
		site:   "datadoghq.com",
		prefix: "splitrun",
		client: &http.Client{Timeout: 10 * time.Second},
		tags:   make([]string, 0),
	}

	for _, opt := range opts {
		opt(d)
	}

	// Try to get API key from environment if not set
	if d.apiKey == "" {
		d.apiKey = os.Getenv("DD_API_KEY")
	}

	return d
}

// datadogMetric represents a metric in DataDog format
type datadogMetric struct {
	Metric string   `json:"metric"`
	Type   string   `json:"type"`
	Points [][]any  `json:"points"`
	Tags   []string `json:"tags,omitempty"`
}

// datadogPayload is the payload sent to DataDog
type datadogPayload struct {
	Series []datadogMetric `json:"series"`
}

// Export exports aggregated run metrics to DataDog
func (d *DataDogExporter) Export(metrics *AggregateMetrics) error {
	if d.apiKey == "" {
		return fmt.Errorf("DataDog API key not configured")
	}

	now := float64(time.Now().Unix())
	tags := d.tags
	if metrics.Shard != "" {
		tags = append([]string{"shard:" + metrics.Shard}, tags...)
	}

	point := func(name, typ string, value float64, extra ...string) datadogMetric {
		return datadogMetric{
			Metric: d.metricName(name),
			Type:   typ,
			Points: [][]any{{now, value}},
			Tags:   append(append([]string{}, extra...), tags...),
		}
	}

	series := []datadogMetric{
		point("units.total", "count", float64(metrics.TotalUnits)),
		point("units.passed", "count", float64(metrics.PassedCount)),
		point("units.failed", "count", float64(metrics.FailedCount)),
		point("units.not_run", "count", float64(metrics.NotRunCount)),
		point("units.timed_out", "count", float64(metrics.TimedOutCount)),
		point("run.duration", "gauge", metrics.WallMs),
		point("unit.duration.avg", "gauge", metrics.AvgDurationMs),
		point("unit.duration.min", "gauge", metrics.MinDurationMs),
		point("unit.duration.max", "gauge", metrics.MaxDurationMs),
	}

	if metrics.P50DurationMs > 0 {
		series = append(series, point("unit.duration.p50", "gauge", metrics.P50DurationMs))
	}
	if metrics.P95DurationMs > 0 {
		series = append(series, point("unit.duration.p95", "gauge", metrics.P95DurationMs))
	}
	if metrics.P99DurationMs > 0 {
		series = append(series, point("unit.duration.p99", "gauge", metrics.P99DurationMs))
	}

	// Per-worker metrics
	for id, wa := range metrics.ByWorker {
		workerTag := fmt.Sprintf("worker:%d", id)
		series = append(series,
			point("worker.units", "count", float64(wa.Units), workerTag),
			point("worker.busy", "gauge", wa.TotalDurationMs, workerTag),
		)
	}

	return d.sendMetrics(series)
}

// ExportSingle exports a single unit metric to DataDog
func (d *DataDogExporter) ExportSingle(metric *UnitMetrics) error {
	if d.apiKey == "" {
		return fmt.Errorf("DataDog API key not configured")
	}

	now := float64(metric.Timestamp.Unix())
	tags := append([]string{
		fmt.Sprintf("unit:%s", metric.Unit),
		fmt.Sprintf("worker:%d", metric.WorkerID),
		fmt.Sprintf("exit_code:%d", metric.ExitCode),
	}, d.tags...)

	if metric.Passed {
		tags = append(tags, "result:passed")
	} else {
		tags = append(tags, "result:failed")
	}

	series := []datadogMetric{
		{
			Metric: d.metricName("unit.duration"),
			Type:   "gauge",
			Points: [][]any{{now, metric.DurationMs}},
			Tags:   tags,
		},
		{
			Metric: d.metricName("unit.count"),
			Type:   "count",
			Points: [][]any{{now, 1.0}},
			Tags:   tags,
		},
	}

	return d.sendMetrics(series)
}

func (d *DataDogExporter) metricName(name string) string {
	return d.prefix + "." + name
}

func (d *DataDogExporter) sendMetrics(series []datadogMetric) error {
	payload := datadogPayload{Series: series}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	url := d.endpoint
	if url == "" {
		url = fmt.Sprintf("https://api.%s/api/v1/series", d.site)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("DD-API-KEY", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("DataDog API returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// Close closes the DataDog exporter
func (d *DataDogExporter) Close() error {
	return nil
}
