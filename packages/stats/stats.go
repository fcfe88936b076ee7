// Package stats aggregates unit durations into percentile summaries.
package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// Histogram range in microseconds: 1us to 1h
	minTrackable = 1
	maxTrackable = int64(time.Hour / time.Microsecond)
	sigFigures   = 3
)

// Recorder collects durations. It is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	histogram *hdrhistogram.Histogram
	total     time.Duration
	count     int64
}

// Summary is a point-in-time view of recorded durations
type Summary struct {
	Count  int64         `json:"count"`
	Total  time.Duration `json:"total"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stddev"`
	P50    time.Duration `json:"p50"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{
		histogram: hdrhistogram.New(minTrackable, maxTrackable, sigFigures),
	}
}

// Record adds one duration. Values outside the trackable range are clamped.
func (r *Recorder) Record(d time.Duration) {
	us := d.Microseconds()
	if us < minTrackable {
		us = minTrackable
	}
	if us > maxTrackable {
		us = maxTrackable
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_ = r.histogram.RecordValue(us)
	r.total += d
	r.count++
}

// Count returns the number of recorded durations
func (r *Recorder) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Summary returns percentiles of everything recorded so far
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return Summary{}
	}

	return Summary{
		Count:  r.count,
		Total:  r.total,
		Min:    micros(r.histogram.Min()),
		Max:    micros(r.histogram.Max()),
		Mean:   micros(int64(r.histogram.Mean())),
		StdDev: micros(int64(r.histogram.StdDev())),
		P50:    micros(r.histogram.ValueAtQuantile(50)),
		P95:    micros(r.histogram.ValueAtQuantile(95)),
		P99:    micros(r.histogram.ValueAtQuantile(99)),
	}
}

// Reset discards all recorded values
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.histogram.Reset()
	r.total = 0
	r.count = 0
}

// Of summarizes a slice of durations in one call
func Of(durations []time.Duration) Summary {
	r := NewRecorder()
	for _, d := range durations {
		r.Record(d)
	}
	return r.Summary()
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}
