// Package notify sends run summaries to chat webhooks.
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/runner"
)

// NotifyOn specifies when to send notifications
type NotifyOn string

const (
	// NotifyAlways sends notifications for every run
	NotifyAlways NotifyOn = "always"
	// NotifyFailure sends notifications only when units fail
	NotifyFailure NotifyOn = "failure"
	// NotifySuccess sends notifications only when every unit passes
	NotifySuccess NotifyOn = "success"
	// NotifyRecovery sends notifications on failure and when a run recovers from one
	NotifyRecovery NotifyOn = "recovery"
)

// ParseNotifyOn validates a trigger name
func ParseNotifyOn(s string) (NotifyOn, error) {
	switch on := NotifyOn(s); on {
	case NotifyAlways, NotifyFailure, NotifySuccess, NotifyRecovery:
		return on, nil
	}
	return "", fmt.Errorf("unknown notify trigger %q (want always, failure, success or recovery)", s)
}

// maxListedFailures caps the failed units included in a message
const maxListedFailures = 10

// RunSummary represents the summary of a run for notifications
type RunSummary struct {
	RunID          string        `json:"run_id"`
	Shard          string        `json:"shard,omitempty"`
	TotalUnits     int           `json:"total_units"`
	Passed         int           `json:"passed"`
	Failed         int           `json:"failed"`
	NotRun         int           `json:"not_run"`
	Workers        int           `json:"workers"`
	Duration       time.Duration `json:"duration"`
	FailedUnits    []FailedUnit  `json:"failed_units,omitempty"`
	MoreFailures   int           `json:"more_failures,omitempty"` // failures beyond FailedUnits
	WorkerFailures []string      `json:"worker_failures,omitempty"`
	IsRecovery     bool          `json:"is_recovery,omitempty"`
}

// Success reports whether every unit ran and passed
func (s *RunSummary) Success() bool {
	return s.Failed == 0 && s.NotRun == 0 && len(s.WorkerFailures) == 0
}

// FailedUnit represents a failed unit for notifications
type FailedUnit struct {
	Unit     string `json:"unit"`
	ExitCode int    `json:"exit_code"`
	Worker   int    `json:"worker"`
	Reason   string `json:"reason,omitempty"`
}

// FromReport builds the notification summary of a finished run
func FromReport(report *runner.Report) *RunSummary {
	s := report.Summary
	summary := &RunSummary{
		RunID:      s.RunID,
		TotalUnits: s.TotalUnits,
		Passed:     s.Passed,
		Failed:     s.Failed,
		NotRun:     s.NotRun,
		Workers:    s.Workers,
		Duration:   s.Duration,
	}
	if s.Shard != nil {
		summary.Shard = s.Shard.String()
	}

	for _, res := range report.Failures() {
		if len(summary.FailedUnits) == maxListedFailures {
			summary.MoreFailures++
			continue
		}
		fu := FailedUnit{Unit: res.Unit, ExitCode: res.ExitCode, Worker: res.WorkerID}
		if res.Err != nil {
			fu.Reason = res.Err.Error()
		}
		summary.FailedUnits = append(summary.FailedUnits, fu)
	}

	for _, wf := range report.WorkerFailures {
		summary.WorkerFailures = append(summary.WorkerFailures, wf.Error())
	}
	return summary
}

// Notifier is the interface for notification services
type Notifier interface {
	// Notify sends a notification about a run
	Notify(summary *RunSummary) error

	// Name returns the name of the notifier
	Name() string
}

// Manager manages multiple notifiers
type Manager struct {
	notifiers []Notifier
	notifyOn  NotifyOn
	lastState bool // true if last run was successful
}

// NewManager creates a new notification manager
func NewManager(notifyOn NotifyOn, notifiers ...Notifier) *Manager {
	return &Manager{
		notifiers: notifiers,
		notifyOn:  notifyOn,
		lastState: true, // Assume success initially
	}
}

// AddNotifier adds a notifier to the manager
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Len returns the number of configured notifiers
func (m *Manager) Len() int {
	return len(m.notifiers)
}

// SetLastState seeds the outcome of the previous run, e.g. from history
func (m *Manager) SetLastState(success bool) {
	m.lastState = success
}

// Notify sends notifications based on the configured policy. It returns
// whether anything was sent and the errors of every notifier that failed.
func (m *Manager) Notify(summary *RunSummary) (bool, error) {
	shouldNotify := false
	currentSuccess := summary.Success()

	switch m.notifyOn {
	case NotifyAlways:
		shouldNotify = true
	case NotifyFailure:
		shouldNotify = !currentSuccess
	case NotifySuccess:
		shouldNotify = currentSuccess
	case NotifyRecovery:
		// Notify if recovering from failure
		if !m.lastState && currentSuccess {
			shouldNotify = true
			summary.IsRecovery = true
		}
		// Also notify on failure
		if !currentSuccess {
			shouldNotify = true
		}
	}

	m.lastState = currentSuccess

	if !shouldNotify || len(m.notifiers) == 0 {
		return false, nil
	}

	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(summary); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}

	return true, errors.Join(errs...)
}

// headline returns the title of a message about summary
func headline(summary *RunSummary) string {
	switch {
	case summary.Failed > 0:
		return fmt.Sprintf("%d of %d unit(s) failed", summary.Failed, summary.TotalUnits)
	case !summary.Success():
		return fmt.Sprintf("Run incomplete, %d unit(s) not run", summary.NotRun)
	case summary.IsRecovery:
		return "Units recovered!"
	default:
		return fmt.Sprintf("All %d unit(s) passed", summary.TotalUnits)
	}
}

func failureLine(fu FailedUnit) string {
	line := fmt.Sprintf("`%s` exit %d (worker %d)", fu.Unit, fu.ExitCode, fu.Worker)
	if fu.Reason != "" {
		line += ": " + fu.Reason
	}
	return line
}
