package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/splitrun/packages/core/runner"
	"github.com/abdul-hamid-achik/splitrun/packages/core/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	name  string
	err   error
	calls []*RunSummary
}

func (r *recordingNotifier) Notify(s *RunSummary) error {
	r.calls = append(r.calls, s)
	return r.err
}

func (r *recordingNotifier) Name() string {
	return r.name
}

func failingReport() *runner.Report {
	report := &runner.Report{
		Summary: runner.Summary{
			RunID:      "abc",
			Shard:      &shard.Spec{Index: 1, Total: 3},
			TotalUnits: 3,
			Workers:    2,
			Executed:   3,
			Passed:     2,
			Failed:     1,
			Duration:   1500 * time.Millisecond,
		},
		Results: []*runner.ExecutionResult{
			{Unit: "a.sh", ExitCode: 0},
			{Unit: "b.sh", ExitCode: 2, WorkerID: 1},
			{Unit: "c.sh", ExitCode: 0},
		},
	}
	return report
}

func TestFromReport(t *testing.T) {
	summary := FromReport(failingReport())

	assert.Equal(t, "abc", summary.RunID)
	assert.Equal(t, "1/3", summary.Shard)
	assert.Equal(t, 3, summary.TotalUnits)
	assert.Equal(t, 1, summary.Failed)
	assert.False(t, summary.Success())
	require.Len(t, summary.FailedUnits, 1)
	assert.Equal(t, FailedUnit{Unit: "b.sh", ExitCode: 2, Worker: 1}, summary.FailedUnits[0])
}

func TestFromReport_CapsFailures(t *testing.T) {
	report := &runner.Report{}
	for i := 0; i < maxListedFailures+3; i++ {
		report.Results = append(report.Results, &runner.ExecutionResult{Unit: "u", ExitCode: 1})
	}
	report.Summary.Failed = len(report.Results)
	report.WorkerFailures = []*runner.WorkerFatalError{{WorkerID: 1, Remaining: 2, Err: errors.New("shell gone")}}

	summary := FromReport(report)
	assert.Len(t, summary.FailedUnits, maxListedFailures)
	assert.Equal(t, 3, summary.MoreFailures)
	require.Len(t, summary.WorkerFailures, 1)
	assert.Contains(t, summary.WorkerFailures[0], "shell gone")
}

func TestParseNotifyOn(t *testing.T) {
	on, err := ParseNotifyOn("recovery")
	require.NoError(t, err)
	assert.Equal(t, NotifyRecovery, on)

	_, err = ParseNotifyOn("sometimes")
	assert.Error(t, err)
}

func TestManager_Policy(t *testing.T) {
	pass := &RunSummary{TotalUnits: 2, Passed: 2}
	fail := &RunSummary{TotalUnits: 2, Passed: 1, Failed: 1}
	incomplete := &RunSummary{TotalUnits: 2, Passed: 1, NotRun: 1}

	tests := []struct {
		name     string
		on       NotifyOn
		summary  *RunSummary
		expected bool
	}{
		{"always on pass", NotifyAlways, pass, true},
		{"always on fail", NotifyAlways, fail, true},
		{"failure on pass", NotifyFailure, pass, false},
		{"failure on fail", NotifyFailure, fail, true},
		{"failure on incomplete", NotifyFailure, incomplete, true},
		{"success on pass", NotifySuccess, pass, true},
		{"success on fail", NotifySuccess, fail, false},
		{"recovery without prior failure", NotifyRecovery, pass, false},
		{"recovery on fail", NotifyRecovery, fail, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &recordingNotifier{name: "rec"}
			m := NewManager(tt.on, n)

			summary := *tt.summary
			sent, err := m.Notify(&summary)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, sent)
			assert.Equal(t, tt.expected, len(n.calls) == 1)
		})
	}
}

func TestManager_Recovery(t *testing.T) {
	n := &recordingNotifier{name: "rec"}
	m := NewManager(NotifyRecovery, n)

	_, err := m.Notify(&RunSummary{TotalUnits: 1, Failed: 1})
	require.NoError(t, err)

	recovered := &RunSummary{TotalUnits: 1, Passed: 1}
	sent, err := m.Notify(recovered)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.True(t, recovered.IsRecovery)

	// Steady success is quiet again
	sent, err = m.Notify(&RunSummary{TotalUnits: 1, Passed: 1})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Len(t, n.calls, 2)
}

func TestManager_SeededState(t *testing.T) {
	n := &recordingNotifier{name: "rec"}
	m := NewManager(NotifyRecovery, n)
	m.SetLastState(false)

	sent, err := m.Notify(&RunSummary{TotalUnits: 1, Passed: 1})
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestManager_CollectsErrors(t *testing.T) {
	ok := &recordingNotifier{name: "ok"}
	bad := &recordingNotifier{name: "bad", err: errors.New("boom")}
	m := NewManager(NotifyAlways)
	m.AddNotifier(bad)
	m.AddNotifier(ok)
	assert.Equal(t, 2, m.Len())

	sent, err := m.Notify(&RunSummary{})
	assert.True(t, sent)
	assert.ErrorContains(t, err, "bad: boom")
	assert.Len(t, ok.calls, 1, "later notifiers still run")
}

func TestManager_NoNotifiers(t *testing.T) {
	sent, err := NewManager(NotifyAlways).Notify(&RunSummary{})
	require.NoError(t, err)
	assert.False(t, sent)
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() map[string]any) {
	t.Helper()
	var (
		mu   sync.Mutex
		body map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, func() map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return body
	}
}

func TestSlackNotifier(t *testing.T) {
	server, body := captureServer(t, http.StatusOK)

	s := NewSlackNotifier(server.URL, WithSlackChannel("#ci"), WithSlackUsername("bot"))
	assert.Equal(t, "slack", s.Name())
	require.NoError(t, s.Notify(FromReport(failingReport())))

	msg := body()
	assert.Equal(t, "#ci", msg["channel"])
	assert.Equal(t, "bot", msg["username"])

	attachments := msg["attachments"].([]any)
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]any)
	assert.Equal(t, "danger", att["color"])
	assert.Contains(t, att["title"], "1 of 3 unit(s) failed")
	assert.Contains(t, att["text"], "`b.sh` exit 2 (worker 1)")
	assert.Equal(t, "splitrun abc", att["footer"])
}

func TestSlackNotifier_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL).Notify(&RunSummary{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.Contains(t, err.Error(), "invalid_token")
}

func TestTeamsNotifier(t *testing.T) {
	server, body := captureServer(t, http.StatusAccepted)

	n := NewTeamsNotifier(server.URL)
	assert.Equal(t, "teams", n.Name())

	summary := &RunSummary{RunID: "xyz", TotalUnits: 4, Passed: 4, IsRecovery: true}
	require.NoError(t, n.Notify(summary))

	raw, err := json.Marshal(body())
	require.NoError(t, err)
	payload := string(raw)
	assert.Contains(t, payload, "AdaptiveCard")
	assert.Contains(t, payload, "Units recovered!")
	assert.Contains(t, payload, "splitrun xyz")
	assert.False(t, strings.Contains(payload, "Failed units"))
}

func TestHeadline(t *testing.T) {
	assert.Equal(t, "All 2 unit(s) passed", headline(&RunSummary{TotalUnits: 2, Passed: 2}))
	assert.Equal(t, "Run incomplete, 1 unit(s) not run", headline(&RunSummary{TotalUnits: 2, Passed: 1, NotRun: 1}))
}
