package runner

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is emitted right after a unit finishes
type Event struct {
	WorkerID int
	Unit     string
	ExitCode int
	Duration time.Duration
	Passed   bool
	TimedOut bool
	Result   *ExecutionResult
}

// Observer receives unit completions. Workers call it concurrently, so
// implementations must be safe for concurrent use.
type Observer interface {
	UnitCompleted(ev Event)
}

// PhaseObserver is optionally implemented by observers that want to follow
// the executor lifecycle
type PhaseObserver interface {
	PhaseChanged(p Phase)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ev Event)

func (f ObserverFunc) UnitCompleted(ev Event) {
	f(ev)
}

// MultiObserver fans events out to several observers in order
type MultiObserver []Observer

func (m MultiObserver) UnitCompleted(ev Event) {
	for _, o := range m {
		if o != nil {
			o.UnitCompleted(ev)
		}
	}
}

func (m MultiObserver) PhaseChanged(p Phase) {
	for _, o := range m {
		if po, ok := o.(PhaseObserver); ok {
			po.PhaseChanged(p)
		}
	}
}

// LogObserver writes one structured log entry per completed unit
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver creates an observer logging through logger
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

func (l *LogObserver) UnitCompleted(ev Event) {
	fields := []zap.Field{
		zap.Int("worker", ev.WorkerID),
		zap.String("unit", ev.Unit),
		zap.Int("exit_code", ev.ExitCode),
		zap.Duration("duration", ev.Duration),
	}
	if ev.Passed {
		l.logger.Info("unit passed", fields...)
		return
	}
	if ev.TimedOut {
		fields = append(fields, zap.Bool("timed_out", true))
	}
	if ev.Result != nil && ev.Result.Err != nil {
		fields = append(fields, zap.Error(ev.Result.Err))
	}
	l.logger.Warn("unit failed", fields...)
}

func (l *LogObserver) PhaseChanged(p Phase) {
	l.logger.Debug("executor phase", zap.Stringer("phase", p))
}

// Recorder is an Observer that keeps every event, mostly useful in tests
// and for callers that want results streamed rather than returned
type Recorder struct {
	mu     sync.Mutex
	events []Event
	phases []Phase
}

func (r *Recorder) UnitCompleted(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) PhaseChanged(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, p)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Phases returns the phase transitions seen so far
func (r *Recorder) Phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Phase, len(r.phases))
	copy(out, r.phases)
	return out
}
