package deploy

import (
	"time"

	"provisioner/internal/hooks"
)

// Event is one progress notification of a run.
type Event interface {
	RunID() string
}

// RunEvent reports a run status change.
type RunEvent struct {
	Run    string
	Status RunStatus
	Time   time.Time
}

// StepEvent reports a step status change. Phase is set while running and on
// failure; Error is set on failure.
type StepEvent struct {
	Run    string
	Step   string
	Status StepStatus
	Phase  string
	Error  error
	Time   time.Time
}

// LogEvent carries one output line of a step.
type LogEvent struct {
	Run   string
	Step  string
	Phase string
	Line  string
	Time  time.Time
}

// HookEvent carries a finished hook.
type HookEvent struct {
	Run    string
	Step   string
	Result hooks.HookResult
}

func (e RunEvent) RunID() string  { return e.Run }
func (e StepEvent) RunID() string { return e.Run }
func (e LogEvent) RunID() string  { return e.Run }
func (e HookEvent) RunID() string { return e.Run }

// Sink receives progress events. Emit is called synchronously on the run's
// goroutine; its error is ignored.
type Sink interface {
	Emit(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) error

func (f SinkFunc) Emit(ev Event) error { return f(ev) }

// MultiSink fans events out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) error {
	for _, s := range m {
		if s != nil {
			_ = s.Emit(ev)
		}
	}
	return nil
}

type nopSink struct{}

func (nopSink) Emit(Event) error { return nil }
