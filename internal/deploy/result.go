package deploy

import (
	"errors"
	"fmt"
	"time"

	"provisioner/internal/hooks"
	"provisioner/internal/solution"
)

type RunStatus string

const (
	RunNotStarted            RunStatus = "not_started"
	RunRunning               RunStatus = "running"
	RunCompleted             RunStatus = "completed"
	RunCompletedWithWarnings RunStatus = "completed_with_warnings"
	RunFailed                RunStatus = "failed"
	RunCancelled             RunStatus = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCompletedWithWarnings, RunFailed, RunCancelled:
		return true
	}
	return false
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// PhaseResult records one phase of a step. Phases after a failure are skipped.
type PhaseResult struct {
	Name     string
	Status   StepStatus
	Error    error
	Duration time.Duration
}

// StepResult is the record of one planned step. Logs is append-only and Error
// is set iff Status is StepFailed.
type StepResult struct {
	StepID     string
	Title      string
	Type       solution.StepType
	Target     string
	Required   bool
	Status     StepStatus
	Phases     []PhaseResult
	Hooks      []hooks.HookResult
	Outputs    map[string]string
	Logs       []string
	Error      error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is zero for a step that never started.
func (s *StepResult) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// RunResult is the outcome of one deployment run.
type RunResult struct {
	RunID      string
	SolutionID string
	PresetID   string
	Status     RunStatus
	Steps      []StepResult
	StartedAt  time.Time
	FinishedAt time.Time
	// LogPath is the plain text run log, when the work dir is set.
	LogPath string
}

// Step returns the result for id.
func (r *RunResult) Step(id string) (*StepResult, bool) {
	for i := range r.Steps {
		if r.Steps[i].StepID == id {
			return &r.Steps[i], true
		}
	}
	return nil, false
}

// Err returns the error that ended the run: the failure of the halting
// required step, or context.Canceled. Completed runs return nil, even with
// warnings.
func (r *RunResult) Err() error {
	switch r.Status {
	case RunFailed, RunCancelled:
		for i := range r.Steps {
			s := &r.Steps[i]
			if s.Status == StepFailed && (s.Required || r.Status == RunCancelled) {
				return s.Error
			}
		}
		return fmt.Errorf("run %s %s", r.RunID, r.Status)
	}
	return nil
}

// StepError wraps a step failure with the step and phase it happened in.
type StepError struct {
	Step  string
	Phase string
	Err   error
}

func (e *StepError) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("step %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %s, phase %s: %v", e.Step, e.Phase, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// UnknownSolutionError is returned when the catalog has no such solution.
type UnknownSolutionError struct {
	ID string
}

func (e *UnknownSolutionError) Error() string { return fmt.Sprintf("unknown solution %q", e.ID) }

// UnsupportedStepTypeError is returned before a run starts when a planned
// type has no driver.
type UnsupportedStepTypeError struct {
	Types []solution.StepType
}

func (e *UnsupportedStepTypeError) Error() string {
	return fmt.Sprintf("no driver for step type(s) %v", e.Types)
}

// ErrRunExists is returned when a request reuses the id of an active run.
var ErrRunExists = errors.New("run id already active")
