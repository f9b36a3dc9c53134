package automation

import (
	"fmt"

	"github.com/nextlevelbuilder/kvmbroker/internal/vendor"
)

// Kind classifies an automation failure. Every kind ends the current run.
type Kind string

const (
	KindNavigationFailed Kind = "navigation_failed"
	KindFieldsNotReady   Kind = "fields_not_ready"
	KindConditionTimeout Kind = "condition_timeout"
)

// Error is a failed automation step.
type Error struct {
	Kind     Kind
	Step     int // index into the profile's steps, -1 when not step-specific
	StepKind vendor.StepKind
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("automation %s", e.Kind)
	if e.Step >= 0 {
		msg += fmt.Sprintf(" at step %d (%s)", e.Step, e.StepKind)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// ProcessKind classifies a failure of the browser or display process.
type ProcessKind string

const (
	ProcessLaunchFailed  ProcessKind = "launch_failed"
	ProcessExited        ProcessKind = "exited"
	ProcessDisplayFailed ProcessKind = "display_failed"
)

// ProcessError reports that a process the session owns failed to start or died.
type ProcessError struct {
	Kind ProcessKind
	Err  error
}

func (e *ProcessError) Error() string {
	if e.Err == nil {
		return "process " + string(e.Kind)
	}
	return fmt.Sprintf("process %s: %v", e.Kind, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

func (e *ProcessError) Is(target error) bool {
	t, ok := target.(*ProcessError)
	return ok && t.Kind == e.Kind
}
