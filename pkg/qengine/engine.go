// Package qengine launches and supervises the external processing engine.
//
// A Controller runs at most one engine process at a time. Launch returns
// immediately; callers drive the run by calling Poll from their own loop.
// Poll never blocks. The verdict of a run (Succeeded, Failed or Cancelled)
// is fixed once, when the process exit is observed: exit code 0 only counts
// as success when the expected output file exists and is non-empty, and a
// cancel requested before that moment always wins.
package qengine

import (
	"fmt"
	"time"

	"github.com/quatton/qmesh/pkg/qsdk/qerr"
)

// Status is the state of an engine run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLaunching Status = "launching"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// FailureKind tells apart engine failures from protocol violations.
type FailureKind string

const (
	// FailureProcess is a non-zero engine exit.
	FailureProcess FailureKind = "process"
	// FailureOutput is a zero exit without the expected output file.
	FailureOutput FailureKind = "import"
)

// Diagnostic is attached to failed runs.
type Diagnostic struct {
	Kind       FailureKind `json:"kind"`
	ExitCode   int         `json:"exitCode"`
	StderrTail string      `json:"stderrTail,omitempty"`
	Message    string      `json:"message"`
	StdoutLog  string      `json:"stdoutLog,omitempty"`
	StderrLog  string      `json:"stderrLog,omitempty"`
}

// Err returns the diagnostic as a coded error.
func (d *Diagnostic) Err() error {
	if d == nil {
		return nil
	}
	if d.Kind == FailureOutput {
		return qerr.New(qerr.CodeImport, &MissingOutputError{Message: d.Message})
	}
	return qerr.New(qerr.CodeProcess, &ProcessFailure{ExitCode: d.ExitCode, StderrTail: d.StderrTail})
}

// SpawnError means the engine executable could not be started. It is not
// retryable until the installation is fixed.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("cannot start engine %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ProcessFailure is a non-zero engine exit.
type ProcessFailure struct {
	ExitCode   int
	StderrTail string
}

func (e *ProcessFailure) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("engine exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("engine exited with code %d: %s", e.ExitCode, e.StderrTail)
}

// MissingOutputError is a successful exit that produced no usable output.
type MissingOutputError struct {
	Message string
}

func (e *MissingOutputError) Error() string {
	return e.Message
}

// BusyError rejects a launch while another run is active.
type BusyError struct {
	RunID string
}

func (e *BusyError) Error() string {
	if e.RunID == "" {
		return "engine is busy"
	}
	return fmt.Sprintf("engine is busy with run %s", e.RunID)
}

func busy(runID string) error {
	return qerr.New(qerr.CodeBusy, &BusyError{RunID: runID})
}

func spawnError(path string, err error) error {
	return qerr.New(qerr.CodeSpawn, &SpawnError{Path: path, Err: err})
}

// Progress is the latest progress parsed from engine stdout.
type Progress struct {
	// Percent is -1 until the engine reports a percentage.
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}
