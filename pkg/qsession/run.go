// Package qsession tracks runs: one export, engine, import cycle over a
// selection. The tracker keeps one entry per scene anchor and owns the
// scratch directory of each run.
package qsession

import (
	"context"
	"slices"
	"time"

	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qengine"
	"github.com/quatton/qmesh/pkg/qscene"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExporting Status = "exporting"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a run in state s still holds the engine.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusExporting || s == StatusRunning
}

// Run is one export, engine, import cycle.
type Run struct {
	ID        string            `json:"id"`
	AnchorKey string            `json:"anchorKey"`
	Anchor    qscene.Anchor     `json:"anchor"`
	Sources   []qscene.ObjectID `json:"sources"`
	// Values are the explicitly set options handed to the engine.
	Values qconf.Values `json:"values,omitempty"`
	Status Status       `json:"status"`

	Dir        string `json:"dir"`
	InputPath  string `json:"inputPath,omitempty"`
	ConfigPath string `json:"configPath,omitempty"`
	OutputDir  string `json:"outputDir,omitempty"`
	OutputPath string `json:"outputPath,omitempty"`
	// Purged is set once the scratch directory has been removed.
	Purged bool `json:"purged,omitempty"`

	Progress   qengine.Progress    `json:"progress"`
	ExitCode   *int                `json:"exitCode,omitempty"`
	ErrorCode  qerr.Code           `json:"errorCode,omitempty"`
	Error      string              `json:"error,omitempty"`
	Diagnostic *qengine.Diagnostic `json:"diagnostic,omitempty"`

	Imported  []qscene.ObjectID `json:"imported,omitempty"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	Dismissed bool              `json:"dismissed,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	handle *qengine.Handle
	// supersede is the generation this run replaces once imported.
	supersede []qscene.ObjectID
}

// Artifact is an archived diagnostic file of a failed run.
type Artifact struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// Err returns the failure of a failed run, or nil.
func (r *Run) Err() error {
	if r.Status != StatusFailed {
		return nil
	}
	if r.Diagnostic != nil {
		return r.Diagnostic.Err()
	}
	code := r.ErrorCode
	if code == "" {
		code = qerr.CodeUnknown
	}
	return qerr.Errorf(code, "%s", r.Error)
}

func (r *Run) clone() *Run {
	c := *r
	c.Sources = slices.Clone(r.Sources)
	c.Values = r.Values.Clone()
	c.Imported = slices.Clone(r.Imported)
	c.Artifacts = slices.Clone(r.Artifacts)
	if r.Diagnostic != nil {
		d := *r.Diagnostic
		c.Diagnostic = &d
	}
	if r.ExitCode != nil {
		code := *r.ExitCode
		c.ExitCode = &code
	}
	c.handle = nil
	c.supersede = nil
	return &c
}

// RunStore persists run records. Every state change is saved.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
}
