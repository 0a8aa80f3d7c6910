package schemas

import (
	"time"

	"github.com/quatton/qmesh/pkg/qsession"
)

// StartRunRequest represents a request to start a run
type StartRunRequest struct {
	Objects []string       `json:"objects" minItems:"1" doc:"Names of the scene objects to process"`
	Values  map[string]any `json:"values,omitempty" doc:"Option values; the session settings are used when omitted"`
	Preset  string         `json:"preset,omitempty" doc:"Preset to take values from instead"`
}

// RunArtifact represents an archived diagnostic file of a run
type RunArtifact struct {
	Key         string `json:"key" doc:"Storage key"`
	Filename    string `json:"filename" doc:"Original filename"`
	Size        int64  `json:"size" doc:"Size in bytes"`
	ContentType string `json:"content_type" doc:"MIME type"`
	URL         string `json:"url,omitempty" doc:"Download URL (presigned)"`
}

// RunResponse represents a run
type RunResponse struct {
	ID         string         `json:"id" doc:"Run ID"`
	Anchor     string         `json:"anchor" doc:"Name of the scene anchor"`
	AnchorKey  string         `json:"anchor_key" doc:"Stable anchor key"`
	Status     string         `json:"status" doc:"Run status"`
	Progress   int            `json:"progress" doc:"Engine progress in percent"`
	Message    string         `json:"message,omitempty" doc:"Last engine progress message"`
	Values     map[string]any `json:"values,omitempty" doc:"Option values handed to the engine"`
	Sources    []string       `json:"sources" doc:"Source object IDs"`
	Imported   []string       `json:"imported,omitempty" doc:"Imported object IDs"`
	ExitCode   *int           `json:"exit_code,omitempty" doc:"Exit code"`
	ErrorCode  string         `json:"error_code,omitempty" doc:"Error category"`
	Error      string         `json:"error,omitempty" doc:"Error message"`
	StderrTail string         `json:"stderr_tail,omitempty" doc:"Last lines the engine wrote to stderr"`
	Dismissed  bool           `json:"dismissed,omitempty" doc:"Diagnostics were dismissed"`
	CreatedAt  string         `json:"created_at" doc:"Creation timestamp"`
	StartedAt  *string        `json:"started_at,omitempty" doc:"Start timestamp"`
	FinishedAt *string        `json:"finished_at,omitempty" doc:"Finish timestamp"`
	Artifacts  []RunArtifact  `json:"artifacts,omitempty" doc:"Archived diagnostics"`
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// ToRunResponse converts a qsession.Run to a RunResponse
func ToRunResponse(run *qsession.Run) RunResponse {
	resp := RunResponse{
		ID:         run.ID,
		Anchor:     run.Anchor.Name,
		AnchorKey:  run.AnchorKey,
		Status:     string(run.Status),
		Progress:   run.Progress.Percent,
		Message:    run.Progress.Message,
		Values:     run.Values,
		Sources:    make([]string, 0, len(run.Sources)),
		ExitCode:   run.ExitCode,
		ErrorCode:  string(run.ErrorCode),
		Error:      run.Error,
		Dismissed:  run.Dismissed,
		CreatedAt:  run.CreatedAt.Format(time.RFC3339),
		StartedAt:  formatTime(run.StartedAt),
		FinishedAt: formatTime(run.FinishedAt),
	}
	for _, id := range run.Sources {
		resp.Sources = append(resp.Sources, string(id))
	}
	for _, id := range run.Imported {
		resp.Imported = append(resp.Imported, string(id))
	}
	if run.Diagnostic != nil {
		resp.StderrTail = run.Diagnostic.StderrTail
	}
	for _, a := range run.Artifacts {
		resp.Artifacts = append(resp.Artifacts, RunArtifact{
			Key:         a.Key,
			Filename:    a.Filename,
			Size:        a.Size,
			ContentType: a.ContentType,
		})
	}
	return resp
}
