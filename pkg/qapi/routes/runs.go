package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qmesh/pkg/db"
	"github.com/quatton/qmesh/pkg/qapi/schemas"
	"github.com/quatton/qmesh/pkg/qapi/services"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
	"github.com/quatton/qmesh/pkg/qsession"
)

// StartRunInput defines the input for starting a run
type StartRunInput struct {
	Body schemas.StartRunRequest
}

// RunOutput is the response for single-run operations
type RunOutput struct {
	Body schemas.RunResponse
}

// RunIDInput selects a run
type RunIDInput struct {
	RunID string `path:"runId" doc:"Run ID"`
}

// ListRunsInput defines the input for listing runs
type ListRunsInput struct {
	Status    string `query:"status" doc:"Filter by status" required:"false"`
	Anchor    string `query:"anchor" doc:"Filter by anchor key" required:"false"`
	Dismissed bool   `query:"dismissed" doc:"Include dismissed runs" required:"false"`
	Limit     int    `query:"limit" minimum:"0" doc:"Maximum number of runs" required:"false"`
}

// ListRunsOutput is the response for listing runs
type ListRunsOutput struct {
	Body struct {
		Runs []schemas.RunResponse `json:"runs" doc:"List of runs"`
	}
}

func runOutput(run *qsession.Run) *RunOutput {
	return &RunOutput{Body: schemas.ToRunResponse(run)}
}

// RegisterRuns registers run-related routes
func RegisterRuns(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/api/runs",
		Summary:       "Start a run",
		Description:   "Exports the named objects, writes the engine config and launches the engine",
		Tags:          []string{TagRuns.String()},
		Security:      BearerAuth,
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *StartRunInput) (*RunOutput, error) {
		run, err := svcs.StartRun(ctx, input.Body.Objects, input.Body.Values, input.Body.Preset)
		if err != nil {
			return nil, apiError(err)
		}
		return runOutput(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/api/runs",
		Summary:     "List runs",
		Description: "Lists run history, newest first",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ListRunsInput) (*ListRunsOutput, error) {
		runs, err := svcs.ListRuns(ctx, db.ListOptions{
			Status:           qsession.Status(input.Status),
			AnchorKey:        input.Anchor,
			IncludeDismissed: input.Dismissed,
			Limit:            input.Limit,
		})
		if err != nil {
			return nil, apiError(err)
		}
		resp := &ListRunsOutput{}
		resp.Body.Runs = make([]schemas.RunResponse, 0, len(runs))
		for _, run := range runs {
			resp.Body.Runs = append(resp.Body.Runs, schemas.ToRunResponse(run))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/api/runs/{runId}",
		Summary:     "Get run details",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunIDInput) (*RunOutput, error) {
		run, err := svcs.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, apiError(err)
		}
		return runOutput(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/api/runs/{runId}/cancel",
		Summary:     "Cancel a run",
		Description: "Stops the engine. Cancelling a finished run changes nothing.",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunIDInput) (*RunOutput, error) {
		run, err := svcs.Tracker.CancelRun(ctx, input.RunID)
		if err != nil {
			return nil, apiError(err)
		}
		return runOutput(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-run",
		Method:      http.MethodPost,
		Path:        "/api/runs/{runId}/complete",
		Summary:     "Complete a run",
		Description: "Imports the engine result once the engine has exited. A failed run is returned with its diagnostics.",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunIDInput) (*RunOutput, error) {
		run, err := svcs.Tracker.CompleteRun(ctx, input.RunID)
		if run == nil || qerr.IsCode(err, qerr.CodeBusy) {
			return nil, apiError(err)
		}
		if run.Status == qsession.StatusSucceeded {
			if err := svcs.Scene.Save(); err != nil {
				return nil, huma.Error500InternalServerError("failed to save scene", err)
			}
		}
		return runOutput(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-run",
		Method:        http.MethodPost,
		Path:          "/api/runs/{runId}/retry",
		Summary:       "Retry a run",
		Description:   "Starts a new run with the sources, values and anchor of a finished run",
		Tags:          []string{TagRuns.String()},
		Security:      BearerAuth,
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *RunIDInput) (*RunOutput, error) {
		run, err := svcs.Tracker.RetryRun(ctx, input.RunID)
		if err != nil {
			return nil, apiError(err)
		}
		return runOutput(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "dismiss-run",
		Method:        http.MethodDelete,
		Path:          "/api/runs/{runId}",
		Summary:       "Dismiss a run",
		Description:   "Forgets a finished run and removes its diagnostics",
		Tags:          []string{TagRuns.String()},
		Security:      BearerAuth,
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *RunIDInput) (*struct{}, error) {
		if err := svcs.DismissRun(ctx, input.RunID); err != nil {
			return nil, apiError(err)
		}
		return &struct{}{}, nil
	})
}
