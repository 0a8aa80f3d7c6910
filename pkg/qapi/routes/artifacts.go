package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qmesh/pkg/qapi/schemas"
	"github.com/quatton/qmesh/pkg/qapi/services"
	"github.com/quatton/qmesh/pkg/qart"
)

// ListRunArtifactsOutput is the response for listing run artifacts
type ListRunArtifactsOutput struct {
	Body struct {
		Artifacts []schemas.RunArtifact `json:"artifacts" doc:"List of artifacts"`
	}
}

// GetArtifactURLInput defines the input for getting an artifact download URL
type GetArtifactURLInput struct {
	RunID    string `path:"runId" doc:"Run ID"`
	Filename string `path:"filename" doc:"Artifact filename"`
}

// GetArtifactURLOutput is the response for getting an artifact download URL
type GetArtifactURLOutput struct {
	Body struct {
		URL string `json:"url" doc:"Download URL"`
	}
}

// RegisterArtifacts registers routes over the diagnostics archived for failed runs
func RegisterArtifacts(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-run-artifacts",
		Method:      http.MethodGet,
		Path:        "/api/runs/{runId}/artifacts",
		Summary:     "List run artifacts",
		Description: "List the archived diagnostics of a run",
		Tags:        []string{TagArtifact.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunIDInput) (*ListRunArtifactsOutput, error) {
		if svcs.Artifacts == nil {
			return nil, huma.Error501NotImplemented("artifact storage not configured")
		}

		objects, err := svcs.Artifacts.List(ctx, qart.RunArtifactPrefix(input.RunID))
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to list artifacts: %v", err))
		}

		artifacts := make([]schemas.RunArtifact, 0, len(objects))
		for _, obj := range objects {
			artifacts = append(artifacts, schemas.RunArtifact{
				Key:         obj.Key,
				Filename:    path.Base(obj.Key),
				Size:        obj.Size,
				ContentType: obj.ContentType,
			})
		}

		resp := &ListRunArtifactsOutput{}
		resp.Body.Artifacts = artifacts
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact-url",
		Method:      http.MethodGet,
		Path:        "/api/runs/{runId}/artifacts/{filename}/url",
		Summary:     "Get artifact download URL",
		Description: "Get a URL to download an artifact. S3 archives return a presigned URL valid for one hour.",
		Tags:        []string{TagArtifact.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *GetArtifactURLInput) (*GetArtifactURLOutput, error) {
		if svcs.Artifacts == nil {
			return nil, huma.Error501NotImplemented("artifact storage not configured")
		}

		key := qart.RunArtifactKey(input.RunID, input.Filename)
		url, err := svcs.Artifacts.GetPresignedURL(ctx, key, time.Hour)
		if errors.Is(err, qart.ErrNotFound) {
			return nil, huma.Error404NotFound("artifact not found")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to get download URL: %v", err))
		}

		resp := &GetArtifactURLOutput{}
		resp.Body.URL = url
		return resp, nil
	})
}
