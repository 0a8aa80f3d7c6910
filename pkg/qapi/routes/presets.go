package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qmesh/pkg/qapi/schemas"
	"github.com/quatton/qmesh/pkg/qapi/services"
	"github.com/quatton/qmesh/pkg/qconf"
)

type ListPresetsOutput struct {
	Body struct {
		Presets []string `json:"presets" doc:"Preset names"`
	}
}

type PresetNameInput struct {
	Name string `path:"name" doc:"Preset name"`
}

type PresetOutput struct {
	Body schemas.PresetResponse
}

type SavePresetInput struct {
	Name string `path:"name" doc:"Preset name"`
	Body struct {
		Values map[string]any `json:"values,omitempty" doc:"Values to save; the session settings are saved when omitted"`
	}
}

type SavePresetOutput struct {
	Body struct {
		Path string `json:"path" doc:"File the preset was written to"`
	}
}

func RegisterPresets(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-presets",
		Method:      http.MethodGet,
		Path:        "/api/presets",
		Summary:     "List presets",
		Tags:        []string{TagPresets.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*ListPresetsOutput, error) {
		names, err := svcs.Presets.List()
		if err != nil {
			return nil, apiError(err)
		}
		resp := &ListPresetsOutput{}
		resp.Body.Presets = names
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-preset",
		Method:      http.MethodGet,
		Path:        "/api/presets/{name}",
		Summary:     "Get a preset",
		Description: "Returns the preset reconciled against the current schema",
		Tags:        []string{TagPresets.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *PresetNameInput) (*PresetOutput, error) {
		values, rep, err := svcs.Presets.Load(input.Name)
		if err != nil {
			return nil, apiError(err)
		}
		return &PresetOutput{Body: schemas.PresetResponse{Name: input.Name, Values: values, Report: rep}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-preset",
		Method:      http.MethodPut,
		Path:        "/api/presets/{name}",
		Summary:     "Save a preset",
		Tags:        []string{TagPresets.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *SavePresetInput) (*SavePresetOutput, error) {
		values := qconf.Values(input.Body.Values)
		if values == nil {
			_ = svcs.WithSettings(func(s *qconf.Settings) error {
				values = s.Effective()
				return nil
			})
		}
		path, err := svcs.Presets.Save(input.Name, values)
		if err != nil {
			return nil, apiError(err)
		}
		resp := &SavePresetOutput{}
		resp.Body.Path = path
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-preset",
		Method:      http.MethodPost,
		Path:        "/api/presets/{name}/apply",
		Summary:     "Apply a preset",
		Description: "Loads the preset into the session settings",
		Tags:        []string{TagPresets.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *PresetNameInput) (*SettingsOutput, error) {
		values, _, err := svcs.Presets.LoadExplicit(input.Name)
		if err != nil {
			return nil, apiError(err)
		}
		resp := &SettingsOutput{}
		err = svcs.WithSettings(func(s *qconf.Settings) error {
			if err := s.Apply(values); err != nil {
				return err
			}
			resp.Body = schemas.ToSettingsResponse(s)
			return nil
		})
		if err != nil {
			return nil, apiError(err)
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-preset",
		Method:        http.MethodDelete,
		Path:          "/api/presets/{name}",
		Summary:       "Delete a preset",
		Tags:          []string{TagPresets.String()},
		Security:      BearerAuth,
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *PresetNameInput) (*struct{}, error) {
		if err := svcs.Presets.Delete(input.Name); err != nil {
			return nil, apiError(err)
		}
		return &struct{}{}, nil
	})
}
