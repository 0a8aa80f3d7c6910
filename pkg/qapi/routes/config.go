package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qmesh/pkg/qapi/schemas"
	"github.com/quatton/qmesh/pkg/qapi/services"
	"github.com/quatton/qmesh/pkg/qconf"
)

type GetSchemaOutput struct {
	Body schemas.SchemaResponse
}

type ValuesInput struct {
	Body schemas.ValuesRequest
}

type ValidateOutput struct {
	Body struct {
		Values map[string]any `json:"values" doc:"Normalized values"`
	}
}

type SettingsOutput struct {
	Body schemas.SettingsResponse
}

type ResetSettingInput struct {
	Key string `path:"key" doc:"Option key"`
}

type CheckOutput struct {
	Body struct {
		OK bool `json:"ok" doc:"The engine accepted the config"`
	}
}

func RegisterConfig(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "get-schema",
		Method:      http.MethodGet,
		Path:        "/api/schema",
		Summary:     "Get option schema",
		Description: "Returns the engine option catalog in display order",
		Tags:        []string{TagConfig.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*GetSchemaOutput, error) {
		return &GetSchemaOutput{Body: schemas.ToSchemaResponse(svcs.Schema)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-values",
		Method:      http.MethodPost,
		Path:        "/api/settings/validate",
		Summary:     "Validate option values",
		Description: "Checks values against the schema without changing the session settings",
		Tags:        []string{TagConfig.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ValuesInput) (*ValidateOutput, error) {
		normalized, err := svcs.Schema.ValidateAll(input.Body.Values)
		if err != nil {
			return nil, apiError(err)
		}
		resp := &ValidateOutput{}
		resp.Body.Values = normalized
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/api/settings",
		Summary:     "Get session settings",
		Tags:        []string{TagConfig.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*SettingsOutput, error) {
		resp := &SettingsOutput{}
		_ = svcs.WithSettings(func(s *qconf.Settings) error {
			resp.Body = schemas.ToSettingsResponse(s)
			return nil
		})
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-settings",
		Method:      http.MethodPatch,
		Path:        "/api/settings",
		Summary:     "Update session settings",
		Description: "Sets every given value. Nothing changes when any value is invalid.",
		Tags:        []string{TagConfig.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ValuesInput) (*SettingsOutput, error) {
		resp := &SettingsOutput{}
		err := svcs.WithSettings(func(s *qconf.Settings) error {
			if err := s.Apply(input.Body.Values); err != nil {
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
		OperationID: "reset-setting",
		Method:      http.MethodDelete,
		Path:        "/api/settings/{key}",
		Summary:     "Reset a setting to its default",
		Tags:        []string{TagConfig.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ResetSettingInput) (*SettingsOutput, error) {
		if _, ok := svcs.Schema.Option(input.Key); !ok {
			return nil, huma.Error404NotFound("unknown option " + input.Key)
		}
		resp := &SettingsOutput{}
		_ = svcs.WithSettings(func(s *qconf.Settings) error {
			s.Reset(input.Key)
			resp.Body = schemas.ToSettingsResponse(s)
			return nil
		})
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-settings",
		Method:      http.MethodPost,
		Path:        "/api/settings/check",
		Summary:     "Check settings with the engine",
		Description: "Writes the session settings to a config file and asks the engine to read it",
		Tags:        []string{TagConfig.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*CheckOutput, error) {
		var values qconf.Values
		_ = svcs.WithSettings(func(s *qconf.Settings) error {
			values = s.Explicit()
			return nil
		})
		if err := svcs.CheckSettings(ctx, values); err != nil {
			return nil, apiError(err)
		}
		resp := &CheckOutput{}
		resp.Body.OK = true
		return resp, nil
	})
}
