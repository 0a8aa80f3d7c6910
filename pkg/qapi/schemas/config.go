package schemas

import "github.com/quatton/qmesh/pkg/qconf"

// OptionResponse describes one engine option
type OptionResponse struct {
	Key     string   `json:"key" doc:"Option key"`
	Type    string   `json:"type" doc:"Value type" enum:"bool,int,float,enum,string"`
	Default any      `json:"default,omitempty" doc:"Default value"`
	Min     *float64 `json:"min,omitempty" doc:"Inclusive lower bound"`
	Max     *float64 `json:"max,omitempty" doc:"Inclusive upper bound"`
	Allowed []string `json:"allowed,omitempty" doc:"Allowed values of an enum"`
	Label   string   `json:"label" doc:"Display label"`
	Tooltip string   `json:"tooltip,omitempty" doc:"Help text"`
	Level   string   `json:"level" doc:"UI level"`
}

// SchemaResponse is the option catalog
type SchemaResponse struct {
	Version string           `json:"version" doc:"Schema version"`
	Options []OptionResponse `json:"options" doc:"Options in catalog order"`
}

func ToSchemaResponse(s *qconf.Schema) SchemaResponse {
	resp := SchemaResponse{
		Version: s.Version().String(),
		Options: make([]OptionResponse, 0, len(s.Options())),
	}
	for _, o := range s.Options() {
		resp.Options = append(resp.Options, OptionResponse{
			Key:     o.Key,
			Type:    string(o.Type),
			Default: o.Default,
			Min:     o.Min,
			Max:     o.Max,
			Allowed: o.Allowed,
			Label:   o.Label,
			Tooltip: o.Tooltip,
			Level:   string(o.Level),
		})
	}
	return resp
}

// ValuesRequest carries option values
type ValuesRequest struct {
	Values map[string]any `json:"values" doc:"Option values by key"`
}

// SettingsResponse holds the session settings
type SettingsResponse struct {
	Explicit  map[string]any `json:"explicit" doc:"Values set explicitly; these reach the engine"`
	Effective map[string]any `json:"effective" doc:"Defaults overlaid with explicit values"`
}

func ToSettingsResponse(s *qconf.Settings) SettingsResponse {
	return SettingsResponse{
		Explicit:  s.Explicit(),
		Effective: s.Effective(),
	}
}

// PresetResponse is a preset reconciled against the current schema
type PresetResponse struct {
	Name   string         `json:"name" doc:"Preset name"`
	Values map[string]any `json:"values" doc:"Reconciled values"`
	Report *qconf.Report  `json:"report,omitempty" doc:"What reconciliation changed"`
}
