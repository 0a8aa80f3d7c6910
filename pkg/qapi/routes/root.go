package routes

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qmesh/pkg/qapi/services"
)

type Tag string

const (
	TagGeneral  Tag = "General"
	TagConfig   Tag = "Config"
	TagPresets  Tag = "Presets"
	TagScene    Tag = "Scene"
	TagRuns     Tag = "Runs"
	TagArtifact Tag = "Artifacts"
)

func (t Tag) String() string {
	return string(t)
}

var BearerAuth = []map[string][]string{{"bearer": {}}}

func RegisterAPI(api huma.API, svcs *services.Services) {
	RegisterHealth(api)
	if svcs == nil {
		return
	}
	RegisterConfig(api, svcs)
	RegisterPresets(api, svcs)
	RegisterScene(api, svcs)
	RegisterRuns(api, svcs)
	RegisterArtifacts(api, svcs)
}
