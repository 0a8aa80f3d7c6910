package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qmesh/pkg/qapi/services"
)

type SceneObject struct {
	ID         string `json:"id" doc:"Object ID"`
	Name       string `json:"name" doc:"Object name"`
	Kind       string `json:"kind" doc:"Object kind"`
	Parent     string `json:"parent,omitempty" doc:"Parent object ID"`
	Collection string `json:"collection,omitempty" doc:"Collection name"`
	Hidden     bool   `json:"hidden,omitempty" doc:"Hidden in the viewport"`
	Triangles  int    `json:"triangles,omitempty" doc:"Triangle count of the mesh"`
}

type ListObjectsOutput struct {
	Body struct {
		Objects []SceneObject `json:"objects" doc:"Scene objects in creation order"`
	}
}

type SaveSceneOutput struct {
	Body struct {
		Saved bool `json:"saved"`
	}
}

func RegisterScene(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-objects",
		Method:      http.MethodGet,
		Path:        "/api/scene/objects",
		Summary:     "List scene objects",
		Tags:        []string{TagScene.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*ListObjectsOutput, error) {
		resp := &ListObjectsOutput{}
		resp.Body.Objects = []SceneObject{}
		for _, o := range svcs.Scene.Objects() {
			obj := SceneObject{
				ID:     string(o.ID),
				Name:   o.Name,
				Kind:   string(o.Kind),
				Parent: string(o.Parent),
				Hidden: o.Hidden,
			}
			if c, err := svcs.Scene.Collection(o.Collection); err == nil {
				obj.Collection = c.Name
			}
			if o.Mesh != nil {
				obj.Triangles = len(o.Mesh.Indices) / 3
			}
			resp.Body.Objects = append(resp.Body.Objects, obj)
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-scene",
		Method:      http.MethodPost,
		Path:        "/api/scene/save",
		Summary:     "Save the workspace scene",
		Tags:        []string{TagScene.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*SaveSceneOutput, error) {
		if err := svcs.Scene.Save(); err != nil {
			return nil, huma.Error500InternalServerError("failed to save scene", err)
		}
		resp := &SaveSceneOutput{}
		resp.Body.Saved = true
		return resp, nil
	})
}
