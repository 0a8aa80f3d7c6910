package routes_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/quatton/qmesh/pkg/qapi/routes"
	"github.com/quatton/qmesh/pkg/qapi/schemas"
	"github.com/quatton/qmesh/pkg/qapi/services"
	"github.com/quatton/qmesh/pkg/qapi/services/auth"
	"github.com/quatton/qmesh/pkg/qconf"
	"github.com/quatton/qmesh/pkg/qengine"
	"github.com/quatton/qmesh/pkg/qexport"
	"github.com/quatton/qmesh/pkg/qimport"
	"github.com/quatton/qmesh/pkg/qscene"
	"github.com/quatton/qmesh/pkg/qsdk"
	"github.com/quatton/qmesh/pkg/qsession"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoEngine = `#!/bin/sh
in=""
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -i) in="$2"; shift 2 ;;
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
cp "$in" "$out/result.glb"
`

func ptr(f float64) *float64 { return &f }

type harness struct {
	api       humatest.TestAPI
	svcs      *services.Services
	scenePath string
}

func newHarness(t *testing.T, secret []byte) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	host := qscene.NewMemory()
	coll, err := host.CreateCollection("Vehicles", "")
	require.NoError(t, err)
	_, err = host.AddObject(&qscene.Object{
		Name:       "Car",
		Collection: coll.ID,
		Mesh: &qscene.Mesh{
			Positions: [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
			Indices:   []uint32{0, 1, 2},
		},
	})
	require.NoError(t, err)

	schema, err := qconf.NewSchema("1.0.0", []*qconf.Option{
		{Key: "decimationRatio", Type: qconf.TypeFloat, Default: 0.5, Min: ptr(0), Max: ptr(1)},
		{Key: "bakeTextures", Type: qconf.TypeBool, Default: true},
	})
	require.NoError(t, err)

	enginePath := filepath.Join(t.TempDir(), "engine")
	require.NoError(t, os.WriteFile(enginePath, []byte(echoEngine), 0o755))
	engine := qengine.New(qengine.Config{Path: enginePath, KillGrace: 200 * time.Millisecond}, qengine.WithLogger(log))

	scratch := filepath.Join(t.TempDir(), "runs")
	tracker := qsession.New(qsession.Config{
		Schema:     schema,
		Exporter:   qexport.New(host, qexport.WithLogger(log)),
		Engine:     engine,
		Importer:   qimport.New(host, qimport.WithLogger(log)),
		ScratchDir: scratch,
	}, qsession.WithLogger(log))
	t.Cleanup(func() { _ = tracker.Teardown(t.Context()) })

	scenePath := filepath.Join(t.TempDir(), "workspace.glb")
	authSvc := auth.NewService(secret, log)
	svcs := &services.Services{
		Auth:         authSvc,
		Tracker:      tracker,
		Engine:       engine,
		Schema:       schema,
		Presets:      qconf.NewPresetStore(t.TempDir(), schema, qconf.WithPresetLogger(log)),
		Scene:        services.NewScene(host, func() error { return host.SaveGLB(scenePath) }),
		ConfigFormat: qconf.FormatKV,
		ScratchDir:   scratch,
	}

	_, api := humatest.New(t)
	api.UseMiddleware(authSvc.Middleware(api))
	routes.RegisterAPI(api, svcs)
	return &harness{api: api, svcs: svcs, scenePath: scenePath}
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.api.Get("/health")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"ok"`)
}

func TestGetSchema(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.api.Get("/api/schema")
	require.Equal(t, http.StatusOK, resp.Code)

	body := decode[schemas.SchemaResponse](t, resp.Body.Bytes())
	assert.Equal(t, "1.0.0", body.Version)
	require.Len(t, body.Options, 2)
	assert.Equal(t, "decimationRatio", body.Options[0].Key)
	assert.Equal(t, 1.0, *body.Options[0].Max)
}

func TestValidateValues(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.api.Post("/api/settings/validate", map[string]any{
		"values": map[string]any{"decimationRatio": 0.3},
	})
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = h.api.Post("/api/settings/validate", map[string]any{
		"values": map[string]any{"decimationRatio": 1.5, "nope": 1},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Contains(t, resp.Body.String(), "body.values.decimationRatio")
	assert.Contains(t, resp.Body.String(), "body.values.nope")
}

func TestSettings(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.api.Patch("/api/settings", map[string]any{
		"values": map[string]any{"decimationRatio": 0.25},
	})
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[schemas.SettingsResponse](t, resp.Body.Bytes())
	assert.Equal(t, map[string]any{"decimationRatio": 0.25}, body.Explicit)
	assert.Equal(t, true, body.Effective["bakeTextures"])

	// Rejected updates change nothing.
	resp = h.api.Patch("/api/settings", map[string]any{
		"values": map[string]any{"decimationRatio": 0.1, "bakeTextures": "maybe"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	body = decode[schemas.SettingsResponse](t, h.api.Get("/api/settings").Body.Bytes())
	assert.Equal(t, 0.25, body.Explicit["decimationRatio"])

	resp = h.api.Delete("/api/settings/decimationRatio")
	require.Equal(t, http.StatusOK, resp.Code)
	body = decode[schemas.SettingsResponse](t, resp.Body.Bytes())
	assert.Empty(t, body.Explicit)
	assert.Equal(t, 0.5, body.Effective["decimationRatio"])

	assert.Equal(t, http.StatusNotFound, h.api.Delete("/api/settings/unknown").Code)
}

func TestPresets(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.api.Put("/api/presets/low-poly", map[string]any{
		"values": map[string]any{"decimationRatio": 0.1},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	list := decode[struct {
		Presets []string `json:"presets"`
	}](t, h.api.Get("/api/presets").Body.Bytes())
	assert.Equal(t, []string{"low-poly"}, list.Presets)

	resp = h.api.Get("/api/presets/low-poly")
	require.Equal(t, http.StatusOK, resp.Code)
	preset := decode[schemas.PresetResponse](t, resp.Body.Bytes())
	assert.Equal(t, 0.1, preset.Values["decimationRatio"])
	assert.Equal(t, true, preset.Values["bakeTextures"])

	resp = h.api.Post("/api/presets/low-poly/apply")
	require.Equal(t, http.StatusOK, resp.Code)
	settings := decode[schemas.SettingsResponse](t, resp.Body.Bytes())
	assert.Equal(t, map[string]any{"decimationRatio": 0.1}, settings.Explicit)

	// A run from the preset hands the engine only the preset's own keys.
	resp = h.api.Post("/api/runs", map[string]any{"objects": []string{"Car"}, "preset": "low-poly"})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	run := decode[schemas.RunResponse](t, resp.Body.Bytes())
	assert.Equal(t, map[string]any{"decimationRatio": 0.1}, run.Values)

	assert.Equal(t, http.StatusNoContent, h.api.Delete("/api/presets/low-poly").Code)
	assert.Equal(t, http.StatusNotFound, h.api.Get("/api/presets/low-poly").Code)
}

func TestRunLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.api.Post("/api/runs", map[string]any{
		"objects": []string{"Car"},
		"values":  map[string]any{"decimationRatio": 0.3},
	})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	run := decode[schemas.RunResponse](t, resp.Body.Bytes())
	assert.Equal(t, string(qsession.StatusRunning), run.Status)
	assert.Equal(t, "Car", run.Anchor)

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp = h.api.Post("/api/runs/" + run.ID + "/complete")
		if resp.Code != http.StatusConflict {
			break
		}
		require.True(t, time.Now().Before(deadline), "run did not finish")
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	done := decode[schemas.RunResponse](t, resp.Body.Bytes())
	assert.Equal(t, string(qsession.StatusSucceeded), done.Status)
	assert.NotEmpty(t, done.Imported)
	assert.FileExists(t, h.scenePath)

	objects := decode[struct {
		Objects []routes.SceneObject `json:"objects"`
	}](t, h.api.Get("/api/scene/objects").Body.Bytes())
	var names []string
	for _, o := range objects.Objects {
		names = append(names, o.Name)
	}
	assert.Contains(t, names, "Car_processed")

	resp = h.api.Get("/api/runs/" + run.ID)
	require.Equal(t, http.StatusOK, resp.Code)

	list := decode[struct {
		Runs []schemas.RunResponse `json:"runs"`
	}](t, h.api.Get("/api/runs?status=succeeded").Body.Bytes())
	require.Len(t, list.Runs, 1)
	assert.Equal(t, run.ID, list.Runs[0].ID)

	// Cancelling a finished run changes nothing.
	resp = h.api.Post("/api/runs/" + run.ID + "/cancel")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, string(qsession.StatusSucceeded), decode[schemas.RunResponse](t, resp.Body.Bytes()).Status)
}

func TestStartRunErrors(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.api.Post("/api/runs", map[string]any{"objects": []string{"Plane"}})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = h.api.Post("/api/runs", map[string]any{
		"objects": []string{"Car"},
		"values":  map[string]any{"decimationRatio": -1},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Empty(t, h.svcs.Tracker.Runs())

	assert.Equal(t, http.StatusNotFound, h.api.Get("/api/runs/nope").Code)
	assert.Equal(t, http.StatusNotImplemented, h.api.Get("/api/runs/nope/artifacts").Code)
}

func TestAuth(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	h := newHarness(t, secret)

	read, err := qsdk.IssueToken(secret, "plugin", qsdk.ScopeRead, time.Hour)
	require.NoError(t, err)
	write, err := qsdk.IssueToken(secret, "plugin", qsdk.ScopeWrite, time.Hour)
	require.NoError(t, err)
	forged, err := qsdk.IssueToken([]byte("another-secret-another-secret-xx"), "plugin", qsdk.ScopeWrite, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, h.api.Get("/health").Code)
	assert.Equal(t, http.StatusUnauthorized, h.api.Get("/api/schema").Code)
	assert.Equal(t, http.StatusUnauthorized, h.api.Get("/api/schema", "Authorization: Bearer "+forged).Code)
	assert.Equal(t, http.StatusOK, h.api.Get("/api/schema", "Authorization: Bearer "+read).Code)

	values := map[string]any{"values": map[string]any{"decimationRatio": 0.2}}
	assert.Equal(t, http.StatusForbidden, h.api.Patch("/api/settings", "Authorization: Bearer "+read, values).Code)
	assert.Equal(t, http.StatusOK, h.api.Patch("/api/settings", "Authorization: Bearer "+write, values).Code)
}
