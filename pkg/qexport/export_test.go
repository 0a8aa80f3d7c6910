package qexport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/quatton/qmesh/pkg/qscene"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tri(mat *qscene.Material) *qscene.Mesh {
	return &qscene.Mesh{
		Positions: [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Indices:   []uint32{0, 1, 2},
		Material:  mat,
	}
}

type fixture struct {
	host  *qscene.Memory
	coll  *qscene.Collection
	car   *qscene.Object
	wheel *qscene.Object
	rock  *qscene.Object
	light *qscene.Object
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := qscene.NewMemory()
	coll, err := h.CreateCollection("Props", "")
	require.NoError(t, err)

	f := &fixture{host: h, coll: coll}
	f.car, _ = h.AddObject(&qscene.Object{Name: "Car", Collection: coll.ID, Mesh: tri(&qscene.Material{Name: "Paint"})})
	f.wheel, _ = h.AddObject(&qscene.Object{Name: "Wheel", Parent: f.car.ID, Mesh: tri(nil)})
	f.rock, _ = h.AddObject(&qscene.Object{Name: "Rock", Collection: coll.ID, Mesh: tri(&qscene.Material{Name: "Noise", Procedural: true})})
	f.light, _ = h.AddObject(&qscene.Object{Name: "Sun", Kind: qscene.KindLight, Collection: coll.ID})
	return f
}

func TestExportSelection(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "run", "input.glb")

	res, err := New(f.host).ExportSelection(context.Background(), []qscene.ObjectID{f.wheel.ID, f.car.ID, f.light.ID}, path)
	require.NoError(t, err)
	assert.Equal(t, path, res.Path)
	assert.Equal(t, 2, res.Meshes)
	assert.Equal(t, f.coll.ID, res.Anchor.CollectionID)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "Sun", res.Skipped[0].Name)

	roots, err := qscene.ReadGLB(path)
	require.NoError(t, err)
	require.Len(t, roots, 1, "the wheel stays nested under the car")
	assert.Equal(t, "Car", roots[0].Name)
	assert.Equal(t, string(f.car.ID), roots[0].Props[PropSource])
	require.Len(t, roots[0].Children, 1)
	assert.Equal(t, "Wheel", roots[0].Children[0].Name)
}

func TestExportSelection_ProceduralMaterial(t *testing.T) {
	f := newFixture(t)

	res, err := New(f.host).ExportSelection(context.Background(), []qscene.ObjectID{f.rock.ID}, filepath.Join(t.TempDir(), "in.glb"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Noise"}, res.Stripped)
	assert.Equal(t, 1, res.Meshes)

	roots, err := qscene.ReadGLB(res.Path)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Nil(t, roots[0].Mesh.Material)

	src, err := f.host.Object(f.rock.ID)
	require.NoError(t, err)
	assert.True(t, src.Mesh.Material.Procedural, "source material is untouched")
}

func TestExportSelection_Errors(t *testing.T) {
	f := newFixture(t)
	e := New(f.host, WithScratchDir(t.TempDir()))
	ctx := context.Background()

	tests := []struct {
		name string
		ids  []qscene.ObjectID
	}{
		{"empty", nil},
		{"missing object", []qscene.ObjectID{"gone"}},
		{"no geometry", []qscene.ObjectID{f.light.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ExportSelection(ctx, tt.ids, "")
			require.Error(t, err)
			assert.True(t, qerr.IsCode(err, qerr.CodeExport))
			var ee *ExportError
			assert.True(t, errors.As(err, &ee))
		})
	}
}

func TestExportSelection_UnwritableScratch(t *testing.T) {
	f := newFixture(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := New(f.host, WithScratchDir(filepath.Join(blocker, "scratch"))).
		ExportSelection(context.Background(), []qscene.ObjectID{f.car.ID}, "")
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeExport))
}

func TestExportSelection_FreshTempPath(t *testing.T) {
	f := newFixture(t)
	e := New(f.host, WithScratchDir(t.TempDir()))

	a, err := e.ExportSelection(context.Background(), []qscene.ObjectID{f.car.ID}, "")
	require.NoError(t, err)
	b, err := e.ExportSelection(context.Background(), []qscene.ObjectID{f.car.ID}, "")
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path)
	assert.Equal(t, a.Anchor, b.Anchor)
}
