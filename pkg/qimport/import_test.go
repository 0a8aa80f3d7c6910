package qimport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quatton/qmesh/pkg/qscene"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tri() *qscene.Mesh {
	return &qscene.Mesh{
		Positions: [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Indices:   []uint32{0, 1, 2},
	}
}

type fixture struct {
	host   *qscene.Memory
	coll   *qscene.Collection
	car    *qscene.Object
	anchor qscene.Anchor
	output string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := qscene.NewMemory()
	coll, err := h.CreateCollection("Vehicles", "")
	require.NoError(t, err)
	car, err := h.AddObject(&qscene.Object{Name: "Car", Collection: coll.ID, Mesh: tri()})
	require.NoError(t, err)
	anchor, err := qscene.AnchorFor(h, []qscene.ObjectID{car.ID})
	require.NoError(t, err)

	output := filepath.Join(t.TempDir(), "result.glb")
	require.NoError(t, qscene.WriteGLB(output, []*qscene.Node{{
		Name:     "Car",
		Mesh:     tri(),
		Children: []*qscene.Node{{Name: "Wheel", Mesh: tri()}},
	}}))
	return &fixture{host: h, coll: coll, car: car, anchor: anchor, output: output}
}

func (f *fixture) request(runID string) Request {
	return Request{RunID: runID, Output: f.output, Anchor: f.anchor, Sources: []qscene.ObjectID{f.car.ID}}
}

func names(h *qscene.Memory, ids []qscene.ObjectID) []string {
	var out []string
	for _, id := range ids {
		o, err := h.Object(id)
		if err == nil {
			out = append(out, o.Name)
		}
	}
	return out
}

func TestImportResult(t *testing.T) {
	f := newFixture(t)

	res, err := New(f.host, WithHideSources(true)).ImportResult(context.Background(), f.request("run-1"))
	require.NoError(t, err)
	assert.Equal(t, f.coll.ID, res.Collection)
	assert.False(t, res.CreatedCollection)
	require.Len(t, res.Roots, 1)
	assert.Len(t, res.Objects, 2)

	root, err := f.host.Object(res.Roots[0])
	require.NoError(t, err)
	assert.Equal(t, "Car_processed", root.Name)
	assert.Equal(t, f.coll.ID, root.Collection)
	assert.Equal(t, f.anchor.Key, root.Props[PropAnchor])
	assert.Equal(t, "run-1", root.Props[PropRun])
	assert.Equal(t, []string{"Wheel_processed"}, names(f.host, f.host.Children(root.ID)))

	src, err := f.host.Object(f.car.ID)
	require.NoError(t, err)
	assert.True(t, src.Hidden)
}

func TestImportResult_Idempotent(t *testing.T) {
	f := newFixture(t)
	im := New(f.host)
	ctx := context.Background()

	first, err := im.ImportResult(ctx, f.request("run-1"))
	require.NoError(t, err)
	second, err := im.ImportResult(ctx, f.request("run-2"))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Superseded)

	_, err = f.host.Object(first.Roots[0])
	assert.True(t, errors.Is(err, qscene.ErrNotFound))

	inColl := names(f.host, f.host.CollectionObjects(f.coll.ID))
	assert.ElementsMatch(t, []string{"Car", "Car_processed"}, inColl, "exactly one generation under the anchor")
	assert.Len(t, f.host.Objects(), 3)
}

func TestImportResult_AnchorGone(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.RemoveCollection(f.coll.ID))

	res, err := New(f.host).ImportResult(context.Background(), f.request("run-1"))
	require.NoError(t, err)
	assert.True(t, res.CreatedCollection)

	coll, err := f.host.Collection(res.Collection)
	require.NoError(t, err)
	assert.Equal(t, "Car_processed", coll.Name)
	assert.Empty(t, coll.Parent)
	assert.Len(t, f.host.CollectionObjects(coll.ID), 1)
}

func TestImportResult_BadOutput(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.glb")
	garbage := filepath.Join(dir, "garbage.glb")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	require.NoError(t, os.WriteFile(garbage, []byte("{not json"), 0o644))
	noNodes := filepath.Join(dir, "none.glb")
	require.NoError(t, qscene.WriteGLB(noNodes, nil))

	for name, path := range map[string]string{
		"missing": filepath.Join(dir, "missing.glb"),
		"empty":   empty,
		"garbage": garbage,
		"nodes":   noNodes,
	} {
		t.Run(name, func(t *testing.T) {
			req := f.request("run-x")
			req.Output = path
			_, err := New(f.host).ImportResult(context.Background(), req)
			require.Error(t, err)
			assert.True(t, qerr.IsCode(err, qerr.CodeImport))
			var ie *ImportError
			assert.True(t, errors.As(err, &ie))
			assert.Len(t, f.host.Objects(), 1, "scene untouched")
		})
	}
}

// failingHost fails Link after a number of calls.
type failingHost struct {
	*qscene.Memory
	linksLeft int
}

func (h *failingHost) Link(id qscene.ObjectID, coll qscene.CollectionID) error {
	if h.linksLeft == 0 {
		return errors.New("link refused")
	}
	h.linksLeft--
	return h.Memory.Link(id, coll)
}

func TestImportResult_RollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prev, err := New(f.host).ImportResult(ctx, f.request("run-1"))
	require.NoError(t, err)

	// Two roots; the second link fails.
	two := filepath.Join(t.TempDir(), "two.glb")
	require.NoError(t, qscene.WriteGLB(two, []*qscene.Node{
		{Name: "Car", Mesh: tri()},
		{Name: "Trailer", Mesh: tri()},
	}))
	req := f.request("run-2")
	req.Output = two

	_, err = New(&failingHost{Memory: f.host, linksLeft: 1}).ImportResult(ctx, req)
	require.Error(t, err)
	assert.True(t, qerr.IsCode(err, qerr.CodeImport))

	kept, err := f.host.Object(prev.Roots[0])
	require.NoError(t, err, "previous generation untouched")
	assert.Equal(t, "Car_processed", kept.Name)
	assert.Len(t, f.host.Objects(), 1+len(prev.Objects), "nothing staged is left behind")
}

func TestImportResult_TopLevelAnchorReusesCollection(t *testing.T) {
	h := qscene.NewMemory()
	car, err := h.AddObject(&qscene.Object{Name: "Car", Mesh: tri()})
	require.NoError(t, err)
	anchor, err := qscene.AnchorFor(h, []qscene.ObjectID{car.ID})
	require.NoError(t, err)
	require.Empty(t, anchor.CollectionID)

	output := filepath.Join(t.TempDir(), "result.glb")
	require.NoError(t, qscene.WriteGLB(output, []*qscene.Node{{Name: "Car", Mesh: tri()}}))

	im := New(h)
	ctx := context.Background()
	var first *Result
	for i, runID := range []string{"run-1", "run-2", "run-3"} {
		res, err := im.ImportResult(ctx, Request{RunID: runID, Output: output, Anchor: anchor, Sources: []qscene.ObjectID{car.ID}})
		require.NoError(t, err)
		if i == 0 {
			first = res
			assert.True(t, res.CreatedCollection)
			continue
		}
		assert.False(t, res.CreatedCollection, "run %s", runID)
		assert.Equal(t, first.Collection, res.Collection, "run %s", runID)
	}

	require.Len(t, h.Collections(), 1, "one collection across generations")
	assert.Equal(t, []string{"Car_processed"}, names(h, h.CollectionObjects(first.Collection)))
}

// flakyHost fails Rename, or Remove of one object.
type flakyHost struct {
	*qscene.Memory
	failRename bool
	failRemove qscene.ObjectID
}

func (h *flakyHost) Rename(id qscene.ObjectID, name string) (string, error) {
	if h.failRename {
		return "", errors.New("rename refused")
	}
	return h.Memory.Rename(id, name)
}

func (h *flakyHost) Remove(id qscene.ObjectID) error {
	if id == h.failRemove {
		return errors.New("remove refused")
	}
	return h.Memory.Remove(id)
}

func stagedLeft(h *qscene.Memory, runID string) []string {
	var out []string
	for _, o := range h.Objects() {
		if o.Props[PropRun] == runID || strings.Contains(o.Name, stagingSuffix) {
			out = append(out, o.Name)
		}
	}
	return out
}

func TestImportResult_RollsBackLateFailures(t *testing.T) {
	t.Run("remove previous", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		prev, err := New(f.host).ImportResult(ctx, f.request("run-1"))
		require.NoError(t, err)

		_, err = New(&flakyHost{Memory: f.host, failRemove: prev.Roots[0]}).ImportResult(ctx, f.request("run-2"))
		require.Error(t, err)
		assert.True(t, qerr.IsCode(err, qerr.CodeImport))
		assert.Empty(t, stagedLeft(f.host, "run-2"))

		kept, err := f.host.Object(prev.Roots[0])
		require.NoError(t, err)
		assert.Equal(t, "Car_processed", kept.Name)
	})

	t.Run("rename", func(t *testing.T) {
		f := newFixture(t)
		_, err := New(&flakyHost{Memory: f.host, failRename: true}).ImportResult(context.Background(), f.request("run-1"))
		require.Error(t, err)
		assert.True(t, qerr.IsCode(err, qerr.CodeImport))
		assert.Empty(t, stagedLeft(f.host, "run-1"))
		assert.Len(t, f.host.Objects(), 1, "only the source remains")
	})
}
