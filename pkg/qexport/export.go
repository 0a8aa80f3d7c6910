// Package qexport writes a scene selection to an interchange file for the
// engine.
package qexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/quatton/qmesh/pkg/qscene"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
)

// PropSource records the id of the object a node was exported from.
const PropSource = "qmesh.source"

// ExportError describes why a selection could not be exported.
type ExportError struct {
	Reason string
	Err    error
}

func (e *ExportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("export: %s: %v", e.Reason, e.Err)
	}
	return "export: " + e.Reason
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

func exportError(reason string, err error) error {
	return qerr.New(qerr.CodeExport, &ExportError{Reason: reason, Err: err})
}

// Skipped is a selected object left out of the file.
type Skipped struct {
	ID     qscene.ObjectID `json:"id"`
	Name   string          `json:"name"`
	Reason string          `json:"reason"`
}

// Result describes a written interchange file.
type Result struct {
	Path   string        `json:"path"`
	Anchor qscene.Anchor `json:"anchor"`
	// Meshes is the number of objects written with geometry.
	Meshes  int       `json:"meshes"`
	Skipped []Skipped `json:"skipped,omitempty"`
	// Stripped lists procedural materials exported as geometry only.
	Stripped []string `json:"stripped,omitempty"`
}

type Exporter struct {
	host       qscene.Host
	scratchDir string
	logger     *slog.Logger
}

type Option func(*Exporter)

// WithScratchDir sets where files go when ExportSelection gets no path.
func WithScratchDir(dir string) Option {
	return func(e *Exporter) {
		e.scratchDir = dir
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		e.logger = l
	}
}

func New(host qscene.Host, opts ...Option) *Exporter {
	e := &Exporter{
		host:       host,
		scratchDir: os.TempDir(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExportSelection writes the visible geometry of ids to path, or to a fresh
// file in the scratch directory when path is empty. Selected descendants of a
// selected object stay nested under it. Source objects are not modified.
func (e *Exporter) ExportSelection(ctx context.Context, ids []qscene.ObjectID, path string) (*Result, error) {
	if len(ids) == 0 {
		return nil, exportError("empty selection", nil)
	}

	selected := make(map[qscene.ObjectID]*qscene.Object, len(ids))
	var order []qscene.ObjectID
	for _, id := range ids {
		if _, dup := selected[id]; dup {
			continue
		}
		o, err := e.host.Object(id)
		if err != nil {
			return nil, exportError(fmt.Sprintf("selected object %s", id), err)
		}
		selected[id] = o
		order = append(order, id)
	}

	anchor, err := qscene.AnchorFor(e.host, order)
	if err != nil {
		return nil, exportError("computing anchor", err)
	}

	b := &builder{host: e.host, selected: selected, logger: e.logger}
	var roots []*qscene.Node
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b.hasSelectedAncestor(selected[id]) {
			continue
		}
		if n := b.build(selected[id]); n != nil {
			roots = append(roots, n)
		}
	}
	if b.meshes == 0 {
		return nil, exportError("no exportable geometry in selection", nil)
	}

	if path == "" {
		if path, err = e.tempPath(); err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, exportError("creating scratch directory", err)
	}
	if err := qscene.WriteGLB(path, roots); err != nil {
		os.Remove(path)
		return nil, exportError("writing interchange file", err)
	}

	e.logger.Debug("exported selection", "path", path, "meshes", b.meshes, "skipped", len(b.skipped))
	return &Result{
		Path:     path,
		Anchor:   anchor,
		Meshes:   b.meshes,
		Skipped:  b.skipped,
		Stripped: b.stripped,
	}, nil
}

func (e *Exporter) tempPath() (string, error) {
	if err := os.MkdirAll(e.scratchDir, 0o755); err != nil {
		return "", exportError("creating scratch directory", err)
	}
	f, err := os.CreateTemp(e.scratchDir, "export-*.glb")
	if err != nil {
		return "", exportError("creating interchange file", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", exportError("creating interchange file", errors.Join(err, os.Remove(name)))
	}
	return name, nil
}

type builder struct {
	host     qscene.Host
	selected map[qscene.ObjectID]*qscene.Object
	logger   *slog.Logger

	meshes   int
	skipped  []Skipped
	stripped []string
}

func (b *builder) hasSelectedAncestor(o *qscene.Object) bool {
	seen := map[qscene.ObjectID]bool{o.ID: true}
	for id := o.Parent; id != "" && !seen[id]; {
		if _, ok := b.selected[id]; ok {
			return true
		}
		seen[id] = true
		p, err := b.host.Object(id)
		if err != nil {
			return false
		}
		id = p.Parent
	}
	return false
}

// build converts a selected object and its selected descendants. It returns
// nil when nothing under o is exportable.
func (b *builder) build(o *qscene.Object) *qscene.Node {
	var children []*qscene.Node
	for _, d := range b.selectedDescendants(o.ID) {
		if n := b.build(d); n != nil {
			children = append(children, n)
		}
	}

	n := &qscene.Node{
		Name:      o.Name,
		Transform: o.Transform,
		Props:     map[string]string{PropSource: string(o.ID)},
		Children:  children,
	}
	switch {
	case o.Hidden:
		b.skip(o, "hidden")
	case o.Kind != qscene.KindMesh || o.Mesh.Empty():
		if len(children) == 0 {
			b.skip(o, "no geometry")
		}
	default:
		mesh := *o.Mesh
		if mesh.Material != nil && mesh.Material.Procedural {
			b.logger.Warn("skipping procedural material", "object", o.Name, "material", mesh.Material.Name)
			b.stripped = append(b.stripped, mesh.Material.Name)
			mesh.Material = nil
		}
		n.Mesh = &mesh
		b.meshes++
	}
	if n.Mesh == nil && len(children) == 0 {
		return nil
	}
	return n
}

// selectedDescendants returns the nearest selected objects below id.
func (b *builder) selectedDescendants(id qscene.ObjectID) []*qscene.Object {
	var out []*qscene.Object
	for _, cid := range b.host.Children(id) {
		if o, ok := b.selected[cid]; ok {
			out = append(out, o)
			continue
		}
		out = append(out, b.selectedDescendants(cid)...)
	}
	return out
}

func (b *builder) skip(o *qscene.Object, reason string) {
	b.logger.Debug("object not exported", "object", o.Name, "reason", reason)
	b.skipped = append(b.skipped, Skipped{ID: o.ID, Name: o.Name, Reason: reason})
}
