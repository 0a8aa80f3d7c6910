// Package qimport places engine output into the host scene.
//
// An import is all-or-nothing. New objects are created detached under
// temporary names, linked under the anchor collection, and only then is the
// previous generation of the same anchor removed and the new objects given
// their final names. Any failure deletes everything staged; a failure before
// the removal leaves the scene as it was.
package qimport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/quatton/qmesh/pkg/qscene"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
)

const (
	// PropAnchor tags imported objects with the anchor key they belong to.
	PropAnchor = "qmesh.anchor"
	// PropRun tags imported objects with the run that produced them.
	PropRun = "qmesh.run"

	DefaultSuffix = "_processed"

	stagingSuffix = ".qmesh-staging"
)

// ImportError reports engine output that could not be placed.
type ImportError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ImportError) Error() string {
	msg := fmt.Sprintf("import %s: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

func importError(path, reason string, err error) error {
	return qerr.New(qerr.CodeImport, &ImportError{Path: path, Reason: reason, Err: err})
}

// Request describes one import.
type Request struct {
	RunID   string
	Output  string
	Anchor  qscene.Anchor
	Sources []qscene.ObjectID
	// Supersede lists objects of the previous generation known to the
	// caller. Objects tagged with the anchor key are found regardless.
	Supersede []qscene.ObjectID
}

// Result describes placed objects.
type Result struct {
	// Roots are the imported top-level objects.
	Roots []qscene.ObjectID `json:"roots"`
	// Objects are all imported objects, roots included.
	Objects    []qscene.ObjectID   `json:"objects"`
	Collection qscene.CollectionID `json:"collection"`
	// CreatedCollection is set when the anchor collection was gone and a
	// new one was made.
	CreatedCollection bool `json:"createdCollection,omitempty"`
	Superseded        int  `json:"superseded"`
}

type Importer struct {
	host        qscene.Host
	suffix      string
	hideSources bool
	logger      *slog.Logger
}

type Option func(*Importer)

// WithSuffix sets the suffix appended to imported object names.
func WithSuffix(s string) Option {
	return func(im *Importer) {
		im.suffix = s
	}
}

// WithHideSources hides the source objects after a successful import.
func WithHideSources(hide bool) Option {
	return func(im *Importer) {
		im.hideSources = hide
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(im *Importer) {
		im.logger = l
	}
}

func New(host qscene.Host, opts ...Option) *Importer {
	im := &Importer{
		host:   host,
		suffix: DefaultSuffix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// ImportResult loads req.Output and places its top-level nodes under the
// anchor collection, replacing the previous generation for the anchor.
func (im *Importer) ImportResult(ctx context.Context, req Request) (*Result, error) {
	roots, err := im.load(req.Output)
	if err != nil {
		return nil, err
	}
	for _, n := range roots {
		im.tag(n, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage detached.
	var staged [][]qscene.ObjectID
	rollback := func(cause error) error {
		var errs []error
		for _, ids := range staged {
			if err := im.host.Remove(ids[0]); err != nil && !errors.Is(err, qscene.ErrNotFound) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			im.logger.Error("rolling back staged import", "run_id", req.RunID, "error", errors.Join(errs...))
		}
		return cause
	}
	for _, n := range roots {
		ids, err := qscene.Instantiate(im.host, n, "", "")
		if err != nil {
			return nil, rollback(importError(req.Output, "staging objects", err))
		}
		staged = append(staged, ids)
	}

	coll, created, err := im.anchorCollection(req.Anchor)
	if err != nil {
		return nil, rollback(importError(req.Output, "resolving anchor collection", err))
	}
	for _, ids := range staged {
		if err := im.host.Link(ids[0], coll); err != nil {
			return nil, rollback(importError(req.Output, "linking objects", err))
		}
	}

	superseded, err := im.removePrevious(req, staged)
	if err != nil {
		return nil, rollback(importError(req.Output, "removing previous results", err))
	}

	res := &Result{Collection: coll, CreatedCollection: created, Superseded: superseded}
	for _, ids := range staged {
		res.Roots = append(res.Roots, ids[0])
		for _, id := range ids {
			if err := im.finalName(id); err != nil {
				return nil, rollback(importError(req.Output, "renaming objects", err))
			}
			res.Objects = append(res.Objects, id)
		}
	}

	if im.hideSources {
		for _, id := range req.Sources {
			if err := im.host.SetHidden(id, true); err != nil && !errors.Is(err, qscene.ErrNotFound) {
				im.logger.Warn("hiding source object", "object", id, "error", err)
			}
		}
	}

	im.logger.Info("imported engine output",
		"run_id", req.RunID,
		"objects", len(res.Objects),
		"superseded", superseded,
		"collection", coll,
	)
	return res, nil
}

func (im *Importer) load(path string) ([]*qscene.Node, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, importError(path, "output missing", err)
	}
	if fi.Size() == 0 {
		return nil, importError(path, "output is empty", nil)
	}
	roots, err := qscene.ReadGLB(path)
	if err != nil {
		return nil, importError(path, "output is not a readable interchange file", err)
	}
	if len(roots) == 0 {
		return nil, importError(path, "output contains no objects", nil)
	}
	return roots, nil
}

func (im *Importer) tag(n *qscene.Node, req Request) {
	if n.Props == nil {
		n.Props = map[string]string{}
	}
	n.Props[PropAnchor] = req.Anchor.Key
	n.Props[PropRun] = req.RunID
	n.Name = im.baseName(n.Name) + stagingSuffix
	for _, c := range n.Children {
		im.tag(c, req)
	}
}

// baseName strips the suffix of an earlier import so reprocessing a result
// does not stack suffixes.
func (im *Importer) baseName(name string) string {
	if im.suffix != "" {
		name = strings.TrimSuffix(name, im.suffix)
	}
	return name
}

func (im *Importer) finalName(id qscene.ObjectID) error {
	o, err := im.host.Object(id)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(o.Name, stagingSuffix)
	if i := strings.LastIndex(o.Name, stagingSuffix+"."); i >= 0 {
		name = o.Name[:i]
	}
	_, err = im.host.Rename(id, name+im.suffix)
	return err
}

func (im *Importer) anchorCollection(a qscene.Anchor) (qscene.CollectionID, bool, error) {
	if a.CollectionID != "" {
		_, err := im.host.Collection(a.CollectionID)
		if err == nil {
			return a.CollectionID, false, nil
		}
		if !errors.Is(err, qscene.ErrNotFound) {
			return "", false, err
		}
	}
	if id, ok := im.previousCollection(a.Key); ok {
		return id, false, nil
	}
	name := a.Name
	if name == "" {
		name = "selection"
	}
	c, err := im.host.CreateCollection(name+im.suffix, "")
	if err != nil {
		return "", false, err
	}
	im.logger.Warn("anchor collection is gone, created a new one", "anchor", a.Key, "collection", c.Name)
	return c.ID, true, nil
}

// previousCollection returns the collection holding the previous generation
// for anchor key, so every generation lands in the same place.
func (im *Importer) previousCollection(key string) (qscene.CollectionID, bool) {
	if key == "" {
		return "", false
	}
	for _, o := range im.host.Objects() {
		if o.Collection == "" || o.Props[PropAnchor] != key {
			continue
		}
		if _, err := im.host.Collection(o.Collection); err == nil {
			return o.Collection, true
		}
	}
	return "", false
}

// removePrevious deletes earlier imports for the same anchor.
func (im *Importer) removePrevious(req Request, staged [][]qscene.ObjectID) (int, error) {
	current := map[qscene.ObjectID]bool{}
	for _, ids := range staged {
		for _, id := range ids {
			current[id] = true
		}
	}

	doomed := map[qscene.ObjectID]bool{}
	for _, id := range req.Supersede {
		if !current[id] {
			doomed[id] = true
		}
	}
	if req.Anchor.Key != "" {
		for _, o := range im.host.Objects() {
			if !current[o.ID] && o.Props[PropAnchor] == req.Anchor.Key {
				doomed[o.ID] = true
			}
		}
	}

	removed := 0
	var errs []error
	for _, o := range im.host.Objects() {
		if !doomed[o.ID] || doomed[o.Parent] {
			continue
		}
		if err := im.host.Remove(o.ID); err != nil && !errors.Is(err, qscene.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
