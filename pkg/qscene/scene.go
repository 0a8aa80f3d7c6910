// Package qscene models the host scene graph that runs export from and import
// into. Host is the contract the exporter and importer call; Memory is the
// in-process implementation backing the CLI and the daemon.
package qscene

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
)

// ErrNotFound is returned when an object or collection does not exist.
var ErrNotFound = errors.New("not found")

type ObjectID string

type CollectionID string

// Kind is the type of a scene object.
type Kind string

const (
	KindMesh  Kind = "mesh"
	KindEmpty Kind = "empty"
	KindLight Kind = "light"
	KindCurve Kind = "curve"
)

// Material is the surface description attached to a mesh.
type Material struct {
	Name      string
	BaseColor [4]float32
	// Procedural materials are node graphs with no image or factor
	// representation; they cannot be carried by the interchange file.
	Procedural bool
}

// Mesh is triangle geometry.
type Mesh struct {
	Positions [][3]float32
	Indices   []uint32
	Material  *Material
}

// Empty reports whether the mesh has no triangles.
func (m *Mesh) Empty() bool {
	return m == nil || len(m.Positions) == 0 || (len(m.Indices) > 0 && len(m.Indices) < 3)
}

// Transform is a local TRS transform.
type Transform struct {
	Translation [3]float32
	Rotation    [4]float32
	Scale       [3]float32
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{Rotation: [4]float32{0, 0, 0, 1}, Scale: [3]float32{1, 1, 1}}
}

// Object is a node of the host scene.
type Object struct {
	ID         ObjectID
	Name       string
	Kind       Kind
	Parent     ObjectID
	Collection CollectionID
	Hidden     bool
	Transform  Transform
	Mesh       *Mesh
	Props      map[string]string
}

// Clone returns a deep copy of o.
func (o *Object) Clone() *Object {
	c := *o
	if o.Mesh != nil {
		m := *o.Mesh
		m.Positions = slices.Clone(o.Mesh.Positions)
		m.Indices = slices.Clone(o.Mesh.Indices)
		if o.Mesh.Material != nil {
			mat := *o.Mesh.Material
			m.Material = &mat
		}
		c.Mesh = &m
	}
	if o.Props != nil {
		c.Props = make(map[string]string, len(o.Props))
		for k, v := range o.Props {
			c.Props[k] = v
		}
	}
	return &c
}

// Collection groups objects.
type Collection struct {
	ID     CollectionID
	Name   string
	Parent CollectionID
}

// Host is the scene API consumed by export and import. Objects and
// collections returned are copies; mutation goes through the methods.
type Host interface {
	Object(id ObjectID) (*Object, error)
	Objects() []*Object
	Children(id ObjectID) []ObjectID
	Collection(id CollectionID) (*Collection, error)

	// CreateCollection creates a collection under parent, or at the top
	// level when parent is empty.
	CreateCollection(name string, parent CollectionID) (*Collection, error)
	// AddObject creates an object from o, ignoring o.ID. The object is
	// detached unless o.Parent or o.Collection is set. Names are made
	// unique; the created object is returned.
	AddObject(o *Object) (*Object, error)
	// Link attaches an object to a collection.
	Link(id ObjectID, coll CollectionID) error
	// Rename renames an object and returns the name it actually got.
	Rename(id ObjectID, name string) (string, error)
	// Remove deletes an object and its descendants.
	Remove(id ObjectID) error
	SetHidden(id ObjectID, hidden bool) error
}

// Anchor is where the results of a run are placed.
type Anchor struct {
	// Key identifies the source selection. Runs on the same selection
	// share it.
	Key          string       `json:"key"`
	CollectionID CollectionID `json:"collectionId"`
	// Name is used for the collection created when CollectionID no longer
	// exists at import time.
	Name string `json:"name"`
}

// AnchorFor computes the anchor of a selection: the collection of the first
// selected object.
func AnchorFor(h Host, ids []ObjectID) (Anchor, error) {
	if len(ids) == 0 {
		return Anchor{}, errors.New("empty selection")
	}
	first, err := h.Object(ids[0])
	if err != nil {
		return Anchor{}, fmt.Errorf("object %s: %w", ids[0], err)
	}
	coll := collectionOf(h, first)

	name := first.Name
	if len(ids) > 1 {
		name = "selection"
		if c, err := h.Collection(coll); err == nil {
			name = c.Name
		}
	}
	return Anchor{Key: AnchorKey(coll, ids), CollectionID: coll, Name: name}, nil
}

// collectionOf walks up the parents to the first linked collection.
func collectionOf(h Host, o *Object) CollectionID {
	seen := map[ObjectID]bool{}
	for o != nil && !seen[o.ID] {
		if o.Collection != "" {
			return o.Collection
		}
		seen[o.ID] = true
		if o.Parent == "" {
			break
		}
		p, err := h.Object(o.Parent)
		if err != nil {
			break
		}
		o = p
	}
	return ""
}

// AnchorKey is a stable hash of a collection and a set of object ids.
func AnchorKey(coll CollectionID, ids []ObjectID) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	h := sha1.New()
	h.Write([]byte(coll))
	for _, id := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
