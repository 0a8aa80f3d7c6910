package qscene

import (
	"errors"
	"fmt"
	"strings"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// Node is a host-independent object tree, the unit stored in interchange
// files.
type Node struct {
	Name      string
	Transform Transform
	Mesh      *Mesh
	Props     map[string]string
	Children  []*Node
}

// NodeOf converts an object to a Node without children.
func NodeOf(o *Object) *Node {
	c := o.Clone()
	return &Node{Name: c.Name, Transform: c.Transform, Mesh: c.Mesh, Props: c.Props}
}

// Count returns the number of nodes in the tree rooted at n.
func (n *Node) Count() int {
	total := 1
	for _, c := range n.Children {
		total += c.Count()
	}
	return total
}

const extrasKey = "qmesh"

// WriteGLB writes roots as the scene of a binary glTF file. Procedural
// materials are not written.
func WriteGLB(path string, roots []*Node) error {
	w := &glbWriter{doc: gltf.NewDocument(), materials: map[string]uint32{}}
	for _, n := range roots {
		idx := w.node(n)
		w.doc.Scenes[0].Nodes = append(w.doc.Scenes[0].Nodes, idx)
	}
	if err := gltf.SaveBinary(w.doc, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

type glbWriter struct {
	doc       *gltf.Document
	materials map[string]uint32
}

func (w *glbWriter) node(n *Node) uint32 {
	t := n.Transform
	if t == (Transform{}) {
		t = Identity()
	}
	gn := &gltf.Node{
		Name:        n.Name,
		Translation: t.Translation,
		Rotation:    t.Rotation,
		Scale:       t.Scale,
	}
	if len(n.Props) > 0 {
		gn.Extras = map[string]any{extrasKey: n.Props}
	}
	if !n.Mesh.Empty() {
		gn.Mesh = gltf.Index(w.mesh(n.Name, n.Mesh))
	}

	idx := uint32(len(w.doc.Nodes))
	w.doc.Nodes = append(w.doc.Nodes, gn)
	for _, c := range n.Children {
		gn.Children = append(gn.Children, w.node(c))
	}
	return idx
}

func (w *glbWriter) mesh(name string, m *Mesh) uint32 {
	prim := &gltf.Primitive{
		Attributes: map[string]uint32{
			gltf.POSITION: modeler.WritePosition(w.doc, m.Positions),
		},
	}
	if len(m.Indices) > 0 {
		prim.Indices = gltf.Index(modeler.WriteIndices(w.doc, m.Indices))
	}
	if m.Material != nil && !m.Material.Procedural {
		prim.Material = gltf.Index(w.material(m.Material))
	}
	w.doc.Meshes = append(w.doc.Meshes, &gltf.Mesh{Name: name, Primitives: []*gltf.Primitive{prim}})
	return uint32(len(w.doc.Meshes) - 1)
}

func (w *glbWriter) material(mat *Material) uint32 {
	if idx, ok := w.materials[mat.Name]; ok && mat.Name != "" {
		return idx
	}
	w.doc.Materials = append(w.doc.Materials, &gltf.Material{
		Name:   mat.Name,
		Extras: map[string]any{extrasKey: map[string]any{"baseColor": mat.BaseColor[:]}},
	})
	idx := uint32(len(w.doc.Materials) - 1)
	w.materials[mat.Name] = idx
	return idx
}

// ReadGLB reads the default scene of a glTF file. Primitives of a mesh are
// merged into one triangle list.
func ReadGLB(path string) ([]*Node, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	r := &glbReader{doc: doc, visiting: map[uint32]bool{}}

	var roots []uint32
	scene := uint32(0)
	if doc.Scene != nil {
		scene = *doc.Scene
	}
	if int(scene) < len(doc.Scenes) {
		roots = doc.Scenes[scene].Nodes
	} else {
		roots = r.parentless()
	}

	out := make([]*Node, 0, len(roots))
	for _, idx := range roots {
		n, err := r.node(idx)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		out = append(out, n)
	}
	return out, nil
}

type glbReader struct {
	doc      *gltf.Document
	visiting map[uint32]bool
}

func (r *glbReader) parentless() []uint32 {
	child := make(map[uint32]bool)
	for _, n := range r.doc.Nodes {
		for _, c := range n.Children {
			child[c] = true
		}
	}
	var out []uint32
	for i := range r.doc.Nodes {
		if !child[uint32(i)] {
			out = append(out, uint32(i))
		}
	}
	return out
}

func (r *glbReader) node(idx uint32) (*Node, error) {
	if int(idx) >= len(r.doc.Nodes) {
		return nil, fmt.Errorf("node %d out of range", idx)
	}
	if r.visiting[idx] {
		return nil, fmt.Errorf("node %d is its own ancestor", idx)
	}
	r.visiting[idx] = true
	defer delete(r.visiting, idx)

	gn := r.doc.Nodes[idx]
	n := &Node{
		Name: gn.Name,
		Transform: Transform{
			Translation: gn.Translation,
			Rotation:    gn.Rotation,
			Scale:       gn.Scale,
		},
		Props: extrasProps(gn.Extras),
	}
	if n.Name == "" {
		n.Name = fmt.Sprintf("node_%d", idx)
	}
	if gn.Mesh != nil {
		m, err := r.mesh(*gn.Mesh)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		n.Mesh = m
	}
	for _, c := range gn.Children {
		child, err := r.node(c)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}

func (r *glbReader) mesh(idx uint32) (*Mesh, error) {
	if int(idx) >= len(r.doc.Meshes) {
		return nil, fmt.Errorf("mesh %d out of range", idx)
	}
	out := &Mesh{}
	for _, p := range r.doc.Meshes[idx].Primitives {
		pos, ok := p.Attributes[gltf.POSITION]
		if !ok {
			continue
		}
		positions, err := r.positions(pos)
		if err != nil {
			return nil, err
		}
		base := uint32(len(out.Positions))
		out.Positions = append(out.Positions, positions...)

		if p.Indices != nil {
			indices, err := r.indices(*p.Indices)
			if err != nil {
				return nil, err
			}
			for _, i := range indices {
				if int(i) >= len(positions) {
					return nil, fmt.Errorf("index %d out of range", i)
				}
				out.Indices = append(out.Indices, base+i)
			}
		} else {
			for i := range positions {
				out.Indices = append(out.Indices, base+uint32(i))
			}
		}
		if out.Material == nil && p.Material != nil && int(*p.Material) < len(r.doc.Materials) {
			out.Material = readMaterial(r.doc.Materials[*p.Material])
		}
	}
	return out, nil
}

func (r *glbReader) accessor(idx uint32) (*gltf.Accessor, error) {
	if int(idx) >= len(r.doc.Accessors) {
		return nil, fmt.Errorf("accessor %d out of range", idx)
	}
	return r.doc.Accessors[idx], nil
}

func (r *glbReader) positions(idx uint32) ([][3]float32, error) {
	acc, err := r.accessor(idx)
	if err != nil {
		return nil, err
	}
	// An accessor without data is all zeros.
	if acc.BufferView == nil && acc.Sparse == nil {
		if acc.Type != gltf.AccessorVec3 || acc.ComponentType != gltf.ComponentFloat {
			return nil, fmt.Errorf("accessor %d: positions must be float vec3", idx)
		}
		return make([][3]float32, acc.Count), nil
	}
	out, err := modeler.ReadPosition(r.doc, acc, nil)
	if err != nil {
		return nil, fmt.Errorf("accessor %d: positions: %w", idx, err)
	}
	return out, nil
}

func (r *glbReader) indices(idx uint32) ([]uint32, error) {
	acc, err := r.accessor(idx)
	if err != nil {
		return nil, err
	}
	if acc.BufferView == nil && acc.Sparse == nil {
		return make([]uint32, acc.Count), nil
	}
	out, err := modeler.ReadIndices(r.doc, acc, nil)
	if err != nil {
		return nil, fmt.Errorf("accessor %d: indices: %w", idx, err)
	}
	return out, nil
}

func readMaterial(gm *gltf.Material) *Material {
	mat := &Material{Name: gm.Name, BaseColor: [4]float32{1, 1, 1, 1}}
	ext, ok := gm.Extras.(map[string]any)
	if !ok {
		return mat
	}
	q, _ := ext[extrasKey].(map[string]any)
	if color, ok := q["baseColor"].([]any); ok && len(color) == 4 {
		for i, c := range color {
			if f, ok := c.(float64); ok {
				mat.BaseColor[i] = float32(f)
			}
		}
	}
	return mat
}

func extrasProps(extras any) map[string]string {
	ext, ok := extras.(map[string]any)
	if !ok {
		return nil
	}
	q, ok := ext[extrasKey].(map[string]any)
	if !ok {
		return nil
	}
	props := make(map[string]string, len(q))
	for k, v := range q {
		if s, ok := v.(string); ok {
			props[k] = s
		}
	}
	return props
}

// Instantiate creates the tree rooted at n in h, under parent or linked to
// coll. It returns the created ids, root first. Nothing is left behind on
// error.
func Instantiate(h Host, n *Node, parent ObjectID, coll CollectionID) ([]ObjectID, error) {
	var created []ObjectID
	var add func(n *Node, parent ObjectID, coll CollectionID) error
	add = func(n *Node, parent ObjectID, coll CollectionID) error {
		kind := KindEmpty
		if n.Mesh != nil {
			kind = KindMesh
		}
		o, err := h.AddObject(&Object{
			Name:       n.Name,
			Kind:       kind,
			Parent:     parent,
			Collection: coll,
			Transform:  n.Transform,
			Mesh:       n.Mesh,
			Props:      n.Props,
		})
		if err != nil {
			return fmt.Errorf("creating %q: %w", n.Name, err)
		}
		created = append(created, o.ID)
		for _, c := range n.Children {
			if err := add(c, o.ID, ""); err != nil {
				return err
			}
		}
		return nil
	}
	if err := add(n, parent, coll); err != nil {
		if len(created) > 0 {
			if rmErr := h.Remove(created[0]); rmErr != nil {
				err = errors.Join(err, rmErr)
			}
		}
		return nil, err
	}
	return created, nil
}

const (
	propCollection = "qmesh.collection"
	propHidden     = "qmesh.hidden"
)

// SaveGLB writes the whole scene to path. Collection membership and
// visibility are kept in node extras so LoadGLB can restore them.
func (m *Memory) SaveGLB(path string) error {
	var roots []*Node
	for _, o := range m.Objects() {
		if o.Parent != "" {
			continue
		}
		n, err := m.tree(o)
		if err != nil {
			return err
		}
		if o.Collection != "" {
			n.Props[propCollection] = m.collectionPath(o.Collection)
		}
		roots = append(roots, n)
	}
	return WriteGLB(path, roots)
}

func (m *Memory) tree(o *Object) (*Node, error) {
	n := NodeOf(o)
	if n.Props == nil {
		n.Props = map[string]string{}
	}
	if o.Hidden {
		n.Props[propHidden] = "true"
	}
	for _, id := range m.Children(o.ID) {
		c, err := m.Object(id)
		if err != nil {
			return nil, err
		}
		cn, err := m.tree(c)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, cn)
	}
	return n, nil
}

func (m *Memory) collectionPath(id CollectionID) string {
	var parts []string
	for id != "" {
		c, err := m.Collection(id)
		if err != nil {
			break
		}
		parts = append([]string{c.Name}, parts...)
		id = c.Parent
	}
	return strings.Join(parts, "/")
}

// DefaultCollection receives top-level objects loaded without a collection.
const DefaultCollection = "Collection"

// LoadGLB reads a scene written by SaveGLB, or any glTF file, into a new
// Memory host.
func LoadGLB(path string) (*Memory, error) {
	roots, err := ReadGLB(path)
	if err != nil {
		return nil, err
	}
	m := NewMemory()
	for _, n := range roots {
		collPath := n.Props[propCollection]
		if collPath == "" {
			collPath = DefaultCollection
		}
		coll, err := m.ensureCollectionPath(collPath)
		if err != nil {
			return nil, err
		}
		delete(n.Props, propCollection)
		ids, err := Instantiate(m, n, "", coll)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		for _, id := range ids {
			obj := m.objects[id]
			obj.Hidden = obj.Props[propHidden] == "true"
			delete(obj.Props, propHidden)
		}
		m.mu.Unlock()
	}
	return m, nil
}

func (m *Memory) ensureCollectionPath(path string) (CollectionID, error) {
	var parent CollectionID
	for _, name := range strings.Split(path, "/") {
		var found CollectionID
		for _, c := range m.Collections() {
			if c.Name == name && c.Parent == parent {
				found = c.ID
				break
			}
		}
		if found == "" {
			c, err := m.CreateCollection(name, parent)
			if err != nil {
				return "", err
			}
			found = c.ID
		}
		parent = found
	}
	return parent, nil
}
