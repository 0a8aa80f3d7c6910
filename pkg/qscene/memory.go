package qscene

import (
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-process Host. Object names are unique across the scene;
// clashes get a numeric suffix the way authoring tools do (Cube, Cube.001).
type Memory struct {
	mu          sync.RWMutex
	seq         int
	objects     map[ObjectID]*Object
	order       []ObjectID
	collections map[CollectionID]*Collection
	corder      []CollectionID
}

var _ Host = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		objects:     map[ObjectID]*Object{},
		collections: map[CollectionID]*Collection{},
	}
}

func (m *Memory) Object(id ObjectID) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[id]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

func (m *Memory) Objects() []*Object {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Object, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.objects[id].Clone())
	}
	return out
}

// FindByName returns the object named name.
func (m *Memory) FindByName(name string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if o := m.objects[id]; o.Name == name {
			return o.Clone(), nil
		}
	}
	return nil, fmt.Errorf("object %q: %w", name, ErrNotFound)
}

func (m *Memory) Children(id ObjectID) []ObjectID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.children(id)
}

func (m *Memory) children(id ObjectID) []ObjectID {
	var out []ObjectID
	for _, cid := range m.order {
		if m.objects[cid].Parent == id {
			out = append(out, cid)
		}
	}
	return out
}

func (m *Memory) Collection(id CollectionID) (*Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[id]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// Collections returns every collection in creation order.
func (m *Memory) Collections() []*Collection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Collection, 0, len(m.corder))
	for _, id := range m.corder {
		cp := *m.collections[id]
		out = append(out, &cp)
	}
	return out
}

// FindCollection returns the collection named name.
func (m *Memory) FindCollection(name string) (*Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.corder {
		if c := m.collections[id]; c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("collection %q: %w", name, ErrNotFound)
}

// CollectionObjects returns the objects linked directly to coll.
func (m *Memory) CollectionObjects(coll CollectionID) []ObjectID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObjectID
	for _, id := range m.order {
		if m.objects[id].Collection == coll {
			out = append(out, id)
		}
	}
	return out
}

func (m *Memory) CreateCollection(name string, parent CollectionID) (*Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if parent != "" {
		if _, ok := m.collections[parent]; !ok {
			return nil, fmt.Errorf("collection %s: %w", parent, ErrNotFound)
		}
	}
	if strings.TrimSpace(name) == "" {
		name = "Collection"
	}
	m.seq++
	c := &Collection{
		ID:     CollectionID(fmt.Sprintf("c%d", m.seq)),
		Name:   m.uniqueCollectionName(name),
		Parent: parent,
	}
	m.collections[c.ID] = c
	m.corder = append(m.corder, c.ID)
	cp := *c
	return &cp, nil
}

// RemoveCollection deletes a collection, its child collections and every
// object linked to them.
func (m *Memory) RemoveCollection(id CollectionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[id]; !ok {
		return fmt.Errorf("collection %s: %w", id, ErrNotFound)
	}
	doomed := map[CollectionID]bool{id: true}
	for changed := true; changed; {
		changed = false
		for _, cid := range m.corder {
			c := m.collections[cid]
			if !doomed[cid] && doomed[c.Parent] {
				doomed[cid] = true
				changed = true
			}
		}
	}
	for _, oid := range append([]ObjectID(nil), m.order...) {
		if o, ok := m.objects[oid]; ok && doomed[o.Collection] {
			m.remove(oid)
		}
	}
	kept := m.corder[:0]
	for _, cid := range m.corder {
		if doomed[cid] {
			delete(m.collections, cid)
			continue
		}
		kept = append(kept, cid)
	}
	m.corder = kept
	return nil
}

func (m *Memory) AddObject(o *Object) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Parent != "" {
		if _, ok := m.objects[o.Parent]; !ok {
			return nil, fmt.Errorf("parent %s: %w", o.Parent, ErrNotFound)
		}
	}
	if o.Collection != "" {
		if _, ok := m.collections[o.Collection]; !ok {
			return nil, fmt.Errorf("collection %s: %w", o.Collection, ErrNotFound)
		}
	}
	obj := o.Clone()
	m.seq++
	obj.ID = ObjectID(fmt.Sprintf("o%d", m.seq))
	if obj.Kind == "" {
		obj.Kind = KindEmpty
		if obj.Mesh != nil {
			obj.Kind = KindMesh
		}
	}
	if obj.Transform == (Transform{}) {
		obj.Transform = Identity()
	}
	obj.Name = m.uniqueObjectName(obj.Name, "")
	m.objects[obj.ID] = obj
	m.order = append(m.order, obj.ID)
	return obj.Clone(), nil
}

func (m *Memory) Link(id ObjectID, coll CollectionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[id]
	if !ok {
		return fmt.Errorf("object %s: %w", id, ErrNotFound)
	}
	if _, ok := m.collections[coll]; !ok {
		return fmt.Errorf("collection %s: %w", coll, ErrNotFound)
	}
	o.Collection = coll
	return nil
}

func (m *Memory) Rename(id ObjectID, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[id]
	if !ok {
		return "", fmt.Errorf("object %s: %w", id, ErrNotFound)
	}
	o.Name = m.uniqueObjectName(name, id)
	return o.Name, nil
}

func (m *Memory) Remove(id ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id]; !ok {
		return fmt.Errorf("object %s: %w", id, ErrNotFound)
	}
	m.remove(id)
	return nil
}

func (m *Memory) remove(id ObjectID) {
	for _, c := range m.children(id) {
		m.remove(c)
	}
	delete(m.objects, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Memory) SetHidden(id ObjectID, hidden bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[id]
	if !ok {
		return fmt.Errorf("object %s: %w", id, ErrNotFound)
	}
	o.Hidden = hidden
	return nil
}

func (m *Memory) uniqueObjectName(name string, self ObjectID) string {
	if name == "" {
		name = "Object"
	}
	taken := func(n string) bool {
		for id, o := range m.objects {
			if id != self && o.Name == n {
				return true
			}
		}
		return false
	}
	return uniqueName(name, taken)
}

func (m *Memory) uniqueCollectionName(name string) string {
	taken := func(n string) bool {
		for _, c := range m.collections {
			if c.Name == n {
				return true
			}
		}
		return false
	}
	return uniqueName(name, taken)
}

func uniqueName(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	for i := 1; ; i++ {
		if n := fmt.Sprintf("%s.%03d", name, i); !taken(n) {
			return n
		}
	}
}
