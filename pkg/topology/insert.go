// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package topology

import (
	"errors"

	"github.com/containers/hwtopo/pkg/bitmap"
)

// ConflictReporter is called when an object can not be inserted because
// its sets conflict with those of an object already in the tree.
type ConflictReporter func(existing, obj *Object, reason string)

func logConflict(existing, obj *Object, reason string) {
	log.Error("can't insert %s (cpuset %s, nodeset %s) next to %s (cpuset %s, nodeset %s): %s",
		obj, obj.CPUSet, obj.NodeSet, existing, existing.CPUSet, existing.NodeSet, reason)
}

// InsertObjectByCPUSet inserts obj into the tree according to its cpuset,
// or its nodeset if it has no processors. The returned object represents
// obj in the tree: it is obj itself, or an existing object obj was merged
// into. Conflicts are reported and rejected with ErrStructuralConflict,
// leaving the tree unmodified.
func (t *Topology) InsertObjectByCPUSet(obj *Object) (*Object, error) {
	return t.insertObject(obj, t.reporter)
}

// InsertObjectByCPUSetQuiet is InsertObjectByCPUSet without reporting
// conflicts.
func (t *Topology) InsertObjectByCPUSetQuiet(obj *Object) (*Object, error) {
	return t.insertObject(obj, nil)
}

// InsertDiscovered inserts obj like InsertObjectByCPUSet, but drops obj
// and carries on if it conflicts with the objects already discovered.
// Backends use it for objects the tree can do without.
func (t *Topology) InsertDiscovered(obj *Object) error {
	_, err := t.InsertObjectByCPUSet(obj)
	if errors.Is(err, ErrStructuralConflict) {
		log.Warn("dropping %s: %v", obj, err)
		return nil
	}
	return err
}

func (t *Topology) insertObject(obj *Object, report ConflictReporter) (*Object, error) {
	if err := t.checkInsertable(obj); err != nil {
		return nil, err
	}

	inserted, err := t.insertUnder(t.Root(), obj, report)
	if err != nil {
		return nil, err
	}

	t.dirty = true
	return inserted, nil
}

// InsertObjectByParent appends obj as the last child of parent without
// looking at its sets. Reconnect must be called once the tree is complete.
func (t *Topology) InsertObjectByParent(parent, obj *Object) error {
	if err := t.checkInsertable(obj); err != nil {
		return err
	}
	if parent == nil || parent.topo != t || !parent.isAttached() {
		return invalidArgument("invalid parent %s for %s", parent, obj)
	}

	obj.parent = parent.id
	obj.siblingRank = len(parent.children)
	parent.children = append(parent.children, obj.id)
	t.dirty = true

	return nil
}

func (t *Topology) checkInsertable(obj *Object) error {
	switch {
	case obj == nil:
		return invalidArgument("can't insert nil object")
	case obj.topo != t:
		return invalidArgument("%s belongs to another topology", obj)
	case obj.isAttached():
		return invalidArgument("%s is already in the tree", obj)
	case len(obj.children) > 0:
		return invalidArgument("%s already has children", obj)
	case !obj.Type.IsValid():
		return invalidArgument("%s has an invalid type", obj)
	case t.Root() == nil:
		return ErrNotLoaded
	}
	return nil
}

// compareObjects classifies obj against an existing object. It compares
// cpusets, falling back to nodesets if either cpuset is empty. Objects with
// equal sets are ordered by type.
func compareObjects(obj, existing *Object) bitmap.Relation {
	var rel bitmap.Relation

	switch {
	case !obj.CPUSet.IsZero() && !existing.CPUSet.IsZero():
		rel = obj.CPUSet.Classify(existing.CPUSet)
	case !obj.NodeSet.IsZero() && !existing.NodeSet.IsZero():
		rel = obj.NodeSet.Classify(existing.NodeSet)
	default:
		return bitmap.Different
	}

	if rel != bitmap.Equal {
		return rel
	}

	switch typeCmp(obj, existing) {
	case typeDeeper:
		return bitmap.Included
	case typeHigher:
		return bitmap.Contains
	}

	if obj.Type == TypeMisc && obj.Name != existing.Name {
		return bitmap.Included
	}

	return bitmap.Equal
}

func (t *Topology) insertUnder(cur, obj *Object, report ConflictReporter) (*Object, error) {
	var (
		container *Object
		contained = map[ObjID]struct{}{}
	)

	conflict := func(existing *Object, reason string) error {
		if report != nil {
			report(existing, obj, reason)
		}
		return conflictError("%s: %s with %s", reason, obj, existing)
	}

	for _, id := range cur.children {
		child := t.objs[id]
		switch compareObjects(obj, child) {
		case bitmap.Equal:
			if err := mergeObjects(child, obj); err != nil {
				return nil, conflict(child, err.Error())
			}
			return child, nil
		case bitmap.Included:
			if container != nil {
				return nil, conflict(child, "included in several siblings")
			}
			container = child
		case bitmap.Contains:
			contained[id] = struct{}{}
		case bitmap.Intersects:
			return nil, conflict(child, "intersecting sets")
		}
	}

	if container != nil {
		return t.insertUnder(container, obj, report)
	}

	var (
		children = make([]ObjID, 0, len(cur.children)+1)
		placed   bool
	)
	for _, id := range cur.children {
		child := t.objs[id]
		if _, ok := contained[id]; ok {
			child.parent = obj.id
			obj.children = append(obj.children, id)
			continue
		}
		if !placed && compareFirstObjects(obj, child) < 0 {
			children = append(children, obj.id)
			placed = true
		}
		children = append(children, id)
	}
	if !placed {
		children = append(children, obj.id)
	}

	obj.parent = cur.id
	cur.children = children
	t.setSiblingRanks(cur)
	t.setSiblingRanks(obj)

	return obj, nil
}

// compareFirstObjects orders objects by the first index of their cpusets,
// or of their nodesets if either has no processors.
func compareFirstObjects(a, b *Object) int {
	if !a.CPUSet.IsZero() && !b.CPUSet.IsZero() {
		return bitmap.CompareFirst(a.CPUSet, b.CPUSet)
	}
	if c := bitmap.CompareFirst(a.NodeSet, b.NodeSet); c != 0 {
		return c
	}
	return bitmap.CompareFirst(a.CPUSet, b.CPUSet)
}

// mergeObjects merges obj into an existing object with the same sets and
// type. The first value set for an attribute wins.
func mergeObjects(existing, obj *Object) error {
	if existing.OSIndex >= 0 && obj.OSIndex >= 0 && existing.OSIndex != obj.OSIndex {
		return conflictError("OS index %d differs from %d", obj.OSIndex, existing.OSIndex)
	}
	if existing.OSLevel >= 0 && obj.OSLevel >= 0 && existing.OSLevel != obj.OSLevel {
		return conflictError("OS level %d differs from %d", obj.OSLevel, existing.OSLevel)
	}

	if existing.OSIndex < 0 {
		existing.OSIndex = obj.OSIndex
	}
	if existing.OSLevel < 0 {
		existing.OSLevel = obj.OSLevel
	}
	if existing.Name == "" {
		existing.Name = obj.Name
	}

	switch existing.Type {
	case TypeNode:
		if existing.Memory.LocalMemory == 0 {
			existing.Memory.LocalMemory = obj.Memory.LocalMemory
		} else if obj.Memory.LocalMemory != 0 && obj.Memory.LocalMemory != existing.Memory.LocalMemory {
			log.Warn("%s: ignoring local memory %d, already set to %d",
				existing, obj.Memory.LocalMemory, existing.Memory.LocalMemory)
		}
		if len(existing.Memory.PageTypes) == 0 {
			existing.Memory.PageTypes = obj.Memory.PageTypes
		}
	case TypeCache:
		if existing.Cache.Size == 0 {
			existing.Cache.Size = obj.Cache.Size
		} else if obj.Cache.Size != 0 && obj.Cache.Size != existing.Cache.Size {
			log.Warn("%s: ignoring cache size %d, already set to %d",
				existing, obj.Cache.Size, existing.Cache.Size)
		}
		if existing.Cache.LineSize == 0 {
			existing.Cache.LineSize = obj.Cache.LineSize
		}
	}

	mergeSet(&existing.CompleteCPUSet, obj.CompleteCPUSet)
	mergeSet(&existing.OnlineCPUSet, obj.OnlineCPUSet)
	mergeSet(&existing.AllowedCPUSet, obj.AllowedCPUSet)
	mergeSet(&existing.NodeSet, obj.NodeSet)
	mergeSet(&existing.CompleteNodeSet, obj.CompleteNodeSet)
	mergeSet(&existing.AllowedNodeSet, obj.AllowedNodeSet)

	for _, info := range obj.Infos {
		if _, ok := existing.GetInfo(info.Name); !ok {
			existing.AddInfo(info.Name, info.Value)
		}
	}

	return nil
}

func mergeSet(dst **bitmap.Bitmap, src *bitmap.Bitmap) {
	if *dst == nil && src != nil {
		*dst = src.Clone()
	}
}

func (t *Topology) setSiblingRanks(obj *Object) {
	for i, id := range obj.children {
		t.objs[id].siblingRank = i
	}
}

// removeObject splices obj out of the tree, putting its children in its
// place.
func (t *Topology) removeObject(obj *Object) {
	parent := obj.Parent()
	if parent == nil {
		return
	}

	children := make([]ObjID, 0, len(parent.children)+len(obj.children)-1)
	for _, id := range parent.children {
		if id != obj.id {
			children = append(children, id)
			continue
		}
		for _, cid := range obj.children {
			t.objs[cid].parent = parent.id
			children = append(children, cid)
		}
	}

	parent.children = children
	t.setSiblingRanks(parent)

	log.Debug("removed %s from %s", obj, parent)

	obj.parent = NoObject
	obj.children = nil
	obj.depth = TypeDepthUnknown
	obj.logicalIndex = -1
	t.dirty = true
}

// Reconnect recomputes sibling ranks and levels after insertions by parent.
func (t *Topology) Reconnect() error {
	if t.Root() == nil {
		return ErrNotLoaded
	}
	t.connectChildren(t.Root())
	return t.connectLevels()
}
