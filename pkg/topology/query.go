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
	"fmt"

	"github.com/containers/hwtopo/pkg/bitmap"
)

// Depth returns the number of levels in the topology.
func (t *Topology) Depth() int {
	return len(t.levels)
}

// TypeDepth returns the depth of objects of the given type, which is
// TypeDepthUnknown if there are none and TypeDepthMultiple if they are
// found at several depths.
func (t *Topology) TypeDepth(typ ObjType) int {
	if !typ.IsValid() {
		return TypeDepthUnknown
	}
	return t.typeDepth[typ]
}

// DepthType returns the type of objects at the given depth.
func (t *Topology) DepthType(depth int) (ObjType, bool) {
	if depth < 0 || depth >= len(t.levels) {
		return typeMax, false
	}
	return t.objs[t.levels[depth][0]].Type, true
}

// NbObjsByDepth returns the number of objects at the given depth.
func (t *Topology) NbObjsByDepth(depth int) int {
	if depth < 0 || depth >= len(t.levels) {
		return 0
	}
	return len(t.levels[depth])
}

// NbObjsByType returns the number of objects of the given type, or -1 if
// they are found at several depths.
func (t *Topology) NbObjsByType(typ ObjType) int {
	switch depth := t.TypeDepth(typ); depth {
	case TypeDepthUnknown:
		if typ == TypeMisc {
			return len(t.misc)
		}
		return 0
	case TypeDepthMultiple:
		return -1
	default:
		return t.NbObjsByDepth(depth)
	}
}

// ObjByDepth returns the object with the given logical index at a depth.
func (t *Topology) ObjByDepth(depth, idx int) *Object {
	if depth < 0 || depth >= len(t.levels) || idx < 0 || idx >= len(t.levels[depth]) {
		return nil
	}
	return t.objs[t.levels[depth][idx]]
}

// ObjByType returns the object with the given logical index among the
// objects of a type. It returns nil if the type is found at several depths.
func (t *Topology) ObjByType(typ ObjType, idx int) *Object {
	depth := t.TypeDepth(typ)
	if depth == TypeDepthUnknown && typ == TypeMisc {
		if idx < 0 || idx >= len(t.misc) {
			return nil
		}
		return t.objs[t.misc[idx]]
	}
	return t.ObjByDepth(depth, idx)
}

// ObjByOSIndex returns the object of the given type with the given OS
// index.
func (t *Topology) ObjByOSIndex(typ ObjType, osIndex int) (*Object, error) {
	if t.Root() == nil {
		return nil, ErrNotLoaded
	}
	if obj := t.objByOSIndex(typ, osIndex); obj != nil {
		return obj, nil
	}
	return nil, fmt.Errorf("%w: %s with OS index %d", ErrNoSuchObject, typ, osIndex)
}

// NextObjByDepth returns the object after prev at the given depth, or the
// first one if prev is nil.
func (t *Topology) NextObjByDepth(depth int, prev *Object) *Object {
	if prev == nil {
		return t.ObjByDepth(depth, 0)
	}
	if prev.depth != depth {
		return nil
	}
	return prev.NextCousin()
}

// NextObjByType returns the object after prev of the given type, or the
// first one if prev is nil.
func (t *Topology) NextObjByType(typ ObjType, prev *Object) *Object {
	if typ == TypeMisc {
		if prev == nil {
			return t.ObjByType(TypeMisc, 0)
		}
		return prev.NextCousin()
	}
	depth := t.TypeDepth(typ)
	if depth < 0 {
		return nil
	}
	return t.NextObjByDepth(depth, prev)
}

// ObjsByType returns all objects of the given type, in depth order.
func (t *Topology) ObjsByType(typ ObjType) []*Object {
	var objs []*Object
	if typ == TypeMisc {
		return t.MiscObjects()
	}
	for _, level := range t.levels {
		if t.objs[level[0]].Type != typ {
			continue
		}
		for _, id := range level {
			objs = append(objs, t.objs[id])
		}
	}
	return objs
}

// FirstLargestObjInsideCPUSet returns the first object included in set
// which has no ancestor included in set. If set contains processors that
// do not belong to any object, the lowest object covering them is returned.
func (t *Topology) FirstLargestObjInsideCPUSet(set *bitmap.Bitmap) *Object {
	obj := t.Root()
	if obj == nil || !obj.CPUSet.Intersects(set) {
		return nil
	}

	for !obj.CPUSet.IsIncluded(set) {
		var next *Object
		for _, child := range obj.Children() {
			if child.CPUSet.Intersects(set) {
				next = child
				break
			}
		}
		if next == nil {
			return obj
		}
		obj = next
	}

	return obj
}

// ObjsInsideCPUSet returns the largest objects which exactly cover set.
func (t *Topology) ObjsInsideCPUSet(set *bitmap.Bitmap) []*Object {
	root := t.Root()
	if root == nil {
		return nil
	}
	sub := root.CPUSet.And(set)
	if sub.IsZero() {
		return nil
	}
	return t.largestObjsInside(root, sub, nil)
}

func (t *Topology) largestObjsInside(obj *Object, set *bitmap.Bitmap, objs []*Object) []*Object {
	if obj.CPUSet.IsIncluded(set) {
		return append(objs, obj)
	}
	for _, child := range obj.Children() {
		if child.CPUSet == nil {
			continue
		}
		sub := set.And(child.CPUSet)
		if sub.IsZero() {
			continue
		}
		objs = t.largestObjsInside(child, sub, objs)
	}
	return objs
}

// NextObjInsideCPUSetByDepth returns the next object at depth after prev
// whose cpuset is included in set.
func (t *Topology) NextObjInsideCPUSetByDepth(set *bitmap.Bitmap, depth int, prev *Object) *Object {
	for obj := t.NextObjByDepth(depth, prev); obj != nil; obj = obj.NextCousin() {
		if !obj.CPUSet.IsZero() && obj.CPUSet.IsIncluded(set) {
			return obj
		}
	}
	return nil
}

// ObjCoveringCPUSet returns the lowest object whose cpuset includes set.
func (t *Topology) ObjCoveringCPUSet(set *bitmap.Bitmap) *Object {
	obj := t.Root()
	if obj == nil || set.IsZero() || !set.IsIncluded(obj.CPUSet) {
		return nil
	}

	for {
		var next *Object
		for _, child := range obj.Children() {
			if child.CPUSet != nil && set.IsIncluded(child.CPUSet) {
				next = child
				break
			}
		}
		if next == nil {
			return obj
		}
		obj = next
	}
}

// NextObjCoveringCPUSetByDepth returns the next object at depth after prev
// whose cpuset intersects set.
func (t *Topology) NextObjCoveringCPUSetByDepth(set *bitmap.Bitmap, depth int, prev *Object) *Object {
	for obj := t.NextObjByDepth(depth, prev); obj != nil; obj = obj.NextCousin() {
		if obj.CPUSet.Intersects(set) {
			return obj
		}
	}
	return nil
}

// CommonAncestor returns the lowest object which has both a and b in its
// subtree.
func (t *Topology) CommonAncestor(a, b *Object) *Object {
	if a == nil || b == nil {
		return nil
	}
	ancestors := map[ObjID]struct{}{}
	for o := a; o != nil; o = o.Parent() {
		ancestors[o.id] = struct{}{}
	}
	for o := b; o != nil; o = o.Parent() {
		if _, ok := ancestors[o.id]; ok {
			return o
		}
	}
	return nil
}

// IsInSubtree checks if obj is subtreeRoot or one of its descendants.
func (t *Topology) IsInSubtree(obj, subtreeRoot *Object) bool {
	for o := obj; o != nil; o = o.Parent() {
		if o == subtreeRoot {
			return true
		}
	}
	return false
}

// CPUSetToNodeSet returns the nodes near the processors in set. Without
// nodes, the nodeset of the root is returned for any non-empty set.
func (t *Topology) CPUSetToNodeSet(set *bitmap.Bitmap) *bitmap.Bitmap {
	nodes := t.ObjsByType(TypeNode)
	if len(nodes) == 0 {
		if set.IsZero() || t.Root() == nil {
			return bitmap.New()
		}
		return t.Root().NodeSet.Clone()
	}

	nodeset := bitmap.New()
	for _, n := range nodes {
		if n.CPUSet.Intersects(set) {
			nodeset.Set(n.OSIndex)
		}
	}
	return nodeset
}

// NodeSetToCPUSet returns the processors near the nodes in set. Without
// nodes, the cpuset of the root is returned for any non-empty set.
func (t *Topology) NodeSetToCPUSet(set *bitmap.Bitmap) *bitmap.Bitmap {
	nodes := t.ObjsByType(TypeNode)
	if len(nodes) == 0 {
		if set.IsZero() || t.Root() == nil {
			return bitmap.New()
		}
		return t.Root().CPUSet.Clone()
	}

	cpuset := bitmap.New()
	for _, n := range nodes {
		if set.IsSet(n.OSIndex) {
			cpuset.OrWith(n.CPUSet)
		}
	}
	return cpuset
}

func (t *Topology) rootSet(get func(*Object) *bitmap.Bitmap) *bitmap.Bitmap {
	if root := t.Root(); root != nil {
		return get(root).Clone()
	}
	return nil
}

// CompleteCPUSet returns all processors, including unusable ones.
func (t *Topology) CompleteCPUSet() *bitmap.Bitmap {
	return t.rootSet(func(o *Object) *bitmap.Bitmap { return o.CompleteCPUSet })
}

// TopologyCPUSet returns the processors found in the topology.
func (t *Topology) TopologyCPUSet() *bitmap.Bitmap {
	return t.rootSet(func(o *Object) *bitmap.Bitmap { return o.CPUSet })
}

// OnlineCPUSet returns the online processors.
func (t *Topology) OnlineCPUSet() *bitmap.Bitmap {
	return t.rootSet(func(o *Object) *bitmap.Bitmap { return o.OnlineCPUSet })
}

// AllowedCPUSet returns the processors the process may run on.
func (t *Topology) AllowedCPUSet() *bitmap.Bitmap {
	return t.rootSet(func(o *Object) *bitmap.Bitmap { return o.AllowedCPUSet })
}

// CompleteNodeSet returns all memory nodes, including unusable ones.
func (t *Topology) CompleteNodeSet() *bitmap.Bitmap {
	return t.rootSet(func(o *Object) *bitmap.Bitmap { return o.CompleteNodeSet })
}

// TopologyNodeSet returns the memory nodes found in the topology.
func (t *Topology) TopologyNodeSet() *bitmap.Bitmap {
	return t.rootSet(func(o *Object) *bitmap.Bitmap { return o.NodeSet })
}

// AllowedNodeSet returns the memory nodes the process may allocate from.
func (t *Topology) AllowedNodeSet() *bitmap.Bitmap {
	return t.rootSet(func(o *Object) *bitmap.Bitmap { return o.AllowedNodeSet })
}
