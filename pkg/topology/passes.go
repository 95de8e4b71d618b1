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
	"github.com/containers/hwtopo/pkg/bitmap"
)

// postProcess restores the invariants of a freshly discovered tree. The
// passes depend on each other and run in a fixed order.
func (t *Topology) postProcess() error {
	root := t.Root()

	t.collectCPUSets()
	t.propagateCPUSets()
	t.propagateNodeSets()

	if t.flags&FlagWholeSystem == 0 {
		t.removeUnusedBits(root)
		t.dropDisallowedMemory(root)
	}

	if err := t.removeEmpty(); err != nil {
		return err
	}
	t.removeIgnored(root)
	t.mergeUseless(root)
	t.propagateTotalMemory(root)
	t.connectChildren(root)

	if err := t.connectLevels(); err != nil {
		return err
	}

	t.finalizeDistances()

	return nil
}

// walk calls fn for obj and each of its descendants, parents first.
func (t *Topology) walk(obj *Object, fn func(*Object)) {
	fn(obj)
	for _, id := range obj.children {
		t.walk(t.objs[id], fn)
	}
}

// walkPostOrder calls fn for the descendants of obj, children first, then
// for obj itself. fn may remove the object it is called with.
func (t *Topology) walkPostOrder(obj *Object, fn func(*Object)) {
	for _, id := range append([]ObjID{}, obj.children...) {
		t.walkPostOrder(t.objs[id], fn)
	}
	fn(obj)
}

// collectCPUSets sets the cpuset of the root to the union of all PUs.
func (t *Topology) collectCPUSets() {
	root := t.Root()
	cpus := bitmap.New()
	t.walk(root, func(obj *Object) {
		if obj.Type == TypePU && obj.CPUSet != nil {
			cpus.OrWith(obj.CPUSet)
		}
	})
	root.CPUSet = cpus
}

// propagateCPUSets fills in the complete, online and allowed cpusets of
// all objects. Offline or disallowed processors found in descendants are
// first removed from the root, then the root sets are pushed down.
func (t *Topology) propagateCPUSets() {
	root := t.Root()

	if root.CompleteCPUSet == nil {
		root.CompleteCPUSet = root.CPUSet.Clone()
	} else {
		root.CompleteCPUSet.OrWith(root.CPUSet)
	}
	if root.OnlineCPUSet == nil {
		root.OnlineCPUSet = root.CPUSet.Clone()
	}
	if root.AllowedCPUSet == nil {
		root.AllowedCPUSet = root.CPUSet.Clone()
	}

	t.walk(root, func(obj *Object) {
		if obj == root || obj.CPUSet == nil {
			return
		}
		if obj.OnlineCPUSet != nil {
			root.OnlineCPUSet.AndWith(obj.CPUSet.Not().Or(obj.OnlineCPUSet))
		}
		if obj.AllowedCPUSet != nil {
			root.AllowedCPUSet.AndWith(obj.CPUSet.Not().Or(obj.AllowedCPUSet))
		}
	})

	root.OnlineCPUSet.AndWith(root.CompleteCPUSet)
	root.AllowedCPUSet.AndWith(root.CompleteCPUSet)

	for _, id := range root.children {
		t.propagateCPUSetsDown(root, t.objs[id])
	}
}

func (t *Topology) propagateCPUSetsDown(parent, obj *Object) {
	if obj.CPUSet != nil {
		if obj.CompleteCPUSet == nil {
			obj.CompleteCPUSet = obj.CPUSet.Clone()
		} else {
			obj.CompleteCPUSet.OrWith(obj.CPUSet)
		}
		obj.CompleteCPUSet.AndWith(parent.CompleteCPUSet)

		if obj.OnlineCPUSet == nil {
			obj.OnlineCPUSet = parent.OnlineCPUSet.And(obj.CompleteCPUSet)
		} else {
			obj.OnlineCPUSet.AndWith(parent.OnlineCPUSet)
			obj.OnlineCPUSet.AndWith(obj.CompleteCPUSet)
		}

		if obj.AllowedCPUSet == nil {
			obj.AllowedCPUSet = parent.AllowedCPUSet.And(obj.CompleteCPUSet)
		} else {
			obj.AllowedCPUSet.AndWith(parent.AllowedCPUSet)
			obj.AllowedCPUSet.AndWith(obj.CompleteCPUSet)
		}

		parent = obj
	}

	for _, id := range obj.children {
		t.propagateCPUSetsDown(parent, t.objs[id])
	}
}

// propagateNodeSets fills in the nodesets of all objects. Ancestors of
// nodes get the union of their descendants' nodesets, other objects the
// nodeset of their parent. Without any node the whole machine is node 0.
func (t *Topology) propagateNodeSets() {
	root := t.Root()

	hasNodes := false
	t.walk(root, func(obj *Object) {
		if obj.Type == TypeNode {
			hasNodes = true
		}
	})

	if !hasNodes {
		root.NodeSet = bitmap.NewFromIDs(0)
		root.CompleteNodeSet = bitmap.NewFromIDs(0)
		root.AllowedNodeSet = bitmap.NewFromIDs(0)
	} else {
		t.collectNodeSets(root)
		if root.CompleteNodeSet == nil {
			root.CompleteNodeSet = root.NodeSet.Clone()
		} else {
			root.CompleteNodeSet.OrWith(root.NodeSet)
		}
		if root.AllowedNodeSet == nil {
			root.AllowedNodeSet = root.CompleteNodeSet.Clone()
		} else {
			root.AllowedNodeSet.AndWith(root.CompleteNodeSet)
		}
	}

	for _, id := range root.children {
		t.propagateNodeSetsDown(root, t.objs[id])
	}
}

// collectNodeSets sets the nodeset of each object to include the nodesets
// of its descendants.
func (t *Topology) collectNodeSets(obj *Object) *bitmap.Bitmap {
	for _, id := range obj.children {
		child := t.collectNodeSets(t.objs[id])
		if child.IsZero() {
			continue
		}
		if obj.NodeSet == nil {
			obj.NodeSet = bitmap.New()
		}
		obj.NodeSet.OrWith(child)
	}
	return obj.NodeSet
}

func (t *Topology) propagateNodeSetsDown(parent, obj *Object) {
	if obj.NodeSet.IsZero() {
		obj.NodeSet = parent.NodeSet.Clone()
	}

	if obj.CompleteNodeSet == nil {
		obj.CompleteNodeSet = obj.NodeSet.Clone()
	} else {
		obj.CompleteNodeSet.OrWith(obj.NodeSet)
	}
	obj.CompleteNodeSet.AndWith(parent.CompleteNodeSet)

	if obj.AllowedNodeSet == nil {
		obj.AllowedNodeSet = parent.AllowedNodeSet.And(obj.CompleteNodeSet)
	} else {
		obj.AllowedNodeSet.AndWith(parent.AllowedNodeSet)
		obj.AllowedNodeSet.AndWith(obj.CompleteNodeSet)
	}

	for _, id := range obj.children {
		t.propagateNodeSetsDown(obj, t.objs[id])
	}
}

// removeUnusedBits restricts sets to the processors that are online and
// allowed and to the nodes that are allowed.
func (t *Topology) removeUnusedBits(obj *Object) {
	t.walk(obj, func(o *Object) {
		if o.CPUSet != nil {
			if o.OnlineCPUSet != nil {
				o.CPUSet.AndWith(o.OnlineCPUSet)
			}
			if o.AllowedCPUSet != nil {
				o.CPUSet.AndWith(o.AllowedCPUSet)
			}
		}
		if o.NodeSet != nil && o.AllowedNodeSet != nil {
			o.NodeSet.AndWith(o.AllowedNodeSet)
		}
	})
}

// dropDisallowedMemory clears the memory of nodes which are not allowed.
func (t *Topology) dropDisallowedMemory(obj *Object) {
	allowed := t.Root().AllowedNodeSet
	t.walk(obj, func(o *Object) {
		if o.Type != TypeNode {
			return
		}
		if o.OSIndex >= 0 && allowed.IsSet(o.OSIndex) {
			return
		}
		if o.OSIndex < 0 && o.NodeSet.Intersects(allowed) {
			return
		}
		if o.Memory.LocalMemory != 0 {
			log.Debug("dropping memory of disallowed %s", o)
		}
		o.Memory.LocalMemory = 0
		o.Memory.TotalMemory = 0
		for i := range o.Memory.PageTypes {
			o.Memory.PageTypes[i].Count = 0
		}
	})
}

// removeEmpty removes objects with no processors left, except nodes and
// objects which never had a cpuset. It fails if the root itself is empty.
func (t *Topology) removeEmpty() error {
	root := t.Root()
	t.walkPostOrder(root, func(obj *Object) {
		if obj == root || obj.Type == TypeNode || obj.CPUSet == nil {
			return
		}
		if obj.CPUSet.IsZero() {
			t.removeObject(obj)
		}
	})

	if root.CPUSet.IsZero() {
		return ErrEmptyTopology
	}
	return nil
}

// removeIgnored removes objects whose type is always ignored.
func (t *Topology) removeIgnored(obj *Object) {
	root := t.Root()
	t.walkPostOrder(obj, func(o *Object) {
		if o != root && t.ignore[o.Type] == IgnoreAlways {
			t.removeObject(o)
		}
	})
}

// mergeUseless removes an object or its only child if the object adds no
// structure and the type of either one is ignored while keeping structure.
// The parent is removed in preference to the child, but the root never is.
func (t *Topology) mergeUseless(obj *Object) {
	for _, id := range append([]ObjID{}, obj.children...) {
		t.mergeUseless(t.objs[id])
	}

	if len(obj.children) != 1 {
		return
	}

	child := t.objs[obj.children[0]]
	switch {
	case obj != t.Root() && t.ignore[obj.Type] == IgnoreKeepStructure:
		t.removeObject(obj)
	case t.ignore[child.Type] == IgnoreKeepStructure:
		t.removeObject(child)
	}
}

// propagateTotalMemory sums the local memory of each subtree.
func (t *Topology) propagateTotalMemory(obj *Object) uint64 {
	total := obj.Memory.LocalMemory
	for _, id := range obj.children {
		total += t.propagateTotalMemory(t.objs[id])
	}
	obj.Memory.TotalMemory = total
	return total
}
