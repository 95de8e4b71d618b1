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
	"strconv"

	"github.com/containers/hwtopo/pkg/bitmap"
)

// ObjID identifies an object within its topology.
type ObjID int

// NoObject is the ObjID of a missing object.
const NoObject ObjID = -1

// CacheAttr describes a cache.
type CacheAttr struct {
	// Depth is the cache level, 1 for L1.
	Depth int
	// Size is the cache size in bytes.
	Size uint64
	// LineSize is the cache line size in bytes.
	LineSize int
}

// GroupAttr describes a group.
type GroupAttr struct {
	// Depth of the group, 0 for the topmost groups.
	Depth int
}

// PageType is the size and number of pages of one kind in a memory node.
type PageType struct {
	Size  uint64
	Count uint64
}

// MemoryAttr describes the memory attached to an object.
type MemoryAttr struct {
	// LocalMemory is the amount of memory in bytes directly in this object.
	LocalMemory uint64
	// TotalMemory is the amount of memory in bytes in the whole subtree.
	TotalMemory uint64
	// PageTypes lists the supported page sizes.
	PageTypes []PageType
}

// Info is a name/value annotation of an object.
type Info struct {
	Name  string
	Value string
}

// Object is a node in the topology tree.
type Object struct {
	// Type of the object.
	Type ObjType
	// OSIndex is the OS-provided physical index, -1 if unknown.
	OSIndex int
	// OSLevel is the OS-provided level, -1 if unknown.
	OSLevel int
	// Name of the object, if any.
	Name string

	// CPUSet is the set of processors covered by this object.
	CPUSet *bitmap.Bitmap
	// CompleteCPUSet also includes processors which are not usable.
	CompleteCPUSet *bitmap.Bitmap
	// OnlineCPUSet is the set of online processors of this object.
	OnlineCPUSet *bitmap.Bitmap
	// AllowedCPUSet is the set of processors the process may use.
	AllowedCPUSet *bitmap.Bitmap

	// NodeSet is the set of memory nodes near this object.
	NodeSet *bitmap.Bitmap
	// CompleteNodeSet also includes memory nodes which are not usable.
	CompleteNodeSet *bitmap.Bitmap
	// AllowedNodeSet is the set of memory nodes the process may use.
	AllowedNodeSet *bitmap.Bitmap

	Cache  CacheAttr
	Group  GroupAttr
	Memory MemoryAttr
	Infos  []Info

	// Distances lists the distance matrices among descendants.
	Distances []*Distances

	id           ObjID
	topo         *Topology
	parent       ObjID
	children     []ObjID
	siblingRank  int
	depth        int
	logicalIndex int
	nextCousin   ObjID
	prevCousin   ObjID
}

// Distances is a matrix of relative latencies between the descendants of
// an object at a given depth below it.
type Distances struct {
	// RelativeDepth is the depth of the objects relative to the owner.
	RelativeDepth int
	// NbObjs is the number of objects in the matrix.
	NbObjs int
	// Latency holds NbObjs*NbObjs values normalized by LatencyBase,
	// indexed by the logical index of the objects within the owner.
	Latency []float32
	// LatencyMax is the largest normalized value in the matrix.
	LatencyMax float32
	// LatencyBase is the value normalized latencies are multiplied with.
	LatencyBase float32
}

// LatencyBetween returns the normalized latency from object i to j.
func (d *Distances) LatencyBetween(i, j int) float32 {
	if i < 0 || j < 0 || i >= d.NbObjs || j >= d.NbObjs {
		return 0
	}
	return d.Latency[i*d.NbObjs+j]
}

// AllocObject creates an object which does not yet belong to the tree.
func (t *Topology) AllocObject(typ ObjType, osIndex int) *Object {
	obj := &Object{
		Type:         typ,
		OSIndex:      osIndex,
		OSLevel:      -1,
		id:           ObjID(len(t.objs)),
		topo:         t,
		parent:       NoObject,
		depth:        TypeDepthUnknown,
		logicalIndex: -1,
		nextCousin:   NoObject,
		prevCousin:   NoObject,
	}
	t.objs = append(t.objs, obj)
	return obj
}

// ID returns the arena handle of the object.
func (o *Object) ID() ObjID {
	return o.id
}

// Topology returns the topology the object belongs to.
func (o *Object) Topology() *Topology {
	return o.topo
}

func (o *Object) get(id ObjID) *Object {
	if id == NoObject || o.topo == nil {
		return nil
	}
	return o.topo.Object(id)
}

// Parent returns the parent of the object, nil for the root.
func (o *Object) Parent() *Object {
	return o.get(o.parent)
}

// Arity returns the number of children.
func (o *Object) Arity() int {
	return len(o.children)
}

// Children returns the children of the object in order.
func (o *Object) Children() []*Object {
	children := make([]*Object, 0, len(o.children))
	for _, id := range o.children {
		children = append(children, o.get(id))
	}
	return children
}

// Child returns the child with the given index.
func (o *Object) Child(idx int) *Object {
	if idx < 0 || idx >= len(o.children) {
		return nil
	}
	return o.get(o.children[idx])
}

// FirstChild returns the first child, if any.
func (o *Object) FirstChild() *Object {
	return o.Child(0)
}

// LastChild returns the last child, if any.
func (o *Object) LastChild() *Object {
	return o.Child(len(o.children) - 1)
}

// SiblingRank returns the index of the object among its siblings.
func (o *Object) SiblingRank() int {
	return o.siblingRank
}

// NextSibling returns the next child of the same parent.
func (o *Object) NextSibling() *Object {
	if p := o.Parent(); p != nil {
		return p.Child(o.siblingRank + 1)
	}
	return nil
}

// PrevSibling returns the previous child of the same parent.
func (o *Object) PrevSibling() *Object {
	if p := o.Parent(); p != nil {
		return p.Child(o.siblingRank - 1)
	}
	return nil
}

// NextCousin returns the next object at the same depth.
func (o *Object) NextCousin() *Object {
	return o.get(o.nextCousin)
}

// PrevCousin returns the previous object at the same depth.
func (o *Object) PrevCousin() *Object {
	return o.get(o.prevCousin)
}

// Depth returns the level of the object, TypeDepthUnknown for objects
// outside the level structure.
func (o *Object) Depth() int {
	return o.depth
}

// LogicalIndex returns the index of the object within its level.
func (o *Object) LogicalIndex() int {
	return o.logicalIndex
}

// AddInfo adds a name/value annotation.
func (o *Object) AddInfo(name, value string) {
	o.Infos = append(o.Infos, Info{Name: name, Value: value})
}

// GetInfo returns the value of the first annotation with the given name.
func (o *Object) GetInfo(name string) (string, bool) {
	for _, i := range o.Infos {
		if i.Name == name {
			return i.Value, true
		}
	}
	return "", false
}

// TypeString returns the type of the object, qualified with its cache
// level or group depth where applicable.
func (o *Object) TypeString() string {
	switch o.Type {
	case TypeCache:
		return "L" + strconv.Itoa(o.Cache.Depth) + "Cache"
	case TypeGroup:
		return "Group" + strconv.Itoa(o.Group.Depth)
	}
	return o.Type.String()
}

// String returns a short description of the object.
func (o *Object) String() string {
	if o == nil {
		return "<nil>"
	}
	idx := o.logicalIndex
	if idx < 0 {
		idx = o.OSIndex
	}
	s := o.TypeString() + "#" + strconv.Itoa(idx)
	if o.Name != "" {
		s += fmt.Sprintf("(%s)", o.Name)
	}
	return s
}

// isAttached checks if the object is part of the tree.
func (o *Object) isAttached() bool {
	return o.parent != NoObject || (o.topo != nil && o.topo.root == o.id)
}
