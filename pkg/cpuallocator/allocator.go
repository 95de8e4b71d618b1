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

package cpuallocator

import (
	"fmt"
	"sort"

	"github.com/containers/hwtopo/pkg/bitmap"
	logger "github.com/containers/hwtopo/pkg/log"
	"github.com/containers/hwtopo/pkg/topology"
)

// AllocFlag represents CPU allocation preferences.
type AllocFlag uint

const (
	// AllocIdleNodes requests allocation of full idle NUMA nodes.
	AllocIdleNodes AllocFlag = 1 << iota
	// AllocIdleSockets requests allocation of full idle sockets.
	AllocIdleSockets
	// AllocIdleCaches requests allocation of full idle caches, largest level first.
	AllocIdleCaches
	// AllocIdleCores requests allocation of full idle cores (all threads in core).
	AllocIdleCores

	// AllocDefault is the default allocation preferences.
	AllocDefault = AllocIdleNodes | AllocIdleSockets | AllocIdleCaches | AllocIdleCores

	logSource = "cpuallocator"
)

// allocatorHelper encapsulates state for allocating CPUs.
type allocatorHelper struct {
	logger.Logger                    // allocatorHelper logger instance
	topo          *topology.Topology // topology to allocate by
	flags         AllocFlag          // allocation preferences
	from          *bitmap.Bitmap     // set of CPUs to allocate from
	cnt           int                // number of CPUs to allocate
	result        *bitmap.Bitmap     // set of CPUs allocated
}

// CPUAllocator allocates CPUs keeping allocations topologically compact.
type CPUAllocator interface {
	AllocateCpus(from *bitmap.Bitmap, cnt int, options ...Option) (*bitmap.Bitmap, error)
	ReleaseCpus(from *bitmap.Bitmap, cnt int, options ...Option) (*bitmap.Bitmap, error)
}

// Option is an option for a CPU allocation or release.
type Option func(*allocatorHelper) error

// WithAllocFlags sets the allocation flags for the allocation.
func WithAllocFlags(flags AllocFlag) Option {
	return func(a *allocatorHelper) error {
		a.flags = flags
		return nil
	}
}

type cpuAllocator struct {
	logger.Logger
	topo *topology.Topology
}

var log = logger.Get(logSource)

// NewCPUAllocator creates a CPU allocator for a loaded topology.
func NewCPUAllocator(t *topology.Topology) CPUAllocator {
	return &cpuAllocator{
		Logger: log,
		topo:   t,
	}
}

func newAllocatorHelper(t *topology.Topology) *allocatorHelper {
	return &allocatorHelper{
		Logger: log,
		topo:   t,
		flags:  AllocDefault,
		result: bitmap.New(),
	}
}

// domain returns the socket of obj, or the root of the topology.
func (a *allocatorHelper) domain(obj *topology.Object) *topology.Object {
	if d := ancestor(obj, topology.TypeSocket); d != nil {
		return d
	}
	return a.topo.Root()
}

func ancestor(obj *topology.Object, typ topology.ObjType) *topology.Object {
	for p := obj.Parent(); p != nil; p = p.Parent() {
		if p.Type == typ {
			return p
		}
	}
	return nil
}

// objSorter orders candidate objects, preferring
//   - domains with more CPUs already allocated
//   - domains with fewer free CPUs
//   - parents with fewer free CPUs
//   - lower logical index
type objSorter struct {
	a    *allocatorHelper
	objs []*topology.Object
	colo map[*topology.Object]int
	free map[*topology.Object]int
}

func (a *allocatorHelper) newObjSorter(objs []*topology.Object) *objSorter {
	s := &objSorter{
		a:    a,
		objs: objs,
		colo: map[*topology.Object]int{},
		free: map[*topology.Object]int{},
	}
	for _, o := range objs {
		for _, p := range []*topology.Object{a.domain(o), o.Parent()} {
			if p == nil {
				continue
			}
			if _, ok := s.free[p]; !ok {
				s.colo[p] = p.CPUSet.And(a.result).Weight()
				s.free[p] = p.CPUSet.And(a.from).Weight()
			}
		}
	}
	return s
}

func (s *objSorter) Len() int      { return len(s.objs) }
func (s *objSorter) Swap(i, j int) { s.objs[i], s.objs[j] = s.objs[j], s.objs[i] }

func (s *objSorter) Less(i, j int) bool {
	oi, oj := s.objs[i], s.objs[j]

	di, dj := s.a.domain(oi), s.a.domain(oj)
	if s.colo[di] != s.colo[dj] {
		return s.colo[di] > s.colo[dj]
	}
	if s.free[di] != s.free[dj] {
		return s.free[di] < s.free[dj]
	}
	if pi, pj := oi.Parent(), oj.Parent(); pi != nil && pj != nil && s.free[pi] != s.free[pj] {
		return s.free[pi] < s.free[pj]
	}

	return bitmap.CompareFirst(oi.CPUSet, oj.CPUSet) < 0
}

// take allocates all CPUs of the idle objects which fit the request.
func (a *allocatorHelper) takeIdle(kind string, objs []*topology.Object) {
	a.Debug("* takeIdle(%s)...", kind)

	idle := make([]*topology.Object, 0, len(objs))
	for _, o := range objs {
		if !o.CPUSet.IsZero() && o.CPUSet.IsIncluded(a.from) {
			idle = append(idle, o)
		}
	}

	sort.Stable(a.newObjSorter(idle))

	a.Debug(" => idle %s sorted by preference: %v", kind, idle)

	for _, o := range idle {
		if !o.CPUSet.IsIncluded(a.from) {
			continue
		}
		if cnt := o.CPUSet.Weight(); cnt <= a.cnt {
			a.Debug(" => taking %s (#%s)...", o, o.CPUSet)
			a.result.OrWith(o.CPUSet)
			a.from.AndNotWith(o.CPUSet)
			a.cnt -= cnt

			if a.cnt == 0 {
				break
			}
		}
	}
}

func (a *allocatorHelper) takeIdleCaches() {
	byLevel := map[int][]*topology.Object{}
	levels := []int{}
	for _, c := range a.topo.ObjsByType(topology.TypeCache) {
		if _, ok := byLevel[c.Cache.Depth]; !ok {
			levels = append(levels, c.Cache.Depth)
		}
		byLevel[c.Cache.Depth] = append(byLevel[c.Cache.Depth], c)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(levels)))

	for _, l := range levels {
		if a.cnt == 0 {
			return
		}
		a.takeIdle(fmt.Sprintf("L%d caches", l), byLevel[l])
	}
}

// takeThreads allocates single PUs, filling partially used cores first.
func (a *allocatorHelper) takeThreads() {
	a.Debug("* takeThreads()...")

	var pus []*topology.Object
	for _, pu := range a.topo.ObjsByType(topology.TypePU) {
		if pu.CPUSet.IsIncluded(a.from) {
			pus = append(pus, pu)
		}
	}

	sort.Stable(a.newObjSorter(pus))

	for _, pu := range pus {
		a.result.OrWith(pu.CPUSet)
		a.from.AndNotWith(pu.CPUSet)
		a.cnt -= pu.CPUSet.Weight()

		if a.cnt <= 0 {
			break
		}
	}
}

// Perform CPU allocation.
func (a *allocatorHelper) allocate() *bitmap.Bitmap {
	if a.cnt > 0 && (a.flags&AllocIdleNodes) != 0 {
		a.takeIdle("nodes", a.topo.ObjsByType(topology.TypeNode))
	}
	if a.cnt > 0 && (a.flags&AllocIdleSockets) != 0 {
		a.takeIdle("sockets", a.topo.ObjsByType(topology.TypeSocket))
	}
	if a.cnt > 0 && (a.flags&AllocIdleCaches) != 0 {
		a.takeIdleCaches()
	}
	if a.cnt > 0 && (a.flags&AllocIdleCores) != 0 {
		a.takeIdle("cores", a.topo.ObjsByType(topology.TypeCore))
	}
	if a.cnt > 0 {
		a.takeThreads()
	}

	if a.cnt == 0 {
		return a.result
	}

	return bitmap.New()
}

func (ca *cpuAllocator) allocateCpus(from *bitmap.Bitmap, cnt int, options ...Option) (*bitmap.Bitmap, error) {
	var (
		result *bitmap.Bitmap
		size   = from.Weight()
	)

	switch {
	case !ca.topo.IsLoaded():
		return bitmap.New(), topology.ErrNotLoaded
	case cnt < 0:
		return bitmap.New(), fmt.Errorf("invalid CPU count %d", cnt)
	case size < cnt:
		return bitmap.New(), fmt.Errorf("cpuset %s does not have %d CPUs", from, cnt)
	case size == cnt:
		result = from.Clone()
		from.Zero()
	default:
		a := newAllocatorHelper(ca.topo)
		for _, o := range options {
			if err := o(a); err != nil {
				return bitmap.New(), err
			}
		}
		a.from = from.Clone()
		a.cnt = cnt

		result = a.allocate()
		if a.cnt != 0 {
			return result, fmt.Errorf("failed to allocate %d CPUs from %s", cnt, from)
		}
		from.Copy(a.from)

		a.Debug("%d cpus from #%s => #%s", cnt, from.Or(result), result)
	}

	return result, nil
}

// AllocateCpus allocates a number of CPUs from the given set, removing
// them from the set.
func (ca *cpuAllocator) AllocateCpus(from *bitmap.Bitmap, cnt int, options ...Option) (*bitmap.Bitmap, error) {
	return ca.allocateCpus(from, cnt, options...)
}

// ReleaseCpus releases a number of CPUs from the given set, keeping the
// rest of the set as compact as possible. It returns the released CPUs.
func (ca *cpuAllocator) ReleaseCpus(from *bitmap.Bitmap, cnt int, options ...Option) (*bitmap.Bitmap, error) {
	if cnt < 0 || cnt > from.Weight() {
		return bitmap.New(), fmt.Errorf("can't release %d CPUs from %s", cnt, from)
	}

	oset := from.Clone()

	kept, err := ca.allocateCpus(from, from.Weight()-cnt, options...)
	if err != nil {
		return bitmap.New(), err
	}
	released := from.Clone()
	from.Copy(kept)

	ca.Debug("ReleaseCpus(#%s, %d) => kept: #%s, released: #%s", oset, cnt, kept, released)

	return released, nil
}
