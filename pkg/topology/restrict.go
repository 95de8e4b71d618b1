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

// Restrict removes the processors outside set from a loaded topology.
// Objects left without processors are removed, as are nodes which lose
// all their processors. Distance matrices are shrunk accordingly.
//
// Objects inserted since the last Reconnect must be connected before
// restricting. If the restricted tree can't be sliced into levels, the
// topology is unloaded and must be destroyed.
func (t *Topology) Restrict(set *bitmap.Bitmap) error {
	if !t.loaded {
		return ErrNotLoaded
	}
	if t.dirty {
		return invalidArgument("topology has unconnected objects, Reconnect before restricting")
	}

	root := t.Root()
	if !set.Intersects(root.CPUSet) {
		return invalidArgument("cpuset %s does not intersect topology cpuset %s", set, root.CPUSet)
	}

	saved := t.saveDistances()
	droppedNodes := bitmap.New()

	t.walk(root, func(obj *Object) {
		if obj.CPUSet == nil {
			return
		}
		hadCPUs := !obj.CPUSet.IsZero()
		for _, s := range []*bitmap.Bitmap{obj.CPUSet, obj.CompleteCPUSet, obj.OnlineCPUSet, obj.AllowedCPUSet} {
			if s != nil {
				s.AndWith(set)
			}
		}
		if obj.Type == TypeNode && hadCPUs && obj.CPUSet.IsZero() {
			droppedNodes.Set(obj.OSIndex)
		}
	})

	t.walkPostOrder(root, func(obj *Object) {
		if obj == root || obj.CPUSet == nil || !obj.CPUSet.IsZero() {
			return
		}
		if obj.Type != TypeNode || droppedNodes.IsSet(obj.OSIndex) {
			t.removeObject(obj)
		}
	})

	if !droppedNodes.IsZero() {
		log.Debug("restricting removed nodes %s", droppedNodes)
		t.walk(root, func(obj *Object) {
			for _, s := range []*bitmap.Bitmap{obj.NodeSet, obj.CompleteNodeSet, obj.AllowedNodeSet} {
				if s != nil {
					s.AndNotWith(droppedNodes)
				}
			}
		})
	}

	t.propagateTotalMemory(root)
	t.connectChildren(root)
	if err := t.connectLevels(); err != nil {
		t.loaded = false
		return fmt.Errorf("failed to restrict topology to %s: %w", set, err)
	}

	t.restoreDistances(saved)

	return nil
}

type savedDistances struct {
	owner *Object
	dist  *Distances
	objs  []*Object
}

func (t *Topology) saveDistances() []*savedDistances {
	var saved []*savedDistances
	for _, level := range t.levels {
		for _, id := range level {
			obj := t.objs[id]
			for _, d := range obj.Distances {
				saved = append(saved, &savedDistances{
					owner: obj,
					dist:  d,
					objs:  t.descendantsAtDepth(obj, obj.depth+d.RelativeDepth),
				})
			}
			obj.Distances = nil
		}
	}
	return saved
}

// restoreDistances reattaches saved distance matrices, dropping the rows
// and columns of objects which are no longer in the tree.
func (t *Topology) restoreDistances(saved []*savedDistances) {
	for _, s := range saved {
		if !s.owner.isAttached() || len(s.objs) != s.dist.NbObjs {
			continue
		}

		var kept []int
		for i, obj := range s.objs {
			if obj.isAttached() {
				kept = append(kept, i)
			}
		}
		if len(kept) < 2 {
			continue
		}

		depth := s.objs[kept[0]].depth
		same := true
		for _, i := range kept {
			if s.objs[i].depth != depth {
				same = false
			}
		}
		if !same {
			continue
		}

		n := len(kept)
		d := &Distances{
			RelativeDepth: depth - s.owner.depth,
			NbObjs:        n,
			Latency:       make([]float32, n*n),
			LatencyBase:   s.dist.LatencyBase,
		}
		for i, ki := range kept {
			for j, kj := range kept {
				v := s.dist.Latency[ki*s.dist.NbObjs+kj]
				d.Latency[i*n+j] = v
				if v > d.LatencyMax {
					d.LatencyMax = v
				}
			}
		}
		s.owner.setDistances(d)
	}

	for _, level := range t.levels {
		for _, id := range level {
			t.validateDistances(t.objs[id])
		}
	}
}
