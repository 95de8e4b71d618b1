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

// osDistances is a distance matrix between objects of a type, indexed by
// OS index, as reported by a backend.
type osDistances struct {
	typ     ObjType
	indexes []int
	values  []float32
}

// SetOSDistances records the distances between the objects of the given
// type with the given OS indexes. values holds len(osIndexes)^2 entries,
// values[i*n+j] being the distance from the ith to the jth object. The
// matrix is attached to the objects once the tree is complete.
func (t *Topology) SetOSDistances(typ ObjType, osIndexes []int, values []float32) error {
	n := len(osIndexes)
	if n == 0 {
		return invalidArgument("no objects for %s distances", typ)
	}
	if len(values) != n*n {
		return invalidArgument("%d %s distances given for %d objects", len(values), typ, n)
	}

	for i, d := range t.osDistances {
		if d.typ == typ {
			t.osDistances = append(t.osDistances[:i], t.osDistances[i+1:]...)
			break
		}
	}

	t.osDistances = append(t.osDistances, &osDistances{
		typ:     typ,
		indexes: append([]int{}, osIndexes...),
		values:  append([]float32{}, values...),
	})

	return nil
}

// finalizeDistances attaches OS distances to the lowest common ancestor
// of their objects and drops distance matrices which do not match the
// objects in the tree. Matrices of a single object are dropped silently.
func (t *Topology) finalizeDistances() {
	for _, osd := range t.osDistances {
		if err := t.attachOSDistances(osd); err != nil {
			log.Warn("ignoring %s distances: %v", osd.typ, err)
		}
	}
	t.osDistances = nil

	for _, level := range t.levels {
		for _, id := range level {
			t.validateDistances(t.objs[id])
		}
	}
}

func (t *Topology) attachOSDistances(osd *osDistances) error {
	if len(osd.indexes) < 2 {
		log.Debug("skipping %s distances of a single object", osd.typ)
		return nil
	}

	var (
		objs []*Object
		rows []int
	)

	for i, idx := range osd.indexes {
		obj := t.objByOSIndex(osd.typ, idx)
		if obj == nil {
			log.Debug("no %s with OS index %d for distances", osd.typ, idx)
			continue
		}
		objs = append(objs, obj)
		rows = append(rows, i)
	}

	if len(objs) < 2 {
		return invalidArgument("less than 2 objects found")
	}

	owner := objs[0]
	depth := objs[0].depth
	for _, obj := range objs[1:] {
		if obj.depth != depth {
			return invalidArgument("objects at different depths")
		}
		owner = t.CommonAncestor(owner, obj)
	}

	desc := t.descendantsAtDepth(owner, depth)
	if len(desc) != len(objs) {
		return invalidArgument("%d objects given, %s has %d", len(objs), owner, len(desc))
	}
	first := desc[0].logicalIndex

	n := len(objs)
	n0 := len(osd.indexes)
	raw := make([]float32, n*n)
	for i, obj := range objs {
		for j, peer := range objs {
			raw[(obj.logicalIndex-first)*n+peer.logicalIndex-first] = osd.values[rows[i]*n0+rows[j]]
		}
	}

	d := normalizeDistances(raw, n)
	if d == nil {
		return invalidArgument("no non-zero distance")
	}
	d.RelativeDepth = depth - owner.depth
	owner.setDistances(d)

	return nil
}

// normalizeDistances divides all values by the smallest non-zero one.
func normalizeDistances(raw []float32, n int) *Distances {
	var base float32
	for _, v := range raw {
		if v > 0 && (base == 0 || v < base) {
			base = v
		}
	}
	if base == 0 {
		return nil
	}

	d := &Distances{
		NbObjs:      n,
		Latency:     make([]float32, len(raw)),
		LatencyBase: base,
	}
	for i, v := range raw {
		d.Latency[i] = v / base
		if d.Latency[i] > d.LatencyMax {
			d.LatencyMax = d.Latency[i]
		}
	}

	return d
}

func (o *Object) setDistances(d *Distances) {
	for i, od := range o.Distances {
		if od.RelativeDepth == d.RelativeDepth {
			o.Distances[i] = d
			return
		}
	}
	o.Distances = append(o.Distances, d)
}

// validateDistances drops the distance matrices of obj which do not match
// the number of its descendants.
func (t *Topology) validateDistances(obj *Object) {
	if len(obj.Distances) == 0 {
		return
	}

	valid := obj.Distances[:0]
	for _, d := range obj.Distances {
		cnt := len(t.descendantsAtDepth(obj, obj.depth+d.RelativeDepth))
		switch {
		case d.RelativeDepth <= 0:
			log.Warn("%s: dropping distances with relative depth %d", obj, d.RelativeDepth)
		case d.NbObjs != cnt:
			log.Warn("%s: dropping distances between %d objects, found %d", obj, d.NbObjs, cnt)
		case len(d.Latency) != d.NbObjs*d.NbObjs:
			log.Warn("%s: dropping distances with %d values for %d objects", obj, len(d.Latency), d.NbObjs)
		default:
			valid = append(valid, d)
		}
	}

	obj.Distances = valid
	if len(valid) == 0 {
		obj.Distances = nil
	}
}

// descendantsAtDepth returns the descendants of obj at the given depth in
// logical order.
func (t *Topology) descendantsAtDepth(obj *Object, depth int) []*Object {
	if depth < 0 || depth >= len(t.levels) {
		return nil
	}
	var objs []*Object
	for _, id := range t.levels[depth] {
		o := t.objs[id]
		if t.IsInSubtree(o, obj) {
			objs = append(objs, o)
		}
	}
	return objs
}

func (t *Topology) objByOSIndex(typ ObjType, idx int) *Object {
	var found *Object
	t.walk(t.Root(), func(obj *Object) {
		if found == nil && obj.Type == typ && obj.OSIndex == idx {
			found = obj
		}
	})
	return found
}

// Distances returns the distance matrix between objects at the given
// depth, attached to their lowest common ancestor, if any.
func (t *Topology) Distances(depth int) (*Object, *Distances) {
	for d := depth - 1; d >= 0 && d < len(t.levels); d-- {
		for _, id := range t.levels[d] {
			obj := t.objs[id]
			for _, dist := range obj.Distances {
				if obj.depth+dist.RelativeDepth == depth {
					return obj, dist
				}
			}
		}
	}
	return nil, nil
}
