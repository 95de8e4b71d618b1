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

	"github.com/hashicorp/go-multierror"

	"github.com/containers/hwtopo/pkg/bitmap"
)

// Check verifies the structure of a loaded topology. Children must be
// included in their parent, siblings and objects of the same level must
// be disjoint, and every level must cover the processors of the root.
// All violations found are returned together.
func (t *Topology) Check() error {
	if !t.loaded {
		return ErrNotLoaded
	}

	var errs *multierror.Error

	t.walk(t.Root(), func(obj *Object) {
		for _, err := range t.checkChildren(obj) {
			errs = multierror.Append(errs, err)
		}
	})

	for depth := 0; depth < t.Depth(); depth++ {
		for _, err := range t.checkLevel(depth) {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

func (t *Topology) checkChildren(obj *Object) []error {
	var errs []error
	seen := bitmap.New()

	for idx, id := range obj.children {
		child := t.objs[id]
		if child.parent != obj.id {
			errs = append(errs, fmt.Errorf("%s: parent is not %s", child, obj))
		}
		if child.siblingRank != idx {
			errs = append(errs, fmt.Errorf("%s: sibling rank %d, expected %d", child, child.siblingRank, idx))
		}
		if !included(child.CPUSet, obj.CPUSet) {
			errs = append(errs, fmt.Errorf("%s: cpuset %s not in parent %s cpuset %s",
				child, child.CPUSet, obj, obj.CPUSet))
		}
		if !included(child.NodeSet, obj.NodeSet) {
			errs = append(errs, fmt.Errorf("%s: nodeset %s not in parent %s nodeset %s",
				child, child.NodeSet, obj, obj.NodeSet))
		}
		if child.CPUSet == nil {
			continue
		}
		if seen.Intersects(child.CPUSet) {
			errs = append(errs, fmt.Errorf("%s: cpuset %s overlaps its siblings", child, child.CPUSet))
		}
		seen.OrWith(child.CPUSet)
	}

	return errs
}

func (t *Topology) checkLevel(depth int) []error {
	var (
		errs []error
		prev *Object
	)
	root := t.Root()
	typ, _ := t.DepthType(depth)
	cpus := bitmap.New()

	for idx := 0; idx < t.NbObjsByDepth(depth); idx++ {
		obj := t.ObjByDepth(depth, idx)
		switch {
		case obj.Type != typ:
			errs = append(errs, fmt.Errorf("%s: %s at depth %d of %s level", obj, obj.Type, depth, typ))
		case obj.Depth() != depth || obj.LogicalIndex() != idx:
			errs = append(errs, fmt.Errorf("%s: at depth %d index %d, expected %d/%d",
				obj, obj.Depth(), obj.LogicalIndex(), depth, idx))
		case obj.PrevCousin() != prev:
			errs = append(errs, fmt.Errorf("%s: broken cousin link at depth %d", obj, depth))
		}
		prev = obj

		if obj.CPUSet == nil {
			continue
		}
		if cpus.Intersects(obj.CPUSet) {
			errs = append(errs, fmt.Errorf("%s: cpuset %s overlaps its cousins", obj, obj.CPUSet))
		}
		cpus.OrWith(obj.CPUSet)
	}

	if !cpus.IsEqual(root.CPUSet) {
		errs = append(errs, fmt.Errorf("depth %d (%s) covers %s instead of %s", depth, typ, cpus, root.CPUSet))
	}

	return errs
}

// included tells if a is a subset of b, with unset sets ignored.
func included(a, b *bitmap.Bitmap) bool {
	return a == nil || b == nil || a.IsIncluded(b)
}
