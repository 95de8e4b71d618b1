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
)

// connectChildren recomputes sibling ranks in the subtree of obj.
func (t *Topology) connectChildren(obj *Object) {
	t.setSiblingRanks(obj)
	for _, id := range obj.children {
		t.connectChildren(t.objs[id])
	}
}

// connectLevels slices the tree into levels. Starting below the root, it
// repeatedly takes the topmost type among the pending objects, moves all
// pending objects of that type into a new level and replaces them by
// their children. Logical processors are taken last. Misc objects are
// kept out of the levels.
func (t *Topology) connectLevels() error {
	root := t.Root()
	if root == nil {
		return ErrNotLoaded
	}

	t.levels = [][]ObjID{{root.id}}
	t.misc = nil
	t.resetDepths()

	root.depth = 0
	root.logicalIndex = 0
	root.nextCousin = NoObject
	root.prevCousin = NoObject
	t.typeDepth[root.Type] = 0

	pending := t.skipMisc(root.children)

	for len(pending) > 0 {
		var top *Object
		for _, id := range pending {
			obj := t.objs[id]
			if obj.Type == TypePU {
				continue
			}
			if top == nil || typeCmp(obj, top) == typeHigher {
				top = obj
			}
		}
		if top == nil {
			top = t.objs[pending[0]]
		}

		var (
			level []ObjID
			next  []ObjID
		)
		for _, id := range pending {
			obj := t.objs[id]
			if typeCmp(obj, top) != typeEqual {
				next = append(next, id)
				continue
			}
			level = append(level, id)
			next = append(next, t.skipMisc(obj.children)...)
		}

		depth := len(t.levels)
		for i, id := range level {
			obj := t.objs[id]
			obj.depth = depth
			obj.logicalIndex = i
			obj.prevCousin = NoObject
			obj.nextCousin = NoObject
			if i > 0 {
				obj.prevCousin = level[i-1]
			}
			if i < len(level)-1 {
				obj.nextCousin = level[i+1]
			}
		}

		if t.typeDepth[top.Type] == TypeDepthUnknown {
			t.typeDepth[top.Type] = depth
		} else {
			t.typeDepth[top.Type] = TypeDepthMultiple
		}

		t.levels = append(t.levels, level)
		pending = next
	}

	t.dirty = false

	last := t.levels[len(t.levels)-1]
	if t.objs[last[0]].Type != TypePU {
		return fmt.Errorf("%w: deepest level has %s objects", ErrNoPULevel, t.objs[last[0]].TypeString())
	}
	if t.typeDepth[TypePU] == TypeDepthMultiple {
		return fmt.Errorf("%w: PU objects found at several depths", ErrNoPULevel)
	}

	return nil
}

// skipMisc returns ids with Misc objects replaced by their children,
// recording the Misc objects outside of the levels.
func (t *Topology) skipMisc(ids []ObjID) []ObjID {
	result := make([]ObjID, 0, len(ids))
	for _, id := range ids {
		obj := t.objs[id]
		if obj.Type != TypeMisc {
			result = append(result, id)
			continue
		}
		obj.depth = TypeDepthUnknown
		obj.logicalIndex = len(t.misc)
		obj.prevCousin = NoObject
		obj.nextCousin = NoObject
		if n := len(t.misc); n > 0 {
			obj.prevCousin = t.misc[n-1]
			t.objs[t.misc[n-1]].nextCousin = id
		}
		t.misc = append(t.misc, id)
		result = append(result, t.skipMisc(obj.children)...)
	}
	return result
}
