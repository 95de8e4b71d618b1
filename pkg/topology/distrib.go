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

// Distrib spreads n processing units of work over the topology below the
// given roots, the root of the topology if none are given. Each root gets
// a share proportional to its number of processors, and shares are split
// further among children until they fit a single object or untilDepth is
// reached. Sets given to objects which can not be split are repeated.
func (t *Topology) Distrib(roots []*Object, n, untilDepth int) ([]*bitmap.Bitmap, error) {
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	if n <= 0 {
		return nil, invalidArgument("invalid number of sets %d", n)
	}
	if len(roots) == 0 {
		roots = []*Object{t.Root()}
	}

	sets := make([]*bitmap.Bitmap, 0, n)
	distrib(roots, n, untilDepth, func(set *bitmap.Bitmap) {
		sets = append(sets, set.Clone())
	})

	if len(sets) != n {
		return nil, invalidArgument("no processors to distribute %d sets over", n)
	}

	return sets, nil
}

func distrib(roots []*Object, n, untilDepth int, emit func(*bitmap.Bitmap)) {
	tot := 0
	for _, obj := range roots {
		tot += obj.CPUSet.Weight()
	}
	if tot == 0 {
		return
	}

	given, givenWeight := 0, 0
	for _, obj := range roots {
		weight := obj.CPUSet.Weight()
		if weight == 0 {
			continue
		}

		chunk := ((givenWeight+weight)*n+tot-1)/tot - given
		given += chunk
		givenWeight += weight
		if chunk == 0 {
			continue
		}

		children := splittable(obj)
		if chunk > 1 && len(children) > 0 && obj.Depth() < untilDepth {
			distrib(children, chunk, untilDepth, emit)
			continue
		}

		for i := 0; i < chunk; i++ {
			emit(obj.CPUSet)
		}
	}
}

// splittable returns the children of obj with processors.
func splittable(obj *Object) []*Object {
	var children []*Object
	for _, c := range obj.Children() {
		if c.Type != TypeMisc && !c.CPUSet.IsZero() {
			children = append(children, c)
		}
	}
	return children
}
