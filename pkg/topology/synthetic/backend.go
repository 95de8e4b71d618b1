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

package synthetic

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/containers/hwtopo/pkg/bitmap"
	"github.com/containers/hwtopo/pkg/topology"
)

// MaxPUs is the largest number of logical processors a synthetic
// topology may have.
const MaxPUs = 1 << 16

// Backend builds a topology from a synthetic description.
type Backend struct {
	description string
	levels      []Level
}

// NewBackend creates a backend for the given description.
func NewBackend(description string) (*Backend, error) {
	levels, err := Parse(description)
	if err != nil {
		return nil, err
	}

	total := 1
	for _, l := range levels {
		total *= l.Arity
		if total > MaxPUs {
			return nil, errors.Wrapf(topology.ErrInvalidArgument,
				"synthetic topology %q has more than %d PUs", description, MaxPUs)
		}
	}

	return &Backend{
		description: description,
		levels:      levels,
	}, nil
}

// Name returns the name of the backend.
func (b *Backend) Name() string {
	return topology.BackendSynthetic
}

// IsThisSystem returns false, synthetic topologies never describe the
// running system.
func (b *Backend) IsThisSystem() bool {
	return false
}

// Levels returns the parsed levels of the description.
func (b *Backend) Levels() []Level {
	return append([]Level{}, b.levels...)
}

// Discover inserts the objects of the description, level by level.
func (b *Backend) Discover(t *topology.Topology) error {
	var (
		total = 1
		nodes = 0
	)
	for _, l := range b.levels {
		total *= l.Arity
		if l.Type == topology.TypeNode {
			nodes = total
		}
	}

	var (
		cpus     = bitmap.NewRange(0, total-1)
		nodeSet  *bitmap.Bitmap
		misc     int
		objCount = 1
	)
	if nodes > 0 {
		nodeSet = bitmap.NewRange(0, nodes-1)
	}
	t.SetRootSets(cpus, cpus, cpus, nodeSet, nodeSet)

	root := t.Root()
	if b.levels[0].Type == topology.TypeMachine {
		root.Type = topology.TypeSystem
	}
	root.AddInfo("Backend", "Synthetic")
	root.AddInfo("SyntheticDescription", b.description)

	for _, l := range b.levels {
		objCount *= l.Arity
		width := total / objCount

		for idx := 0; idx < objCount; idx++ {
			obj := t.AllocObject(l.Type, idx)
			obj.CPUSet = bitmap.NewRange(idx*width, (idx+1)*width-1)

			switch l.Type {
			case topology.TypeNode:
				obj.NodeSet = bitmap.NewFromIDs(idx)
				obj.Memory.LocalMemory = NodeMemory
				obj.Memory.PageTypes = []topology.PageType{
					{Size: PageSize, Count: NodeMemory / PageSize},
				}
			case topology.TypeCache:
				obj.OSIndex = -1
				obj.Cache = topology.CacheAttr{
					Depth:    l.Depth,
					Size:     CacheSize(l.Depth),
					LineSize: CacheLineSize,
				}
			case topology.TypeGroup:
				obj.OSIndex = -1
				obj.Group.Depth = l.Depth
			case topology.TypeMisc:
				obj.OSIndex = -1
				obj.Name = fmt.Sprintf("Misc%d", misc)
				misc++
			}

			if _, err := t.InsertObjectByCPUSet(obj); err != nil {
				return errors.Wrapf(err, "failed to insert synthetic %s", obj)
			}
		}

		log.Debug("created %d %s objects of %d PUs", objCount, typeToken(l.Type), width)
	}

	return nil
}

func init() {
	topology.RegisterBackend(topology.BackendSynthetic, func(arg string) (topology.Backend, error) {
		return NewBackend(arg)
	})
}
