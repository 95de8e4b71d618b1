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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/hwtopo/pkg/bitmap"
)

// shuffledMachine discovers 2 nodes of 2 sockets, each socket with an L3
// and 2 cores, each core with an L2, an L1 and 2 PUs. Objects are inserted
// in an order shuffled by seed.
func shuffledMachine(seed int64) func(*Topology) error {
	return func(t *Topology) error {
		all := bitmap.NewRange(0, 15)
		nodes := bitmap.NewRange(0, 1)
		t.SetRootSets(all, all, all, nodes, nodes)

		var objs []*Object
		add := func(typ ObjType, idx, first, last int) *Object {
			obj := t.AllocObject(typ, idx)
			obj.CPUSet = bitmap.NewRange(first, last)
			objs = append(objs, obj)
			return obj
		}
		cache := func(level, idx, first, last int) {
			c := add(TypeCache, idx, first, last)
			c.Cache.Depth = level
			c.Cache.Size = uint64(32<<10) << (2 * (level - 1))
			c.Cache.LineSize = 64
		}

		for n := 0; n < 2; n++ {
			node := add(TypeNode, n, 8*n, 8*n+7)
			node.NodeSet = bitmap.NewFromIDs(n)
			node.Memory.LocalMemory = 1 << 30
		}
		for s := 0; s < 4; s++ {
			add(TypeSocket, s, 4*s, 4*s+3)
			cache(3, s, 4*s, 4*s+3)
		}
		for c := 0; c < 8; c++ {
			add(TypeCore, c, 2*c, 2*c+1)
			cache(2, c, 2*c, 2*c+1)
			cache(1, c, 2*c, 2*c+1)
		}
		for p := 0; p < 16; p++ {
			add(TypePU, p, p, p)
		}

		rand.New(rand.NewSource(seed)).Shuffle(len(objs), func(i, j int) {
			objs[i], objs[j] = objs[j], objs[i]
		})

		for _, obj := range objs {
			if _, err := t.InsertObjectByCPUSet(obj); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestShuffledInsertion(t *testing.T) {
	var reference string

	for seed := int64(0); seed < 32; seed++ {
		topo := loadTestTopology(t, shuffledMachine(seed))
		assertInvariants(t, topo)

		for typ, count := range map[ObjType]int{
			TypeNode:   2,
			TypeSocket: 4,
			TypeCore:   8,
			TypePU:     16,
		} {
			require.Equal(t, count, topo.NbObjsByType(typ), "seed %d, number of %s objects", seed, typ)
		}
		require.Len(t, topo.ObjsByType(TypeCache), 4+8+8, "seed %d", seed)

		dump := dumpTree(t, topo)
		if seed == 0 {
			reference = dump
			continue
		}
		require.Equal(t, reference, dump, "tree built with seed %d", seed)
	}
}

func TestCheck(t *testing.T) {
	for _, tc := range []struct {
		name    string
		corrupt func(*Topology)
		failure string
	}{
		{
			name:    "intact",
			corrupt: func(*Topology) {},
		},
		{
			name: "child outside parent",
			corrupt: func(t *Topology) {
				t.ObjByType(TypePU, 0).CPUSet = bitmap.NewFromIDs(7)
			},
			failure: "not in parent",
		},
		{
			name: "overlapping siblings",
			corrupt: func(t *Topology) {
				t.ObjByType(TypeCore, 1).CPUSet.Set(1)
			},
			failure: "overlaps its siblings",
		},
		{
			name: "uncovered processor",
			corrupt: func(t *Topology) {
				t.ObjByType(TypePU, 3).CPUSet = bitmap.New()
			},
			failure: "covers",
		},
		{
			name: "nodeset outside parent",
			corrupt: func(t *Topology) {
				t.ObjByType(TypeCore, 0).NodeSet = bitmap.NewFromIDs(1)
			},
			failure: "nodeset",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			topo := loadTestTopology(t, twoSockets)
			tc.corrupt(topo)

			err := topo.Check()
			if tc.failure == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.failure)
		})
	}

	unloaded := newTestTopology(t, twoSockets)
	require.ErrorIs(t, unloaded.Check(), ErrNotLoaded)
}
