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

package synthetic_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/hwtopo/pkg/bitmap"
	"github.com/containers/hwtopo/pkg/topology"
	"github.com/containers/hwtopo/pkg/topology/synthetic"
)

func noEnv(string) (string, bool) { return "", false }

func load(t *testing.T, description string) *topology.Topology {
	topo, err := topology.New(topology.WithLookupEnv(noEnv))
	require.NoError(t, err)
	require.NoError(t, topo.SetSynthetic(description))
	require.NoError(t, topo.Load())
	t.Cleanup(topo.Destroy)
	require.NoError(t, topo.Check(), "%q", description)
	return topo
}

func TestParse(t *testing.T) {
	type level struct {
		typ   topology.ObjType
		arity int
		depth int
	}

	for _, tc := range []struct {
		name        string
		description string
		levels      []level
		invalid     bool
	}{
		{
			name:        "typed levels",
			description: "node:2 core:2 pu:2",
			levels: []level{
				{topology.TypeNode, 2, 0},
				{topology.TypeCore, 2, 0},
				{topology.TypePU, 2, 0},
			},
		},
		{
			name:        "trailing untyped PU",
			description: "node:2 core:2 2",
			levels: []level{
				{topology.TypeNode, 2, 0},
				{topology.TypeCore, 2, 0},
				{topology.TypePU, 2, 0},
			},
		},
		{
			name:        "inferred types",
			description: "2 2 2 2 2 2",
			levels: []level{
				{topology.TypeGroup, 2, 0},
				{topology.TypeNode, 2, 0},
				{topology.TypeSocket, 2, 0},
				{topology.TypeCache, 2, 2},
				{topology.TypeCore, 2, 0},
				{topology.TypePU, 2, 0},
			},
		},
		{
			name:        "abbreviated names",
			description: "ma:1 n:2 s:1 ca:2 ca:1 co:2 p:1",
			levels: []level{
				{topology.TypeMachine, 1, 0},
				{topology.TypeNode, 2, 0},
				{topology.TypeSocket, 1, 0},
				{topology.TypeCache, 2, 2},
				{topology.TypeCache, 1, 1},
				{topology.TypeCore, 2, 0},
				{topology.TypePU, 1, 0},
			},
		},
		{
			name:        "groups are numbered from the top",
			description: "group:2 group:2 pu:2",
			levels: []level{
				{topology.TypeGroup, 2, 0},
				{topology.TypeGroup, 2, 1},
				{topology.TypePU, 2, 0},
			},
		},
		{
			name:        "untyped level above machine is misc",
			description: "misc:2 4",
			levels: []level{
				{topology.TypeMisc, 2, 0},
				{topology.TypePU, 4, 0},
			},
		},
		{name: "empty", description: " ", invalid: true},
		{name: "unknown type", description: "foo:2 2", invalid: true},
		{name: "too short prefix", description: "c:2 2", invalid: true},
		{name: "zero count", description: "node:0 2", invalid: true},
		{name: "bad count", description: "node:x 2", invalid: true},
		{name: "two node levels", description: "node:2 node:2 2", invalid: true},
		{name: "machine not first", description: "node:2 machine:2 2", invalid: true},
		{name: "pu not last", description: "pu:2 core:2", invalid: true},
		{name: "last level not pu", description: "node:2 core:2", invalid: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			levels, err := synthetic.Parse(tc.description)
			if tc.invalid {
				require.Error(t, err)
				require.True(t, errors.Is(err, topology.ErrInvalidArgument), "%v", err)
				return
			}
			require.NoError(t, err)
			require.Len(t, levels, len(tc.levels))
			for i, l := range tc.levels {
				require.Equal(t, l.typ, levels[i].Type, "level #%d type", i)
				require.Equal(t, l.arity, levels[i].Arity, "level #%d arity", i)
				require.Equal(t, l.depth, levels[i].Depth, "level #%d depth", i)
			}
		})
	}
}

func TestCacheSize(t *testing.T) {
	require.Equal(t, uint64(32*1024), synthetic.CacheSize(1))
	require.Equal(t, uint64(256*1024), synthetic.CacheSize(2))
	require.Equal(t, uint64(4*1024*1024), synthetic.CacheSize(3))
}

func TestNodeCorePU(t *testing.T) {
	topo := load(t, "node:2 core:2 2")

	require.Equal(t, topology.BackendSynthetic, topo.Backend())
	require.False(t, topo.IsThisSystem())
	require.Equal(t, 4, topo.Depth())
	require.Equal(t, 2, topo.NbObjsByType(topology.TypeNode))
	require.Equal(t, 4, topo.NbObjsByType(topology.TypeCore))
	require.Equal(t, 8, topo.NbObjsByType(topology.TypePU))

	for _, node := range topo.ObjsByType(topology.TypeNode) {
		require.Equal(t, 2, node.Arity(), "%s arity", node)
		require.Equal(t, uint64(synthetic.NodeMemory), node.Memory.LocalMemory)
		for _, core := range node.Children() {
			require.Equal(t, topology.TypeCore, core.Type)
			require.Equal(t, 2, core.Arity(), "%s arity", core)
		}
	}

	all := bitmap.New()
	for _, pu := range topo.ObjsByType(topology.TypePU) {
		require.Equal(t, 1, pu.CPUSet.Weight(), "%s cpuset", pu)
		require.False(t, all.Intersects(pu.CPUSet), "%s overlaps", pu)
		all.OrWith(pu.CPUSet)
	}
	require.True(t, all.IsEqual(bitmap.NewRange(0, 7)))

	require.Equal(t, uint64(2*synthetic.NodeMemory), topo.Root().Memory.TotalMemory)
	require.True(t, topo.CompleteNodeSet().IsEqual(bitmap.NewRange(0, 1)))
}

func TestMachineLevel(t *testing.T) {
	topo := load(t, "machine:2 core:2 1")

	require.Equal(t, topology.TypeSystem, topo.Root().Type)
	require.Equal(t, 2, topo.NbObjsByType(topology.TypeMachine))
	require.Equal(t, 4, topo.NbObjsByType(topology.TypePU))
}

func TestCaches(t *testing.T) {
	topo := load(t, "socket:2 cache:1 cache:2 core:1 2")

	require.Len(t, topo.ObjsByType(topology.TypeCache), 6)
	require.Equal(t, -1, topo.NbObjsByType(topology.TypeCache))
	require.Equal(t, topology.TypeDepthMultiple, topo.TypeDepth(topology.TypeCache))

	typ, ok := topo.DepthType(2)
	require.True(t, ok)
	require.Equal(t, topology.TypeCache, typ)
	l2cache := topo.ObjByDepth(2, 0)
	require.Equal(t, 2, l2cache.Cache.Depth)
	require.Equal(t, synthetic.CacheSize(2), l2cache.Cache.Size)
	require.Equal(t, synthetic.CacheLineSize, l2cache.Cache.LineSize)

	l1cache := topo.ObjByDepth(3, 0)
	require.Equal(t, 1, l1cache.Cache.Depth)
	require.Equal(t, 4, topo.NbObjsByDepth(3))
}

func TestDescribe(t *testing.T) {
	for _, description := range []string{
		"node:2 core:2 pu:2",
		"socket:2 core:4 pu:1",
		"machine:2 node:2 socket:1 core:2 pu:2",
	} {
		t.Run(description, func(t *testing.T) {
			topo := load(t, description)
			described, err := synthetic.Describe(topo)
			require.NoError(t, err)
			require.Equal(t, description, described)

			again := load(t, described)
			require.Equal(t, topo.Depth(), again.Depth())
			for d := 0; d < topo.Depth(); d++ {
				require.Equal(t, topo.NbObjsByDepth(d), again.NbObjsByDepth(d), "depth %d", d)
			}
		})
	}
}

func TestDescribeAsymmetric(t *testing.T) {
	topo := load(t, "node:2 core:2 pu:2")
	require.NoError(t, topo.Restrict(bitmap.NewRange(0, 4)))

	_, err := synthetic.Describe(topo)
	require.Error(t, err)
}

func TestDescribeNotLoaded(t *testing.T) {
	topo, err := topology.New(topology.WithLookupEnv(noEnv))
	require.NoError(t, err)
	_, err = synthetic.Describe(topo)
	require.ErrorIs(t, err, topology.ErrNotLoaded)
}
