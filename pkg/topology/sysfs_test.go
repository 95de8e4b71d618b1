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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/hwtopo/pkg/bitmap"
	"github.com/containers/hwtopo/pkg/sysfs/sysfstest"
)

func loadSysfsTopology(t *testing.T, m *sysfstest.Machine, options ...Option) *Topology {
	dir := t.TempDir()
	require.NoError(t, m.Write(dir))

	topo, err := New(append([]Option{WithLookupEnv(noEnv)}, options...)...)
	require.NoError(t, err)
	require.NoError(t, topo.SetFSRoot(dir))
	require.NoError(t, topo.Load())
	t.Cleanup(topo.Destroy)

	return topo
}

func testMachine() *sysfstest.Machine {
	return &sysfstest.Machine{
		Packages:        2,
		DiesPerPackage:  2,
		CoresPerDie:     2,
		ThreadsPerCore:  2,
		NodesPerPackage: 2,
		NodeMemory:      1 << 30,
	}
}

func TestSysfsBackend(t *testing.T) {
	m := testMachine()
	topo := loadSysfsTopology(t, m)

	require.Equal(t, BackendSysfs, topo.Backend())
	require.False(t, topo.IsThisSystem())
	require.IsType(t, &noopBinder{}, topo.Binder())

	require.Equal(t, 9, topo.Depth())
	for typ, count := range map[ObjType]int{
		TypeSocket: 2,
		TypeGroup:  4,
		TypeNode:   4,
		TypeCore:   8,
		TypePU:     16,
	} {
		require.Equal(t, count, topo.NbObjsByType(typ), "number of %s objects", typ)
	}
	require.Len(t, topo.ObjsByType(TypeCache), 4+8+8)
	assertInvariants(t, topo)

	for _, die := range topo.ObjsByType(TypeGroup) {
		require.Equal(t, "Die", die.Name)
		require.Equal(t, TypeSocket, die.Parent().Type)
	}
	for _, node := range topo.ObjsByType(TypeNode) {
		require.Equal(t, uint64(1<<30), node.Memory.LocalMemory)
		require.Equal(t, 1, node.Arity(), "%s children", node)
	}
	for _, pu := range topo.ObjsByType(TypePU) {
		require.Equal(t, TypeCore, pu.Parent().Type)
	}

	l3 := topo.ObjByType(TypeNode, 0).FirstChild()
	require.Equal(t, TypeCache, l3.Type)
	require.Equal(t, 3, l3.Cache.Depth)
	require.Equal(t, uint64(sysfstest.L3Size), l3.Cache.Size)
	require.Equal(t, 2, l3.Arity())

	root := topo.Root()
	require.Equal(t, uint64(4<<30), root.Memory.TotalMemory)
	for name, value := range map[string]string{
		"Backend":     "Linux",
		"LinuxFSRoot": topo.instance.(*sysfsBackend).root,
	} {
		v, ok := root.GetInfo(name)
		require.True(t, ok, "info %s", name)
		require.Equal(t, value, v)
	}

	owner, d := topo.Distances(topo.TypeDepth(TypeNode))
	require.Equal(t, root, owner)
	require.Equal(t, 4, d.NbObjs)
	for _, tc := range []struct {
		from, to int
		latency  float32
	}{
		{0, 0, 1},
		{0, 1, 1.2},
		{1, 2, 2.1},
		{3, 0, 2.1},
		{3, 2, 1.2},
	} {
		require.InDelta(t, tc.latency, d.LatencyBetween(tc.from, tc.to), 0.001,
			"distance from node %d to %d", tc.from, tc.to)
	}
}

func TestSysfsOfflineCPU(t *testing.T) {
	m := testMachine()
	m.Offline = []int{15}
	topo := loadSysfsTopology(t, m)

	require.Equal(t, 15, topo.NbObjsByType(TypePU))
	require.True(t, topo.CompleteCPUSet().IsEqual(bitmap.NewRange(0, 15)))
	require.True(t, topo.TopologyCPUSet().IsEqual(bitmap.NewRange(0, 14)))
	assertInvariants(t, topo)

	_, err := topo.ObjByOSIndex(TypePU, 15)
	require.ErrorIs(t, err, ErrNoSuchObject)

	pu, err := topo.ObjByOSIndex(TypePU, 7)
	require.NoError(t, err)
	require.Equal(t, 1, pu.Parent().Arity())
}

func TestSysfsWholeSystem(t *testing.T) {
	m := testMachine()
	m.AllowedCPUs = "0-7"
	m.AllowedNodes = "0-1"

	topo := loadSysfsTopology(t, m)
	require.Equal(t, 8, topo.NbObjsByType(TypePU))
	require.True(t, topo.AllowedNodeSet().IsEqual(bitmap.NewRange(0, 1)))
	require.Equal(t, uint64(0), topo.ObjByType(TypeNode, 3).Memory.LocalMemory)
	assertInvariants(t, topo)

	topo = loadSysfsTopology(t, m, WithFlags(FlagWholeSystem))
	require.Equal(t, 16, topo.NbObjsByType(TypePU))
	require.Equal(t, uint64(1<<30), topo.ObjByType(TypeNode, 3).Memory.LocalMemory)
	assertInvariants(t, topo)
}

func TestSysfsInvariants(t *testing.T) {
	for _, tc := range []struct {
		name    string
		machine func(*sysfstest.Machine)
		options []Option
	}{
		{
			name:    "dies",
			machine: func(*sysfstest.Machine) {},
		},
		{
			name:    "single die",
			machine: func(m *sysfstest.Machine) { m.DiesPerPackage = 1 },
		},
		{
			name:    "offline threads",
			machine: func(m *sysfstest.Machine) { m.Offline = []int{3, 9} },
		},
		{
			name:    "allowed subset",
			machine: func(m *sysfstest.Machine) { m.AllowedCPUs = "0-5" },
		},
		{
			name:    "allowed subset, whole system",
			machine: func(m *sysfstest.Machine) { m.AllowedCPUs = "0-5" },
			options: []Option{WithFlags(FlagWholeSystem)},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := testMachine()
			tc.machine(m)
			assertInvariants(t, loadSysfsTopology(t, m, tc.options...))
		})
	}
}
