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

package x86

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/hwtopo/pkg/topology"
)

func noEnv(string) (string, bool) { return "", false }

func TestDerive(t *testing.T) {
	for _, tc := range []struct {
		name     string
		info     Info
		apic     []int
		expected [][3]int // package, core, thread
	}{
		{
			name: "single threaded cores",
			info: Info{ThreadsPerCore: 1, LogicalPerPackage: 4},
			apic: []int{0, 1, 2, 3, 4},
			expected: [][3]int{
				{0, 0, 0}, {0, 1, 0}, {0, 2, 0}, {0, 3, 0}, {1, 0, 0},
			},
		},
		{
			name: "two threads per core",
			info: Info{ThreadsPerCore: 2, LogicalPerPackage: 8},
			apic: []int{0, 1, 6, 7, 8, 13},
			expected: [][3]int{
				{0, 0, 0}, {0, 0, 1}, {0, 3, 0}, {0, 3, 1}, {1, 0, 0}, {1, 2, 1},
			},
		},
		{
			name: "core count not a power of two",
			info: Info{ThreadsPerCore: 2, LogicalPerPackage: 12},
			apic: []int{11, 15, 16},
			expected: [][3]int{
				{0, 5, 1}, {0, 7, 1}, {1, 0, 0},
			},
		},
		{
			name: "unknown counts",
			info: Info{},
			apic: []int{0, 1, 2},
			expected: [][3]int{
				{0, 0, 0}, {1, 0, 0}, {2, 0, 0},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			procs := make([]Proc, 0, len(tc.apic))
			for i, apic := range tc.apic {
				procs = append(procs, Proc{OSIndex: i, APICID: apic})
			}

			derived := Derive(procs, tc.info)
			require.Len(t, derived, len(tc.expected))
			for i, p := range derived {
				require.Equal(t, i, p.OSIndex)
				require.Equal(t, tc.expected[i], [3]int{p.Package, p.Core, p.Thread}, "APIC id %d", p.APICID)
			}
		})
	}
}

const testBackend = "x86-test"

var (
	testProcs []Proc
	testInfo  Info
)

type testBuilder struct{}

func (testBuilder) Name() string       { return testBackend }
func (testBuilder) IsThisSystem() bool { return false }
func (testBuilder) Discover(t *topology.Topology) error {
	return Build(t, testProcs, testInfo)
}

func init() {
	topology.RegisterBackend(testBackend, func(string) (topology.Backend, error) {
		return testBuilder{}, nil
	})
}

func TestBuild(t *testing.T) {
	testInfo = Info{
		Vendor:            "GenuineIntel",
		Brand:             "Test CPU",
		Family:            6,
		Model:             85,
		ThreadsPerCore:    2,
		LogicalPerPackage: 4,
		L1D:               32 << 10,
		L2:                1 << 20,
		L3:                16 << 20,
		CacheLine:         64,
	}
	// Linux numbering: first threads of all cores, then second threads.
	testProcs = Derive([]Proc{
		{OSIndex: 0, APICID: 0},
		{OSIndex: 1, APICID: 2},
		{OSIndex: 2, APICID: 4},
		{OSIndex: 3, APICID: 6},
		{OSIndex: 4, APICID: 1},
		{OSIndex: 5, APICID: 3},
		{OSIndex: 6, APICID: 5},
		{OSIndex: 7, APICID: 7},
	}, testInfo)

	topo, err := topology.New(
		topology.WithLookupEnv(noEnv),
		topology.WithBackend(testBackend, ""),
	)
	require.NoError(t, err)
	require.NoError(t, topo.Load())
	defer topo.Destroy()

	require.Equal(t, 2, topo.NbObjsByType(topology.TypeSocket))
	require.Equal(t, 4, topo.NbObjsByType(topology.TypeCore))
	require.Equal(t, 8, topo.NbObjsByType(topology.TypePU))
	require.Len(t, topo.ObjsByType(topology.TypeCache), 2+4+4)

	sock1 := topo.ObjByType(topology.TypeSocket, 1)
	require.Equal(t, 1, sock1.OSIndex)
	require.Equal(t, "2-3,6-7", sock1.CPUSet.String())

	l3 := sock1.FirstChild()
	require.Equal(t, topology.TypeCache, l3.Type)
	require.Equal(t, 3, l3.Cache.Depth)
	require.Equal(t, uint64(16<<20), l3.Cache.Size)

	core := topo.ObjByType(topology.TypeCore, 0)
	require.Equal(t, "0,4", core.CPUSet.String())
	require.Equal(t, 2, core.Arity())
	require.Equal(t, topology.TypeCache, core.Parent().Type)
	require.Equal(t, 1, core.Parent().Cache.Depth)

	vendor, ok := topo.Root().GetInfo("CPUVendor")
	require.True(t, ok)
	require.Equal(t, "GenuineIntel", vendor)

	require.Error(t, Build(topo, nil, testInfo))
}

func TestDiscover(t *testing.T) {
	if runtime.GOOS != "linux" || (runtime.GOARCH != "amd64" && runtime.GOARCH != "386") {
		t.Skip("CPUID discovery needs Linux on x86")
	}

	cpus, err := allowedCPUs()
	require.NoError(t, err)

	topo, err := topology.New(
		topology.WithLookupEnv(noEnv),
		topology.WithBackend(topology.BackendX86, ""),
	)
	require.NoError(t, err)
	if err := topo.Load(); err != nil {
		t.Skipf("CPUID discovery failed: %v", err)
	}
	defer topo.Destroy()

	require.True(t, topo.IsThisSystem())
	require.Equal(t, len(cpus), topo.NbObjsByType(topology.TypePU))

	after, err := allowedCPUs()
	require.NoError(t, err)
	require.Equal(t, cpus, after)
}
