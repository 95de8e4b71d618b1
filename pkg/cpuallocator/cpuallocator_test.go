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

package cpuallocator

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/hwtopo/pkg/bitmap"
	logger "github.com/containers/hwtopo/pkg/log"
	"github.com/containers/hwtopo/pkg/topology"

	// synthetic test topologies
	_ "github.com/containers/hwtopo/pkg/topology/synthetic"
)

func noEnv(string) (string, bool) { return "", false }

func loadSynthetic(t *testing.T, description string) *topology.Topology {
	if v := os.Getenv("ENABLE_DEBUG"); v != "" {
		logger.EnableDebug(logSource)
	}

	topo, err := topology.New(
		topology.WithLookupEnv(noEnv),
		topology.WithBackend(topology.BackendSynthetic, description),
	)
	require.NoError(t, err)
	require.NoError(t, topo.Load())
	t.Cleanup(topo.Destroy)

	return topo
}

func TestAllocatorHelper(t *testing.T) {
	flat := loadSynthetic(t, "socket:2 core:4 pu:2")
	cached := loadSynthetic(t, "socket:2 cache:2 core:2 pu:2")
	numa := loadSynthetic(t, "node:2 socket:2 core:2 pu:2")

	tcs := []struct {
		description string
		topo        *topology.Topology
		from        string
		flags       AllocFlag
		cnt         int
		expected    string
		left        string
	}{
		{
			description: "idle socket",
			topo:        flat,
			from:        "0-15",
			flags:       AllocDefault,
			cnt:         8,
			expected:    "0-7",
			left:        "8-15",
		},
		{
			description: "idle socket and core",
			topo:        flat,
			from:        "0-15",
			flags:       AllocDefault,
			cnt:         10,
			expected:    "0-9",
			left:        "10-15",
		},
		{
			description: "only idle socket",
			topo:        flat,
			from:        "1-15",
			flags:       AllocDefault,
			cnt:         8,
			expected:    "8-15",
			left:        "1-7",
		},
		{
			description: "pack into the fuller socket",
			topo:        flat,
			from:        "1,3-5,8-15",
			flags:       AllocDefault,
			cnt:         3,
			expected:    "1,4-5",
			left:        "3,8-15",
		},
		{
			description: "threads only",
			topo:        flat,
			from:        "0-15",
			cnt:         3,
			expected:    "0-2",
			left:        "3-15",
		},
		{
			description: "idle cache in the fuller socket",
			topo:        cached,
			from:        "2-15",
			flags:       AllocDefault,
			cnt:         4,
			expected:    "4-7",
			left:        "2-3,8-15",
		},
		{
			description: "idle node",
			topo:        numa,
			from:        "0-15",
			flags:       AllocDefault,
			cnt:         8,
			expected:    "0-7",
			left:        "8-15",
		},
		{
			description: "nothing to allocate",
			topo:        flat,
			from:        "0-15",
			flags:       AllocDefault,
			cnt:         0,
			expected:    "",
			left:        "0-15",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.description, func(t *testing.T) {
			a := newAllocatorHelper(tc.topo)
			a.from = bitmap.MustParse(tc.from)
			a.flags = tc.flags
			a.cnt = tc.cnt
			result := a.allocate()
			require.Equal(t, tc.expected, result.String())
			require.Equal(t, tc.left, a.from.String())
		})
	}
}

func TestAllocateCpus(t *testing.T) {
	topo := loadSynthetic(t, "socket:2 core:4 pu:2")
	ca := NewCPUAllocator(topo)

	from := bitmap.MustParse("2,3,10-14")
	_, err := ca.AllocateCpus(from, 8)
	require.Error(t, err, "too few available CPUs")
	require.Equal(t, "2-3,10-14", from.String())

	_, err = ca.AllocateCpus(from, -1)
	require.Error(t, err)

	all, err := ca.AllocateCpus(from, 7)
	require.NoError(t, err)
	require.Equal(t, "2-3,10-14", all.String())
	require.True(t, from.IsZero())

	from = bitmap.MustParse("0-15")
	cpus, err := ca.AllocateCpus(from, 4, WithAllocFlags(AllocIdleCores))
	require.NoError(t, err)
	require.Equal(t, "0-3", cpus.String())
	require.Equal(t, "4-15", from.String())

	cpus, err = ca.AllocateCpus(from, 1)
	require.NoError(t, err)
	require.Equal(t, "4", cpus.String())
	require.Equal(t, "5-15", from.String())

	_, err = ca.AllocateCpus(bitmap.MustParse("0-3,32-40"), 10)
	require.Error(t, err, "CPUs not in the topology")
}

func TestReleaseCpus(t *testing.T) {
	topo := loadSynthetic(t, "socket:2 core:4 pu:2")
	ca := NewCPUAllocator(topo)

	from := bitmap.MustParse("0-15")
	released, err := ca.ReleaseCpus(from, 6)
	require.NoError(t, err)
	require.Equal(t, "10-15", released.String())
	require.Equal(t, "0-9", from.String())

	released, err = ca.ReleaseCpus(from, 0)
	require.NoError(t, err)
	require.True(t, released.IsZero())
	require.Equal(t, "0-9", from.String())

	_, err = ca.ReleaseCpus(from, 11)
	require.Error(t, err)
}

func TestNotLoaded(t *testing.T) {
	topo, err := topology.New(topology.WithLookupEnv(noEnv))
	require.NoError(t, err)

	_, err = NewCPUAllocator(topo).AllocateCpus(bitmap.MustParse("0-3"), 2)
	require.ErrorIs(t, err, topology.ErrNotLoaded)
}
