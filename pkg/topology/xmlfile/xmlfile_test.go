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

package xmlfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/containers/hwtopo/pkg/sysfs/sysfstest"
	"github.com/containers/hwtopo/pkg/topology"
)

func noEnv(string) (string, bool) { return "", false }

// objectSnapshot is the comparable state of an object.
type objectSnapshot struct {
	Type         string
	OSIndex      int
	Depth        int
	LogicalIndex int
	Name         string
	Sets         [7]string
	Memory       topology.MemoryAttr
	Cache        topology.CacheAttr
	Group        topology.GroupAttr
	Infos        []topology.Info
	Distances    []topology.Distances
}

func snapshot(t *topology.Topology) []objectSnapshot {
	var (
		objs []objectSnapshot
		walk func(*topology.Object)
	)
	walk = func(obj *topology.Object) {
		s := objectSnapshot{
			Type:         obj.TypeString(),
			OSIndex:      obj.OSIndex,
			Depth:        obj.Depth(),
			LogicalIndex: obj.LogicalIndex(),
			Name:         obj.Name,
			Sets: [7]string{
				obj.CPUSet.String(),
				obj.CompleteCPUSet.String(),
				obj.OnlineCPUSet.String(),
				obj.AllowedCPUSet.String(),
				obj.NodeSet.String(),
				obj.CompleteNodeSet.String(),
				obj.AllowedNodeSet.String(),
			},
			Memory: obj.Memory,
			Cache:  obj.Cache,
			Group:  obj.Group,
			Infos:  obj.Infos,
		}
		for _, d := range obj.Distances {
			s.Distances = append(s.Distances, *d)
		}
		objs = append(objs, s)
		for _, child := range obj.Children() {
			walk(child)
		}
	}
	walk(t.Root())
	return objs
}

func loadXML(t *testing.T, path string) *topology.Topology {
	topo, err := topology.New(topology.WithLookupEnv(noEnv))
	require.NoError(t, err)
	require.NoError(t, topo.SetXML(path))
	require.NoError(t, topo.Load())
	t.Cleanup(topo.Destroy)
	return topo
}

func writeFile(t *testing.T, content []byte) string {
	path := filepath.Join(t.TempDir(), "topology.xml")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name    string
		machine *sysfstest.Machine
	}{
		{
			name: "NUMA machine with dies",
			machine: &sysfstest.Machine{
				Packages:        2,
				DiesPerPackage:  2,
				CoresPerDie:     2,
				ThreadsPerCore:  2,
				NodesPerPackage: 2,
				NodeMemory:      1 << 30,
				HugePages:       map[uint64]uint64{2 << 20: 16},
			},
		},
		{
			name: "offline processor",
			machine: &sysfstest.Machine{
				Packages:        1,
				CoresPerDie:     4,
				ThreadsPerCore:  2,
				NodesPerPackage: 1,
				Offline:         []int{5},
			},
		},
		{
			name: "no NUMA information",
			machine: &sysfstest.Machine{
				Packages:       2,
				CoresPerDie:    2,
				ThreadsPerCore: 1,
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, tc.machine.Write(dir))

			orig, err := topology.New(topology.WithLookupEnv(noEnv))
			require.NoError(t, err)
			require.NoError(t, orig.SetFSRoot(dir))
			require.NoError(t, orig.Load())
			defer orig.Destroy()

			path := filepath.Join(t.TempDir(), "topology.xml")
			require.NoError(t, ExportFile(orig, path))

			loaded := loadXML(t, path)
			require.Equal(t, topology.BackendXML, loaded.Backend())
			require.False(t, loaded.IsThisSystem())

			if diff := cmp.Diff(snapshot(orig), snapshot(loaded)); diff != "" {
				t.Errorf("imported topology differs (-exported +imported):\n%s", diff)
			}
		})
	}
}

func TestExportNotLoaded(t *testing.T) {
	topo, err := topology.New(topology.WithLookupEnv(noEnv))
	require.NoError(t, err)
	require.ErrorIs(t, Export(topo, &bytes.Buffer{}), topology.ErrNotLoaded)
}

const handWritten = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE topology SYSTEM "hwloc.dtd">
<topology>
  <object type="Machine" os_index="0" cpuset="0x0000000f" complete_cpuset="0x000000ff" online_cpuset="0x0000000f" allowed_cpuset="0x0000000f" nodeset="0x00000003" complete_nodeset="0x00000003" allowed_nodeset="0x00000003">
    <info name="Backend" value="Linux"/>
    <distances nbobjs="2" relative_depth="1" latency_base="10">
      <latency value="1"/>
      <latency value="2.1"/>
      <latency value="2.1"/>
      <latency value="1"/>
    </distances>
    <distances nbobjs="3" relative_depth="2" latency_base="10">
      <latency value="1"/>
      <latency value="1"/>
      <latency value="1"/>
      <latency value="1"/>
      <latency value="1"/>
      <latency value="1"/>
      <latency value="1"/>
      <latency value="1"/>
      <latency value="1"/>
    </distances>
    <object type="NUMANode" os_index="0" cpuset="0-1" nodeset="0" local_memory="1073741824">
      <page_type size="4096" count="262144"/>
      <object type="Core" os_index="0" cpuset="0-1">
        <object type="PU" os_index="0" cpuset="0"/>
        <object type="PU" os_index="1" cpuset="1"/>
      </object>
    </object>
    <object type="NUMANode" os_index="1" cpuset="0x0000000c" nodeset="0x00000002" local_memory="1073741824">
      <object type="Core" os_index="1" cpuset="2-3">
        <object type="PU" os_index="2" cpuset="2"/>
        <object type="PU" os_index="3" cpuset="3"/>
      </object>
      <object type="Misc" name="annotation"/>
      <object type="Bogus" cpuset="2"/>
      <object type="Core" os_index="7" cpuset="0xzz"/>
    </object>
  </object>
</topology>
`

func TestImport(t *testing.T) {
	topo := loadXML(t, writeFile(t, []byte(handWritten)))

	require.Equal(t, 4, topo.Depth())
	require.Equal(t, 2, topo.NbObjsByType(topology.TypeNode))
	require.Equal(t, 2, topo.NbObjsByType(topology.TypeCore))
	require.Equal(t, 4, topo.NbObjsByType(topology.TypePU))
	require.Equal(t, "0-7", topo.CompleteCPUSet().String())
	require.Equal(t, uint64(2<<30), topo.Root().Memory.TotalMemory)

	node0 := topo.ObjByType(topology.TypeNode, 0)
	require.Equal(t, []topology.PageType{{Size: 4096, Count: 262144}}, node0.Memory.PageTypes)

	misc := topo.MiscObjects()
	require.Len(t, misc, 1)
	require.Equal(t, "annotation", misc[0].Name)
	require.Equal(t, topology.TypeNode, misc[0].Parent().Type)

	backend, ok := topo.Root().GetInfo("Backend")
	require.True(t, ok)
	require.Equal(t, "Linux", backend)

	owner, d := topo.Distances(topo.TypeDepth(topology.TypeNode))
	require.Equal(t, topo.Root(), owner)
	require.Equal(t, []float32{1, 2.1, 2.1, 1}, d.Latency)
	require.Equal(t, float32(2.1), d.LatencyMax)

	owner, d = topo.Distances(topo.TypeDepth(topology.TypeCore))
	require.Nil(t, owner)
	require.Nil(t, d)
}

func TestImportDiagnostics(t *testing.T) {
	topo, err := topology.New(
		topology.WithLookupEnv(noEnv),
		topology.WithBackend(topology.BackendNoOS, ""),
	)
	require.NoError(t, err)
	require.NoError(t, topo.Load())
	defer topo.Destroy()

	b, err := NewBackend("unused")
	require.NoError(t, err)
	require.NoError(t, b.Import(topo, bytes.NewBufferString(handWritten)))

	diags := b.Diagnostics()
	require.Error(t, diags)
	require.Contains(t, diags.Error(), `unknown object type "bogus"`)
	require.Contains(t, diags.Error(), "invalid cpuset")
}

func TestImportErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
	}{
		{
			name: "not XML",
			doc:  "node:2 pu:2",
		},
		{
			name: "no root object",
			doc:  "<topology></topology>",
		},
		{
			name: "invalid root type",
			doc:  `<topology><object type="Core" cpuset="0x1"/></topology>`,
		},
		{
			name: "root without cpuset",
			doc:  `<topology><object type="Machine"/></topology>`,
		},
		{
			name: "invalid root cpuset",
			doc:  `<topology><object type="Machine" cpuset="1-0"/></topology>`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			topo, err := topology.New(topology.WithLookupEnv(noEnv))
			require.NoError(t, err)
			require.NoError(t, topo.SetXML(writeFile(t, []byte(tc.doc))))
			require.Error(t, topo.Load())
			require.False(t, topo.IsLoaded())
		})
	}

	_, err := NewBackend("")
	require.ErrorIs(t, err, topology.ErrInvalidArgument)
}

func TestParseSet(t *testing.T) {
	for _, tc := range []struct {
		value    string
		expected string
		invalid  bool
	}{
		{value: "0x000000ff", expected: "0-7"},
		{value: "0x00000001,0x00000000", expected: "32"},
		{value: "0xf...f,0xfffffff0", expected: "4-"},
		{value: "0-3,8", expected: "0-3,8"},
		{value: "0xfoo", invalid: true},
		{value: "3-1", invalid: true},
	} {
		t.Run(tc.value, func(t *testing.T) {
			set, err := parseSet("cpuset", tc.value)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, set.String())
		})
	}

	set, err := parseSet("cpuset", "")
	require.NoError(t, err)
	require.Nil(t, set)
}
