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
	"sort"

	"github.com/containers/hwtopo/pkg/bitmap"
	"github.com/containers/hwtopo/pkg/sysfs"
	"github.com/containers/hwtopo/pkg/utils/cpuset"
)

// sysfsBackend discovers the topology of a Linux system from sysfs and
// procfs mounted under root, the running system if root is empty.
type sysfsBackend struct {
	root   string
	online cpuset.CPUSet
}

func newSysfsBackend(arg string) (Backend, error) {
	root, err := cleanRoot(arg)
	if err != nil {
		return nil, err
	}
	return &sysfsBackend{root: root}, nil
}

func (b *sysfsBackend) Name() string {
	return BackendSysfs
}

func (b *sysfsBackend) IsThisSystem() bool {
	return b.root == ""
}

func (b *sysfsBackend) Discover(t *Topology) error {
	sys, err := sysfs.DiscoverSystemAt(b.root)
	if err != nil {
		return fmt.Errorf("failed to discover system at %q: %w", b.root, err)
	}

	b.online = sys.CPUMasks().Online
	b.discoverRoot(t, sys)

	for _, discover := range []func(*Topology, sysfs.System) error{
		b.discoverNodes,
		b.discoverPackages,
		b.discoverCaches,
		b.discoverCPUs,
	} {
		if err := discover(t, sys); err != nil {
			return err
		}
	}

	return nil
}

// cpus returns the online CPUs of set. Offline CPUs only show up in the
// complete sets of the root.
func (b *sysfsBackend) cpus(set cpuset.CPUSet) *bitmap.Bitmap {
	return bitmap.FromCPUSet(set.Intersection(b.online))
}

func (b *sysfsBackend) discoverRoot(t *Topology, sys sysfs.System) {
	masks := sys.CPUMasks()
	complete := bitmap.FromCPUSet(masks.Complete())
	online := bitmap.FromCPUSet(masks.Online)
	allowed := bitmap.FromCPUSet(sys.AllowedCPUs())
	if allowed.IsZero() {
		allowed = online
	}

	var completeNodes, allowedNodes *bitmap.Bitmap
	if ids := sys.NodeIDs(); len(ids) > 0 {
		completeNodes = bitmap.NewFromIDs(ids...)
		allowedNodes = bitmap.FromCPUSet(sys.AllowedNodes())
		if allowedNodes.IsZero() {
			allowedNodes = completeNodes
		}
	}

	t.SetRootSets(complete, online, allowed, completeNodes, allowedNodes)

	root := t.Root()
	info := sys.MachineInfo()
	names := make([]string, 0, len(info))
	for name := range info {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		root.AddInfo(name, info[name])
	}

	root.AddInfo("Backend", "Linux")
	if b.root != "" {
		root.AddInfo("LinuxFSRoot", b.root)
	} else {
		root.Infos = append(root.Infos, osInfos()...)
	}

	if len(sys.NodeIDs()) == 0 {
		root.Memory.LocalMemory = sys.MemTotal()
		root.Memory.PageTypes = pageTypes(root.Memory.LocalMemory, nil)
	}
}

// pageTypes returns the normal and huge pages of a memory bank.
func pageTypes(memory uint64, huge []sysfs.HugePages) []PageType {
	normal := PageType{Size: sysfs.PageSize()}
	remaining := memory
	types := []PageType{normal}
	for _, hp := range huge {
		if total := hp.Size * hp.Count; total <= remaining {
			remaining -= total
		} else {
			remaining = 0
		}
		types = append(types, PageType{Size: hp.Size, Count: hp.Count})
	}
	types[0].Count = remaining / normal.Size
	return types
}

func (b *sysfsBackend) discoverNodes(t *Topology, sys sysfs.System) error {
	ids := sys.NodeIDs()
	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		n := sys.Node(id)
		obj := t.AllocObject(TypeNode, id)
		obj.CPUSet = b.cpus(n.CPUs)
		obj.NodeSet = bitmap.NewFromIDs(id)

		if info, err := n.MemoryInfo(); err != nil {
			log.Warn("failed to get memory of node #%d: %v", id, err)
		} else {
			obj.Memory.LocalMemory = info.MemTotal
		}
		obj.Memory.PageTypes = pageTypes(obj.Memory.LocalMemory, n.HugePages)

		if kind := n.MemoryType; kind != sysfs.MemoryTypeDRAM {
			obj.AddInfo("MemoryType", kind.String())
		}

		if err := t.InsertDiscovered(obj); err != nil {
			return err
		}
	}

	values := make([]float32, 0, len(ids)*len(ids))
	for _, from := range ids {
		for _, to := range ids {
			d := sys.NodeDistance(from, to)
			if d < 0 {
				log.Warn("no distance from node #%d to #%d, ignoring distances", from, to)
				return nil
			}
			values = append(values, float32(d))
		}
	}

	return t.SetOSDistances(TypeNode, ids, values)
}

func (b *sysfsBackend) discoverPackages(t *Topology, sys sysfs.System) error {
	for _, id := range sys.PackageIDs() {
		pkg := sys.Package(id)
		obj := t.AllocObject(TypeSocket, id)
		obj.CPUSet = b.cpus(pkg.CPUs)
		if err := t.InsertDiscovered(obj); err != nil {
			return err
		}

		if len(pkg.Dies) < 2 {
			continue
		}
		for _, die := range pkg.DieIDs() {
			obj := t.AllocObject(TypeGroup, die)
			obj.Name = "Die"
			obj.CPUSet = b.cpus(pkg.Dies[die].CPUs)
			if err := t.InsertDiscovered(obj); err != nil {
				return err
			}
		}
	}

	return nil
}

func (b *sysfsBackend) discoverCaches(t *Topology, sys sysfs.System) error {
	for _, c := range sys.Caches() {
		if c.Type == sysfs.InstructionCache {
			continue
		}
		obj := t.AllocObject(TypeCache, c.ID)
		obj.CPUSet = b.cpus(c.CPUs)
		obj.Cache = CacheAttr{
			Depth:    c.Level,
			Size:     c.Size,
			LineSize: c.LineSize,
		}
		if err := t.InsertDiscovered(obj); err != nil {
			return err
		}
	}
	return nil
}

func (b *sysfsBackend) discoverCPUs(t *Topology, sys sysfs.System) error {
	hybrid := len(sys.CoreKinds()) > 1
	cores := map[string]struct{}{}

	for _, id := range sys.CPUIDs() {
		cpu := sys.CPU(id)
		if !cpu.Online {
			continue
		}

		threads := cpu.ThreadSet()
		if _, ok := cores[threads.String()]; !ok {
			cores[threads.String()] = struct{}{}
			core := t.AllocObject(TypeCore, cpu.Core)
			core.CPUSet = b.cpus(threads)
			if hybrid {
				core.AddInfo("CoreKind", cpu.Kind.String())
			}
			if err := t.InsertDiscovered(core); err != nil {
				return err
			}
		}

		pu := t.AllocObject(TypePU, id)
		pu.CPUSet = bitmap.NewFromIDs(id)
		if _, err := t.InsertObjectByCPUSet(pu); err != nil {
			return fmt.Errorf("failed to insert %s: %w", pu, err)
		}
	}

	return nil
}

func init() {
	RegisterBackend(BackendSysfs, newSysfsBackend)
}
