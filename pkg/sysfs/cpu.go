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

package sysfs

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/containers/hwtopo/pkg/utils/cpuset"
)

// CPU is a logical processor. Topology fields are only read for online
// CPUs since the kernel hides them for offline ones.
type CPU struct {
	ID       int
	Package  int
	Die      int
	Core     int
	Node     int // -1 without NUMA information
	Threads  cpuset.CPUSet
	Online   bool
	Isolated bool
	Kind     CoreKind
	Caches   []*Cache
}

// ThreadSet returns the CPUs sharing the core of c, c itself if unknown.
func (c *CPU) ThreadSet() cpuset.CPUSet {
	if c.Threads.IsEmpty() {
		return cpuset.New(c.ID)
	}
	return c.Threads
}

// CachesAt returns the caches of c at the given level.
func (c *CPU) CachesAt(level int) []*Cache {
	var caches []*Cache
	for _, cch := range c.Caches {
		if cch.Level == level {
			caches = append(caches, cch)
		}
	}
	return caches
}

// CoreKind classifies cores of hybrid processors.
type CoreKind int

const (
	PerformanceCore CoreKind = iota
	EfficientCore
)

var coreKinds = []struct {
	kind CoreKind
	name string
	path string
}{
	{PerformanceCore, "P-core", "sys/devices/cpu_core/cpus"},
	{EfficientCore, "E-core", "sys/devices/cpu_atom/cpus"},
}

func (k CoreKind) String() string {
	for _, ck := range coreKinds {
		if ck.kind == k {
			return ck.name
		}
	}
	return fmt.Sprintf("<core kind %d>", int(k))
}

// CacheType is the kind of content a cache holds.
type CacheType int

const (
	DataCache CacheType = iota
	InstructionCache
	UnifiedCache
)

var cacheTypeNames = map[string]CacheType{
	"Data":        DataCache,
	"Instruction": InstructionCache,
	"Unified":     UnifiedCache,
}

func (t CacheType) String() string {
	for name, typ := range cacheTypeNames {
		if typ == t {
			return name
		}
	}
	return fmt.Sprintf("<cache type %d>", int(t))
}

// Cache is a CPU cache, shared by every CPU listing it.
type Cache struct {
	ID       int // -1 if the kernel does not number caches
	Level    int
	Type     CacheType
	Size     uint64
	LineSize int
	CPUs     cpuset.CPUSet
}

type cacheKey struct {
	level int
	typ   CacheType
	cpus  string
}

func (sys *system) readCPUs() error {
	base := sys.path(cpuDir)
	for name, set := range map[string]*cpuset.CPUSet{
		"possible": &sys.masks.Possible,
		"present":  &sys.masks.Present,
		"online":   &sys.masks.Online,
		"isolated": &sys.masks.Isolated,
	} {
		if _, err := readSysfsEntry(base, name, set); err != nil {
			log.Debug("no %s CPU mask: %v", name, err)
		}
	}

	dirs, _ := filepath.Glob(filepath.Join(base, "cpu[0-9]*"))
	if len(dirs) == 0 {
		return sysfsError(base, "no CPUs found")
	}

	if sys.masks.Online.IsEmpty() {
		ids := make([]int, 0, len(dirs))
		for _, dir := range dirs {
			ids = append(ids, getEnumeratedID(dir))
		}
		sys.masks.Online = cpuset.New(ids...)
		log.Warn("no online CPU mask, assuming CPUs %s are online", sys.masks.Online)
	}
	if sys.masks.Present.IsEmpty() {
		sys.masks.Present = sys.masks.Online
	}
	if sys.masks.Possible.IsEmpty() {
		sys.masks.Possible = sys.masks.Present
	}

	for _, ck := range coreKinds {
		var cpus cpuset.CPUSet
		if _, err := readSysfsEntry(sys.root, ck.path, &cpus); err == nil && !cpus.IsEmpty() {
			sys.kinds[ck.kind] = cpus
		}
	}
	if len(sys.kinds) == 0 {
		sys.kinds[PerformanceCore] = sys.masks.Online
	}

	for _, dir := range dirs {
		c, err := sys.readCPU(dir)
		if err != nil {
			return err
		}
		for kind, cpus := range sys.kinds {
			if cpus.Contains(c.ID) {
				c.Kind = kind
			}
		}
		sys.cpus[c.ID] = c
	}

	return nil
}

func (sys *system) readCPU(dir string) (*CPU, error) {
	c := &CPU{ID: getEnumeratedID(dir), Node: -1}
	c.Online = sys.masks.Online.Contains(c.ID)
	c.Isolated = sys.masks.Isolated.Contains(c.ID)

	switch nodes, _ := filepath.Glob(filepath.Join(dir, "node[0-9]*")); len(nodes) {
	case 0:
	case 1:
		c.Node = getEnumeratedID(nodes[0])
	default:
		return nil, sysfsError(dir, "CPU linked to %d NUMA nodes", len(nodes))
	}

	if !c.Online {
		return c, nil
	}

	topo := filepath.Join(dir, "topology")
	if _, err := readSysfsEntry(topo, "physical_package_id", &c.Package); err != nil {
		return nil, err
	}
	if _, err := readSysfsEntry(topo, "core_id", &c.Core); err != nil {
		return nil, err
	}
	if _, err := readSysfsEntry(topo, "die_id", &c.Die); err != nil {
		c.Die = 0
	}
	_, err := readSysfsEntry(topo, "core_cpus_list", &c.Threads)
	if errors.Is(err, fs.ErrNotExist) {
		_, err = readSysfsEntry(topo, "thread_siblings_list", &c.Threads)
	}
	if err != nil {
		return nil, err
	}

	indexes, _ := filepath.Glob(filepath.Join(dir, "cache", "index[0-9]*"))
	for _, index := range indexes {
		cch, err := readCache(index)
		if err != nil {
			return nil, err
		}
		c.Caches = append(c.Caches, sys.shareCache(cch))
	}

	return c, nil
}

func readCache(dir string) (*Cache, error) {
	c := &Cache{}
	var typ, size string

	for _, entry := range []struct {
		name string
		ptr  interface{}
	}{
		{"level", &c.Level},
		{"type", &typ},
		{"size", &size},
		{"shared_cpu_list", &c.CPUs},
	} {
		if _, err := readSysfsEntry(dir, entry.name, entry.ptr); err != nil {
			return nil, err
		}
	}

	if _, err := readSysfsEntry(dir, "id", &c.ID); err != nil {
		c.ID = -1
	}
	if _, err := readSysfsEntry(dir, "coherency_line_size", &c.LineSize); err != nil {
		c.LineSize = 0
	}

	t, ok := cacheTypeNames[typ]
	if !ok {
		return nil, sysfsError(dir, "unknown cache type %q", typ)
	}
	c.Type = t

	bytes, err := parseSize(size)
	if err != nil {
		return nil, sysfsError(dir, "invalid cache size %q: %v", size, err)
	}
	c.Size = bytes

	return c, nil
}

// shareCache returns the cache already seen with the same level, type and
// sharing CPUs, or records c as a new one.
func (sys *system) shareCache(c *Cache) *Cache {
	key := cacheKey{level: c.Level, typ: c.Type, cpus: c.CPUs.String()}
	if known, ok := sys.caches[key]; ok {
		return known
	}
	sys.caches[key] = c
	return c
}
