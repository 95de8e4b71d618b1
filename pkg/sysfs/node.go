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
	"path/filepath"
	"sort"
	"strings"

	"github.com/containers/hwtopo/pkg/utils/cpuset"
)

// MemoryType tells apart ordinary memory from CPU-less memory-only nodes.
type MemoryType int

const (
	MemoryTypeDRAM MemoryType = iota
	MemoryTypePMEM
	MemoryTypeHBM
)

func (t MemoryType) String() string {
	switch t {
	case MemoryTypeDRAM:
		return "DRAM"
	case MemoryTypePMEM:
		return "PMEM"
	case MemoryTypeHBM:
		return "HBM"
	}
	return ""
}

// Node is a NUMA node.
type Node struct {
	ID           int
	Package      int
	Die          int
	CPUs         cpuset.CPUSet
	Distances    []int // indexed by node id
	HugePages    []HugePages
	MemoryType   MemoryType
	NormalMemory bool // has memory the kernel can allocate for itself
	dir          string
}

// HugePages is the number of reserved huge pages of one size.
type HugePages struct {
	Size  uint64
	Count uint64
}

// MemInfo is the memory usage of a node.
type MemInfo struct {
	MemTotal uint64
	MemFree  uint64
	MemUsed  uint64
}

// MemoryInfo reads the current memory usage of the node.
func (n *Node) MemoryInfo() (*MemInfo, error) {
	path := filepath.Join(n.dir, "meminfo")
	mi := &MemInfo{}

	// Lines look like "Node 0 MemTotal:  16384 kB".
	err := ParseFileEntries(path,
		map[string]interface{}{
			"MemTotal": &mi.MemTotal,
			"MemFree":  &mi.MemFree,
		},
		func(line string) (string, string, error) {
			fields := strings.Fields(line)
			if len(fields) < 4 {
				return "", "", sysfsError(path, "malformed line %q", line)
			}
			return strings.TrimSuffix(fields[2], ":"), strings.Join(fields[3:], " "), nil
		},
	)
	if err != nil {
		return nil, err
	}

	if mi.MemFree > mi.MemTotal {
		return nil, sysfsError(path, "more free (%d) than total (%d) memory", mi.MemFree, mi.MemTotal)
	}
	mi.MemUsed = mi.MemTotal - mi.MemFree

	return mi, nil
}

// Package is a physical processor package.
type Package struct {
	ID    int
	CPUs  cpuset.CPUSet
	Nodes cpuset.CPUSet
	Dies  map[int]*Die
}

// Die is a die of a package.
type Die struct {
	ID    int
	CPUs  cpuset.CPUSet
	Nodes cpuset.CPUSet
}

// DieIDs returns the ids of the dies of p in increasing order.
func (p *Package) DieIDs() []int {
	return sortedKeys(p.Dies)
}

func (sys *system) readNodes() error {
	base := sys.path(nodeDir)
	dirs, _ := filepath.Glob(filepath.Join(base, "node[0-9]*"))
	for _, dir := range dirs {
		n, err := readNode(dir)
		if err != nil {
			return err
		}
		sys.nodes[n.ID] = n
	}

	if len(sys.nodes) == 0 {
		return nil
	}

	all := cpuset.New(sys.NodeIDs()...)
	normal, withMemory := all, all
	if _, err := readSysfsEntry(base, "has_normal_memory", &normal); err != nil {
		log.Debug("assuming normal memory in all nodes: %v", err)
	}
	if _, err := readSysfsEntry(base, "has_memory", &withMemory); err != nil {
		withMemory = normal
	}

	var withCPUs []int
	for id, n := range sys.nodes {
		n.NormalMemory = normal.Contains(id)
		if !n.CPUs.IsEmpty() {
			withCPUs = append(withCPUs, id)
		}
	}

	return sys.classifyMemory(withMemory, cpuset.New(withCPUs...))
}

// classifyMemory marks memory-only nodes as PMEM if they hold at least as
// much memory as an average node with CPUs, or as HBM otherwise.
func (sys *system) classifyMemory(withMemory, withCPUs cpuset.CPUSet) error {
	dram := withMemory.Intersection(withCPUs)
	memOnly := withMemory.Difference(dram)
	if dram.IsEmpty() || memOnly.IsEmpty() {
		return nil
	}

	total := map[int]uint64{}
	var dramTotal uint64
	for _, id := range withMemory.List() {
		n, ok := sys.nodes[id]
		if !ok {
			continue
		}
		mi, err := n.MemoryInfo()
		if err != nil {
			return err
		}
		total[id] = mi.MemTotal
		if dram.Contains(id) {
			dramTotal += mi.MemTotal
		}
	}
	average := dramTotal / uint64(dram.Size())

	for _, id := range memOnly.List() {
		n, ok := sys.nodes[id]
		if !ok {
			continue
		}
		n.MemoryType = MemoryTypeHBM
		if total[id] >= average {
			n.MemoryType = MemoryTypePMEM
		}
		log.Info("node #%d has %s memory", id, n.MemoryType)
	}

	return nil
}

func readNode(dir string) (*Node, error) {
	n := &Node{ID: getEnumeratedID(dir), dir: dir}

	if _, err := readSysfsEntry(dir, "cpulist", &n.CPUs); err != nil {
		return nil, err
	}
	if _, err := readSysfsEntry(dir, "distance", &n.Distances); err != nil {
		log.Debug("node #%d has no distances: %v", n.ID, err)
	}

	pools, _ := filepath.Glob(filepath.Join(dir, "hugepages", "hugepages-*kB"))
	for _, pool := range pools {
		var hp HugePages
		size := strings.TrimPrefix(filepath.Base(pool), "hugepages-")
		if err := parseValue(size, &hp.Size); err != nil {
			return nil, sysfsError(pool, "invalid huge page size: %v", err)
		}
		if _, err := readSysfsEntry(pool, "nr_hugepages", &hp.Count); err != nil {
			return nil, err
		}
		n.HugePages = append(n.HugePages, hp)
	}
	sort.Slice(n.HugePages, func(i, j int) bool {
		return n.HugePages[i].Size < n.HugePages[j].Size
	})

	return n, nil
}

// collectPackages groups online CPUs by package and die, then records the
// package and die of each node.
func (sys *system) collectPackages() error {
	for _, c := range sys.cpus {
		if !c.Online {
			continue
		}
		pkg, ok := sys.packages[c.Package]
		if !ok {
			pkg = &Package{ID: c.Package, Dies: map[int]*Die{}}
			sys.packages[c.Package] = pkg
		}
		die, ok := pkg.Dies[c.Die]
		if !ok {
			die = &Die{ID: c.Die}
			pkg.Dies[c.Die] = die
		}

		pkg.CPUs = cpuset.Add(pkg.CPUs, c.ID)
		die.CPUs = cpuset.Add(die.CPUs, c.ID)
		if c.Node >= 0 {
			pkg.Nodes = cpuset.Add(pkg.Nodes, c.Node)
			die.Nodes = cpuset.Add(die.Nodes, c.Node)
		}
	}

	for _, pkg := range sys.packages {
		for _, die := range pkg.Dies {
			for _, id := range die.Nodes.List() {
				if n, ok := sys.nodes[id]; ok {
					n.Package = pkg.ID
					n.Die = die.ID
				}
			}
		}
	}

	return nil
}
