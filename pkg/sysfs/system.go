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

// Package sysfs reads the processor, cache and memory layout of a Linux
// system from sysfs and procfs. The filesystem root is configurable so that
// recorded or generated trees can be read in place of the running system.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/prometheus/procfs"

	logger "github.com/containers/hwtopo/pkg/log"
	"github.com/containers/hwtopo/pkg/utils/cpuset"
)

var log = logger.Get("sysfs")

const (
	cpuDir  = "sys/devices/system/cpu"
	nodeDir = "sys/devices/system/node"
	dmiDir  = "sys/class/dmi/id"
	procDir = "proc"
)

// System is a snapshot of the hardware layout found under a filesystem root.
type System interface {
	// Root returns the filesystem root the snapshot was read from.
	Root() string
	// CPUMasks returns the kernel CPU masks.
	CPUMasks() CPUMasks
	CPUIDs() []int
	CPU(id int) *CPU
	PackageIDs() []int
	Package(id int) *Package
	// NodeIDs returns the NUMA node ids, empty without NUMA information.
	NodeIDs() []int
	Node(id int) *Node
	// NodeDistance returns the distance between two nodes, -1 if unknown.
	NodeDistance(from, to int) int
	// Caches returns every distinct cache, by level, type and first CPU.
	Caches() []*Cache
	// AllowedCPUs and AllowedNodes are the resources the reading process
	// may use according to procfs.
	AllowedCPUs() cpuset.CPUSet
	AllowedNodes() cpuset.CPUSet
	// CoreKinds returns the kinds of cores present, more than one on
	// hybrid systems.
	CoreKinds() []CoreKind
	// MachineInfo returns DMI identification by info name.
	MachineInfo() map[string]string
	// MemTotal returns the total memory in bytes according to procfs.
	MemTotal() uint64
}

// CPUMasks are the CPU sets the kernel publishes in devices/system/cpu.
type CPUMasks struct {
	Possible cpuset.CPUSet
	Present  cpuset.CPUSet
	Online   cpuset.CPUSet
	Isolated cpuset.CPUSet
}

// Offline returns the present CPUs which are not online.
func (m CPUMasks) Offline() cpuset.CPUSet {
	return m.Present.Difference(m.Online)
}

// Complete returns every CPU the system may ever run.
func (m CPUMasks) Complete() cpuset.CPUSet {
	return m.Possible.Union(m.Present)
}

type system struct {
	root         string
	masks        CPUMasks
	cpus         map[int]*CPU
	packages     map[int]*Package
	nodes        map[int]*Node
	caches       map[cacheKey]*Cache
	kinds        map[CoreKind]cpuset.CPUSet
	allowedCPUs  cpuset.CPUSet
	allowedNodes cpuset.CPUSet
	machineInfo  map[string]string
	memTotal     uint64
}

// DiscoverSystem reads the running system.
func DiscoverSystem() (System, error) {
	return DiscoverSystemAt("")
}

// DiscoverSystemAt reads a system with sysfs and procfs mounted under root.
func DiscoverSystemAt(root string) (System, error) {
	sys := &system{
		root:        filepath.Join("/", root),
		cpus:        map[int]*CPU{},
		packages:    map[int]*Package{},
		nodes:       map[int]*Node{},
		caches:      map[cacheKey]*Cache{},
		kinds:       map[CoreKind]cpuset.CPUSet{},
		machineInfo: map[string]string{},
	}

	for _, step := range []struct {
		what string
		fn   func() error
	}{
		{"CPUs", sys.readCPUs},
		{"NUMA nodes", sys.readNodes},
		{"packages", sys.collectPackages},
		{"allowed resources", sys.readAllowed},
		{"machine", sys.readMachine},
	} {
		if err := step.fn(); err != nil {
			return nil, fmt.Errorf("failed to discover %s under %s: %w", step.what, sys.root, err)
		}
	}

	if log.DebugEnabled() {
		sys.logSummary()
	}

	return sys, nil
}

func (sys *system) path(elems ...string) string {
	return filepath.Join(append([]string{sys.root}, elems...)...)
}

func (sys *system) logSummary() {
	log.Debug("%s: online CPUs %s, offline %s, isolated %s, allowed %s",
		sys.root, sys.masks.Online, sys.masks.Offline(), sys.masks.Isolated, sys.allowedCPUs)
	for _, id := range sys.PackageIDs() {
		pkg := sys.packages[id]
		log.Debug("  package #%d: cpus %s, nodes %s, %d dies", id, pkg.CPUs, pkg.Nodes, len(pkg.Dies))
	}
	for _, id := range sys.NodeIDs() {
		n := sys.nodes[id]
		log.Debug("  node #%d: cpus %s, distances %v, %s memory", id, n.CPUs, n.Distances, n.MemoryType)
	}
	for _, c := range sys.Caches() {
		log.Debug("  L%d %s cache #%d: %dK, cpus %s", c.Level, c.Type, c.ID, c.Size>>10, c.CPUs)
	}
}

func sortedKeys[T any](m map[int]T) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (sys *system) Root() string       { return sys.root }
func (sys *system) CPUMasks() CPUMasks { return sys.masks }
func (sys *system) CPUIDs() []int      { return sortedKeys(sys.cpus) }
func (sys *system) PackageIDs() []int  { return sortedKeys(sys.packages) }
func (sys *system) NodeIDs() []int     { return sortedKeys(sys.nodes) }

func (sys *system) CPU(id int) *CPU         { return sys.cpus[id] }
func (sys *system) Package(id int) *Package { return sys.packages[id] }
func (sys *system) Node(id int) *Node       { return sys.nodes[id] }

func (sys *system) NodeDistance(from, to int) int {
	n, ok := sys.nodes[from]
	if !ok || to < 0 || to >= len(n.Distances) {
		return -1
	}
	return n.Distances[to]
}

func (sys *system) Caches() []*Cache {
	caches := make([]*Cache, 0, len(sys.caches))
	for _, c := range sys.caches {
		caches = append(caches, c)
	}
	sort.Slice(caches, func(i, j int) bool {
		a, b := caches[i], caches[j]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return cpuset.First(a.CPUs) < cpuset.First(b.CPUs)
	})
	return caches
}

func (sys *system) AllowedCPUs() cpuset.CPUSet     { return sys.allowedCPUs }
func (sys *system) AllowedNodes() cpuset.CPUSet    { return sys.allowedNodes }
func (sys *system) MachineInfo() map[string]string { return sys.machineInfo }
func (sys *system) MemTotal() uint64               { return sys.memTotal }

func (sys *system) CoreKinds() []CoreKind {
	kinds := make([]CoreKind, 0, len(sys.kinds))
	for k := range sys.kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// readAllowed parses Cpus_allowed_list and Mems_allowed_list of the reading
// process. Without them everything online is assumed to be allowed.
func (sys *system) readAllowed() error {
	sys.allowedCPUs = sys.masks.Online
	sys.allowedNodes = cpuset.New(sys.NodeIDs()...)

	status := sys.path(procDir, "self", "status")
	var cpus, mems string
	err := ParseFileEntries(status,
		map[string]interface{}{
			"Cpus_allowed_list": &cpus,
			"Mems_allowed_list": &mems,
		},
		splitColon,
	)
	if err != nil {
		log.Debug("no allowed CPUs or nodes: %v", err)
		return nil
	}

	for _, entry := range []struct {
		value string
		set   *cpuset.CPUSet
	}{
		{cpus, &sys.allowedCPUs},
		{mems, &sys.allowedNodes},
	} {
		if entry.value == "" {
			continue
		}
		if err := parseValue(entry.value, entry.set); err != nil {
			return sysfsError(status, "%v", err)
		}
	}

	return nil
}

var dmiInfoNames = map[string]string{
	"product_name":    "DMIProductName",
	"product_version": "DMIProductVersion",
	"product_serial":  "DMIProductSerial",
	"product_uuid":    "DMIProductUUID",
	"board_vendor":    "DMIBoardVendor",
	"board_name":      "DMIBoardName",
	"board_version":   "DMIBoardVersion",
	"chassis_vendor":  "DMIChassisVendor",
	"chassis_type":    "DMIChassisType",
	"bios_vendor":     "DMIBIOSVendor",
	"bios_version":    "DMIBIOSVersion",
	"bios_date":       "DMIBIOSDate",
	"sys_vendor":      "DMISysVendor",
}

// readMachine collects DMI strings and total memory. Neither is required.
func (sys *system) readMachine() error {
	base := sys.path(dmiDir)
	for entry, name := range dmiInfoNames {
		if value, err := readSysfsEntry(base, entry, nil); err == nil && value != "" {
			sys.machineInfo[name] = value
		}
	}

	fs, err := procfs.NewFS(sys.path(procDir))
	if err != nil {
		log.Debug("no procfs under %s: %v", sys.root, err)
		return nil
	}
	mi, err := fs.Meminfo()
	if err != nil {
		log.Debug("no meminfo under %s: %v", sys.root, err)
		return nil
	}
	if mi.MemTotalBytes != nil {
		sys.memTotal = *mi.MemTotalBytes
	} else if mi.MemTotal != nil {
		sys.memTotal = *mi.MemTotal << 10
	}

	return nil
}

// PageSize returns the size of normal memory pages.
func PageSize() uint64 {
	return uint64(os.Getpagesize())
}
