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

// Package sysfstest generates fake sysfs and procfs trees describing
// regular symmetric machines, for testing discovery without real hardware.
package sysfstest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containers/hwtopo/pkg/utils/cpuset"
)

// Machine describes a symmetric machine. CPUs are numbered the way Linux
// usually does: the first thread of every core, then the second thread of
// every core, and so on.
type Machine struct {
	Packages        int
	DiesPerPackage  int
	CoresPerDie     int
	ThreadsPerCore  int
	NodesPerPackage int    // 0 for a machine without NUMA information
	NodeMemory      uint64 // bytes per node
	HugePages       map[uint64]uint64
	Offline         []int
	Isolated        []int
	AllowedCPUs     string // Cpus_allowed_list, online CPUs if empty
	AllowedNodes    string // Mems_allowed_list, all nodes if empty
	DMI             map[string]string
}

const (
	// DefaultNodeMemory is the per node memory if none is set.
	DefaultNodeMemory = uint64(16) << 30
	// L1Size is the size of L1 data and instruction caches.
	L1Size = 32 << 10
	// L2Size is the size of per core L2 caches.
	L2Size = 1 << 20
	// L3Size is the size of per die L3 caches.
	L3Size = 32 << 20
	// LineSize is the coherency line size of all caches.
	LineSize = 64
)

func (m *Machine) normalize() {
	if m.Packages < 1 {
		m.Packages = 1
	}
	if m.DiesPerPackage < 1 {
		m.DiesPerPackage = 1
	}
	if m.CoresPerDie < 1 {
		m.CoresPerDie = 1
	}
	if m.ThreadsPerCore < 1 {
		m.ThreadsPerCore = 1
	}
	if m.NodeMemory == 0 {
		m.NodeMemory = DefaultNodeMemory
	}
}

// Cores returns the total number of cores.
func (m *Machine) Cores() int {
	return m.Packages * m.DiesPerPackage * m.CoresPerDie
}

// CPUs returns the total number of logical CPUs.
func (m *Machine) CPUs() int {
	return m.Cores() * m.ThreadsPerCore
}

// Nodes returns the total number of NUMA nodes.
func (m *Machine) Nodes() int {
	return m.Packages * m.NodesPerPackage
}

// CPU returns the id of the given thread of the given core.
func (m *Machine) CPU(core, thread int) int {
	return thread*m.Cores() + core
}

type cpuInfo struct {
	id      int
	pkg     int
	die     int // global die index
	core    int // global core index
	node    int
	threads cpuset.CPUSet
}

func (m *Machine) cpu(id int) cpuInfo {
	cores := m.Cores()
	core := id % cores
	coresPerPkg := m.DiesPerPackage * m.CoresPerDie

	info := cpuInfo{
		id:   id,
		pkg:  core / coresPerPkg,
		die:  core / m.CoresPerDie,
		core: core,
		node: -1,
	}

	if m.NodesPerPackage > 0 {
		info.node = info.pkg*m.NodesPerPackage + (core%coresPerPkg)*m.NodesPerPackage/coresPerPkg
	}

	threads := make([]int, 0, m.ThreadsPerCore)
	for t := 0; t < m.ThreadsPerCore; t++ {
		threads = append(threads, m.CPU(core, t))
	}
	info.threads = cpuset.New(threads...)

	return info
}

// Online returns the set of online CPUs.
func (m *Machine) Online() cpuset.CPUSet {
	m.normalize()
	return cpuset.Range(0, m.CPUs()-1).Difference(cpuset.New(m.Offline...))
}

// NodeCPUs returns the set of online CPUs in the given node.
func (m *Machine) NodeCPUs(node int) cpuset.CPUSet {
	m.normalize()
	cpus := []int{}
	for _, id := range m.Online().List() {
		if m.cpu(id).node == node {
			cpus = append(cpus, id)
		}
	}
	return cpuset.New(cpus...)
}

// Write creates the sysfs and procfs tree for the machine under root.
func (m *Machine) Write(root string) error {
	m.normalize()

	w := &writer{root: root}
	all := cpuset.Range(0, m.CPUs()-1)
	online := m.Online()

	cpuDir := "sys/devices/system/cpu"
	w.file(cpuDir, "possible", all.String())
	w.file(cpuDir, "present", all.String())
	w.file(cpuDir, "online", online.String())
	w.file(cpuDir, "isolated", cpuset.New(m.Isolated...).String())

	for id := 0; id < m.CPUs(); id++ {
		m.writeCPU(w, cpuDir, m.cpu(id), online)
	}

	nodes := cpuset.New()
	if m.NodesPerPackage > 0 {
		nodeDir := "sys/devices/system/node"
		for id := 0; id < m.Nodes(); id++ {
			nodes = cpuset.Add(nodes, id)
			m.writeNode(w, filepath.Join(nodeDir, "node"+strconv.Itoa(id)), id)
		}
		w.file(nodeDir, "possible", nodes.String())
		w.file(nodeDir, "online", nodes.String())
		w.file(nodeDir, "has_memory", nodes.String())
		w.file(nodeDir, "has_normal_memory", nodes.String())
		w.file(nodeDir, "has_cpu", nodes.String())
	}

	dmi := m.DMI
	if dmi == nil {
		dmi = map[string]string{
			"sys_vendor":   "Test Vendor",
			"product_name": "Test Machine",
		}
	}
	for entry, value := range dmi {
		w.file("sys/class/dmi/id", entry, value)
	}

	allowedCPUs := m.AllowedCPUs
	if allowedCPUs == "" {
		allowedCPUs = online.String()
	}
	allowedNodes := m.AllowedNodes
	if allowedNodes == "" {
		allowedNodes = nodes.String()
		if nodes.IsEmpty() {
			allowedNodes = "0"
		}
	}
	w.file("proc/self", "status", strings.Join([]string{
		"Name:\thwtopo",
		"State:\tR (running)",
		"Cpus_allowed_list:\t" + allowedCPUs,
		"Mems_allowed_list:\t" + allowedNodes,
	}, "\n"))

	total := m.NodeMemory * uint64(max(m.Nodes(), 1))
	w.file("proc", "meminfo", fmt.Sprintf("MemTotal:       %d kB\nMemFree:        %d kB",
		total>>10, total>>11))

	return w.err
}

// writeCPU writes the details of a CPU. Like the kernel, it lists online
// CPUs only as siblings and cache sharers.
func (m *Machine) writeCPU(w *writer, base string, info cpuInfo, online cpuset.CPUSet) {
	dir := filepath.Join(base, "cpu"+strconv.Itoa(info.id))
	w.dir(dir)

	if info.node >= 0 {
		w.dir(filepath.Join(dir, "node"+strconv.Itoa(info.node)))
	}

	if !online.Contains(info.id) {
		w.file(dir, "online", "0")
		return
	}
	if info.id != 0 {
		w.file(dir, "online", "1")
	}

	topo := filepath.Join(dir, "topology")
	w.file(topo, "physical_package_id", strconv.Itoa(info.pkg))
	w.file(topo, "die_id", strconv.Itoa(info.die%m.DiesPerPackage))
	w.file(topo, "cluster_id", strconv.Itoa(info.core))
	w.file(topo, "core_id", strconv.Itoa(info.core%m.CoresPerDie))
	threads := info.threads.Intersection(online)
	w.file(topo, "core_cpus_list", threads.String())
	w.file(topo, "thread_siblings_list", threads.String())

	dieCPUs := []int{}
	for c := info.die * m.CoresPerDie; c < (info.die+1)*m.CoresPerDie; c++ {
		for t := 0; t < m.ThreadsPerCore; t++ {
			dieCPUs = append(dieCPUs, m.CPU(c, t))
		}
	}

	caches := []struct {
		level int
		kind  string
		size  int
		id    int
		cpus  cpuset.CPUSet
	}{
		{1, "Data", L1Size, info.core, threads},
		{1, "Instruction", L1Size, info.core, threads},
		{2, "Unified", L2Size, info.core, threads},
		{3, "Unified", L3Size, info.die, cpuset.New(dieCPUs...).Intersection(online)},
	}
	for idx, c := range caches {
		cdir := filepath.Join(dir, "cache", "index"+strconv.Itoa(idx))
		w.file(cdir, "id", strconv.Itoa(c.id))
		w.file(cdir, "level", strconv.Itoa(c.level))
		w.file(cdir, "type", c.kind)
		w.file(cdir, "size", strconv.Itoa(c.size>>10)+"K")
		w.file(cdir, "coherency_line_size", strconv.Itoa(LineSize))
		w.file(cdir, "shared_cpu_list", c.cpus.String())
	}
}

func (m *Machine) writeNode(w *writer, dir string, id int) {
	w.file(dir, "cpulist", m.NodeCPUs(id).String())

	dist := make([]string, m.Nodes())
	for other := range dist {
		switch {
		case other == id:
			dist[other] = "10"
		case other/m.NodesPerPackage == id/m.NodesPerPackage:
			dist[other] = "12"
		default:
			dist[other] = "21"
		}
	}
	w.file(dir, "distance", strings.Join(dist, " "))

	kb := m.NodeMemory >> 10
	w.file(dir, "meminfo", fmt.Sprintf(
		"Node %d MemTotal:       %d kB\nNode %d MemFree:        %d kB\nNode %d MemUsed:        %d kB",
		id, kb, id, kb/2, id, kb-kb/2))

	for size, count := range m.HugePages {
		hdir := filepath.Join(dir, "hugepages", fmt.Sprintf("hugepages-%dkB", size>>10))
		w.file(hdir, "nr_hugepages", strconv.FormatUint(count, 10))
		w.file(hdir, "free_hugepages", strconv.FormatUint(count, 10))
	}
}

// writer creates files, remembering the first error.
type writer struct {
	root string
	err  error
}

func (w *writer) dir(dir string) {
	if w.err != nil {
		return
	}
	w.err = os.MkdirAll(filepath.Join(w.root, dir), 0o755)
}

func (w *writer) file(dir, name, content string) {
	w.dir(dir)
	if w.err != nil {
		return
	}
	w.err = os.WriteFile(filepath.Join(w.root, dir, name), []byte(content+"\n"), 0o644)
}
