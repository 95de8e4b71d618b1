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

package sysfs_test

import (
	"os"

	"github.com/containers/hwtopo/pkg/sysfs"
	"github.com/containers/hwtopo/pkg/sysfs/sysfstest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type (
	System    = sysfs.System
	CacheType = sysfs.CacheType
)

const (
	Data        = sysfs.DataCache
	Instruction = sysfs.InstructionCache
	Unified     = sysfs.UnifiedCache
	K           = uint64(1024)
	M           = 1024 * K
	G           = 1024 * M
)

var (
	// 2 packages, 2 dies per package, one NUMA node per die,
	// 2 cores per die, 2 threads per core.
	sample1 = &sysfstest.Machine{
		Packages:        2,
		DiesPerPackage:  2,
		CoresPerDie:     2,
		ThreadsPerCore:  2,
		NodesPerPackage: 2,
		HugePages:       map[uint64]uint64{2 * M: 16, G: 2},
	}
	// single package without NUMA information, last CPU offline
	sample2 = &sysfstest.Machine{
		CoresPerDie:    4,
		ThreadsPerCore: 2,
		Offline:        []int{7},
		AllowedCPUs:    "0-3",
	}
	samples = map[string]System{}
)

func discover(m *sysfstest.Machine) System {
	root, err := os.MkdirTemp("", "sysfs-test-")
	Expect(err).To(BeNil())
	DeferCleanup(os.RemoveAll, root)

	Expect(m.Write(root)).To(Succeed())
	sys, err := sysfs.DiscoverSystemAt(root)
	Expect(err).To(BeNil())
	Expect(sys).ToNot(BeNil())
	return sys
}

var _ = BeforeEach(func() {
	samples["sample1"] = discover(sample1)
	samples["sample2"] = discover(sample2)
})

var _ = Describe("CPU discovery", func() {
	It("finds all CPUs, packages and threads", func() {
		sys := samples["sample1"]
		Expect(sys.CPUIDs()).To(HaveLen(16))
		Expect(sys.PackageIDs()).To(Equal([]int{0, 1}))
		Expect(sys.CPU(5).ThreadSet().Size()).To(Equal(2))
		Expect(sys.CPUMasks().Online.String()).To(Equal("0-15"))
		Expect(sys.CPUMasks().Offline().IsEmpty()).To(BeTrue())
		Expect(sys.CoreKinds()).To(Equal([]sysfs.CoreKind{sysfs.PerformanceCore}))
	})

	It("handles offline CPUs", func() {
		sys := samples["sample2"]
		masks := sys.CPUMasks()
		Expect(masks.Possible.String()).To(Equal("0-7"))
		Expect(masks.Complete().String()).To(Equal("0-7"))
		Expect(masks.Online.String()).To(Equal("0-6"))
		Expect(masks.Offline().String()).To(Equal("7"))
		Expect(sys.CPU(7).Online).To(BeFalse())
		Expect(sys.CPU(7).Caches).To(BeEmpty())
		Expect(sys.CPU(7).ThreadSet().String()).To(Equal("7"))
		Expect(sys.Package(0).CPUs.String()).To(Equal("0-6"))
	})

	It("reads the allowed CPUs of the process", func() {
		Expect(samples["sample1"].AllowedCPUs().String()).To(Equal("0-15"))
		Expect(samples["sample2"].AllowedCPUs().String()).To(Equal("0-3"))
	})
})

var _ = DescribeTable("CPU topology",
	func(sample string, id, pkg, die, core, node int, threads string) {
		sys := samples[sample]
		cpu := sys.CPU(id)
		Expect(cpu).ToNot(BeNil())
		Expect(cpu.Package).To(Equal(pkg))
		Expect(cpu.Die).To(Equal(die))
		Expect(cpu.Core).To(Equal(core))
		Expect(cpu.Node).To(Equal(node))
		Expect(cpu.ThreadSet().String()).To(Equal(threads))
	},

	Entry("CPU #0", "sample1", 0, 0, 0, 0, 0, "0,8"),
	Entry("CPU #3", "sample1", 3, 0, 1, 1, 1, "3,11"),
	Entry("CPU #8", "sample1", 8, 0, 0, 0, 0, "0,8"),
	Entry("CPU #13", "sample1", 13, 1, 0, 1, 2, "5,13"),
	Entry("CPU #15", "sample1", 15, 1, 1, 1, 3, "7,15"),
	Entry("CPU #2 without NUMA", "sample2", 2, 0, 0, 2, -1, "2,6"),
)

var _ = DescribeTable("cache discovery",
	func(sample string, id, idx, level, cacheID int, kind CacheType, size uint64, cpus string) {
		cpu := samples[sample].CPU(id)
		Expect(cpu).ToNot(BeNil())
		Expect(len(cpu.Caches)).To(BeNumerically(">", idx))
		cch := cpu.Caches[idx]
		Expect(cch.ID).To(Equal(cacheID))
		Expect(cch.Level).To(Equal(level))
		Expect(cch.Type).To(Equal(kind))
		Expect(cch.Size).To(Equal(size))
		Expect(cch.LineSize).To(Equal(sysfstest.LineSize))
		Expect(cch.CPUs.String()).To(Equal(cpus))
	},

	Entry("CPU #0, cache #0", "sample1", 0, 0, 1, 0, Data, 32*K, "0,8"),
	Entry("CPU #0, cache #1", "sample1", 0, 1, 1, 0, Instruction, 32*K, "0,8"),
	Entry("CPU #0, cache #2", "sample1", 0, 2, 2, 0, Unified, 1*M, "0,8"),
	Entry("CPU #0, cache #3", "sample1", 0, 3, 3, 0, Unified, 32*M, "0-1,8-9"),
	Entry("CPU #9, cache #3", "sample1", 9, 3, 3, 0, Unified, 32*M, "0-1,8-9"),
	Entry("CPU #14, cache #2", "sample1", 14, 2, 2, 6, Unified, 1*M, "6,14"),
	Entry("CPU #14, cache #3", "sample1", 14, 3, 3, 3, Unified, 32*M, "6-7,14-15"),
)

var _ = Describe("cache discovery", func() {
	It("shares caches between CPUs", func() {
		sys := samples["sample1"]
		Expect(sys.Caches()).To(HaveLen(8 + 8 + 8 + 4))
		Expect(sys.CPU(0).Caches[3]).To(BeIdenticalTo(sys.CPU(9).Caches[3]))
		Expect(sys.CPU(0).CachesAt(1)).To(HaveLen(2))
		Expect(sys.CPU(0).CachesAt(4)).To(BeEmpty())
		Expect(sys.CPU(0).Caches).To(HaveLen(4))
	})
})

var _ = Describe("package and node discovery", func() {
	It("finds dies and their nodes", func() {
		pkg := samples["sample1"].Package(1)
		Expect(pkg).ToNot(BeNil())
		Expect(pkg.DieIDs()).To(Equal([]int{0, 1}))
		Expect(pkg.Nodes.List()).To(Equal([]int{2, 3}))
		Expect(pkg.Dies[1].CPUs.String()).To(Equal("6-7,14-15"))
		Expect(pkg.Dies[1].Nodes.List()).To(Equal([]int{3}))
	})

	It("finds nodes, distances and memory", func() {
		sys := samples["sample1"]
		Expect(sys.NodeIDs()).To(Equal([]int{0, 1, 2, 3}))
		Expect(sys.NodeDistance(0, 0)).To(Equal(10))
		Expect(sys.NodeDistance(0, 1)).To(Equal(12))
		Expect(sys.NodeDistance(0, 2)).To(Equal(21))
		Expect(sys.NodeDistance(0, 4)).To(Equal(-1))

		node := sys.Node(2)
		Expect(node.Package).To(Equal(1))
		Expect(node.Die).To(Equal(0))
		Expect(node.CPUs.String()).To(Equal("4-5,12-13"))
		Expect(node.NormalMemory).To(BeTrue())
		Expect(node.MemoryType).To(Equal(sysfs.MemoryTypeDRAM))

		info, err := node.MemoryInfo()
		Expect(err).To(BeNil())
		Expect(info.MemTotal).To(Equal(sysfstest.DefaultNodeMemory))
		Expect(info.MemUsed).To(Equal(info.MemTotal - info.MemFree))

		Expect(node.HugePages).To(Equal([]sysfs.HugePages{
			{Size: 2 * M, Count: 16},
			{Size: G, Count: 2},
		}))
		Expect(sys.AllowedNodes().String()).To(Equal("0-3"))
	})

	It("works without NUMA information", func() {
		sys := samples["sample2"]
		Expect(sys.NodeIDs()).To(BeEmpty())
		Expect(sys.Node(0)).To(BeNil())
		Expect(sys.NodeDistance(0, 0)).To(Equal(-1))
		Expect(sys.AllowedNodes().String()).To(Equal("0"))
	})
})

var _ = Describe("machine discovery", func() {
	It("reads DMI and total memory", func() {
		sys := samples["sample1"]
		Expect(sys.MachineInfo()).To(HaveKeyWithValue("DMIProductName", "Test Machine"))
		Expect(sys.MachineInfo()).To(HaveKeyWithValue("DMISysVendor", "Test Vendor"))
		Expect(sys.MemTotal()).To(Equal(4 * sysfstest.DefaultNodeMemory))
	})

	It("fails without CPUs", func() {
		root, err := os.MkdirTemp("", "sysfs-test-")
		Expect(err).To(BeNil())
		DeferCleanup(os.RemoveAll, root)

		_, err = sysfs.DiscoverSystemAt(root)
		Expect(err).ToNot(BeNil())
	})
})
