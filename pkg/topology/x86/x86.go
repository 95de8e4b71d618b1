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

// Package x86 discovers the topology of the running system by querying
// CPUID on every allowed processor. Package, core and thread identifiers
// are derived from the initial APIC identifier of each processor.
package x86

import (
	"math/bits"
	"runtime"
	"sort"
	"strconv"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"

	"github.com/containers/hwtopo/pkg/bitmap"
	logger "github.com/containers/hwtopo/pkg/log"
	"github.com/containers/hwtopo/pkg/topology"
)

var (
	log = logger.Get("x86")
)

// Proc is a logical processor as identified by CPUID.
type Proc struct {
	// OSIndex is the number of the processor in the OS.
	OSIndex int
	// APICID is the initial APIC identifier of the processor.
	APICID int
	// Package, Core and Thread are derived from APICID.
	Package int
	Core    int
	Thread  int
}

// Info describes the processors of a package.
type Info struct {
	Vendor            string
	Brand             string
	Family            int
	Model             int
	ThreadsPerCore    int
	LogicalPerPackage int

	// Cache sizes in bytes, 0 or less if unknown.
	L1D       int
	L2        int
	L3        int
	CacheLine int
}

// DetectedInfo returns the information CPUID gave about the processors.
func DetectedInfo() Info {
	c := &cpuid.CPU
	return Info{
		Vendor:            c.VendorString,
		Brand:             c.BrandName,
		Family:            c.Family,
		Model:             c.Model,
		ThreadsPerCore:    c.ThreadsPerCore,
		LogicalPerPackage: c.LogicalCores,
		L1D:               c.Cache.L1D,
		L2:                c.Cache.L2,
		L3:                c.Cache.L3,
		CacheLine:         c.CacheLine,
	}
}

// idBits returns the number of APIC id bits needed for n values.
func idBits(n int) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len(uint(n - 1)))
}

// Derive fills in the package, core and thread of each processor from its
// APIC identifier.
func Derive(procs []Proc, info Info) []Proc {
	threads := max(info.ThreadsPerCore, 1)
	logical := max(info.LogicalPerPackage, threads)

	threadShift := idBits(threads)
	coreShift := idBits((logical + threads - 1) / threads)
	pkgShift := threadShift + coreShift

	derived := make([]Proc, 0, len(procs))
	for _, p := range procs {
		p.Thread = p.APICID & (1<<threadShift - 1)
		p.Core = (p.APICID >> threadShift) & (1<<coreShift - 1)
		p.Package = p.APICID >> pkgShift
		derived = append(derived, p)
	}

	return derived
}

// Backend discovers the topology with CPUID.
type Backend struct{}

// NewBackend creates a CPUID backend.
func NewBackend() *Backend {
	return &Backend{}
}

// Name returns the name of the backend.
func (b *Backend) Name() string {
	return topology.BackendX86
}

// IsThisSystem returns true, CPUID always describes the running system.
func (b *Backend) IsThisSystem() bool {
	return true
}

// Discover probes every allowed processor and builds the tree.
func (b *Backend) Discover(t *topology.Topology) error {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "386" {
		return errors.Wrapf(topology.ErrUnsupported, "CPUID on %s", runtime.GOARCH)
	}

	cpus, err := allowedCPUs()
	if err != nil {
		return err
	}

	procs, err := probe(cpus)
	if err != nil {
		return err
	}

	return Build(t, Derive(procs, DetectedInfo()), DetectedInfo())
}

type cacheSpec struct {
	depth int
	size  int
}

// Build inserts the objects for the given processors. Level 1 and 2
// caches are taken to be private to cores, level 3 ones to be shared by
// a package.
func Build(t *topology.Topology, procs []Proc, info Info) error {
	if len(procs) == 0 {
		return errors.Wrap(topology.ErrInvalidArgument, "no processors")
	}

	type coreKey struct{ pkg, core int }

	var (
		all      = bitmap.New()
		packages = map[int]*bitmap.Bitmap{}
		cores    = map[coreKey]*bitmap.Bitmap{}
	)
	for _, p := range procs {
		all.Set(p.OSIndex)
		if _, ok := packages[p.Package]; !ok {
			packages[p.Package] = bitmap.New()
		}
		packages[p.Package].Set(p.OSIndex)
		key := coreKey{p.Package, p.Core}
		if _, ok := cores[key]; !ok {
			cores[key] = bitmap.New()
		}
		cores[key].Set(p.OSIndex)
	}

	t.SetRootSets(all, all, all, nil, nil)

	root := t.Root()
	root.AddInfo("Backend", "x86")
	if info.Vendor != "" {
		root.AddInfo("CPUVendor", info.Vendor)
	}
	if info.Brand != "" {
		root.AddInfo("CPUModel", info.Brand)
	}
	root.AddInfo("CPUFamilyNumber", strconv.Itoa(info.Family))
	root.AddInfo("CPUModelNumber", strconv.Itoa(info.Model))

	newCache := func(c cacheSpec, cpus *bitmap.Bitmap) *topology.Object {
		obj := t.AllocObject(topology.TypeCache, -1)
		obj.CPUSet = cpus.Clone()
		obj.Cache = topology.CacheAttr{
			Depth:    c.depth,
			Size:     uint64(c.size),
			LineSize: info.CacheLine,
		}
		return obj
	}

	pkgIDs := make([]int, 0, len(packages))
	for id := range packages {
		pkgIDs = append(pkgIDs, id)
	}
	sort.Ints(pkgIDs)

	for _, id := range pkgIDs {
		objs := []*topology.Object{t.AllocObject(topology.TypeSocket, id)}
		objs[0].CPUSet = packages[id].Clone()
		if info.L3 > 0 {
			objs = append(objs, newCache(cacheSpec{3, info.L3}, packages[id]))
		}
		for _, obj := range objs {
			if err := t.InsertDiscovered(obj); err != nil {
				return errors.Wrapf(err, "failed to insert %s", obj)
			}
		}
	}

	for key, cpus := range cores {
		objs := []*topology.Object{t.AllocObject(topology.TypeCore, key.core)}
		objs[0].CPUSet = cpus.Clone()
		for _, c := range []cacheSpec{{2, info.L2}, {1, info.L1D}} {
			if c.size > 0 {
				objs = append(objs, newCache(c, cpus))
			}
		}
		for _, obj := range objs {
			if err := t.InsertDiscovered(obj); err != nil {
				return errors.Wrapf(err, "failed to insert %s", obj)
			}
		}
	}

	for _, p := range procs {
		pu := t.AllocObject(topology.TypePU, p.OSIndex)
		pu.CPUSet = bitmap.NewFromIDs(p.OSIndex)
		if _, err := t.InsertObjectByCPUSet(pu); err != nil {
			return errors.Wrapf(err, "failed to insert %s", pu)
		}
	}

	log.Debug("discovered %d packages, %d cores, %d processors", len(packages), len(cores), len(procs))

	return nil
}

func init() {
	topology.RegisterBackend(topology.BackendX86, func(string) (topology.Backend, error) {
		return NewBackend(), nil
	})
}
