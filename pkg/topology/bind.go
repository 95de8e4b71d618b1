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
	"errors"

	"github.com/containers/hwtopo/pkg/bitmap"
)

// BindFlags alter how binding requests are carried out.
type BindFlags uint

const (
	// BindProcess binds all threads of the process.
	BindProcess BindFlags = 1 << iota
	// BindThread binds the calling thread only.
	BindThread
	// BindStrict fails requests the OS can not honor exactly.
	BindStrict
	// BindMigrate moves already allocated memory to the new nodes.
	BindMigrate
	// BindNoMemBind avoids any side effect on memory binding.
	BindNoMemBind
)

// MembindPolicy is a memory binding policy.
type MembindPolicy int

const (
	// MembindDefault resets to the default policy of the OS.
	MembindDefault MembindPolicy = iota
	// MembindFirstTouch allocates on the node of the first accessing CPU.
	MembindFirstTouch
	// MembindBind allocates on the given nodes only.
	MembindBind
	// MembindInterleave interleaves pages among the given nodes.
	MembindInterleave
	// MembindReplicate replicates memory on the given nodes.
	MembindReplicate
	// MembindNextTouch migrates pages on the next access.
	MembindNextTouch
	// MembindMixed is returned when threads have different policies.
	MembindMixed MembindPolicy = -1
)

var membindNames = map[MembindPolicy]string{
	MembindDefault:    "default",
	MembindFirstTouch: "firsttouch",
	MembindBind:       "bind",
	MembindInterleave: "interleave",
	MembindReplicate:  "replicate",
	MembindNextTouch:  "nexttouch",
	MembindMixed:      "mixed",
}

func (p MembindPolicy) String() string {
	if name, ok := membindNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParseMembindPolicy parses a memory binding policy name.
func ParseMembindPolicy(name string) (MembindPolicy, error) {
	for p, n := range membindNames {
		if n == name && p != MembindMixed {
			return p, nil
		}
	}
	return MembindDefault, invalidArgument("unknown membind policy %q", name)
}

// Binder implements binding for a topology. Implementations embed
// UnsupportedBinder and override the operations they support. Sets given
// to a Binder have already been validated against the topology.
type Binder interface {
	SetThisProcCPUBind(set *bitmap.Bitmap, flags BindFlags) error
	GetThisProcCPUBind(flags BindFlags) (*bitmap.Bitmap, error)
	SetThisThreadCPUBind(set *bitmap.Bitmap, flags BindFlags) error
	GetThisThreadCPUBind(flags BindFlags) (*bitmap.Bitmap, error)
	SetProcCPUBind(pid int, set *bitmap.Bitmap, flags BindFlags) error
	GetProcCPUBind(pid int, flags BindFlags) (*bitmap.Bitmap, error)
	SetThreadCPUBind(tid int, set *bitmap.Bitmap, flags BindFlags) error
	GetThreadCPUBind(tid int, flags BindFlags) (*bitmap.Bitmap, error)

	SetThisProcMemBind(nodes *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) error
	GetThisProcMemBind(flags BindFlags) (*bitmap.Bitmap, MembindPolicy, error)
	SetThisThreadMemBind(nodes *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) error
	GetThisThreadMemBind(flags BindFlags) (*bitmap.Bitmap, MembindPolicy, error)
	SetProcMemBind(pid int, nodes *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) error
	GetProcMemBind(pid int, flags BindFlags) (*bitmap.Bitmap, MembindPolicy, error)
	SetAreaMemBind(area []byte, nodes *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) error
	GetAreaMemBind(area []byte, flags BindFlags) (*bitmap.Bitmap, MembindPolicy, error)

	AllocMemBind(size int, nodes *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) ([]byte, error)
	Free(mem []byte) error
}

// UnsupportedBinder fails every operation with ErrUnsupported.
type UnsupportedBinder struct{}

var _ Binder = UnsupportedBinder{}

func (UnsupportedBinder) SetThisProcCPUBind(*bitmap.Bitmap, BindFlags) error {
	return ErrUnsupported
}

func (UnsupportedBinder) GetThisProcCPUBind(BindFlags) (*bitmap.Bitmap, error) {
	return nil, ErrUnsupported
}

func (UnsupportedBinder) SetThisThreadCPUBind(*bitmap.Bitmap, BindFlags) error {
	return ErrUnsupported
}

func (UnsupportedBinder) GetThisThreadCPUBind(BindFlags) (*bitmap.Bitmap, error) {
	return nil, ErrUnsupported
}

func (UnsupportedBinder) SetProcCPUBind(int, *bitmap.Bitmap, BindFlags) error {
	return ErrUnsupported
}

func (UnsupportedBinder) GetProcCPUBind(int, BindFlags) (*bitmap.Bitmap, error) {
	return nil, ErrUnsupported
}

func (UnsupportedBinder) SetThreadCPUBind(int, *bitmap.Bitmap, BindFlags) error {
	return ErrUnsupported
}

func (UnsupportedBinder) GetThreadCPUBind(int, BindFlags) (*bitmap.Bitmap, error) {
	return nil, ErrUnsupported
}

func (UnsupportedBinder) SetThisProcMemBind(*bitmap.Bitmap, MembindPolicy, BindFlags) error {
	return ErrUnsupported
}

func (UnsupportedBinder) GetThisProcMemBind(BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	return nil, MembindDefault, ErrUnsupported
}

func (UnsupportedBinder) SetThisThreadMemBind(*bitmap.Bitmap, MembindPolicy, BindFlags) error {
	return ErrUnsupported
}

func (UnsupportedBinder) GetThisThreadMemBind(BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	return nil, MembindDefault, ErrUnsupported
}

func (UnsupportedBinder) SetProcMemBind(int, *bitmap.Bitmap, MembindPolicy, BindFlags) error {
	return ErrUnsupported
}

func (UnsupportedBinder) GetProcMemBind(int, BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	return nil, MembindDefault, ErrUnsupported
}

func (UnsupportedBinder) SetAreaMemBind([]byte, *bitmap.Bitmap, MembindPolicy, BindFlags) error {
	return ErrUnsupported
}

func (UnsupportedBinder) GetAreaMemBind([]byte, BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	return nil, MembindDefault, ErrUnsupported
}

func (UnsupportedBinder) AllocMemBind(int, *bitmap.Bitmap, MembindPolicy, BindFlags) ([]byte, error) {
	return nil, ErrUnsupported
}

func (UnsupportedBinder) Free([]byte) error {
	return ErrUnsupported
}

// noopBinder accepts every request for topologies which do not describe
// the running system. Queries report the complete sets.
type noopBinder struct {
	UnsupportedBinder
	t *Topology
}

func (b *noopBinder) cpus() *bitmap.Bitmap  { return b.t.CompleteCPUSet() }
func (b *noopBinder) nodes() *bitmap.Bitmap { return b.t.CompleteNodeSet() }

func (b *noopBinder) SetThisProcCPUBind(*bitmap.Bitmap, BindFlags) error { return nil }
func (b *noopBinder) SetThisThreadCPUBind(*bitmap.Bitmap, BindFlags) error {
	return nil
}
func (b *noopBinder) SetProcCPUBind(int, *bitmap.Bitmap, BindFlags) error   { return nil }
func (b *noopBinder) SetThreadCPUBind(int, *bitmap.Bitmap, BindFlags) error { return nil }

func (b *noopBinder) GetThisProcCPUBind(BindFlags) (*bitmap.Bitmap, error) {
	return b.cpus(), nil
}

func (b *noopBinder) GetThisThreadCPUBind(BindFlags) (*bitmap.Bitmap, error) {
	return b.cpus(), nil
}

func (b *noopBinder) GetProcCPUBind(int, BindFlags) (*bitmap.Bitmap, error) {
	return b.cpus(), nil
}

func (b *noopBinder) GetThreadCPUBind(int, BindFlags) (*bitmap.Bitmap, error) {
	return b.cpus(), nil
}

func (b *noopBinder) SetThisProcMemBind(*bitmap.Bitmap, MembindPolicy, BindFlags) error {
	return nil
}

func (b *noopBinder) SetThisThreadMemBind(*bitmap.Bitmap, MembindPolicy, BindFlags) error {
	return nil
}

func (b *noopBinder) SetProcMemBind(int, *bitmap.Bitmap, MembindPolicy, BindFlags) error {
	return nil
}

func (b *noopBinder) SetAreaMemBind([]byte, *bitmap.Bitmap, MembindPolicy, BindFlags) error {
	return nil
}

func (b *noopBinder) GetThisProcMemBind(BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	return b.nodes(), MembindDefault, nil
}

func (b *noopBinder) GetThisThreadMemBind(BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	return b.nodes(), MembindDefault, nil
}

func (b *noopBinder) GetProcMemBind(int, BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	return b.nodes(), MembindDefault, nil
}

func (b *noopBinder) GetAreaMemBind([]byte, BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	return b.nodes(), MembindDefault, nil
}

// defaultBinder returns the binder for the loaded topology.
func (t *Topology) defaultBinder() Binder {
	if t.isThisSystem {
		return osBinder(t)
	}
	return &noopBinder{t: t}
}

// Binder returns the binding implementation in use.
func (t *Topology) Binder() Binder {
	return t.binder
}

func checkBindFlags(flags BindFlags) error {
	if flags&BindProcess != 0 && flags&BindThread != 0 {
		return invalidArgument("both process and thread binding requested")
	}
	return nil
}

// fixSet validates a set against the complete and topology sets of the
// root. A set covering the whole topology is widened to the complete set,
// so that binding to everything discovered also covers unknown resources.
func fixSet(set, complete, topology *bitmap.Bitmap, what string) (*bitmap.Bitmap, error) {
	if set.IsZero() {
		return nil, invalidArgument("empty %s", what)
	}
	if !set.IsIncluded(complete) {
		return nil, invalidArgument("%s %s not included in complete %s %s", what, set, what, complete)
	}
	if topology.IsIncluded(set) {
		return complete.Clone(), nil
	}
	return set, nil
}

func (t *Topology) fixCPUBind(set *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	root := t.Root()
	return fixSet(set, root.CompleteCPUSet, root.CPUSet, "cpuset")
}

func (t *Topology) fixMemBind(nodes *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	root := t.Root()
	return fixSet(nodes, root.CompleteNodeSet, root.NodeSet, "nodeset")
}

// SetCPUBind binds the current process or thread to the given CPUs.
// Without BindProcess or BindThread the process is bound if supported,
// the current thread otherwise.
func (t *Topology) SetCPUBind(set *bitmap.Bitmap, flags BindFlags) error {
	if err := checkBindFlags(flags); err != nil {
		return err
	}
	set, err := t.fixCPUBind(set)
	if err != nil {
		return err
	}

	switch {
	case flags&BindProcess != 0:
		return t.binder.SetThisProcCPUBind(set, flags)
	case flags&BindThread != 0:
		return t.binder.SetThisThreadCPUBind(set, flags)
	}

	err = t.binder.SetThisProcCPUBind(set, flags)
	if errors.Is(err, ErrUnsupported) {
		err = t.binder.SetThisThreadCPUBind(set, flags)
	}
	return err
}

// GetCPUBind returns the CPU binding of the current process or thread.
func (t *Topology) GetCPUBind(flags BindFlags) (*bitmap.Bitmap, error) {
	if err := checkBindFlags(flags); err != nil {
		return nil, err
	}
	if !t.loaded {
		return nil, ErrNotLoaded
	}

	switch {
	case flags&BindProcess != 0:
		return t.binder.GetThisProcCPUBind(flags)
	case flags&BindThread != 0:
		return t.binder.GetThisThreadCPUBind(flags)
	}

	set, err := t.binder.GetThisProcCPUBind(flags)
	if errors.Is(err, ErrUnsupported) {
		set, err = t.binder.GetThisThreadCPUBind(flags)
	}
	return set, err
}

// SetProcCPUBind binds the process with the given pid to the given CPUs.
// With BindThread, pid is taken as a thread id.
func (t *Topology) SetProcCPUBind(pid int, set *bitmap.Bitmap, flags BindFlags) error {
	if err := checkBindFlags(flags); err != nil {
		return err
	}
	set, err := t.fixCPUBind(set)
	if err != nil {
		return err
	}
	if flags&BindThread != 0 {
		return t.binder.SetThreadCPUBind(pid, set, flags)
	}
	return t.binder.SetProcCPUBind(pid, set, flags)
}

// GetProcCPUBind returns the CPU binding of the process with the given pid.
func (t *Topology) GetProcCPUBind(pid int, flags BindFlags) (*bitmap.Bitmap, error) {
	if err := checkBindFlags(flags); err != nil {
		return nil, err
	}
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	if flags&BindThread != 0 {
		return t.binder.GetThreadCPUBind(pid, flags)
	}
	return t.binder.GetProcCPUBind(pid, flags)
}

// SetThreadCPUBind binds the thread with the given id to the given CPUs.
func (t *Topology) SetThreadCPUBind(tid int, set *bitmap.Bitmap, flags BindFlags) error {
	if flags&BindProcess != 0 {
		return invalidArgument("process binding requested for thread %d", tid)
	}
	set, err := t.fixCPUBind(set)
	if err != nil {
		return err
	}
	return t.binder.SetThreadCPUBind(tid, set, flags)
}

// GetThreadCPUBind returns the CPU binding of the thread with the given id.
func (t *Topology) GetThreadCPUBind(tid int, flags BindFlags) (*bitmap.Bitmap, error) {
	if flags&BindProcess != 0 {
		return nil, invalidArgument("process binding requested for thread %d", tid)
	}
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	return t.binder.GetThreadCPUBind(tid, flags)
}

// SetMemBind binds the memory of the current process or thread to the
// nodes near the given CPUs.
func (t *Topology) SetMemBind(set *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) error {
	if _, err := t.fixCPUBind(set); err != nil {
		return err
	}
	return t.SetMemBindNodeset(t.CPUSetToNodeSet(set), policy, flags)
}

// SetMemBindNodeset binds the memory of the current process or thread
// to the given nodes.
func (t *Topology) SetMemBindNodeset(nodes *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) error {
	if err := checkBindFlags(flags); err != nil {
		return err
	}
	nodes, err := t.fixMemBind(nodes)
	if err != nil {
		return err
	}

	switch {
	case flags&BindProcess != 0:
		return t.binder.SetThisProcMemBind(nodes, policy, flags)
	case flags&BindThread != 0:
		return t.binder.SetThisThreadMemBind(nodes, policy, flags)
	}

	err = t.binder.SetThisProcMemBind(nodes, policy, flags)
	if errors.Is(err, ErrUnsupported) {
		err = t.binder.SetThisThreadMemBind(nodes, policy, flags)
	}
	return err
}

// GetMemBindNodeset returns the memory binding of the current process or
// thread.
func (t *Topology) GetMemBindNodeset(flags BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	if err := checkBindFlags(flags); err != nil {
		return nil, MembindDefault, err
	}
	if !t.loaded {
		return nil, MembindDefault, ErrNotLoaded
	}

	switch {
	case flags&BindProcess != 0:
		return t.binder.GetThisProcMemBind(flags)
	case flags&BindThread != 0:
		return t.binder.GetThisThreadMemBind(flags)
	}

	nodes, policy, err := t.binder.GetThisProcMemBind(flags)
	if errors.Is(err, ErrUnsupported) {
		nodes, policy, err = t.binder.GetThisThreadMemBind(flags)
	}
	return nodes, policy, err
}

// SetProcMemBindNodeset binds the memory of the given process.
func (t *Topology) SetProcMemBindNodeset(pid int, nodes *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) error {
	if err := checkBindFlags(flags); err != nil {
		return err
	}
	nodes, err := t.fixMemBind(nodes)
	if err != nil {
		return err
	}
	return t.binder.SetProcMemBind(pid, nodes, policy, flags)
}

// GetProcMemBindNodeset returns the memory binding of the given process.
func (t *Topology) GetProcMemBindNodeset(pid int, flags BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	if err := checkBindFlags(flags); err != nil {
		return nil, MembindDefault, err
	}
	if !t.loaded {
		return nil, MembindDefault, ErrNotLoaded
	}
	return t.binder.GetProcMemBind(pid, flags)
}

// SetAreaMemBindNodeset binds the memory area to the given nodes.
func (t *Topology) SetAreaMemBindNodeset(area []byte, nodes *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) error {
	if len(area) == 0 {
		return nil
	}
	nodes, err := t.fixMemBind(nodes)
	if err != nil {
		return err
	}
	return t.binder.SetAreaMemBind(area, nodes, policy, flags)
}

// GetAreaMemBindNodeset returns the memory binding of the memory area.
func (t *Topology) GetAreaMemBindNodeset(area []byte, flags BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	if len(area) == 0 {
		return nil, MembindDefault, invalidArgument("empty memory area")
	}
	if !t.loaded {
		return nil, MembindDefault, ErrNotLoaded
	}
	return t.binder.GetAreaMemBind(area, flags)
}

// AllocMemBindNodeset allocates memory bound to the given nodes. If the
// binder can not allocate bound memory, regular memory is allocated and
// bound on a best effort basis, unless BindStrict is given. Memory must be
// released with Free.
func (t *Topology) AllocMemBindNodeset(size int, nodes *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) ([]byte, error) {
	if size <= 0 {
		return nil, invalidArgument("invalid allocation size %d", size)
	}
	nodes, err := t.fixMemBind(nodes)
	if err != nil {
		return nil, err
	}

	mem, err := t.binder.AllocMemBind(size, nodes, policy, flags)
	if err == nil {
		t.trackAlloc(mem)
		return mem, nil
	}
	if flags&BindStrict != 0 {
		return nil, err
	}

	log.Debug("falling back to unbound allocation of %d bytes: %v", size, err)
	mem = make([]byte, size)
	if err := t.binder.SetAreaMemBind(mem, nodes, policy, flags); err != nil {
		log.Debug("best effort binding of %d bytes failed: %v", size, err)
	}
	return mem, nil
}

func (t *Topology) trackAlloc(mem []byte) {
	if len(mem) == 0 {
		return
	}
	if t.allocs == nil {
		t.allocs = make(map[*byte][]byte)
	}
	t.allocs[&mem[0]] = mem
}

// Free releases memory returned by AllocMemBindNodeset.
func (t *Topology) Free(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	key := &mem[0]
	tracked, ok := t.allocs[key]
	if !ok {
		// fallback allocation, left to the garbage collector
		return nil
	}
	delete(t.allocs, key)
	return t.binder.Free(tracked)
}
