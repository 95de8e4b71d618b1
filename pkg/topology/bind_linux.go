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

//go:build linux

package topology

import (
	"os"
	"unsafe"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/containers/hwtopo/pkg/bitmap"
	"github.com/containers/hwtopo/pkg/mempolicy"
)

// linuxBinder binds with sched_setaffinity(2) and the memory policy
// system calls. Thread binding applies to the calling OS thread, so
// goroutines should be locked to their thread with runtime.LockOSThread.
type linuxBinder struct {
	UnsupportedBinder
	t *Topology
}

func osBinder(t *Topology) Binder {
	return &linuxBinder{t: t}
}

// cpuSetSize is the number of CPUs a unix.CPUSet can hold.
const cpuSetSize = len(unix.CPUSet{}) * int(unsafe.Sizeof(unix.CPUSet{}[0])) * 8

func toUnixCPUSet(set *bitmap.Bitmap) (*unix.CPUSet, error) {
	if set.IsInfinite() || set.Last() >= cpuSetSize {
		return nil, invalidArgument("cpuset %s exceeds the %d CPUs of an affinity mask", set, cpuSetSize)
	}
	cs := &unix.CPUSet{}
	cs.Zero()
	set.Foreach(func(id int) bool {
		cs.Set(id)
		return true
	})
	return cs, nil
}

func fromUnixCPUSet(cs *unix.CPUSet) *bitmap.Bitmap {
	set := bitmap.New()
	for id := 0; id < cpuSetSize; id++ {
		if cs.IsSet(id) {
			set.Set(id)
		}
	}
	return set
}

func setAffinity(tid int, set *bitmap.Bitmap) error {
	cs, err := toUnixCPUSet(set)
	if err != nil {
		return err
	}
	if err := unix.SchedSetaffinity(tid, cs); err != nil {
		return bindError("sched_setaffinity", tid, err)
	}
	return nil
}

func getAffinity(tid int) (*bitmap.Bitmap, error) {
	cs := &unix.CPUSet{}
	if err := unix.SchedGetaffinity(tid, cs); err != nil {
		return nil, bindError("sched_getaffinity", tid, err)
	}
	return fromUnixCPUSet(cs), nil
}

func bindError(call string, id int, err error) error {
	switch err {
	case unix.EINVAL:
		return invalidArgument("%s(%d): %v", call, id, err)
	case unix.ENOSYS:
		return ErrUnsupported
	}
	return &os.SyscallError{Syscall: call, Err: err}
}

// threads returns the ids of all threads of a process.
func threads(pid int) ([]int, error) {
	procs, err := procfs.AllThreads(pid)
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(procs))
	for _, p := range procs {
		tids = append(tids, p.PID)
	}
	return tids, nil
}

func (b *linuxBinder) SetThisProcCPUBind(set *bitmap.Bitmap, flags BindFlags) error {
	return b.SetProcCPUBind(os.Getpid(), set, flags)
}

func (b *linuxBinder) GetThisProcCPUBind(flags BindFlags) (*bitmap.Bitmap, error) {
	return b.GetProcCPUBind(os.Getpid(), flags)
}

func (b *linuxBinder) SetThisThreadCPUBind(set *bitmap.Bitmap, _ BindFlags) error {
	return setAffinity(0, set)
}

func (b *linuxBinder) GetThisThreadCPUBind(BindFlags) (*bitmap.Bitmap, error) {
	return getAffinity(0)
}

// SetProcCPUBind binds every thread of the process. Threads created
// while binding may be missed.
func (b *linuxBinder) SetProcCPUBind(pid int, set *bitmap.Bitmap, _ BindFlags) error {
	tids, err := threads(pid)
	if err != nil {
		return setAffinity(pid, set)
	}
	for _, tid := range tids {
		if err := setAffinity(tid, set); err != nil {
			return err
		}
	}
	return nil
}

// GetProcCPUBind returns the union of the bindings of all threads of the
// process. With BindStrict, threads bound differently are an error.
func (b *linuxBinder) GetProcCPUBind(pid int, flags BindFlags) (*bitmap.Bitmap, error) {
	tids, err := threads(pid)
	if err != nil {
		return getAffinity(pid)
	}

	var union *bitmap.Bitmap
	for _, tid := range tids {
		set, err := getAffinity(tid)
		if err != nil {
			return nil, err
		}
		if union == nil {
			union = set
			continue
		}
		if flags&BindStrict != 0 && !union.IsEqual(set) {
			return nil, ErrUnenforceable
		}
		union.OrWith(set)
	}

	if union == nil {
		return getAffinity(pid)
	}
	return union, nil
}

func (b *linuxBinder) SetThreadCPUBind(tid int, set *bitmap.Bitmap, _ BindFlags) error {
	return setAffinity(tid, set)
}

func (b *linuxBinder) GetThreadCPUBind(tid int, _ BindFlags) (*bitmap.Bitmap, error) {
	return getAffinity(tid)
}

func mempolicyMode(policy MembindPolicy) (uint, error) {
	switch policy {
	case MembindDefault, MembindFirstTouch:
		return mempolicy.MPOL_DEFAULT, nil
	case MembindBind:
		return mempolicy.MPOL_BIND, nil
	case MembindInterleave:
		return mempolicy.MPOL_INTERLEAVE, nil
	}
	return 0, ErrUnsupported
}

func membindPolicy(mode uint) MembindPolicy {
	switch mode {
	case mempolicy.MPOL_DEFAULT:
		return MembindDefault
	case mempolicy.MPOL_LOCAL:
		return MembindFirstTouch
	case mempolicy.MPOL_BIND, mempolicy.MPOL_PREFERRED, mempolicy.MPOL_PREFERRED_MANY:
		return MembindBind
	case mempolicy.MPOL_INTERLEAVE, mempolicy.MPOL_WEIGHTED_INTERLEAVE:
		return MembindInterleave
	}
	log.Debug("reporting unknown memory policy %s as %s", mempolicy.ModeString(mode), MembindDefault)
	return MembindDefault
}

func (b *linuxBinder) mempolicyNodes(mode uint, nodes *bitmap.Bitmap) []int {
	if mode == mempolicy.MPOL_DEFAULT {
		return nil
	}
	return nodes.Members()
}

func (b *linuxBinder) policyNodes(mode uint, nodes []int) *bitmap.Bitmap {
	if mode == mempolicy.MPOL_DEFAULT || mode == mempolicy.MPOL_LOCAL || len(nodes) == 0 {
		return b.t.CompleteNodeSet()
	}
	return bitmap.NewFromIDs(nodes...)
}

func (b *linuxBinder) SetThisThreadMemBind(nodes *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) error {
	mode, err := mempolicyMode(policy)
	if err != nil {
		return err
	}
	if flags&BindMigrate != 0 && flags&BindStrict != 0 {
		return ErrUnsupported
	}
	if err := mempolicy.SetMempolicy(mode, b.mempolicyNodes(mode, nodes)); err != nil {
		return bindError("set_mempolicy", 0, err)
	}
	return nil
}

func (b *linuxBinder) GetThisThreadMemBind(BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	mode, nodes, err := mempolicy.GetMempolicy()
	if err != nil {
		return nil, MembindDefault, bindError("get_mempolicy", 0, err)
	}
	return b.policyNodes(mode, nodes), membindPolicy(mode), nil
}

// pageAlign returns the address and length of the pages covering area.
func pageAlign(area []byte) (uintptr, uintptr) {
	page := uintptr(os.Getpagesize())
	addr := uintptr(unsafe.Pointer(&area[0]))
	start := addr &^ (page - 1)
	end := (addr + uintptr(len(area)) + page - 1) &^ (page - 1)
	return start, end - start
}

func (b *linuxBinder) SetAreaMemBind(area []byte, nodes *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) error {
	mode, err := mempolicyMode(policy)
	if err != nil {
		return err
	}

	var mflags uint
	if flags&BindStrict != 0 {
		mflags |= mempolicy.MPOL_MF_STRICT
	}
	if flags&BindMigrate != 0 {
		mflags |= mempolicy.MPOL_MF_MOVE
	}

	addr, length := pageAlign(area)
	if err := mempolicy.Mbind(addr, length, mode, b.mempolicyNodes(mode, nodes), mflags); err != nil {
		if err == unix.EIO && flags&BindStrict != 0 {
			return ErrUnenforceable
		}
		return bindError("mbind", 0, err)
	}
	return nil
}

func (b *linuxBinder) GetAreaMemBind(area []byte, _ BindFlags) (*bitmap.Bitmap, MembindPolicy, error) {
	addr, _ := pageAlign(area)
	mode, nodes, err := mempolicy.GetAreaMempolicy(addr)
	if err != nil {
		return nil, MembindDefault, bindError("get_mempolicy", 0, err)
	}
	return b.policyNodes(mode, nodes), membindPolicy(mode), nil
}

func (b *linuxBinder) AllocMemBind(size int, nodes *bitmap.Bitmap, policy MembindPolicy, flags BindFlags) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, &os.SyscallError{Syscall: "mmap", Err: err}
	}
	if err := b.SetAreaMemBind(mem, nodes, policy, flags); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	return mem, nil
}

func (b *linuxBinder) Free(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return &os.SyscallError{Syscall: "munmap", Err: err}
	}
	return nil
}
