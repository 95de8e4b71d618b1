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

package mempolicy

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// SetMempolicy sets the memory policy of the calling thread.
func SetMempolicy(mpol uint, nodes []int) error {
	nodeMask, err := nodesToMask(nodes)
	if err != nil {
		return err
	}
	nodeMaskPtr := unsafe.Pointer(&nodeMask[0])
	_, _, errno := unix.Syscall(unix.SYS_SET_MEMPOLICY, uintptr(mpol), uintptr(nodeMaskPtr), uintptr(len(nodeMask)*64+1))
	if errno != 0 {
		return errno
	}
	return nil
}

// GetMempolicy returns the memory policy of the calling thread.
func GetMempolicy() (uint, []int, error) {
	return getMempolicy(0, 0)
}

// GetAreaMempolicy returns the memory policy of the area at addr.
func GetAreaMempolicy(addr uintptr) (uint, []int, error) {
	return getMempolicy(addr, MPOL_F_ADDR)
}

// GetMemsAllowed returns the nodes the calling thread may allocate from.
func GetMemsAllowed() ([]int, error) {
	_, nodes, err := getMempolicy(0, MPOL_F_MEMS_ALLOWED)
	return nodes, err
}

func getMempolicy(addr uintptr, flags uint) (uint, []int, error) {
	var mpol int32
	maxNode := uint64(MAX_NUMA_NODES)
	nodeMask := make([]uint64, maxNode/64)
	nodeMaskPtr := unsafe.Pointer(&nodeMask[0])
	_, _, errno := unix.Syscall6(unix.SYS_GET_MEMPOLICY, uintptr(unsafe.Pointer(&mpol)), uintptr(nodeMaskPtr),
		uintptr(maxNode), addr, uintptr(flags), 0)
	if errno != 0 {
		return 0, []int{}, errno
	}
	return uint(mpol), maskToNodes(nodeMask), nil
}

// Mbind sets the memory policy of the memory area [addr, addr+length).
func Mbind(addr uintptr, length uintptr, mpol uint, nodes []int, flags uint) error {
	var (
		nodeMask    []uint64
		nodeMaskPtr unsafe.Pointer
		maxNode     uintptr
		err         error
	)
	if len(nodes) > 0 {
		nodeMask, err = nodesToMask(nodes)
		if err != nil {
			return err
		}
		nodeMaskPtr = unsafe.Pointer(&nodeMask[0])
		maxNode = uintptr(len(nodeMask)*64 + 1)
	}
	_, _, errno := unix.Syscall6(unix.SYS_MBIND, addr, length, uintptr(mpol), uintptr(nodeMaskPtr), maxNode, uintptr(flags))
	if errno != 0 {
		return errno
	}
	return nil
}
