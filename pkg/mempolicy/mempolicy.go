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

// Package mempolicy wraps the Linux set_mempolicy, get_mempolicy and mbind
// system calls. Node sets are passed as lists of node ids.
package mempolicy

import (
	"fmt"
	"math/bits"
	"strings"
)

// Policy modes, as in linux/mempolicy.h.
const (
	MPOL_DEFAULT = iota
	MPOL_PREFERRED
	MPOL_BIND
	MPOL_INTERLEAVE
	MPOL_LOCAL
	MPOL_PREFERRED_MANY
	MPOL_WEIGHTED_INTERLEAVE
)

// Mode flags, or'ed into the mode.
const (
	MPOL_F_STATIC_NODES   uint = 1 << 15
	MPOL_F_RELATIVE_NODES uint = 1 << 14
	MPOL_F_NUMA_BALANCING uint = 1 << 13

	modeFlags = MPOL_F_STATIC_NODES | MPOL_F_RELATIVE_NODES | MPOL_F_NUMA_BALANCING
)

// get_mempolicy flags.
const (
	MPOL_F_NODE         uint = 1 << 0
	MPOL_F_ADDR         uint = 1 << 1
	MPOL_F_MEMS_ALLOWED uint = 1 << 2
)

// mbind flags.
const (
	MPOL_MF_STRICT   uint = 1 << 0
	MPOL_MF_MOVE     uint = 1 << 1
	MPOL_MF_MOVE_ALL uint = 1 << 2
)

// MAX_NUMA_NODES bounds the node masks passed to the kernel.
const MAX_NUMA_NODES = 1024

var (
	modeNames = []string{
		MPOL_DEFAULT:             "MPOL_DEFAULT",
		MPOL_PREFERRED:           "MPOL_PREFERRED",
		MPOL_BIND:                "MPOL_BIND",
		MPOL_INTERLEAVE:          "MPOL_INTERLEAVE",
		MPOL_LOCAL:               "MPOL_LOCAL",
		MPOL_PREFERRED_MANY:      "MPOL_PREFERRED_MANY",
		MPOL_WEIGHTED_INTERLEAVE: "MPOL_WEIGHTED_INTERLEAVE",
	}
	flagNames = []struct {
		flag uint
		name string
	}{
		{MPOL_F_STATIC_NODES, "MPOL_F_STATIC_NODES"},
		{MPOL_F_RELATIVE_NODES, "MPOL_F_RELATIVE_NODES"},
		{MPOL_F_NUMA_BALANCING, "MPOL_F_NUMA_BALANCING"},
	}
)

// ModeString returns the symbolic form of a mode with its flags, for
// instance MPOL_BIND|MPOL_F_STATIC_NODES.
func ModeString(mode uint) string {
	base := mode &^ modeFlags
	name := fmt.Sprintf("MPOL_%d", base)
	if base < uint(len(modeNames)) {
		name = modeNames[base]
	}
	parts := []string{name}
	for _, f := range flagNames {
		if mode&f.flag != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// nodesToMask returns the kernel node mask of nodes.
func nodesToMask(nodes []int) ([]uint64, error) {
	highest := 0
	for _, n := range nodes {
		if n < 0 || n >= MAX_NUMA_NODES {
			return nil, fmt.Errorf("node %d out of range [0, %d)", n, MAX_NUMA_NODES)
		}
		highest = max(highest, n)
	}
	mask := make([]uint64, highest/64+1)
	for _, n := range nodes {
		mask[n/64] |= 1 << (n % 64)
	}
	return mask, nil
}

// maskToNodes returns the ids of the nodes set in a kernel node mask.
func maskToNodes(mask []uint64) []int {
	nodes := []int{}
	for i, word := range mask {
		for word != 0 && i*64 < MAX_NUMA_NODES {
			bit := bits.TrailingZeros64(word)
			nodes = append(nodes, i*64+bit)
			word &^= 1 << bit
		}
	}
	return nodes
}
