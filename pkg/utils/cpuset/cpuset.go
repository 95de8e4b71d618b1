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

// Package cpuset wraps k8s.io/utils/cpuset with the few helpers the sysfs
// readers need for incrementally building CPU and node sets.
package cpuset

import (
	"fmt"

	"k8s.io/utils/cpuset"
)

// CPUSet is an immutable set of CPU or node ids.
type CPUSet = cpuset.CPUSet

var (
	New   = cpuset.New
	Parse = cpuset.Parse
)

// MustParse parses a kernel list format set, panicking on errors.
func MustParse(s string) CPUSet {
	set, err := cpuset.Parse(s)
	if err != nil {
		panic(fmt.Errorf("invalid CPU set %q: %w", s, err))
	}
	return set
}

// Range returns the set of ids from first to last, both included.
func Range(first, last int) CPUSet {
	if last < first {
		return New()
	}
	ids := make([]int, 0, last-first+1)
	for id := first; id <= last; id++ {
		ids = append(ids, id)
	}
	return New(ids...)
}

// Add returns set extended with ids.
func Add(set CPUSet, ids ...int) CPUSet {
	return set.Union(New(ids...))
}

// First returns the lowest id in set, or -1 if set is empty.
func First(set CPUSet) int {
	if set.IsEmpty() {
		return -1
	}
	return set.List()[0]
}
