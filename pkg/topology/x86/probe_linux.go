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

package x86

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/containers/hwtopo/pkg/topology"
)

// allowedCPUs returns the processors the calling thread may run on.
func allowedCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, errors.Wrap(err, "failed to get CPU affinity")
	}

	cpus := []int{}
	for id := 0; len(cpus) < set.Count(); id++ {
		if set.IsSet(id) {
			cpus = append(cpus, id)
		}
	}
	return cpus, nil
}

// probe reads the APIC id of each processor by moving the calling thread
// onto it. The original affinity of the thread is always restored.
func probe(cpus []int) (procs []Proc, retErr error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var saved unix.CPUSet
	if err := unix.SchedGetaffinity(0, &saved); err != nil {
		return nil, errors.Wrap(err, "failed to save CPU affinity")
	}
	defer func() {
		if err := unix.SchedSetaffinity(0, &saved); err != nil {
			log.Error("failed to restore CPU affinity: %v", err)
			if retErr == nil {
				retErr = errors.Wrap(err, "failed to restore CPU affinity")
			}
		}
	}()

	for _, id := range cpus {
		var set unix.CPUSet
		set.Set(id)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return nil, errors.Wrapf(err, "failed to move to CPU #%d", id)
		}

		apic := cpuid.CPU.LogicalCPU()
		if apic < 0 {
			return nil, errors.Wrapf(topology.ErrUnsupported, "no APIC id on CPU #%d", id)
		}
		procs = append(procs, Proc{OSIndex: id, APICID: apic})
	}

	return procs, nil
}
