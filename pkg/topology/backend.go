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
	"runtime"
	"sort"
	"sync"

	"github.com/containers/hwtopo/pkg/bitmap"
)

// Names of the backends.
const (
	BackendSysfs     = "sysfs"
	BackendNoOS      = "noos"
	BackendX86       = "x86"
	BackendSynthetic = "synthetic"
	BackendXML       = "xml"
)

// Backend discovers objects and inserts them into a topology. Discover
// must call SetRootSets before inserting objects, and insert objects with
// InsertObjectByCPUSet, in any order.
type Backend interface {
	// Name returns the name of the backend.
	Name() string
	// IsThisSystem tells if the backend describes the running system.
	IsThisSystem() bool
	// Discover populates the topology.
	Discover(t *Topology) error
}

// BackendFactory creates a backend for the given argument, for instance
// a file path or a topology description.
type BackendFactory func(arg string) (Backend, error)

type backendConfig struct {
	name string
	arg  string
}

var (
	backendsLock sync.RWMutex
	backends     = map[string]BackendFactory{}
)

// RegisterBackend registers a backend factory by name.
func RegisterBackend(name string, factory BackendFactory) {
	backendsLock.Lock()
	defer backendsLock.Unlock()

	if _, ok := backends[name]; ok {
		log.Warn("overriding already registered backend %q", name)
	}
	backends[name] = factory
}

// Backends returns the names of the registered backends.
func Backends() []string {
	backendsLock.RLock()
	defer backendsLock.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupBackend(name string) (BackendFactory, bool) {
	backendsLock.RLock()
	defer backendsLock.RUnlock()
	f, ok := backends[name]
	return f, ok
}

// noosBackend is a machine with one PU per CPU seen by the Go runtime.
type noosBackend struct{}

func (noosBackend) Name() string       { return BackendNoOS }
func (noosBackend) IsThisSystem() bool { return true }

func (noosBackend) Discover(t *Topology) error {
	return t.SetupPULevel(runtime.NumCPU())
}

// SetupPULevel inserts n logical processors with OS indexes 0 to n-1.
func (t *Topology) SetupPULevel(n int) error {
	if n < 1 {
		return invalidArgument("invalid number of PUs %d", n)
	}

	all := bitmap.NewRange(0, n-1)
	if t.Root().CompleteCPUSet == nil {
		t.SetRootSets(all, all, all, nil, nil)
	}

	for i := 0; i < n; i++ {
		pu := t.AllocObject(TypePU, i)
		pu.CPUSet = bitmap.NewFromIDs(i)
		if _, err := t.InsertObjectByCPUSet(pu); err != nil {
			return err
		}
	}

	return nil
}

func init() {
	RegisterBackend(BackendNoOS, func(string) (Backend, error) {
		return noosBackend{}, nil
	})
}
