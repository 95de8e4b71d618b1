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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/hwtopo/pkg/bitmap"
)

const testBackend = "test"

// funcBackend discovers by calling a test-provided function.
type funcBackend struct {
	this     bool
	discover func(*Topology) error
}

func (b *funcBackend) Name() string               { return testBackend }
func (b *funcBackend) IsThisSystem() bool         { return b.this }
func (b *funcBackend) Discover(t *Topology) error { return b.discover(t) }

var testBackends = map[string]*funcBackend{}

func init() {
	RegisterBackend(testBackend, func(arg string) (Backend, error) {
		b, ok := testBackends[arg]
		if !ok {
			return nil, invalidArgument("no test backend %q", arg)
		}
		return b, nil
	})
}

func noEnv(string) (string, bool) { return "", false }

func envMap(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

// newTestTopology creates a topology discovered by calling discover.
func newTestTopology(t *testing.T, discover func(*Topology) error, options ...Option) *Topology {
	testBackends[t.Name()] = &funcBackend{discover: discover}
	t.Cleanup(func() { delete(testBackends, t.Name()) })

	topo, err := New(append([]Option{
		WithLookupEnv(noEnv),
		WithBackend(testBackend, t.Name()),
	}, options...)...)
	require.NoError(t, err)

	return topo
}

// loadTestTopology creates and loads a topology discovered by discover.
func loadTestTopology(t *testing.T, discover func(*Topology) error, options ...Option) *Topology {
	topo := newTestTopology(t, discover, options...)
	require.NoError(t, topo.Load())
	t.Cleanup(topo.Destroy)
	return topo
}

// newBareTopology returns a topology with only a root, for inserting
// objects by hand.
func newBareTopology(t *testing.T, options ...Option) *Topology {
	topo, err := New(append([]Option{WithLookupEnv(noEnv)}, options...)...)
	require.NoError(t, err)
	topo.reset()
	return topo
}

func newObject(t *Topology, typ ObjType, osIndex int, cpus string) *Object {
	obj := t.AllocObject(typ, osIndex)
	if cpus != "" {
		obj.CPUSet = bitmap.MustParse(cpus)
	}
	return obj
}

// insertAll inserts objects, failing the test on any error.
func insertAll(t *testing.T, topo *Topology, objs ...*Object) {
	for _, obj := range objs {
		_, err := topo.InsertObjectByCPUSet(obj)
		require.NoError(t, err, "insert %s", obj)
	}
}

// twoSockets discovers 2 nodes of 1 socket, 2 cores and 4 PUs each, with
// node distances.
func twoSockets(t *Topology) error {
	all := bitmap.NewRange(0, 7)
	nodes := bitmap.NewRange(0, 1)
	t.SetRootSets(all, all, all, nodes, nodes)

	for n := 0; n < 2; n++ {
		node := t.AllocObject(TypeNode, n)
		node.CPUSet = bitmap.NewRange(4*n, 4*n+3)
		node.NodeSet = bitmap.NewFromIDs(n)
		node.Memory.LocalMemory = 1 << 30
		socket := t.AllocObject(TypeSocket, n)
		socket.CPUSet = bitmap.NewRange(4*n, 4*n+3)
		for _, obj := range []*Object{socket, node} {
			if _, err := t.InsertObjectByCPUSet(obj); err != nil {
				return err
			}
		}
	}
	for c := 0; c < 4; c++ {
		core := t.AllocObject(TypeCore, c)
		core.CPUSet = bitmap.NewRange(2*c, 2*c+1)
		if _, err := t.InsertObjectByCPUSet(core); err != nil {
			return err
		}
	}
	if err := t.SetupPULevel(8); err != nil {
		return err
	}
	return t.SetOSDistances(TypeNode, []int{0, 1}, []float32{10, 20, 20, 10})
}

// assertInvariants fails the test if the tree breaks set containment,
// sibling or cousin disjointness, or level coverage.
func assertInvariants(t *testing.T, topo *Topology) {
	t.Helper()
	require.NoError(t, topo.Check())
}

func dumpTree(t *testing.T, topo *Topology) string {
	buf := &bytes.Buffer{}
	require.NoError(t, topo.Dump(buf))
	return buf.String()
}
