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
	"fmt"
	"os"
	"path/filepath"

	"github.com/containers/hwtopo/pkg/bitmap"
)

// Topology is a tree of hardware objects together with its per-depth
// levels, discovery configuration and binding implementation. A Topology
// is built once by Load and is read-mostly afterwards. It has no internal
// locking: concurrent readers are fine but any reconfiguration must be
// serialized against them by the caller.
type Topology struct {
	objs      []*Object
	root      ObjID
	levels    [][]ObjID
	typeDepth [typeMax]int
	misc      []ObjID
	ignore    [typeMax]IgnorePolicy
	flags     Flags

	backend      backendConfig
	instance     Backend
	isThisSystem bool
	notThisSys   bool // configured, overridden by the environment only
	binder       Binder
	userBinder   Binder
	reporter     ConflictReporter
	osDistances  []*osDistances
	lookupEnv    func(string) (string, bool)
	allocs       map[*byte][]byte
	loaded       bool
	dirty        bool
}

// Option is an option for creating a Topology.
type Option func(*Topology) error

// WithLookupEnv sets the function used to look up environment overrides.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(t *Topology) error {
		if fn == nil {
			fn = func(string) (string, bool) { return "", false }
		}
		t.lookupEnv = fn
		return nil
	}
}

// WithReporter sets the function used to report structural conflicts
// during discovery. A nil reporter silences reporting.
func WithReporter(r ConflictReporter) Option {
	return func(t *Topology) error {
		t.reporter = r
		return nil
	}
}

// WithFlags sets discovery flags.
func WithFlags(flags Flags) Option {
	return func(t *Topology) error {
		return t.SetFlags(flags)
	}
}

// WithBackend selects a discovery backend by name.
func WithBackend(name, arg string) Option {
	return func(t *Topology) error {
		return t.SetBackend(name, arg)
	}
}

// WithBinder overrides the binding implementation picked by Load.
func WithBinder(b Binder) Option {
	return func(t *Topology) error {
		t.userBinder = b
		return nil
	}
}

// New creates a new, unloaded topology.
func New(options ...Option) (*Topology, error) {
	t := &Topology{
		root:      NoObject,
		reporter:  logConflict,
		lookupEnv: os.LookupEnv,
	}
	t.resetDepths()

	for _, o := range options {
		if err := o(t); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Topology) resetDepths() {
	for i := range t.typeDepth {
		t.typeDepth[i] = TypeDepthUnknown
	}
}

// IgnoreType sets the ignore policy for all objects of the given type.
// Logical processors can not be ignored.
func (t *Topology) IgnoreType(typ ObjType, policy IgnorePolicy) error {
	if t.loaded {
		return ErrAlreadyLoaded
	}
	if !typ.IsValid() {
		return invalidArgument("invalid type %d", typ)
	}
	if typ == TypePU {
		return invalidArgument("can't ignore %s objects", typ)
	}
	switch policy {
	case IgnoreNever, IgnoreAlways, IgnoreKeepStructure:
	default:
		return invalidArgument("invalid ignore policy %s", policy)
	}
	t.ignore[typ] = policy
	return nil
}

// IgnoreAllKeepStructure ignores objects of every type which do not add
// any structure to the topology.
func (t *Topology) IgnoreAllKeepStructure() error {
	for _, typ := range Types() {
		if typ == TypePU {
			continue
		}
		if err := t.IgnoreType(typ, IgnoreKeepStructure); err != nil {
			return err
		}
	}
	return nil
}

// IgnorePolicy returns the ignore policy of a type.
func (t *Topology) IgnorePolicy(typ ObjType) IgnorePolicy {
	if !typ.IsValid() {
		return IgnoreNever
	}
	return t.ignore[typ]
}

// SetFlags sets discovery flags.
func (t *Topology) SetFlags(flags Flags) error {
	if t.loaded {
		return ErrAlreadyLoaded
	}
	if flags&^(FlagWholeSystem|FlagIsThisSystem) != 0 {
		return invalidArgument("unknown flags 0x%x", uint(flags))
	}
	t.flags = flags
	return nil
}

// Flags returns the discovery flags.
func (t *Topology) Flags() Flags {
	return t.flags
}

// SetBackend selects the backend with the given name and argument.
func (t *Topology) SetBackend(name, arg string) error {
	if t.loaded {
		return ErrAlreadyLoaded
	}
	if _, ok := lookupBackend(name); !ok {
		return fmt.Errorf("%w %q", ErrUnknownBackend, name)
	}
	t.backend = backendConfig{name: name, arg: arg}
	return nil
}

// SetSynthetic selects a synthetic topology built from a description.
func (t *Topology) SetSynthetic(description string) error {
	return t.SetBackend(BackendSynthetic, description)
}

// SetXML selects a topology loaded from an XML file.
func (t *Topology) SetXML(path string) error {
	return t.SetBackend(BackendXML, path)
}

// SetFSRoot selects discovery from a sysfs and procfs tree rooted at dir.
func (t *Topology) SetFSRoot(dir string) error {
	root, err := cleanRoot(dir)
	if err != nil {
		return err
	}
	return t.SetBackend(BackendSysfs, root)
}

// SetBinder overrides the binding implementation. It takes effect
// immediately if the topology is already loaded.
func (t *Topology) SetBinder(b Binder) {
	t.userBinder = b
	if t.loaded {
		t.binder = b
		if b == nil {
			t.binder = t.defaultBinder()
		}
	}
}

// IsThisSystem tells if the topology describes the running system.
func (t *Topology) IsThisSystem() bool {
	return t.isThisSystem
}

// Backend returns the name of the backend the topology was loaded with.
func (t *Topology) Backend() string {
	if t.instance == nil {
		return ""
	}
	return t.instance.Name()
}

// IsLoaded tells if the topology has been loaded.
func (t *Topology) IsLoaded() bool {
	return t.loaded
}

// Load discovers the topology using the configured backend, environment
// overrides or the OS default, then post-processes the discovered tree.
func (t *Topology) Load() error {
	if t.loaded {
		return ErrAlreadyLoaded
	}

	cfg := t.resolveBackend()
	factory, ok := lookupBackend(cfg.name)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownBackend, cfg.name)
	}
	backend, err := factory(cfg.arg)
	if err != nil {
		return fmt.Errorf("failed to create %s backend: %w", cfg.name, err)
	}

	t.reset()
	t.instance = backend
	t.isThisSystem = backend.IsThisSystem()

	log.Debug("discovering topology using %s backend", backend.Name())

	if err := backend.Discover(t); err != nil {
		t.reset()
		return fmt.Errorf("%s discovery failed: %w", backend.Name(), err)
	}

	t.isThisSystem = t.resolveThisSystem(t.isThisSystem)

	if err := t.postProcess(); err != nil {
		t.reset()
		return err
	}

	t.binder = t.userBinder
	if t.binder == nil {
		t.binder = t.defaultBinder()
	}
	t.loaded = true

	log.Debug("loaded topology with %d levels, %d PUs", len(t.levels), t.NbObjsByType(TypePU))

	return nil
}

// Destroy frees the objects of the topology. Objects obtained from it
// become detached.
func (t *Topology) Destroy() {
	for _, obj := range t.objs {
		obj.topo = nil
	}
	t.reset()
	t.instance = nil
	t.loaded = false
	t.binder = nil
}

func (t *Topology) reset() {
	t.objs = nil
	t.levels = nil
	t.misc = nil
	t.osDistances = nil
	t.resetDepths()

	root := t.AllocObject(TypeMachine, 0)
	root.CPUSet = bitmap.New()
	root.NodeSet = bitmap.New()
	root.depth = 0
	root.logicalIndex = 0
	t.root = root.id
}

// SetRootSets sets the complete, online and allowed sets of the root.
// Backends call this before inserting any object. A nil set is left
// to be derived from the discovered objects.
func (t *Topology) SetRootSets(complete, online, allowed, completeNodes, allowedNodes *bitmap.Bitmap) {
	root := t.Root()
	root.CompleteCPUSet = complete.Clone()
	root.OnlineCPUSet = online.Clone()
	root.AllowedCPUSet = allowed.Clone()
	root.CompleteNodeSet = completeNodes.Clone()
	root.AllowedNodeSet = allowedNodes.Clone()
}

// Root returns the root object.
func (t *Topology) Root() *Object {
	return t.Object(t.root)
}

// Object returns the object with the given ID.
func (t *Topology) Object(id ObjID) *Object {
	if id < 0 || int(id) >= len(t.objs) {
		return nil
	}
	return t.objs[id]
}

// MiscObjects returns the objects outside the level structure.
func (t *Topology) MiscObjects() []*Object {
	objs := make([]*Object, 0, len(t.misc))
	for _, id := range t.misc {
		objs = append(objs, t.objs[id])
	}
	return objs
}

// cleanRoot turns a filesystem root into an absolute path, with the
// empty string standing for "/".
func cleanRoot(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	root := filepath.Clean(dir)
	if !filepath.IsAbs(root) {
		a, err := filepath.Abs(root)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %q to absolute path: %w", dir, err)
		}
		root = a
	}
	if root == "/" {
		root = ""
	}
	return root, nil
}
