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

package xmlfile

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/containers/hwtopo/pkg/bitmap"
	"github.com/containers/hwtopo/pkg/topology"
)

// Backend loads a topology from an XML file.
type Backend struct {
	path  string
	diags *multierror.Error
}

// NewBackend creates a backend for the XML file at path.
func NewBackend(path string) (*Backend, error) {
	if path == "" {
		return nil, errors.Wrap(topology.ErrInvalidArgument, "no XML file given")
	}
	return &Backend{path: path}, nil
}

// Name returns the name of the backend.
func (b *Backend) Name() string {
	return topology.BackendXML
}

// IsThisSystem returns false. Loading a file says nothing about the
// running system unless told otherwise.
func (b *Backend) IsThisSystem() bool {
	return false
}

// Diagnostics returns the problems found in the last loaded file which
// did not prevent loading it, or nil.
func (b *Backend) Diagnostics() error {
	return b.diags.ErrorOrNil()
}

// Discover recreates the objects of the file under the root of t.
func (b *Backend) Discover(t *topology.Topology) error {
	f, err := os.Open(b.path)
	if err != nil {
		return errors.Wrap(err, "failed to open XML file")
	}
	defer f.Close()

	b.diags = nil
	if err := b.Import(t, f); err != nil {
		return errors.Wrapf(err, "failed to import %s", b.path)
	}

	if err := b.Diagnostics(); err != nil {
		log.Warn("%s: %v", b.path, err)
	}

	return nil
}

// Import recreates the objects of an XML document read from r.
func (b *Backend) Import(t *topology.Topology, r io.Reader) error {
	doc := &xmlTopology{}
	if err := xml.NewDecoder(r).Decode(doc); err != nil {
		return errors.Wrap(err, "failed to decode XML")
	}
	if doc.Root == nil {
		return errors.Wrap(topology.ErrInvalidArgument, "no root object")
	}

	if err := b.importRoot(t, doc.Root); err != nil {
		return err
	}
	for _, child := range doc.Root.Children {
		b.importObject(t, t.Root(), child)
	}

	return nil
}

func (b *Backend) diag(err error) {
	b.diags = multierror.Append(b.diags, err)
}

func (b *Backend) importRoot(t *topology.Topology, xo *xmlObject) error {
	typ, err := topology.ParseType(xo.Type)
	if err != nil {
		return errors.Wrap(err, "invalid root object")
	}
	if typ != topology.TypeMachine && typ != topology.TypeSystem {
		return errors.Wrapf(topology.ErrInvalidArgument, "invalid root object type %s", typ)
	}

	sets, err := parseSets(xo)
	if err != nil {
		return errors.Wrap(err, "invalid root object")
	}
	complete := sets.complete
	if complete == nil {
		complete = sets.cpus
	}
	if complete == nil {
		return errors.Wrap(topology.ErrInvalidArgument, "root object without cpuset")
	}
	online, allowed := sets.online, sets.allowed
	if online == nil {
		online = complete
	}
	if allowed == nil {
		allowed = online
	}
	completeNodes := sets.completeNodes
	if completeNodes == nil {
		completeNodes = sets.nodes
	}
	t.SetRootSets(complete, online, allowed, completeNodes, sets.allowedNodes)

	root := t.Root()
	root.Type = typ
	root.OSIndex = 0
	if xo.OSIndex != nil {
		root.OSIndex = *xo.OSIndex
	}
	b.fillObject(root, xo)

	return nil
}

// importObject recreates xo and its children below parent. Objects which
// can not be recreated are skipped with their whole subtree.
func (b *Backend) importObject(t *topology.Topology, parent *topology.Object, xo *xmlObject) {
	typ, err := topology.ParseType(xo.Type)
	if err != nil {
		b.diag(fmt.Errorf("skipping object below %s: %w", parent, err))
		return
	}

	osIndex := -1
	if xo.OSIndex != nil {
		osIndex = *xo.OSIndex
	}

	obj := t.AllocObject(typ, osIndex)
	sets, err := parseSets(xo)
	if err != nil {
		b.diag(fmt.Errorf("skipping %s below %s: %w", obj, parent, err))
		return
	}
	if sets.cpus == nil && typ != topology.TypeMisc && typ != topology.TypeNode {
		b.diag(fmt.Errorf("skipping %s below %s: no cpuset", obj, parent))
		return
	}

	obj.CPUSet = sets.cpus
	obj.CompleteCPUSet = sets.complete
	obj.OnlineCPUSet = sets.online
	obj.AllowedCPUSet = sets.allowed
	obj.NodeSet = sets.nodes
	obj.CompleteNodeSet = sets.completeNodes
	obj.AllowedNodeSet = sets.allowedNodes
	b.fillObject(obj, xo)

	if err := t.InsertObjectByParent(parent, obj); err != nil {
		b.diag(fmt.Errorf("skipping %s below %s: %w", obj, parent, err))
		return
	}

	for _, child := range xo.Children {
		b.importObject(t, obj, child)
	}
}

// fillObject copies the attributes of xo other than its type, OS index
// and sets.
func (b *Backend) fillObject(obj *topology.Object, xo *xmlObject) {
	obj.Name = xo.Name
	if xo.OSLevel != nil {
		obj.OSLevel = *xo.OSLevel
	}

	switch obj.Type {
	case topology.TypeCache:
		obj.Cache = topology.CacheAttr{
			Size:     xo.CacheSize,
			LineSize: xo.CacheLineSize,
		}
		if xo.Depth != nil {
			obj.Cache.Depth = *xo.Depth
		} else {
			b.diag(fmt.Errorf("%s has no cache depth", obj))
		}
	case topology.TypeGroup:
		if xo.Depth != nil {
			obj.Group.Depth = *xo.Depth
		}
	}

	obj.Memory.LocalMemory = xo.LocalMemory
	for _, pt := range xo.PageTypes {
		obj.Memory.PageTypes = append(obj.Memory.PageTypes, topology.PageType{
			Size:  pt.Size,
			Count: pt.Count,
		})
	}
	for _, info := range xo.Infos {
		obj.AddInfo(info.Name, info.Value)
	}

	for _, xd := range xo.Distances {
		d, err := importDistances(xd)
		if err != nil {
			b.diag(fmt.Errorf("ignoring distances of %s: %w", obj, err))
			continue
		}
		obj.Distances = append(obj.Distances, d)
	}
}

// importDistances recreates a distance matrix. Matrices which do not match
// the number of objects found below their owner are dropped once the tree
// is complete.
func importDistances(xd *xmlDistances) (*topology.Distances, error) {
	n := xd.NbObjs
	if n < 1 || len(xd.Latency) != n*n {
		return nil, fmt.Errorf("%d latencies given for %d objects", len(xd.Latency), n)
	}

	d := &topology.Distances{
		RelativeDepth: xd.RelativeDepth,
		NbObjs:        n,
		Latency:       make([]float32, 0, n*n),
		LatencyBase:   xd.LatencyBase,
	}
	for _, l := range xd.Latency {
		d.Latency = append(d.Latency, l.Value)
		if l.Value > d.LatencyMax {
			d.LatencyMax = l.Value
		}
	}

	return d, nil
}

type objectSets struct {
	cpus          *bitmap.Bitmap
	complete      *bitmap.Bitmap
	online        *bitmap.Bitmap
	allowed       *bitmap.Bitmap
	nodes         *bitmap.Bitmap
	completeNodes *bitmap.Bitmap
	allowedNodes  *bitmap.Bitmap
}

func parseSets(xo *xmlObject) (*objectSets, error) {
	var (
		sets = &objectSets{}
		errs *multierror.Error
	)

	for _, s := range []struct {
		attr  string
		value string
		set   **bitmap.Bitmap
	}{
		{"cpuset", xo.CPUSet, &sets.cpus},
		{"complete_cpuset", xo.CompleteCPUSet, &sets.complete},
		{"online_cpuset", xo.OnlineCPUSet, &sets.online},
		{"allowed_cpuset", xo.AllowedCPUSet, &sets.allowed},
		{"nodeset", xo.NodeSet, &sets.nodes},
		{"complete_nodeset", xo.CompleteNodes, &sets.completeNodes},
		{"allowed_nodeset", xo.AllowedNodes, &sets.allowedNodes},
	} {
		set, err := parseSet(s.attr, s.value)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		*s.set = set
	}

	return sets, errs.ErrorOrNil()
}

func init() {
	topology.RegisterBackend(topology.BackendXML, func(arg string) (topology.Backend, error) {
		return NewBackend(arg)
	})
}
