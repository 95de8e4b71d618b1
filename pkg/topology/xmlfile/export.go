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
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/containers/hwtopo/pkg/topology"
)

// Export writes the topology to w.
func Export(t *topology.Topology, w io.Writer) error {
	if !t.IsLoaded() {
		return topology.ErrNotLoaded
	}

	doc := &xmlTopology{
		Root: exportObject(t.Root()),
	}

	if _, err := io.WriteString(w, xml.Header+Doctype+"\n"); err != nil {
		return errors.Wrap(err, "failed to write XML header")
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return errors.Wrap(err, "failed to encode topology")
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return errors.Wrap(err, "failed to write XML trailer")
	}

	return nil
}

// ExportFile writes the topology to the file at path.
func ExportFile(t *topology.Topology, path string) (retErr error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create XML file")
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = errors.Wrapf(err, "failed to close %s", path)
		}
	}()

	return Export(t, f)
}

func exportObject(obj *topology.Object) *xmlObject {
	xo := &xmlObject{
		Type:           obj.Type.String(),
		Name:           obj.Name,
		CPUSet:         formatSet(obj.CPUSet),
		CompleteCPUSet: formatSet(obj.CompleteCPUSet),
		OnlineCPUSet:   formatSet(obj.OnlineCPUSet),
		AllowedCPUSet:  formatSet(obj.AllowedCPUSet),
		NodeSet:        formatSet(obj.NodeSet),
		CompleteNodes:  formatSet(obj.CompleteNodeSet),
		AllowedNodes:   formatSet(obj.AllowedNodeSet),
		LocalMemory:    obj.Memory.LocalMemory,
	}

	if obj.OSIndex >= 0 {
		xo.OSIndex = intPtr(obj.OSIndex)
	}
	if obj.OSLevel >= 0 {
		xo.OSLevel = intPtr(obj.OSLevel)
	}

	switch obj.Type {
	case topology.TypeCache:
		xo.CacheSize = obj.Cache.Size
		xo.CacheLineSize = obj.Cache.LineSize
		xo.Depth = intPtr(obj.Cache.Depth)
	case topology.TypeGroup:
		xo.Depth = intPtr(obj.Group.Depth)
	}

	for _, pt := range obj.Memory.PageTypes {
		xo.PageTypes = append(xo.PageTypes, xmlPageType{Size: pt.Size, Count: pt.Count})
	}
	for _, info := range obj.Infos {
		xo.Infos = append(xo.Infos, xmlInfo{Name: info.Name, Value: info.Value})
	}

	for _, d := range obj.Distances {
		xd := &xmlDistances{
			NbObjs:        d.NbObjs,
			RelativeDepth: d.RelativeDepth,
			LatencyBase:   d.LatencyBase,
		}
		for _, v := range d.Latency {
			xd.Latency = append(xd.Latency, xmlLatency{Value: v})
		}
		xo.Distances = append(xo.Distances, xd)
	}

	for _, child := range obj.Children() {
		xo.Children = append(xo.Children, exportObject(child))
	}

	return xo
}
