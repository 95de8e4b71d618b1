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
	"io"
	"strings"

	"github.com/containers/hwtopo/pkg/utils"
)

// Dump writes the tree as indented text, one object per line.
func (t *Topology) Dump(w io.Writer) error {
	root := t.Root()
	if root == nil {
		return ErrNotLoaded
	}
	return t.dump(w, root, 0)
}

func (t *Topology) dump(w io.Writer, obj *Object, indent int) error {
	if _, err := fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", indent), obj.Describe()); err != nil {
		return err
	}
	for _, child := range obj.Children() {
		if err := t.dump(w, child, indent+1); err != nil {
			return err
		}
	}
	return nil
}

// Describe returns a one-line description of the object with its
// attributes and sets.
func (o *Object) Describe() string {
	var attrs []string

	if o.OSIndex >= 0 {
		attrs = append(attrs, fmt.Sprintf("P#%d", o.OSIndex))
	}
	if o.Name != "" {
		attrs = append(attrs, "name="+o.Name)
	}
	switch o.Type {
	case TypeCache:
		attrs = append(attrs, "size="+utils.HumanReadableSize(o.Cache.Size))
		if o.Cache.LineSize > 0 {
			attrs = append(attrs, fmt.Sprintf("linesize=%d", o.Cache.LineSize))
		}
	case TypeNode:
		attrs = append(attrs, "local="+utils.HumanReadableSize(o.Memory.LocalMemory))
	}
	if o.Memory.TotalMemory > 0 && o.Type != TypeNode {
		attrs = append(attrs, "total="+utils.HumanReadableSize(o.Memory.TotalMemory))
	}
	if o.CPUSet != nil {
		attrs = append(attrs, "cpuset="+o.CPUSet.String())
	}
	if o.NodeSet != nil {
		attrs = append(attrs, "nodeset="+o.NodeSet.String())
	}
	for _, i := range o.Infos {
		attrs = append(attrs, i.Name+"="+i.Value)
	}
	for _, d := range o.Distances {
		attrs = append(attrs, fmt.Sprintf("distances=%dx%d@+%d", d.NbObjs, d.NbObjs, d.RelativeDepth))
	}

	return o.TypeString() + "#" + fmt.Sprint(o.logicalIndex) + " (" + strings.Join(attrs, " ") + ")"
}
