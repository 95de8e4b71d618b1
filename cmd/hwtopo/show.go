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

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/containers/hwtopo/pkg/topology"
	"github.com/containers/hwtopo/pkg/topology/synthetic"
)

func newShowCmd(o *options) *cobra.Command {
	var (
		describe bool
		typeName string
		sets     bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the topology tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := o.loadTopology()
			if err != nil {
				return err
			}
			defer t.Destroy()

			out := cmd.OutOrStdout()
			switch {
			case describe:
				desc, err := synthetic.Describe(t)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, desc)
				return nil
			case typeName != "":
				return showType(out, t, typeName)
			case sets:
				return showSets(out, t)
			}
			return t.Dump(out)
		},
	}

	cmd.Flags().BoolVar(&describe, "describe", false, "print a synthetic description of the topology")
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "list the objects of the given type")
	cmd.Flags().BoolVar(&sets, "sets", false, "print the processor and memory node sets of the topology")

	return cmd
}

func showType(w io.Writer, t *topology.Topology, typeName string) error {
	typ, err := topology.ParseType(typeName)
	if err != nil {
		return err
	}
	for _, obj := range t.ObjsByType(typ) {
		fmt.Fprintf(w, "%s cpuset=%s nodeset=%s\n", obj, obj.CPUSet, obj.NodeSet)
	}
	return nil
}

func showSets(w io.Writer, t *topology.Topology) error {
	for _, s := range []struct {
		name string
		set  fmt.Stringer
	}{
		{"complete cpuset", t.CompleteCPUSet()},
		{"topology cpuset", t.TopologyCPUSet()},
		{"online cpuset", t.OnlineCPUSet()},
		{"allowed cpuset", t.AllowedCPUSet()},
		{"complete nodeset", t.CompleteNodeSet()},
		{"topology nodeset", t.TopologyNodeSet()},
		{"allowed nodeset", t.AllowedNodeSet()},
	} {
		if _, err := fmt.Fprintf(w, "%-17s %s\n", s.name+":", s.set); err != nil {
			return err
		}
	}
	return nil
}
