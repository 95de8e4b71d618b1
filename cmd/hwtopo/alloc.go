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
	"math"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/containers/hwtopo/pkg/cpuallocator"
	"github.com/containers/hwtopo/pkg/topology"
)

func newAllocCmd(o *options) *cobra.Command {
	var (
		from      string
		count     int
		coresOnly bool
	)

	cmd := &cobra.Command{
		Use:   "alloc",
		Short: "Pick a topologically compact set of processors",
		Long: `Pick the given number of processors from a location, preferring idle
nodes, sockets, caches and cores so that the result stays compact.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := o.loadTopology()
			if err != nil {
				return err
			}
			defer t.Destroy()

			free := t.AllowedCPUSet().Clone()
			if from != "" {
				if free, err = parseLocation(t, from); err != nil {
					return err
				}
			}

			var options []cpuallocator.Option
			if coresOnly {
				options = append(options, cpuallocator.WithAllocFlags(cpuallocator.AllocIdleCores))
			}

			cpus, err := cpuallocator.NewCPUAllocator(t).AllocateCpus(free, count, options...)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), cpus)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "location to allocate from, all allowed processors by default")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of processors to allocate")
	cmd.Flags().BoolVar(&coresOnly, "cores-only", false, "only prefer idle cores, ignoring larger objects")

	return cmd
}

func newDistribCmd(o *options) *cobra.Command {
	var (
		from  string
		until string
	)

	cmd := &cobra.Command{
		Use:   "distrib COUNT",
		Short: "Spread COUNT processes over the topology",
		Long: `Print COUNT processor sets, one per line, spread as evenly as possible
over the topology or the given location.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid count %q", args[0])
			}

			t, err := o.loadTopology()
			if err != nil {
				return err
			}
			defer t.Destroy()

			var roots []*topology.Object
			if from != "" {
				set, err := parseLocation(t, from)
				if err != nil {
					return err
				}
				roots = t.ObjsInsideCPUSet(set)
			}

			depth := math.MaxInt
			if until != "" {
				typ, err := topology.ParseType(until)
				if err != nil {
					return err
				}
				if depth = t.TypeDepth(typ); depth < 0 {
					return fmt.Errorf("no %s level in topology", typ)
				}
			}

			sets, err := t.Distrib(roots, n, depth)
			if err != nil {
				return err
			}
			for _, s := range sets {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "location to distribute over")
	cmd.Flags().StringVar(&until, "until", "", "do not split objects below this type")

	return cmd
}
