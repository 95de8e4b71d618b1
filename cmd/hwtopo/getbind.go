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

	"github.com/containers/hwtopo/pkg/bitmap"
	"github.com/containers/hwtopo/pkg/topology"
)

func newGetBindCmd(o *options) *cobra.Command {
	var (
		pid    int
		tid    int
		memory bool
		strict bool
	)

	cmd := &cobra.Command{
		Use:   "get-bind",
		Short: "Show the current binding of this or another process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pid != 0 && tid != 0 {
				return fmt.Errorf("only one of --pid and --tid can be given")
			}

			t, err := o.loadTopology()
			if err != nil {
				return err
			}
			defer t.Destroy()

			var flags topology.BindFlags
			if strict {
				flags |= topology.BindStrict
			}

			return getBind(cmd.OutOrStdout(), t, pid, tid, memory, flags)
		},
	}

	cmd.Flags().IntVarP(&pid, "pid", "p", 0, "show the binding of this process")
	cmd.Flags().IntVar(&tid, "tid", 0, "show the binding of this thread")
	cmd.Flags().BoolVarP(&memory, "membind", "m", false, "show the memory binding too")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail if threads of the process are bound differently")

	return cmd
}

func getBind(w io.Writer, t *topology.Topology, pid, tid int, memory bool, flags topology.BindFlags) error {
	var (
		cpus *bitmap.Bitmap
		err  error
	)

	switch {
	case tid != 0:
		cpus, err = t.GetThreadCPUBind(tid, flags)
	case pid != 0:
		cpus, err = t.GetProcCPUBind(pid, flags)
	default:
		cpus, err = t.GetCPUBind(flags)
	}
	if err != nil {
		return fmt.Errorf("failed to get CPU binding: %w", err)
	}
	fmt.Fprintf(w, "cpuset: %s\n", cpus)

	if !memory {
		return nil
	}

	var (
		nodes  *bitmap.Bitmap
		policy topology.MembindPolicy
	)

	switch {
	case tid != 0:
		return fmt.Errorf("memory binding of other threads: %w", topology.ErrUnsupported)
	case pid != 0:
		nodes, policy, err = t.GetProcMemBindNodeset(pid, flags)
	default:
		nodes, policy, err = t.GetMemBindNodeset(flags)
	}
	if err != nil {
		return fmt.Errorf("failed to get memory binding: %w", err)
	}
	fmt.Fprintf(w, "nodeset: %s (%s)\n", nodes, policy)

	return nil
}
