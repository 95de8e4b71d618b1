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
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/containers/hwtopo/pkg/bitmap"
	"github.com/containers/hwtopo/pkg/topology"
)

// execFn replaces the running process with a command.
var execFn = unix.Exec

type bindOptions struct {
	cpus    string
	nodes   string
	memNear string
	policy  string
	single  bool
	strict  bool
	thread  bool
}

func newBindCmd(o *options) *cobra.Command {
	b := &bindOptions{}

	cmd := &cobra.Command{
		Use:   "bind [flags] -- COMMAND [ARG...]",
		Short: "Run a command bound to processors and memory nodes",
		Long: `Bind to the given processors and memory nodes, then execute the given
command. Locations are processor lists or objects, for instance
"0-3" or "core:1 core:2".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			t, err := o.loadTopology()
			if err != nil {
				return err
			}
			defer t.Destroy()

			if !t.IsThisSystem() {
				log.Warn("topology does not describe this system, binding has no effect")
			}

			// memory policy is per thread and survives exec
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			if err := b.apply(t); err != nil {
				return err
			}

			return run(args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&b.cpus, "cpuset", "", "processors to bind to")
	flags.StringVar(&b.nodes, "membind", "", "memory nodes to bind memory to, e.g. 0-1")
	flags.StringVar(&b.memNear, "mem-near", "", "bind memory to the nodes near the given location")
	flags.StringVar(&b.policy, "policy", topology.MembindBind.String(), "memory binding policy")
	flags.BoolVar(&b.single, "single", false, "bind to a single processor of the location")
	flags.BoolVar(&b.strict, "strict", false, "fail if the binding can not be enforced exactly")
	flags.BoolVar(&b.thread, "thread", false, "bind the current thread only")
	cmd.MarkFlagsMutuallyExclusive("membind", "mem-near")

	return cmd
}

func (b *bindOptions) flags() topology.BindFlags {
	var flags topology.BindFlags
	if b.strict {
		flags |= topology.BindStrict
	}
	if b.thread {
		flags |= topology.BindThread
	}
	return flags
}

// apply carries out the requested CPU and memory binding.
func (b *bindOptions) apply(t *topology.Topology) error {
	if b.cpus == "" && b.nodes == "" && b.memNear == "" {
		return fmt.Errorf("nothing to bind to, use --cpuset, --membind or --mem-near")
	}

	if b.cpus != "" {
		set, err := parseLocation(t, b.cpus)
		if err != nil {
			return err
		}
		if b.single {
			set.Singlify()
		}
		log.Debug("binding to cpuset %s", set)
		if err := t.SetCPUBind(set, b.flags()); err != nil {
			return fmt.Errorf("failed to bind to cpuset %s: %w", set, err)
		}
	}

	if b.nodes == "" && b.memNear == "" {
		return nil
	}

	policy, err := topology.ParseMembindPolicy(b.policy)
	if err != nil {
		return err
	}

	var nodes *bitmap.Bitmap
	if b.nodes != "" {
		if nodes, err = bitmap.Parse(b.nodes); err != nil {
			return fmt.Errorf("invalid nodeset %q: %w", b.nodes, err)
		}
	} else {
		set, err := parseLocation(t, b.memNear)
		if err != nil {
			return err
		}
		nodes = t.CPUSetToNodeSet(set)
	}

	log.Debug("binding memory to nodeset %s, policy %s", nodes, policy)
	if err := t.SetMemBindNodeset(nodes, policy, b.flags()); err != nil {
		return fmt.Errorf("failed to bind memory to nodeset %s: %w", nodes, err)
	}

	return nil
}

func run(args []string) error {
	executable, err := exec.LookPath(args[0])
	if err != nil {
		return fmt.Errorf("looking for executable %q failed: %w", args[0], err)
	}

	log.Debug("executing %q %v", executable, args)

	if err := execFn(executable, args, os.Environ()); err != nil {
		return fmt.Errorf("executing %q failed: %w", executable, err)
	}

	return nil
}
