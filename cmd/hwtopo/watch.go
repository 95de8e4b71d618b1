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
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/containers/hwtopo/pkg/topology"
	"github.com/containers/hwtopo/pkg/udev"
)

func newWatchCmd(o *options) *cobra.Command {
	var (
		settle time.Duration
		events bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Report topology changes caused by processor and memory hotplug",
		Long: `Listen for processor, memory and node hotplug uevents and, once they
settle, load a fresh topology and print how it differs from the previous one.

This is an opt-in reload loop. A loaded topology is a snapshot and is never
updated in place; other commands and library users see hotplug changes only
by loading the topology again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := udev.NewMonitor(udev.TopologyFilters())
			if err != nil {
				return err
			}
			defer m.Stop() // nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return watch(ctx, cmd.OutOrStdout(), o.loadTopology, m, settle, events)
		},
	}

	cmd.Flags().DurationVar(&settle, "settle", 500*time.Millisecond, "time to wait for related events before reloading")
	cmd.Flags().BoolVar(&events, "events", false, "also print the hotplug events received")

	return cmd
}

// watch reloads the topology once hotplug events settle and reports what
// changed, until the context is done or the monitor stops.
func watch(ctx context.Context, w io.Writer, load func() (*topology.Topology, error), m *udev.Monitor, settle time.Duration, showEvents bool) error {
	t, err := load()
	if err != nil {
		return err
	}
	prev := summarize(t)
	t.Destroy()

	for _, k := range sortedKeys(prev) {
		fmt.Fprintf(w, "%s: %s\n", k, prev[k])
	}

	events := make(chan *udev.Event, 64)
	m.Start(events)

	var (
		timer   = time.NewTimer(settle)
		pending = false
	)
	timer.Stop()

	reload := func() error {
		pending = false
		t, err := load()
		if err != nil {
			return err
		}
		next := summarize(t)
		t.Destroy()

		reportChanges(w, prev, next)
		prev = next
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case e, ok := <-events:
			if !ok {
				if pending {
					return reload()
				}
				return nil
			}
			log.Debug("got uevent %s", e)
			if showEvents {
				dumpEvent(w, e)
			}
			pending = true
			timer.Reset(settle)

		case <-timer.C:
			if err := reload(); err != nil {
				return err
			}
		}
	}
}

func dumpEvent(w io.Writer, e *udev.Event) {
	dump, err := yaml.Marshal(e.Properties)
	if err != nil {
		log.Error("failed to marshal uevent %s: %v", e, err)
		return
	}
	fmt.Fprintf(w, "event %s:\n%s", e.Header, dump)
}

// summarize describes the parts of a topology hotplug can change.
func summarize(t *topology.Topology) map[string]string {
	s := map[string]string{
		"online cpuset":  t.OnlineCPUSet().String(),
		"allowed cpuset": t.AllowedCPUSet().String(),
		"nodeset":        t.TopologyNodeSet().String(),
	}
	for depth := 0; depth < t.Depth(); depth++ {
		obj := t.ObjByDepth(depth, 0)
		s[obj.TypeString()+" objects"] = strconv.Itoa(t.NbObjsByDepth(depth))
	}
	for _, n := range t.ObjsByType(topology.TypeNode) {
		s[fmt.Sprintf("node %d memory", n.OSIndex)] = strconv.FormatUint(n.Memory.LocalMemory, 10)
	}
	return s
}

func reportChanges(w io.Writer, prev, next map[string]string) {
	keys := map[string]struct{}{}
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}

	changed := false
	for _, k := range sortedKeys(keys) {
		p, hadPrev := prev[k]
		n, hasNext := next[k]
		switch {
		case !hadPrev:
			fmt.Fprintf(w, "+ %s: %s\n", k, n)
		case !hasNext:
			fmt.Fprintf(w, "- %s: %s\n", k, p)
		case p != n:
			fmt.Fprintf(w, "~ %s: %s -> %s\n", k, p, n)
		default:
			continue
		}
		changed = true
	}

	if !changed {
		log.Info("topology unchanged")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
