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
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	cfgapi "github.com/containers/hwtopo/pkg/apis/config/v1alpha1"
	"github.com/containers/hwtopo/pkg/bitmap"
	logger "github.com/containers/hwtopo/pkg/log"
	"github.com/containers/hwtopo/pkg/topology"

	// backends selectable by name
	_ "github.com/containers/hwtopo/pkg/topology/synthetic"
	_ "github.com/containers/hwtopo/pkg/topology/x86"
	_ "github.com/containers/hwtopo/pkg/topology/xmlfile"
)

var (
	log = logger.Get("hwtopo")
)

// options are the topology source options shared by all commands.
type options struct {
	config      string
	synthetic   string
	input       string
	fsRoot      string
	backend     string
	wholeSystem bool
	debug       bool

	// cfg is the effective configuration once loaded.
	cfg *cfgapi.TopologyConfig
}

func newRootCmd() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:   "hwtopo",
		Short: "Hardware topology discovery and binding",
		Long: `hwtopo discovers the hardware topology of this machine, or loads it
from an XML export or a synthetic description, and shows, exports or
binds processes to parts of it.

Locations are given either as processor lists (0-3,8) or as objects of
the topology (core:1, socket:0, node:1).`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&o.config, "config", "c", "", "topology configuration file")
	flags.StringVarP(&o.synthetic, "synthetic", "s", "", "load a synthetic topology, e.g. \"node:2 core:4 pu:2\"")
	flags.StringVarP(&o.input, "input", "i", "", "load topology from an XML file")
	flags.StringVar(&o.fsRoot, "fsroot", "", "discover topology from a sysfs tree under this directory")
	flags.StringVar(&o.backend, "backend", "", "use the named discovery backend")
	flags.BoolVar(&o.wholeSystem, "whole-system", false, "keep disallowed processors and memory nodes")
	flags.BoolVarP(&o.debug, "debug", "d", false, "enable debug logging")

	cmd.AddCommand(
		newShowCmd(o),
		newExportCmd(o),
		newBindCmd(o),
		newGetBindCmd(o),
		newMetricsCmd(o),
		newAllocCmd(o),
		newDistribCmd(o),
		newWatchCmd(o),
	)

	return cmd
}

// configuration reads the configuration file, if any, and applies the
// command line overrides on top of it.
func (o *options) configuration() (*cfgapi.TopologyConfig, error) {
	var (
		cfg = cfgapi.NewTopologyConfig()
		err error
	)

	if o.config != "" {
		if cfg, err = cfgapi.LoadTopologyConfig(o.config); err != nil {
			return nil, err
		}
	}

	source := func(set func()) {
		cfg.Backend, cfg.BackendArg = "", ""
		cfg.FSRoot, cfg.XMLFile, cfg.Synthetic = "", "", ""
		set()
	}

	switch {
	case o.synthetic != "":
		source(func() { cfg.Synthetic = o.synthetic })
	case o.input != "":
		source(func() { cfg.XMLFile = o.input })
	case o.fsRoot != "":
		source(func() { cfg.FSRoot = o.fsRoot })
	case o.backend != "":
		source(func() { cfg.Backend = o.backend })
	}

	if o.wholeSystem {
		cfg.WholeSystem = true
	}
	if o.debug {
		cfg.Log.Debug = append(cfg.Log.Debug, "*")
	}

	return cfg, nil
}

// loadTopology configures logging and loads the topology.
func (o *options) loadTopology() (*topology.Topology, error) {
	cfg, err := o.configuration()
	if err != nil {
		return nil, err
	}

	if err := logger.Configure(&cfg.Log); err != nil {
		return nil, err
	}
	o.cfg = cfg

	t, err := topology.New(topology.WithConfig(cfg))
	if err != nil {
		return nil, err
	}
	if err := t.Load(); err != nil {
		return nil, fmt.Errorf("failed to load topology: %w", err)
	}

	log.Debug("loaded topology using backend %s", t.Backend())

	return t, nil
}

// parseLocation parses a processor list or a type:index object location
// into a cpuset. Multiple locations separated by whitespace are combined.
func parseLocation(t *topology.Topology, location string) (*bitmap.Bitmap, error) {
	set := bitmap.New()

	for _, loc := range strings.Fields(location) {
		typeName, idx, isObj := strings.Cut(loc, ":")
		if !isObj {
			cpus, err := bitmap.Parse(loc)
			if err != nil {
				return nil, fmt.Errorf("invalid location %q: %w", loc, err)
			}
			set.OrWith(cpus)
			continue
		}

		typ, err := topology.ParseType(typeName)
		if err != nil {
			return nil, fmt.Errorf("invalid location %q: %w", loc, err)
		}
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 {
			return nil, fmt.Errorf("invalid location %q: bad index %q", loc, idx)
		}
		obj := t.ObjByType(typ, i)
		if obj == nil {
			return nil, fmt.Errorf("invalid location %q: %w", loc, topology.ErrNoSuchObject)
		}
		set.OrWith(obj.CPUSet)
	}

	if set.IsZero() {
		return nil, fmt.Errorf("location %q is empty", location)
	}

	return set, nil
}
