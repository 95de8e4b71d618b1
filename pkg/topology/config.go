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

	cfgapi "github.com/containers/hwtopo/pkg/apis/config/v1alpha1"
)

// WithConfig configures a topology from a configuration.
func WithConfig(cfg *cfgapi.TopologyConfig) Option {
	return func(t *Topology) error {
		return t.Configure(cfg)
	}
}

// Configure applies a configuration to an unloaded topology. Environment
// overrides still apply on top of it when the topology is loaded.
func (t *Topology) Configure(cfg *cfgapi.TopologyConfig) error {
	if cfg == nil {
		return nil
	}
	if t.loaded {
		return ErrAlreadyLoaded
	}
	if err := cfg.Validate(); err != nil {
		return invalidArgument("%v", err)
	}

	var err error
	switch {
	case cfg.Backend != "":
		err = t.SetBackend(cfg.Backend, cfg.BackendArg)
	case cfg.FSRoot != "":
		err = t.SetFSRoot(cfg.FSRoot)
	case cfg.XMLFile != "":
		err = t.SetXML(cfg.XMLFile)
	case cfg.Synthetic != "":
		err = t.SetSynthetic(cfg.Synthetic)
	}
	if err != nil {
		return err
	}

	flags := t.flags
	if cfg.WholeSystem {
		flags |= FlagWholeSystem
	}
	if cfg.ThisSystem != nil {
		if *cfg.ThisSystem {
			flags |= FlagIsThisSystem
		} else {
			flags &^= FlagIsThisSystem
			t.notThisSys = true
		}
	}
	if err := t.SetFlags(flags); err != nil {
		return err
	}

	if cfg.IgnoreAllKeepStructure {
		if err := t.IgnoreAllKeepStructure(); err != nil {
			return err
		}
	}
	for name, policy := range cfg.Ignore {
		typ, err := ParseType(name)
		if err != nil {
			return fmt.Errorf("invalid ignore configuration: %w", err)
		}
		p, err := ParseIgnorePolicy(policy)
		if err != nil {
			return fmt.Errorf("invalid ignore configuration for %s: %w", typ, err)
		}
		if err := t.IgnoreType(typ, p); err != nil {
			return err
		}
	}

	return nil
}
