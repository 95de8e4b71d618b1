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
	"strings"

	"github.com/containers/hwtopo/pkg/utils"
)

// Environment variables overriding backend selection.
const (
	EnvForceFSRoot     = "HWTOPO_FORCE_FSROOT"
	EnvForceXMLFile    = "HWTOPO_FORCE_XMLFILE"
	EnvForceSynthetic  = "HWTOPO_FORCE_SYNTHETIC"
	EnvFSRoot          = "HWTOPO_FSROOT"
	EnvXMLFile         = "HWTOPO_XMLFILE"
	EnvSynthetic       = "HWTOPO_SYNTHETIC"
	EnvBackend         = "HWTOPO_BACKEND"
	EnvThisSystem      = "HWTOPO_THISSYSTEM"
	EnvForceThisSystem = "HWTOPO_FORCE_THISSYSTEM"
)

type envOverride struct {
	env     string
	backend string
}

var (
	// applied in order, the last one set wins
	forcedOverrides = []envOverride{
		{EnvForceFSRoot, BackendSysfs},
		{EnvForceXMLFile, BackendXML},
		{EnvForceSynthetic, BackendSynthetic},
	}
	// checked in order, the first one set wins
	defaultOverrides = []envOverride{
		{EnvFSRoot, BackendSysfs},
		{EnvXMLFile, BackendXML},
		{EnvSynthetic, BackendSynthetic},
		{EnvBackend, ""},
	}
)

func (t *Topology) getenv(name string) (string, bool) {
	if t.lookupEnv == nil {
		return "", false
	}
	v, ok := t.lookupEnv(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// resolveBackend picks the backend to load with. A forced environment
// override beats explicit configuration, which beats a non-forced
// environment override, which beats the default backend of the OS.
func (t *Topology) resolveBackend() backendConfig {
	cfg := t.backend
	forced := false

	for _, o := range forcedOverrides {
		if v, ok := t.getenv(o.env); ok {
			log.Debug("backend forced by %s=%s", o.env, v)
			cfg = backendConfig{name: o.backend, arg: v}
			forced = true
		}
	}

	if !forced && cfg.name == "" {
		for _, o := range defaultOverrides {
			v, ok := t.getenv(o.env)
			if !ok {
				continue
			}
			log.Debug("backend selected by %s=%s", o.env, v)
			if o.backend == "" {
				name, arg, _ := strings.Cut(v, ":")
				cfg = backendConfig{name: name, arg: arg}
			} else {
				cfg = backendConfig{name: o.backend, arg: v}
			}
			break
		}
	}

	if cfg.name == "" {
		cfg = backendConfig{name: defaultBackend()}
	}

	return cfg
}

// resolveThisSystem decides if the topology describes the running system,
// starting with the backend's own idea and applying the flag and the
// environment overrides in turn.
func (t *Topology) resolveThisSystem(isThisSystem bool) bool {
	if t.flags&FlagIsThisSystem != 0 {
		isThisSystem = true
	}
	if t.notThisSys {
		isThisSystem = false
	}
	for _, env := range []string{EnvThisSystem, EnvForceThisSystem} {
		v, ok := t.getenv(env)
		if !ok {
			continue
		}
		enabled, err := utils.ParseEnabled(v)
		if err != nil {
			log.Warn("ignoring %s: %v", env, err)
			continue
		}
		isThisSystem = enabled
	}
	return isThisSystem
}

// defaultBackend returns the backend to use without any configuration.
func defaultBackend() string {
	if _, ok := lookupBackend(osBackend); ok {
		return osBackend
	}
	return BackendNoOS
}
