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

package v1alpha1

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/containers/hwtopo/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/hwtopo/pkg/apis/config/v1alpha1/log"
)

// TopologyConfig is the configuration for discovering a topology.
type TopologyConfig struct {
	// Backend is the name of the discovery backend, the OS default if empty.
	// +optional
	// +kubebuilder:validation:Enum=sysfs;noos;x86;synthetic;xml
	Backend string `json:"backend,omitempty"`
	// BackendArg is passed to the backend selected by Backend.
	// +optional
	BackendArg string `json:"backendArg,omitempty"`
	// FSRoot selects sysfs discovery from a filesystem tree rooted here.
	// +optional
	FSRoot string `json:"fsRoot,omitempty"`
	// XMLFile selects loading the topology from an XML file.
	// +optional
	XMLFile string `json:"xmlFile,omitempty"`
	// Synthetic selects a synthetic topology with this description.
	// +optional
	// +kubebuilder:example="node:2 core:4 pu:2"
	Synthetic string `json:"synthetic,omitempty"`
	// WholeSystem keeps offline and disallowed processors and nodes.
	// +optional
	WholeSystem bool `json:"wholeSystem,omitempty"`
	// ThisSystem declares whether the topology describes the running
	// system, overriding the backend.
	// +optional
	ThisSystem *bool `json:"thisSystem,omitempty"`
	// Ignore maps object type names to ignore policies: never, always
	// or keep-structure.
	// +optional
	Ignore map[string]string `json:"ignore,omitempty"`
	// IgnoreAllKeepStructure removes objects of any type which do not
	// add structure.
	// +optional
	IgnoreAllKeepStructure bool `json:"ignoreAllKeepStructure,omitempty"`
	// Log configures logging.
	// +optional
	Log log.Config `json:"log,omitempty"`
	// Instrumentation configures metrics export.
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// NewTopologyConfig returns a configuration with defaults filled in.
func NewTopologyConfig() *TopologyConfig {
	cfg := &TopologyConfig{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in defaults for unset fields.
func (c *TopologyConfig) SetDefaults() {
	if c.Instrumentation.HTTPEndpoint == "" {
		c.Instrumentation.HTTPEndpoint = instrumentation.DefaultHTTPEndpoint
	}
	if c.Instrumentation.Namespace == "" {
		c.Instrumentation.Namespace = instrumentation.DefaultNamespace
	}
	if c.Instrumentation.Metrics == nil {
		c.Instrumentation.Metrics = instrumentation.DefaultMetrics()
	}
}

// Validate checks that at most one backend source is given.
func (c *TopologyConfig) Validate() error {
	sources := 0
	for _, s := range []string{c.Backend, c.FSRoot, c.XMLFile, c.Synthetic} {
		if s != "" {
			sources++
		}
	}
	if sources > 1 {
		return fmt.Errorf("invalid topology config: more than one of backend, fsRoot, xmlFile and synthetic given")
	}
	if c.BackendArg != "" && c.Backend == "" {
		return fmt.Errorf("invalid topology config: backendArg given without backend")
	}
	return c.Log.Validate()
}

// ParseTopologyConfig parses a YAML or JSON configuration. Unknown fields
// are rejected.
func ParseTopologyConfig(data []byte) (*TopologyConfig, error) {
	cfg := &TopologyConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse topology config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

// LoadTopologyConfig reads a configuration file.
func LoadTopologyConfig(path string) (*TopologyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology config: %w", err)
	}
	cfg, err := ParseTopologyConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
