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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/hwtopo/pkg/apis/config/v1alpha1/instrumentation"
)

func TestParseTopologyConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
		fail bool
		chk  func(*testing.T, *TopologyConfig)
	}{
		{
			name: "empty",
			yaml: "",
			chk: func(t *testing.T, c *TopologyConfig) {
				require.Equal(t, "", c.Backend)
				require.Nil(t, c.ThisSystem)
				require.Equal(t, instrumentation.DefaultHTTPEndpoint, c.Instrumentation.HTTPEndpoint)
				require.Equal(t, []string{"topology"}, c.Instrumentation.Metrics)
			},
		},
		{
			name: "synthetic with ignores",
			yaml: `
synthetic: "node:2 core:2 pu:2"
thisSystem: false
ignore:
  cache: always
  group: keep-structure
log:
  debug:
    - topology
instrumentation:
  httpEndpoint: ":9000"
  metrics: []
`,
			chk: func(t *testing.T, c *TopologyConfig) {
				require.Equal(t, "node:2 core:2 pu:2", c.Synthetic)
				require.NotNil(t, c.ThisSystem)
				require.False(t, *c.ThisSystem)
				require.Equal(t, map[string]string{"cache": "always", "group": "keep-structure"}, c.Ignore)
				require.Equal(t, []string{"topology"}, c.Log.Debug)
				require.Equal(t, ":9000", c.Instrumentation.HTTPEndpoint)
				require.Equal(t, []string{}, c.Instrumentation.Metrics)
			},
		},
		{
			name: "unknown field",
			yaml: "backnd: sysfs\n",
			fail: true,
		},
		{
			name: "conflicting sources",
			yaml: "fsRoot: /tmp/root\nxmlFile: topo.xml\n",
			fail: true,
		},
		{
			name: "malformed debug entry",
			yaml: "log:\n  debug:\n    - \"on:off:topology\"\n",
			fail: true,
		},
		{
			name: "backend argument without backend",
			yaml: "backendArg: foo\n",
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := ParseTopologyConfig([]byte(tc.yaml))
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.chk(t, cfg)
		})
	}
}

func TestLoadTopologyConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: noos\nwholeSystem: true\n"), 0o644))

	cfg, err := LoadTopologyConfig(path)
	require.NoError(t, err)
	require.Equal(t, "noos", cfg.Backend)
	require.True(t, cfg.WholeSystem)

	_, err = LoadTopologyConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
