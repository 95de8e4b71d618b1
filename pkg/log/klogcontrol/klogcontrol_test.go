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

package klogcontrol

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/hwtopo/pkg/apis/config/v1alpha1/log/klogcontrol"
)

func TestEnvVar(t *testing.T) {
	require.Equal(t, "LOGGER_SKIP_HEADERS", EnvVar("skip_headers"))
	require.Equal(t, "LOGGER_LOG_FILE_MAX_SIZE", EnvVar("log-file-max-size"))
}

func TestSeed(t *testing.T) {
	env := map[string]string{"JOURNAL_STREAM": "8:1234", "LOGGER_V": "3"}
	c := newControl(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	})

	v, ok := c.Value("skip_headers")
	require.True(t, ok)
	require.Equal(t, "true", v)
	v, _ = c.Value("v")
	require.Equal(t, "3", v)
}

func TestConfigure(t *testing.T) {
	c := newControl(func(string) (string, bool) { return "", false })

	verbosity := 4
	require.NoError(t, c.Configure(&cfgapi.Config{V: &verbosity}))
	v, _ := c.Value("v")
	require.Equal(t, "4", v)

	bad := "not-a-threshold"
	require.Error(t, c.Configure(&cfgapi.Config{Stderrthreshold: &bad}))

	_, ok := c.Value("no-such-flag")
	require.False(t, ok)
}
