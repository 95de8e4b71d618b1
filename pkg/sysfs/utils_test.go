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

package sysfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/hwtopo/pkg/utils/cpuset"
)

func TestGetEnumeratedID(t *testing.T) {
	require.Equal(t, 12, getEnumeratedID("/sys/devices/system/cpu/cpu12"))
	require.Equal(t, 0, getEnumeratedID("node0"))
	require.Equal(t, -1, getEnumeratedID("/sys/devices/system/cpu/online"))
}

func TestParseSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		size uint64
		fail bool
	}{
		{in: "48K", size: 48 << 10},
		{in: "2M", size: 2 << 20},
		{in: "1G", size: 1 << 30},
		{in: "512", size: 512},
		{in: "", fail: true},
		{in: "xK", fail: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			size, err := parseSize(tc.in)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.size, size)
		})
	}
}

func TestParseValue(t *testing.T) {
	var (
		u   uint64
		ids []int
		set cpuset.CPUSet
	)

	require.NoError(t, parseValue("16 kB", &u))
	require.Equal(t, uint64(16*1024), u)
	require.NoError(t, parseValue("10 21", &ids))
	require.Equal(t, []int{10, 21}, ids)
	require.NoError(t, parseValue("0-3,8", &set))
	require.Equal(t, "0-3,8", set.String())
	require.Error(t, parseValue("1", &struct{}{}))
	require.Error(t, parseValue("10 x", &ids))
}

func TestSplitColon(t *testing.T) {
	key, value, err := splitColon("Cpus_allowed_list:\t0-7")
	require.NoError(t, err)
	require.Equal(t, "Cpus_allowed_list", key)
	require.Equal(t, "0-7", value)
}
