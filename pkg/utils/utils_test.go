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

package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHumanReadableSize(t *testing.T) {
	type testCase struct {
		name   string
		size   uint64
		result string
	}

	for _, tc := range []*testCase{
		{
			name:   "zero",
			size:   0,
			result: "0B",
		},
		{
			name:   "no units",
			size:   345,
			result: "345B",
		},
		{
			name:   "1KiB",
			size:   1024,
			result: "1KiB",
		},
		{
			name:   "2.5KiB",
			size:   2048 + 512,
			result: "2.5KiB",
		},
		{
			name:   "32KiB",
			size:   32 << 10,
			result: "32KiB",
		},
		{
			name:   "1GiB",
			size:   1 << 30,
			result: "1GiB",
		},
		{
			name:   "2048TiB",
			size:   2048 << 40,
			result: "2048TiB",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.result, HumanReadableSize(tc.size))
		})
	}
}

func TestParseEnabled(t *testing.T) {
	for _, tc := range []struct {
		value   string
		enabled bool
		fail    bool
	}{
		{value: "1", enabled: true},
		{value: "yes", enabled: true},
		{value: "On", enabled: true},
		{value: "0", enabled: false},
		{value: "off", enabled: false},
		{value: "disabled", enabled: false},
		{value: "maybe", fail: true},
	} {
		t.Run(tc.value, func(t *testing.T) {
			enabled, err := ParseEnabled(tc.value)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.enabled, enabled)
		})
	}
}
