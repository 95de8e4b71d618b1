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
	"fmt"
	"math"
	"strconv"
	"strings"
)

// HumanReadableSize returns the given size in bytes as a human-readable
// string with a binary unit suffix.
func HumanReadableSize(size uint64) string {
	if size >= 1024 {
		units := []string{"KiB", "MiB", "GiB", "TiB"}

		for i, d := 0, uint64(1024); i < len(units); i, d = i+1, d<<10 {
			if val := size / d; 1 <= val && (val < 1024 || i == len(units)-1) {
				if fval := float64(size) / float64(d); math.Floor(fval) != fval {
					return strings.TrimRight(fmt.Sprintf("%.3f", fval), "0") + units[i]
				}
				return fmt.Sprintf("%d%s", val, units[i])
			}
		}
	}

	return strconv.FormatUint(size, 10) + "B"
}
