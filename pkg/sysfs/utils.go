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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containers/hwtopo/pkg/utils/cpuset"
)

// sysfsError returns a formatted error for a sysfs path.
func sysfsError(path, format string, args ...interface{}) error {
	return fmt.Errorf("sysfs %s: "+format, append([]interface{}{path}, args...)...)
}

// getEnumeratedID returns the numeric suffix of the last element of path,
// for instance 12 for ".../cpu12", or -1 if there is none.
func getEnumeratedID(path string) int {
	name := filepath.Base(path)
	idx := len(name)
	for idx > 0 && '0' <= name[idx-1] && name[idx-1] <= '9' {
		idx--
	}
	if idx == len(name) {
		return -1
	}
	id, err := strconv.Atoi(name[idx:])
	if err != nil {
		return -1
	}
	return id
}

// readSysfsEntry reads the entry under base, parses it into ptr if it is
// not nil, and returns the raw trimmed content.
func readSysfsEntry(base, entry string, ptr interface{}) (string, error) {
	path := filepath.Join(base, entry)

	blob, err := os.ReadFile(path)
	if err != nil {
		return "", sysfsError(path, "failed to read entry: %w", err)
	}

	content := strings.TrimSpace(string(blob))
	if ptr == nil {
		return content, nil
	}

	if err := parseValue(content, ptr); err != nil {
		return "", sysfsError(path, "%v", err)
	}

	return content, nil
}

// parseValue parses a sysfs or procfs value into ptr. Unsigned integers
// accept a "kB" suffix.
func parseValue(value string, ptr interface{}) error {
	var err error

	switch p := ptr.(type) {
	case *string:
		*p = value
	case *int:
		*p, err = strconv.Atoi(value)
	case *int64:
		*p, err = strconv.ParseInt(value, 10, 64)
	case *uint64:
		unit := uint64(1)
		if v, ok := strings.CutSuffix(value, "kB"); ok {
			value = strings.TrimSpace(v)
			unit = 1024
		}
		*p, err = strconv.ParseUint(value, 10, 64)
		*p *= unit
	case *[]int:
		fields := strings.Fields(value)
		ints := make([]int, 0, len(fields))
		for _, f := range fields {
			v, e := strconv.Atoi(f)
			if e != nil {
				return fmt.Errorf("invalid integer %q in %q: %w", f, value, e)
			}
			ints = append(ints, v)
		}
		*p = ints
	case *cpuset.CPUSet:
		*p, err = cpuset.Parse(value)
	default:
		return fmt.Errorf("unsupported value type %T", ptr)
	}

	if err != nil {
		return fmt.Errorf("failed to parse %q: %w", value, err)
	}
	return nil
}

// ParseFileEntries parses the lines of a file with pickFn into key/value
// pairs and stores the values of the keys found in values.
func ParseFileEntries(path string, values map[string]interface{}, pickFn func(string) (string, string, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return sysfsError(path, "failed to open: %w", err)
	}
	defer f.Close()

	left := len(values)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && left > 0 {
		key, value, err := pickFn(scanner.Text())
		if err != nil {
			return err
		}
		ptr, ok := values[key]
		if !ok {
			continue
		}
		if err := parseValue(value, ptr); err != nil {
			return sysfsError(path, "entry %s: %v", key, err)
		}
		left--
	}

	if err := scanner.Err(); err != nil {
		return sysfsError(path, "failed to read: %w", err)
	}
	return nil
}

// splitColon splits "key: value" lines, as found in /proc/*/status.
func splitColon(line string) (string, string, error) {
	key, value, _ := strings.Cut(line, ":")
	return strings.TrimSpace(key), strings.TrimSpace(value), nil
}

// parseSize parses cache sizes like "32K" or "1M".
func parseSize(size string) (uint64, error) {
	if size == "" {
		return 0, fmt.Errorf("empty size")
	}

	unit := uint64(1)
	switch size[len(size)-1] {
	case 'K':
		unit = 1 << 10
	case 'M':
		unit = 1 << 20
	case 'G':
		unit = 1 << 30
	}
	if unit != 1 {
		size = size[:len(size)-1]
	}

	val, err := strconv.ParseUint(size, 10, 64)
	if err != nil {
		return 0, err
	}
	return val * unit, nil
}
