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

// Package log holds the logging section of the configuration.
package log

import (
	"fmt"
	"strings"

	"github.com/containers/hwtopo/pkg/apis/config/v1alpha1/log/klogcontrol"
)

// Config controls debug messages, source prefixes and the klog backend.
type Config struct {
	// Debug lists [state:]source entries, comma separated, turning debug
	// messages of logger sources on or off. "all" or "*" means every source.
	// +optional
	// +kubebuilder:example={"on:topology,sysfs","off:metrics"}
	Debug []string `json:"debug,omitempty"`
	// LogSource prefixes every message with its logger source.
	// +optional
	LogSource bool `json:"source,omitempty"`
	// Klog sets klog flags.
	// +optional
	Klog klogcontrol.Config `json:"klog,omitempty"`
}

// Validate checks the syntax of the debug entries.
func (c *Config) Validate() error {
	for _, value := range c.Debug {
		for _, entry := range strings.Split(value, ",") {
			if strings.Count(entry, ":") > 1 {
				return fmt.Errorf("invalid log config: malformed debug entry %q", entry)
			}
		}
	}
	return nil
}
