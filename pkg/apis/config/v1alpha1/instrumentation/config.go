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

package instrumentation

// Config provides runtime configuration for exporting metrics.
type Config struct {
	// HTTPEndpoint is the address our HTTP server listens on to expose
	// Prometheus metrics.
	// +optional
	// +kubebuilder:example=":8891"
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// Namespace is the common prefix of all exported metrics.
	// +optional
	// +kubebuilder:default="hwtopo"
	Namespace string `json:"namespace,omitempty"`
	// Metrics lists the collectors or groups of collectors to enable,
	// as names or glob patterns.
	// +optional
	// +kubebuilder:default={"topology"}
	Metrics []string `json:"metrics,omitempty"`
}

const (
	// DefaultHTTPEndpoint is the default metrics HTTP endpoint.
	DefaultHTTPEndpoint = ":8891"
	// DefaultNamespace is the default metrics namespace.
	DefaultNamespace = "hwtopo"
)

// DefaultMetrics returns the collectors enabled by default.
func DefaultMetrics() []string {
	return []string{"topology"}
}
