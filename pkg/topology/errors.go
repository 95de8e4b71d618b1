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
	"fmt"
)

var (
	// ErrUnsupported is returned for binding operations not implemented
	// on this OS or by the active backend.
	ErrUnsupported = fmt.Errorf("topology: operation not supported")
	// ErrUnenforceable is returned when the OS accepts a binding request
	// but can not honor it exactly.
	ErrUnenforceable = fmt.Errorf("topology: binding can not be enforced")
	// ErrInvalidArgument is returned for empty or out-of-range sets,
	// conflicting flags and other invalid requests.
	ErrInvalidArgument = fmt.Errorf("topology: invalid argument")
	// ErrStructuralConflict is returned when an object can not be placed
	// into the tree without breaking set containment.
	ErrStructuralConflict = fmt.Errorf("topology: structural conflict")
	// ErrEmptyTopology is returned when post-processing leaves no root.
	ErrEmptyTopology = fmt.Errorf("topology: topology became empty")
	// ErrNotLoaded is returned for operations which need a loaded topology.
	ErrNotLoaded = fmt.Errorf("topology: topology not loaded")
	// ErrAlreadyLoaded is returned for configuring a loaded topology.
	ErrAlreadyLoaded = fmt.Errorf("topology: topology already loaded")
	// ErrUnknownBackend is returned for an unregistered backend name.
	ErrUnknownBackend = fmt.Errorf("topology: unknown backend")
	// ErrNoSuchObject is returned when looking up an object which is not
	// in the tree.
	ErrNoSuchObject = fmt.Errorf("topology: no such object")
	// ErrNoPULevel is returned when discovery yields no logical processors.
	ErrNoPULevel = fmt.Errorf("topology: no PU level")
)

// invalidArgument returns a formatted ErrInvalidArgument.
func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidArgument}, args...)...)
}

// conflictError returns a formatted ErrStructuralConflict.
func conflictError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrStructuralConflict}, args...)...)
}
