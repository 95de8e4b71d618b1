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

//go:build linux

package topology

import (
	"golang.org/x/sys/unix"
)

const osBackend = BackendSysfs

// osInfos returns the operating system identification of the running
// system as info pairs.
func osInfos() []Info {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		log.Debug("uname failed: %v", err)
		return nil
	}
	return []Info{
		{Name: "OSName", Value: unix.ByteSliceToString(uts.Sysname[:])},
		{Name: "OSRelease", Value: unix.ByteSliceToString(uts.Release[:])},
		{Name: "OSVersion", Value: unix.ByteSliceToString(uts.Version[:])},
		{Name: "HostName", Value: unix.ByteSliceToString(uts.Nodename[:])},
		{Name: "Architecture", Value: unix.ByteSliceToString(uts.Machine[:])},
	}
}
