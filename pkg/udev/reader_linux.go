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

package udev

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// socketReader reads raw uevent data from a netlink socket.
type socketReader struct {
	fd     int
	closed bool
}

func newSocketReader() (*socketReader, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("failed to create uevent socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Pid:    uint32(os.Getpid()),
		Groups: 1,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd) // nolint:errcheck
		return nil, fmt.Errorf("failed to bind uevent socket: %w", err)
	}

	return &socketReader{fd: fd}, nil
}

func (r *socketReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.EOF
	}

	n, err := unix.Read(r.fd, p)
	if n < 0 {
		n = 0
	}
	if err == unix.ENOBUFS {
		log.Warn("uevent socket ran out of buffer space, events were dropped")
		err = nil
	}

	return n, err
}

func (r *socketReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return unix.Close(r.fd)
}
