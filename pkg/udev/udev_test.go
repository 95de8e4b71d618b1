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

package udev

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func uevent(header string, props ...string) string {
	return header + "\x00" + strings.Join(props, "\x00") + "\x00"
}

var (
	cpuOffline = uevent("offline@/devices/system/cpu/cpu3",
		"ACTION=offline", "DEVPATH=/devices/system/cpu/cpu3", "SUBSYSTEM=cpu", "SEQNUM=100")
	memOnline = uevent("online@/devices/system/memory/memory32",
		"ACTION=online", "DEVPATH=/devices/system/memory/memory32", "SUBSYSTEM=memory", "SEQNUM=101")
	usbAdd = uevent("add@/devices/pci0000:00/usb1",
		"ACTION=add", "DEVPATH=/devices/pci0000:00/usb1", "SUBSYSTEM=usb", "DEVTYPE=usb_device", "SEQNUM=102")
)

func reader(events ...string) *EventReader {
	return NewEventReaderFromReader(io.NopCloser(bytes.NewBufferString(strings.Join(events, ""))))
}

func TestEventReader(t *testing.T) {
	r := reader(cpuOffline, usbAdd)

	e, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, "offline@/devices/system/cpu/cpu3", e.Header)
	require.Equal(t, "offline", e.Action)
	require.Equal(t, "cpu", e.Subsystem)
	require.Equal(t, "/devices/system/cpu/cpu3", e.Devpath)
	require.Equal(t, "100", e.Seqnum)

	e, err = r.Read()
	require.NoError(t, err)
	require.Equal(t, "usb_device", e.Properties["DEVTYPE"])

	_, err = r.Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestEventReaderErrors(t *testing.T) {
	_, err := reader(uevent("add@/x", "ACTION=add", "garbage", "SEQNUM=1")).Read()
	require.Error(t, err)

	_, err = reader("add@/x\x00ACTION=add\x00").Read()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func collect(t *testing.T, m *Monitor) []*Event {
	events := make(chan *Event, 16)
	m.Start(events)

	var got []*Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timed out waiting for events")
		}
	}
}

func TestMonitorFilters(t *testing.T) {
	for _, tc := range []struct {
		name     string
		options  []MonitorOption
		expected []string
	}{
		{
			name:     "unfiltered",
			expected: []string{"100", "101", "102"},
		},
		{
			name:     "topology",
			options:  []MonitorOption{TopologyFilters()},
			expected: []string{"100", "101"},
		},
		{
			name: "all properties must match",
			options: []MonitorOption{
				WithFilters(map[string]string{"SUBSYSTEM": "cpu", "ACTION": "online"}),
			},
		},
		{
			name: "globs",
			options: []MonitorOption{
				WithGlobFilters(map[string]string{"DEVPATH": "/devices/system/*"}),
			},
			expected: []string{"100", "101"},
		},
		{
			name: "filters or globs",
			options: []MonitorOption{
				WithFilters(map[string]string{"DEVTYPE": "usb_device"}),
				WithGlobFilters(map[string]string{"ACTION": "off*"}),
			},
			expected: []string{"100", "102"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := NewMonitor(append(tc.options, WithEventReader(reader(cpuOffline, memOnline, usbAdd)))...)
			require.NoError(t, err)

			var seqnums []string
			for _, e := range collect(t, m) {
				seqnums = append(seqnums, e.Seqnum)
			}
			require.Equal(t, tc.expected, seqnums)
		})
	}
}
