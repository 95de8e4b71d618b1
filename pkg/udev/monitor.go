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
	"fmt"
	"path"
)

// MonitorOption is an option for a Monitor.
type MonitorOption func(*Monitor)

// WithFilters filters events by properties. Properties within a map must
// all match an event. Any one of the maps matching lets the event pass.
func WithFilters(filters ...map[string]string) MonitorOption {
	return func(m *Monitor) {
		m.filters = append(m.filters, filters...)
	}
}

// WithGlobFilters is like WithFilters but matches properties by glob
// patterns.
func WithGlobFilters(globbers ...map[string]string) MonitorOption {
	return func(m *Monitor) {
		m.globbers = append(m.globbers, globbers...)
	}
}

// WithEventReader reads events from the given reader instead of the
// kernel.
func WithEventReader(r *EventReader) MonitorOption {
	return func(m *Monitor) {
		m.r = r
	}
}

// TopologyFilters match events of processors, memory blocks and NUMA
// nodes, which may change the topology of the system.
func TopologyFilters() MonitorOption {
	return WithFilters(
		map[string]string{PropertySubsystem: "cpu"},
		map[string]string{PropertySubsystem: "memory"},
		map[string]string{PropertySubsystem: "node"},
	)
}

// Monitor delivers filtered uevents.
type Monitor struct {
	r        *EventReader
	filters  []map[string]string
	globbers []map[string]string
}

// NewMonitor creates a monitor with the given options.
func NewMonitor(options ...MonitorOption) (*Monitor, error) {
	m := &Monitor{}
	for _, o := range options {
		o(m)
	}

	if m.r == nil {
		r, err := NewEventReader()
		if err != nil {
			return nil, fmt.Errorf("failed to create udev monitor: %w", err)
		}
		m.r = r
	}

	return m, nil
}

// Start starts delivering events. The channel is closed once reading
// events fails or the monitor is stopped.
func (m *Monitor) Start(events chan<- *Event) {
	go m.run(events)
}

// Stop stops delivering events.
func (m *Monitor) Stop() error {
	return m.r.Close()
}

func (m *Monitor) run(events chan<- *Event) {
	defer close(events)

	var stuck bool

	for {
		evt, err := m.r.Read()
		if err != nil {
			log.Debug("stopped reading uevents: %v", err)
			m.r.Close() // nolint:errcheck
			return
		}

		if !m.filter(evt) {
			continue
		}

		select {
		case events <- evt:
			if stuck {
				log.Warn("receiver reading again, delivering uevents (%s)", evt)
				stuck = false
			}
		default:
			if !stuck {
				log.Warn("receiver stuck, dropping uevents (%s)", evt)
				stuck = true
			}
		}
	}
}

func (m *Monitor) filter(evt *Event) bool {
	if len(m.filters) == 0 && len(m.globbers) == 0 {
		return true
	}

	for _, filter := range m.filters {
		if matches(filter, evt, func(pattern, value string) bool { return pattern == value }) {
			return true
		}
	}

	for _, glob := range m.globbers {
		if matches(glob, evt, func(pattern, value string) bool {
			ok, err := path.Match(pattern, value)
			if err != nil {
				log.Error("invalid uevent glob pattern %q: %v", pattern, err)
			}
			return ok
		}) {
			return true
		}
	}

	return false
}

func matches(filter map[string]string, evt *Event, match func(pattern, value string) bool) bool {
	for k, p := range filter {
		if !match(p, evt.Properties[k]) {
			return false
		}
	}
	return true
}
