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

// Package udev watches kernel uevents for hardware which affects the
// topology, such as processors and memory going on- or offline.
package udev

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	logger "github.com/containers/hwtopo/pkg/log"
)

// Event is a kernel uevent.
type Event struct {
	Header     string
	Subsystem  string
	Action     string
	Devpath    string
	Seqnum     string
	Properties map[string]string
}

const (
	// PropertyAction is the key for the ACTION property.
	PropertyAction = "ACTION"
	// PropertyDevpath is the key for the DEVPATH property.
	PropertyDevpath = "DEVPATH"
	// PropertySubsystem is the key for the SUBSYSTEM property.
	PropertySubsystem = "SUBSYSTEM"
	// PropertySeqnum is the key for the SEQNUM property, the last one of
	// an event.
	PropertySeqnum = "SEQNUM"
)

var (
	log = logger.Get("udev")

	// ErrUnsupported is returned where uevents are not available.
	ErrUnsupported = errors.New("udev: uevents not supported")
)

func (e *Event) String() string {
	return fmt.Sprintf("%s %s %s (#%s)", e.Subsystem, e.Action, e.Devpath, e.Seqnum)
}

// EventReader decodes uevents from a stream of NUL-terminated strings.
type EventReader struct {
	r io.ReadCloser
	b *bufio.Reader
}

// NewEventReader creates a reader for uevents from the kernel.
func NewEventReader() (*EventReader, error) {
	r, err := newSocketReader()
	if err != nil {
		return nil, err
	}
	return NewEventReaderFromReader(r), nil
}

// NewEventReaderFromReader creates an event reader on top of another
// reader, for instance to replay recorded events.
func NewEventReaderFromReader(r io.ReadCloser) *EventReader {
	return &EventReader{
		r: r,
		b: bufio.NewReader(r),
	}
}

// Read reads the next event, blocking until one is available.
func (r *EventReader) Read() (*Event, error) {
	hdr, err := r.field()
	if err != nil {
		return nil, err
	}

	e := &Event{
		Header:     hdr,
		Properties: map[string]string{},
	}

	for {
		kv, err := r.field()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("failed to read uevent %q: %w", hdr, err)
		}

		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("failed to read uevent %q: malformed property %q", hdr, kv)
		}
		e.Properties[k] = v

		switch k {
		case PropertyAction:
			e.Action = v
		case PropertyDevpath:
			e.Devpath = v
		case PropertySubsystem:
			e.Subsystem = v
		case PropertySeqnum:
			e.Seqnum = v
			return e, nil
		}
	}
}

func (r *EventReader) field() (string, error) {
	s, err := r.b.ReadString(0)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(s, "\x00"), nil
}

// Close closes the reader.
func (r *EventReader) Close() error {
	return r.r.Close()
}
