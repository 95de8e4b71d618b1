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

// Package xmlfile saves topologies to XML files and loads them back. The
// format follows the version 1 hwloc one: nested object elements carrying
// their sets as hexadecimal masks, with page type, info and distance
// matrix sub-elements.
package xmlfile

import (
	"encoding/xml"
	"strings"

	"github.com/pkg/errors"

	"github.com/containers/hwtopo/pkg/bitmap"
	logger "github.com/containers/hwtopo/pkg/log"
)

var (
	log = logger.Get("xmlfile")
)

const (
	// Doctype is the document type declaration of exported files.
	Doctype = `<!DOCTYPE topology SYSTEM "hwloc.dtd">`
)

type xmlTopology struct {
	XMLName xml.Name   `xml:"topology"`
	Root    *xmlObject `xml:"object"`
}

type xmlObject struct {
	Type           string          `xml:"type,attr"`
	OSLevel        *int            `xml:"os_level,attr,omitempty"`
	OSIndex        *int            `xml:"os_index,attr,omitempty"`
	Name           string          `xml:"name,attr,omitempty"`
	CPUSet         string          `xml:"cpuset,attr,omitempty"`
	CompleteCPUSet string          `xml:"complete_cpuset,attr,omitempty"`
	OnlineCPUSet   string          `xml:"online_cpuset,attr,omitempty"`
	AllowedCPUSet  string          `xml:"allowed_cpuset,attr,omitempty"`
	NodeSet        string          `xml:"nodeset,attr,omitempty"`
	CompleteNodes  string          `xml:"complete_nodeset,attr,omitempty"`
	AllowedNodes   string          `xml:"allowed_nodeset,attr,omitempty"`
	LocalMemory    uint64          `xml:"local_memory,attr,omitempty"`
	CacheSize      uint64          `xml:"cache_size,attr,omitempty"`
	Depth          *int            `xml:"depth,attr,omitempty"`
	CacheLineSize  int             `xml:"cache_linesize,attr,omitempty"`
	PageTypes      []xmlPageType   `xml:"page_type"`
	Infos          []xmlInfo       `xml:"info"`
	Distances      []*xmlDistances `xml:"distances"`
	Children       []*xmlObject    `xml:"object"`
}

type xmlPageType struct {
	Size  uint64 `xml:"size,attr"`
	Count uint64 `xml:"count,attr"`
}

type xmlInfo struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlDistances struct {
	NbObjs        int          `xml:"nbobjs,attr"`
	RelativeDepth int          `xml:"relative_depth,attr"`
	LatencyBase   float32      `xml:"latency_base,attr"`
	Latency       []xmlLatency `xml:"latency"`
}

type xmlLatency struct {
	Value float32 `xml:"value,attr"`
}

// formatSet returns set as a hexadecimal mask, empty for a nil set.
func formatSet(set *bitmap.Bitmap) string {
	if set == nil {
		return ""
	}
	return set.HexString()
}

// parseSet parses a hexadecimal mask or a list of ranges. An empty string
// gives a nil set.
func parseSet(attr, value string) (*bitmap.Bitmap, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	var (
		set *bitmap.Bitmap
		err error
	)
	if strings.HasPrefix(strings.ToLower(value), "0x") {
		set, err = bitmap.ParseHex(value)
	} else {
		set, err = bitmap.Parse(value)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", attr)
	}

	return set, nil
}

func intPtr(v int) *int {
	return &v
}
