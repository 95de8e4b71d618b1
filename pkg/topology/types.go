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
	"strconv"
	"strings"
)

// ObjType is the type of a topology object. Types are ordered from the
// top of the tree towards the bottom.
type ObjType int

const (
	// TypeSystem is a set of machines, possibly a single-image cluster.
	TypeSystem ObjType = iota
	// TypeMachine is a machine with one operating system instance.
	TypeMachine
	// TypeGroup is a set of objects with no other better suited type.
	TypeGroup
	// TypeNode is a NUMA node, a set of processors around a memory bank.
	TypeNode
	// TypeSocket is a physical processor package.
	TypeSocket
	// TypeCache is a data or unified cache.
	TypeCache
	// TypeCore is a processor core.
	TypeCore
	// TypePU is a logical processor, the leaf of the topology.
	TypePU
	// TypeMisc is an annotation object outside of the level structure.
	TypeMisc

	typeMax
)

var typeNames = [typeMax]string{
	TypeSystem:  "System",
	TypeMachine: "Machine",
	TypeGroup:   "Group",
	TypeNode:    "NUMANode",
	TypeSocket:  "Socket",
	TypeCache:   "Cache",
	TypeCore:    "Core",
	TypePU:      "PU",
	TypeMisc:    "Misc",
}

// String returns the name of the type.
func (t ObjType) String() string {
	if t < 0 || t >= typeMax {
		return "Unknown#" + strconv.Itoa(int(t))
	}
	return typeNames[t]
}

// IsValid checks if the type is a known one.
func (t ObjType) IsValid() bool {
	return t >= 0 && t < typeMax
}

// ParseType parses a type name, case-insensitively.
func ParseType(name string) (ObjType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "node", "numanode":
		return TypeNode, nil
	case "package":
		return TypeSocket, nil
	}
	for t, n := range typeNames {
		if strings.ToLower(n) == name {
			return ObjType(t), nil
		}
	}
	return typeMax, invalidArgument("unknown object type %q", name)
}

// Types returns all known object types in order.
func Types() []ObjType {
	types := make([]ObjType, 0, typeMax)
	for t := TypeSystem; t < typeMax; t++ {
		types = append(types, t)
	}
	return types
}

// CompareTypes compares the order of two types, returning a negative
// value if a is above b, a positive one if a is below b, and 0 if they
// are the same type.
func CompareTypes(a, b ObjType) int {
	return int(a) - int(b)
}

// typeOrder is the result of comparing the types of two objects.
type typeOrder int

const (
	typeHigher typeOrder = iota
	typeDeeper
	typeEqual
)

// typeCmp compares the types of two objects, breaking ties between caches
// by cache depth and between groups by group depth.
func typeCmp(a, b *Object) typeOrder {
	if c := CompareTypes(a.Type, b.Type); c != 0 {
		if c > 0 {
			return typeDeeper
		}
		return typeHigher
	}

	switch a.Type {
	case TypeCache:
		// L2 above L1
		switch {
		case a.Cache.Depth < b.Cache.Depth:
			return typeDeeper
		case a.Cache.Depth > b.Cache.Depth:
			return typeHigher
		}
	case TypeGroup:
		switch {
		case a.Group.Depth > b.Group.Depth:
			return typeDeeper
		case a.Group.Depth < b.Group.Depth:
			return typeHigher
		}
	}

	return typeEqual
}

// IgnorePolicy tells if and how objects of a type are removed.
type IgnorePolicy int

const (
	// IgnoreNever keeps all objects of a type.
	IgnoreNever IgnorePolicy = iota
	// IgnoreAlways removes all objects of a type.
	IgnoreAlways
	// IgnoreKeepStructure removes objects of a type which do not add
	// any structure, that is objects with a single child or with the
	// same set of processors as their single parent.
	IgnoreKeepStructure
)

func (p IgnorePolicy) String() string {
	switch p {
	case IgnoreNever:
		return "never"
	case IgnoreAlways:
		return "always"
	case IgnoreKeepStructure:
		return "keep-structure"
	}
	return "policy#" + strconv.Itoa(int(p))
}

// ParseIgnorePolicy parses an ignore policy name.
func ParseIgnorePolicy(name string) (IgnorePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "never":
		return IgnoreNever, nil
	case "always":
		return IgnoreAlways, nil
	case "keep-structure", "keepstructure", "keep_structure":
		return IgnoreKeepStructure, nil
	}
	return IgnoreNever, invalidArgument("unknown ignore policy %q", name)
}

// Flags alter topology discovery.
type Flags uint

const (
	// FlagWholeSystem keeps processors and memory nodes which are offline
	// or which the current process is not allowed to use.
	FlagWholeSystem Flags = 1 << iota
	// FlagIsThisSystem declares that the topology describes the running
	// system, even if it was loaded from a file or description.
	FlagIsThisSystem
)

const (
	// TypeDepthUnknown is the depth of a type with no objects in levels.
	TypeDepthUnknown = -1
	// TypeDepthMultiple is the depth of a type found at several levels.
	TypeDepthMultiple = -2
)
