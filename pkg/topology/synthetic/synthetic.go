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

// Package synthetic builds topologies from textual descriptions such as
// "node:2 socket:2 core:4 2". Each token gives the number of children each
// object of the level above has, optionally prefixed with their type.
package synthetic

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	logger "github.com/containers/hwtopo/pkg/log"
	"github.com/containers/hwtopo/pkg/topology"
)

var (
	log = logger.Get("synthetic")
)

const (
	// L1Size is the size of synthetic level 1 caches.
	L1Size = 32 * 1024
	// CacheSizeBase is the size of synthetic level 2 caches. Each further
	// level is four times larger.
	CacheSizeBase = 256 * 1024
	// CacheLineSize is the line size of synthetic caches.
	CacheLineSize = 64
	// NodeMemory is the local memory of synthetic NUMA nodes.
	NodeMemory = 1024 * 1024 * 1024
	// PageSize is the page size of synthetic NUMA nodes.
	PageSize = 4096
)

// Level is one level of a synthetic description.
type Level struct {
	// Type of the objects at this level.
	Type topology.ObjType
	// Arity is the number of objects below each object of the level above.
	Arity int
	// Depth is the cache level for caches and the group depth for groups.
	Depth int
}

// Token returns the description of the level.
func (l Level) Token() string {
	return typeToken(l.Type) + ":" + strconv.Itoa(l.Arity)
}

// typeNames lists the type names of the grammar with the length of their
// shortest accepted prefix.
var typeNames = []struct {
	name   string
	minLen int
	typ    topology.ObjType
}{
	{"system", 2, topology.TypeSystem},
	{"machine", 2, topology.TypeMachine},
	{"node", 1, topology.TypeNode},
	{"socket", 1, topology.TypeSocket},
	{"core", 2, topology.TypeCore},
	{"cache", 2, topology.TypeCache},
	{"pu", 1, topology.TypePU},
	{"misc", 2, topology.TypeMisc},
	{"group", 2, topology.TypeGroup},
}

func parseType(name string) (topology.ObjType, bool) {
	name = strings.ToLower(name)
	for _, n := range typeNames {
		if len(name) >= n.minLen && strings.HasPrefix(n.name, name) {
			return n.typ, true
		}
	}
	return topology.TypeMisc, false
}

func typeToken(typ topology.ObjType) string {
	for _, n := range typeNames {
		if n.typ == typ {
			return n.name
		}
	}
	return strings.ToLower(typ.String())
}

// inferType returns the type of an untyped level given the type of the
// level right below it.
func inferType(below topology.ObjType) topology.ObjType {
	switch below {
	case topology.TypePU:
		return topology.TypeCore
	case topology.TypeCore:
		return topology.TypeCache
	case topology.TypeCache:
		return topology.TypeSocket
	case topology.TypeSocket:
		return topology.TypeNode
	case topology.TypeNode, topology.TypeGroup:
		return topology.TypeGroup
	default:
		return topology.TypeMisc
	}
}

// Parse parses a synthetic description into levels, from the top down.
func Parse(description string) ([]Level, error) {
	tokens := strings.Fields(description)
	if len(tokens) == 0 {
		return nil, errors.Wrap(topology.ErrInvalidArgument, "empty synthetic description")
	}

	var (
		levels = make([]Level, len(tokens))
		typed  = make([]bool, len(tokens))
	)

	for i, tok := range tokens {
		name, count, hasType := strings.Cut(tok, ":")
		if !hasType {
			count = name
		} else {
			typ, ok := parseType(name)
			if !ok {
				return nil, errors.Wrapf(topology.ErrInvalidArgument,
					"unknown type %q in synthetic token %q", name, tok)
			}
			levels[i].Type = typ
			typed[i] = true
		}

		arity, err := strconv.Atoi(count)
		if err != nil || arity < 1 {
			return nil, errors.Wrapf(topology.ErrInvalidArgument,
				"invalid count in synthetic token %q", tok)
		}
		levels[i].Arity = arity
	}

	last := len(levels) - 1
	if !typed[last] {
		levels[last].Type = topology.TypePU
	}
	for i := last - 1; i >= 0; i-- {
		if !typed[i] {
			levels[i].Type = inferType(levels[i+1].Type)
		}
	}

	if err := checkLevels(levels); err != nil {
		return nil, err
	}

	numberLevels(levels)

	return levels, nil
}

func checkLevels(levels []Level) error {
	seen := map[topology.ObjType]bool{}
	last := len(levels) - 1

	for i, l := range levels {
		switch l.Type {
		case topology.TypeSystem:
			return errors.Wrap(topology.ErrInvalidArgument, "system level not allowed in synthetic description")
		case topology.TypeMachine:
			if i != 0 {
				return errors.Wrap(topology.ErrInvalidArgument, "machine level must come first")
			}
		case topology.TypePU:
			if i != last {
				return errors.Wrap(topology.ErrInvalidArgument, "pu level must come last")
			}
		}
		switch l.Type {
		case topology.TypeMachine, topology.TypeNode, topology.TypePU:
			if seen[l.Type] {
				return errors.Wrapf(topology.ErrInvalidArgument, "several %s levels", typeToken(l.Type))
			}
		}
		seen[l.Type] = true
	}

	if levels[last].Type != topology.TypePU {
		return errors.Wrapf(topology.ErrInvalidArgument,
			"last level must be pu, got %s", typeToken(levels[last].Type))
	}

	return nil
}

// numberLevels sets the cache and group depths. Caches are numbered from
// the bottom, with a lone cache level being a level 2 cache.
func numberLevels(levels []Level) {
	caches, groups := 0, 0
	for _, l := range levels {
		if l.Type == topology.TypeCache {
			caches++
		}
	}
	if caches == 1 {
		caches = 2
	}

	for i := range levels {
		switch levels[i].Type {
		case topology.TypeCache:
			levels[i].Depth = caches
			caches--
		case topology.TypeGroup:
			levels[i].Depth = groups
			groups++
		}
	}
}

// CacheSize returns the size of a synthetic cache of the given level.
func CacheSize(depth int) uint64 {
	if depth <= 1 {
		return L1Size
	}
	return uint64(CacheSizeBase) << (2 * (depth - 2))
}

// Describe returns the synthetic description of a symmetric topology, one
// where all objects at a depth have the same number of children at the
// next depth. Misc objects are left out.
func Describe(t *topology.Topology) (string, error) {
	if t == nil || !t.IsLoaded() {
		return "", topology.ErrNotLoaded
	}

	var tokens []string
	for depth := 1; depth < t.Depth(); depth++ {
		arity := -1
		for parent := t.ObjByDepth(depth-1, 0); parent != nil; parent = parent.NextCousin() {
			n := 0
			for _, child := range levelChildren(parent) {
				if child.Depth() == depth {
					n++
				}
			}
			if arity < 0 {
				arity = n
			} else if n != arity {
				return "", errors.Wrapf(topology.ErrInvalidArgument,
					"asymmetric topology, %s has %d children instead of %d", parent, n, arity)
			}
		}

		if t.NbObjsByDepth(depth) != arity*t.NbObjsByDepth(depth-1) {
			return "", errors.Wrapf(topology.ErrInvalidArgument,
				"asymmetric topology, depth %d skips levels", depth)
		}

		typ, _ := t.DepthType(depth)
		tokens = append(tokens, Level{Type: typ, Arity: arity}.Token())
	}

	return strings.Join(tokens, " "), nil
}

// levelChildren returns the children of obj, looking through Misc objects.
func levelChildren(obj *topology.Object) []*topology.Object {
	var children []*topology.Object
	for _, c := range obj.Children() {
		if c.Type == topology.TypeMisc {
			children = append(children, levelChildren(c)...)
			continue
		}
		children = append(children, c)
	}
	return children
}
