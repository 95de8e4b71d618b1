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

// Package bitmap implements sets of non-negative integers which may extend
// to infinity. CPU sets and memory node sets of a topology are bitmaps.
package bitmap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"k8s.io/utils/cpuset"
)

// Bitmap is a set of non-negative integers. If infinite is set, every index
// at or above limit is a member and set holds no bits at or above limit.
type Bitmap struct {
	set      *bitset.BitSet
	infinite bool
	limit    uint
}

// Relation is the result of comparing two bitmaps for inclusion.
type Relation int

const (
	// Equal means the bitmaps have the same members.
	Equal Relation = iota
	// Included means the first bitmap is a strict subset of the second.
	Included
	// Contains means the first bitmap is a strict superset of the second.
	Contains
	// Intersects means the bitmaps overlap with neither including the other.
	Intersects
	// Different means the bitmaps are disjoint.
	Different
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Included:
		return "included"
	case Contains:
		return "contains"
	case Intersects:
		return "intersects"
	case Different:
		return "different"
	}
	return "relation#" + strconv.Itoa(int(r))
}

// New returns an empty bitmap.
func New() *Bitmap {
	return &Bitmap{set: bitset.New(0)}
}

// NewFull returns a bitmap with every index set.
func NewFull() *Bitmap {
	return &Bitmap{set: bitset.New(0), infinite: true}
}

// NewFromIDs returns a bitmap with the given indices set.
func NewFromIDs(ids ...int) *Bitmap {
	b := New()
	for _, id := range ids {
		b.Set(id)
	}
	return b
}

// NewRange returns a bitmap with the indices begin to end set, inclusive.
// A negative end creates an infinite range.
func NewRange(begin, end int) *Bitmap {
	b := New()
	b.SetRange(begin, end)
	return b
}

// FromCPUSet returns a bitmap with the members of the given CPU set.
func FromCPUSet(cset cpuset.CPUSet) *Bitmap {
	return NewFromIDs(cset.UnsortedList()...)
}

// Clone returns a copy of the bitmap.
func (b *Bitmap) Clone() *Bitmap {
	if b == nil {
		return nil
	}
	return &Bitmap{
		set:      b.bits().Clone(),
		infinite: b.infinite,
		limit:    b.limit,
	}
}

// Copy sets b to the members of o.
func (b *Bitmap) Copy(o *Bitmap) {
	if o == nil {
		b.Zero()
		return
	}
	b.set = o.bits().Clone()
	b.infinite = o.infinite
	b.limit = o.limit
}

// bits returns the explicit bits of b, allocating them if necessary.
func (b *Bitmap) bits() *bitset.BitSet {
	if b.set == nil {
		b.set = bitset.New(0)
	}
	return b.set
}

// orEmpty returns b, or an empty bitmap if b is nil.
func orEmpty(b *Bitmap) *Bitmap {
	if b == nil {
		return New()
	}
	return b
}

// materialize turns the infinite tail below limit into explicit bits.
func (b *Bitmap) materialize(limit uint) {
	if !b.infinite {
		return
	}
	for i := b.limit; i < limit; i++ {
		b.bits().Set(i)
	}
	if limit > b.limit {
		b.limit = limit
	}
}

// truncate clears all explicit bits at or above limit.
func (b *Bitmap) truncate(limit uint) {
	for i, ok := b.bits().NextSet(limit); ok; i, ok = b.bits().NextSet(i + 1) {
		b.bits().Clear(i)
	}
}

// Set adds the given index.
func (b *Bitmap) Set(id int) {
	if id < 0 {
		return
	}
	if b.infinite && uint(id) >= b.limit {
		return
	}
	b.bits().Set(uint(id))
}

// SetRange adds the indices begin to end, inclusive. A negative end sets
// every index from begin upwards.
func (b *Bitmap) SetRange(begin, end int) {
	if begin < 0 {
		begin = 0
	}
	if end >= 0 {
		for i := begin; i <= end; i++ {
			b.Set(i)
		}
		return
	}

	start := uint(begin)
	if b.infinite && start >= b.limit {
		return
	}
	b.infinite = true
	b.limit = start
	b.truncate(start)
}

// Clear removes the given index.
func (b *Bitmap) Clear(id int) {
	if id < 0 {
		return
	}
	if b.infinite && uint(id) >= b.limit {
		b.materialize(uint(id) + 1)
	}
	b.bits().Clear(uint(id))
}

// ClearRange removes the indices begin to end, inclusive. A negative end
// removes every index from begin upwards.
func (b *Bitmap) ClearRange(begin, end int) {
	if begin < 0 {
		begin = 0
	}
	if end >= 0 {
		for i := begin; i <= end; i++ {
			b.Clear(i)
		}
		return
	}

	start := uint(begin)
	if b.infinite {
		b.materialize(start)
		b.infinite = false
		b.limit = 0
	}
	b.truncate(start)
}

// Zero removes all indices.
func (b *Bitmap) Zero() {
	b.set = bitset.New(0)
	b.infinite = false
	b.limit = 0
}

// Fill sets all indices.
func (b *Bitmap) Fill() {
	b.set = bitset.New(0)
	b.infinite = true
	b.limit = 0
}

// Only sets the bitmap to contain the given index alone.
func (b *Bitmap) Only(id int) {
	b.Zero()
	b.Set(id)
}

// AllBut sets the bitmap to contain every index except the given one.
func (b *Bitmap) AllBut(id int) {
	b.Fill()
	b.Clear(id)
}

// IsSet checks if the given index is a member.
func (b *Bitmap) IsSet(id int) bool {
	if b == nil || id < 0 {
		return false
	}
	if b.infinite && uint(id) >= b.limit {
		return true
	}
	return b.bits().Test(uint(id))
}

// IsZero checks if the bitmap is empty.
func (b *Bitmap) IsZero() bool {
	if b == nil {
		return true
	}
	return !b.infinite && b.bits().None()
}

// IsFull checks if every index is set.
func (b *Bitmap) IsFull() bool {
	if b == nil {
		return false
	}
	return b.infinite && b.bits().Count() == b.limit
}

// IsInfinite checks if the bitmap has an infinite tail.
func (b *Bitmap) IsInfinite() bool {
	return b != nil && b.infinite
}

// First returns the lowest index, or -1 if the bitmap is empty.
func (b *Bitmap) First() int {
	return b.Next(-1)
}

// Next returns the lowest index above prev, or -1 if there is none.
func (b *Bitmap) Next(prev int) int {
	if b == nil {
		return -1
	}
	start := uint(prev + 1)
	if prev < 0 {
		start = 0
	}
	if i, ok := b.bits().NextSet(start); ok {
		return int(i)
	}
	if b.infinite {
		if start < b.limit {
			return int(b.limit)
		}
		return int(start)
	}
	return -1
}

// Last returns the highest index, or -1 if the bitmap is empty or infinite.
func (b *Bitmap) Last() int {
	if b == nil || b.infinite {
		return -1
	}
	last := -1
	for i, ok := b.bits().NextSet(0); ok; i, ok = b.bits().NextSet(i + 1) {
		last = int(i)
	}
	return last
}

// Weight returns the number of indices, or -1 if the bitmap is infinite.
func (b *Bitmap) Weight() int {
	if b == nil {
		return 0
	}
	if b.infinite {
		return -1
	}
	return int(b.bits().Count())
}

// Foreach calls fn for each finite index in increasing order until fn
// returns false. The infinite tail is visited up to its starting index only.
func (b *Bitmap) Foreach(fn func(id int) bool) {
	if b == nil {
		return
	}
	for i, ok := b.bits().NextSet(0); ok; i, ok = b.bits().NextSet(i + 1) {
		if !fn(int(i)) {
			return
		}
	}
}

// Members returns the explicitly set indices in increasing order. For an
// infinite bitmap the tail is not included.
func (b *Bitmap) Members() []int {
	ids := []int{}
	b.Foreach(func(id int) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// ToCPUSet returns the finite members of the bitmap as a CPU set.
func (b *Bitmap) ToCPUSet() cpuset.CPUSet {
	return cpuset.New(b.Members()...)
}

// Singlify reduces the bitmap to its lowest index.
func (b *Bitmap) Singlify() {
	first := b.First()
	b.Zero()
	if first >= 0 {
		b.Set(first)
	}
}

// span returns an index above all explicit bits and infinite limits.
func span(bitmaps ...*Bitmap) uint {
	var n uint
	for _, b := range bitmaps {
		if l := b.bits().Len(); l > n {
			n = l
		}
		if b.infinite && b.limit > n {
			n = b.limit
		}
	}
	return n
}

// align returns copies of a and b with their infinite tails at a common limit.
func align(a, b *Bitmap) (*Bitmap, *Bitmap, uint) {
	a, b = orEmpty(a).Clone(), orEmpty(b).Clone()
	limit := span(a, b)
	a.materialize(limit)
	b.materialize(limit)
	return a, b, limit
}

func combine(a, b *Bitmap, bits func(x, y *bitset.BitSet) *bitset.BitSet, tail func(x, y bool) bool) *Bitmap {
	x, y, limit := align(a, b)
	r := &Bitmap{
		set:      bits(x.set, y.set),
		infinite: tail(x.infinite, y.infinite),
	}
	if r.infinite {
		r.limit = limit
		r.truncate(limit)
	}
	return r
}

// Or returns the union of b and o.
func (b *Bitmap) Or(o *Bitmap) *Bitmap {
	return combine(b, o,
		func(x, y *bitset.BitSet) *bitset.BitSet { return x.Union(y) },
		func(x, y bool) bool { return x || y })
}

// And returns the intersection of b and o.
func (b *Bitmap) And(o *Bitmap) *Bitmap {
	return combine(b, o,
		func(x, y *bitset.BitSet) *bitset.BitSet { return x.Intersection(y) },
		func(x, y bool) bool { return x && y })
}

// AndNot returns the members of b which are not in o.
func (b *Bitmap) AndNot(o *Bitmap) *Bitmap {
	return combine(b, o,
		func(x, y *bitset.BitSet) *bitset.BitSet { return x.Difference(y) },
		func(x, y bool) bool { return x && !y })
}

// Xor returns the symmetric difference of b and o.
func (b *Bitmap) Xor(o *Bitmap) *Bitmap {
	return combine(b, o,
		func(x, y *bitset.BitSet) *bitset.BitSet { return x.SymmetricDifference(y) },
		func(x, y bool) bool { return x != y })
}

// Not returns the complement of b.
func (b *Bitmap) Not() *Bitmap {
	b = orEmpty(b)
	limit := span(b)
	r := &Bitmap{
		set:      bitset.New(limit),
		infinite: !b.infinite,
	}
	for i := 0; i < int(limit); i++ {
		if !b.IsSet(i) {
			r.set.Set(uint(i))
		}
	}
	if r.infinite {
		r.limit = limit
	}
	return r
}

// OrWith adds the members of o to b.
func (b *Bitmap) OrWith(o *Bitmap) {
	b.Copy(b.Or(o))
}

// AndWith removes the members of b which are not in o.
func (b *Bitmap) AndWith(o *Bitmap) {
	b.Copy(b.And(o))
}

// AndNotWith removes the members of o from b.
func (b *Bitmap) AndNotWith(o *Bitmap) {
	b.Copy(b.AndNot(o))
}

// IsEqual checks if b and o have the same members.
func (b *Bitmap) IsEqual(o *Bitmap) bool {
	return b.Xor(o).IsZero()
}

// IsIncluded checks if b is a subset of o.
func (b *Bitmap) IsIncluded(o *Bitmap) bool {
	return b.AndNot(o).IsZero()
}

// Intersects checks if b and o have common members.
func (b *Bitmap) Intersects(o *Bitmap) bool {
	return !b.And(o).IsZero()
}

// Classify returns the inclusion relation of b to o.
func (b *Bitmap) Classify(o *Bitmap) Relation {
	switch {
	case b.IsEqual(o):
		return Equal
	case b.IsIncluded(o):
		return Included
	case o.IsIncluded(b):
		return Contains
	case b.Intersects(o):
		return Intersects
	}
	return Different
}

// CompareFirst orders bitmaps by their lowest index. An empty bitmap is
// ordered after all others.
func CompareFirst(a, b *Bitmap) int {
	fa, fb := a.First(), b.First()
	switch {
	case fa == fb:
		return 0
	case fa == -1:
		return 1
	case fb == -1:
		return -1
	case fa < fb:
		return -1
	}
	return 1
}

// Compare orders bitmaps by their highest differing index. An empty bitmap
// is ordered before all others.
func Compare(a, b *Bitmap) int {
	x := a.Xor(b)
	switch {
	case x.IsZero():
		return 0
	case x.IsInfinite():
		if a.IsInfinite() {
			return 1
		}
		return -1
	}
	if a.IsSet(x.Last()) {
		return 1
	}
	return -1
}

// String returns the bitmap as a list of ranges, for instance "0-3,8,10-"
// where a trailing "N-" denotes an infinite range.
func (b *Bitmap) String() string {
	if b == nil {
		return ""
	}

	var (
		parts []string
		begin = -1
		prev  = -1
	)

	flush := func() {
		switch {
		case begin < 0:
		case begin == prev:
			parts = append(parts, strconv.Itoa(begin))
		default:
			parts = append(parts, strconv.Itoa(begin)+"-"+strconv.Itoa(prev))
		}
	}

	b.Foreach(func(id int) bool {
		if begin >= 0 && id == prev+1 {
			prev = id
			return true
		}
		flush()
		begin, prev = id, id
		return true
	})

	if b.infinite {
		if begin >= 0 && prev+1 == int(b.limit) {
			parts = append(parts, strconv.Itoa(begin)+"-")
		} else {
			flush()
			parts = append(parts, strconv.Itoa(int(b.limit))+"-")
		}
	} else {
		flush()
	}

	return strings.Join(parts, ",")
}

// Parse parses a bitmap from a list of ranges as produced by String.
func Parse(str string) (*Bitmap, error) {
	b := New()
	str = strings.TrimSpace(str)
	if str == "" {
		return b, nil
	}

	for _, r := range strings.Split(str, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}

		lohi := strings.SplitN(r, "-", 2)
		lo, err := strconv.ParseUint(strings.TrimSpace(lohi[0]), 10, 31)
		if err != nil {
			return nil, bitmapError("invalid range %q in %q: %w", r, str, err)
		}
		if len(lohi) == 1 {
			b.Set(int(lo))
			continue
		}

		if hi := strings.TrimSpace(lohi[1]); hi == "" {
			b.SetRange(int(lo), -1)
		} else {
			hi, err := strconv.ParseUint(hi, 10, 31)
			if err != nil {
				return nil, bitmapError("invalid range %q in %q: %w", r, str, err)
			}
			if hi < lo {
				return nil, bitmapError("invalid range %q in %q: end before beginning", r, str)
			}
			b.SetRange(int(lo), int(hi))
		}
	}

	return b, nil
}

// MustParse parses a bitmap and panics on failure.
func MustParse(str string) *Bitmap {
	b, err := Parse(str)
	if err != nil {
		panic(err)
	}
	return b
}

const wordBits = 32

// HexString returns the bitmap as comma-separated 32-bit hexadecimal words,
// most significant first. An infinite bitmap is prefixed with "0xf...f".
func (b *Bitmap) HexString() string {
	b = orEmpty(b)
	limit := span(b)
	words := int((limit + wordBits - 1) / wordBits)

	word := func(w int) uint32 {
		var v uint32
		for i := 0; i < wordBits; i++ {
			if b.IsSet(w*wordBits + i) {
				v |= 1 << i
			}
		}
		return v
	}

	var parts []string
	if b.infinite {
		parts = append(parts, "0xf...f")
		skip := true
		for w := words - 1; w >= 0; w-- {
			v := word(w)
			if skip && v == 0xffffffff {
				continue
			}
			skip = false
			parts = append(parts, fmt.Sprintf("0x%08x", v))
		}
		return strings.Join(parts, ",")
	}

	skip := true
	for w := words - 1; w >= 0; w-- {
		v := word(w)
		if skip && v == 0 {
			continue
		}
		skip = false
		parts = append(parts, fmt.Sprintf("0x%08x", v))
	}
	if len(parts) == 0 {
		return "0x0"
	}
	return strings.Join(parts, ",")
}

// ParseHex parses a bitmap from the format produced by HexString.
func ParseHex(str string) (*Bitmap, error) {
	str = strings.TrimSpace(str)
	words := strings.Split(str, ",")

	infinite := false
	if strings.EqualFold(strings.TrimSpace(words[0]), "0xf...f") {
		infinite = true
		words = words[1:]
	}

	b := New()
	n := len(words)
	for i, w := range words {
		w = strings.TrimSpace(w)
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(w), "0x"), 16, 32)
		if err != nil {
			return nil, bitmapError("invalid word %q in %q: %w", w, str, err)
		}
		base := (n - 1 - i) * wordBits
		for bit := 0; bit < wordBits; bit++ {
			if v&(1<<bit) != 0 {
				b.Set(base + bit)
			}
		}
	}
	if infinite {
		b.SetRange(n*wordBits, -1)
	}

	return b, nil
}

// MarshalText implements encoding.TextMarshaler.
func (b *Bitmap) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Bitmap) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	b.Copy(parsed)
	return nil
}

func bitmapError(format string, args ...interface{}) error {
	return fmt.Errorf("bitmap: "+format, args...)
}
