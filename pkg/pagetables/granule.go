// Copyright 2026 The Phoenix Authors.
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

package pagetables

import "fmt"

// level describes one level of the translation tree.
type level struct {
	// shift is the lowest virtual address bit indexed at this level; an
	// entry covers 1<<shift bytes.
	shift uint

	// bits is the number of index bits, so a table has 1<<bits entries.
	bits uint

	// blocks is true if block descriptors may be installed here.
	blocks bool
}

// Granule is a translation granule: a page size together with the layout of
// the levels that translate it.
type Granule struct {
	name      string
	pageShift uint

	// first is the architectural number of the root level.
	first int

	// levels runs from the root to the leaf.
	levels []level

	// maxVirtBits is the widest virtual address the levels can translate.
	maxVirtBits uint
}

// The supported granules.
var (
	Granule4K = &Granule{
		name:      "4K",
		pageShift: 12,
		first:     0,
		levels: []level{
			{shift: 39, bits: 9},
			{shift: 30, bits: 9, blocks: true},
			{shift: 21, bits: 9, blocks: true},
			{shift: 12, bits: 9},
		},
		maxVirtBits: 48,
	}

	Granule16K = &Granule{
		name:      "16K",
		pageShift: 14,
		first:     0,
		levels: []level{
			{shift: 47, bits: 1},
			{shift: 36, bits: 11},
			{shift: 25, bits: 11, blocks: true},
			{shift: 14, bits: 11},
		},
		maxVirtBits: 48,
	}

	Granule64K = &Granule{
		name:      "64K",
		pageShift: 16,
		first:     1,
		levels: []level{
			{shift: 42, bits: 10},
			{shift: 29, bits: 13, blocks: true},
			{shift: 16, bits: 13},
		},
		maxVirtBits: 52,
	}
)

// GranuleForPageSize returns the granule with the given page size.
func GranuleForPageSize(pageSize uint64) (*Granule, error) {
	for _, g := range []*Granule{Granule4K, Granule16K, Granule64K} {
		if g.PageSize() == pageSize {
			return g, nil
		}
	}
	return nil, fmt.Errorf("unsupported page size %#x", pageSize)
}

// String implements fmt.Stringer.String.
func (g *Granule) String() string {
	return g.name
}

// PageSize returns the size of a page.
func (g *Granule) PageSize() uint64 {
	return 1 << g.pageShift
}

// MaxVirtBits returns the widest virtual address the granule translates.
func (g *Granule) MaxVirtBits() uint {
	return g.maxVirtBits
}

// Levels returns the number of levels.
func (g *Granule) Levels() int {
	return len(g.levels)
}

// LevelNumber returns the architectural number of level li, counted from the
// root.
func (g *Granule) LevelNumber(li int) int {
	return g.first + li
}

// levelIndex converts an architectural level number to a position in
// g.levels, or -1 if the granule has no such level.
func (g *Granule) levelIndex(n int) int {
	li := n - g.first
	if li < 0 || li >= len(g.levels) {
		return -1
	}
	return li
}

func (g *Granule) leaf() int {
	return len(g.levels) - 1
}

func (g *Granule) isLeaf(li int) bool {
	return li == len(g.levels)-1
}

// EntrySize returns the number of bytes an entry of level li maps.
func (g *Granule) EntrySize(li int) uint64 {
	return 1 << g.levels[li].shift
}

// entries returns the number of entries in a table of level li.
func (g *Granule) entries(li int) int {
	return 1 << g.levels[li].bits
}

// index returns the entry of a level li table that translates va.
func (g *Granule) index(li int, va uint64) int {
	l := g.levels[li]
	return int(va>>l.shift) & (1<<l.bits - 1)
}

// tableSize returns the size of a level li table in bytes.
func (g *Granule) tableSize(li int) uint64 {
	return uint64(g.entries(li)) * 8
}

// tableAlign returns the required alignment of a level li table.
func (g *Granule) tableAlign(li int) uint64 {
	return max(g.tableSize(li), 64)
}

// entryEnd returns the end of the level li entry containing va, or 0 if
// that is the top of the address space.
func (g *Granule) entryEnd(li int, va uint64) uint64 {
	size := g.EntrySize(li)
	return va&^(size-1) + size
}
