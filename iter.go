// Copyright 2024 The Cockroach Authors
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

package slotalloc

import "math/bits"

// cursor resolves slot indexes to element addresses during iteration. It
// caches the storage block holding the last index and refreshes it when the
// index leaves the block or the container's storage was relocated, which a
// callback may do by inserting or deleting.
type cursor[T any] struct {
	c     *core[T]
	reloc uint64
	block []T
	base  uint
}

func (cur *cursor[T]) at(i uint) *T {
	if cur.block == nil || cur.reloc != cur.c.reloc ||
		i < cur.base || i-cur.base >= uint(len(cur.block)) {
		cur.block, cur.base = cur.c.items.chunk(i)
		cur.reloc = cur.c.reloc
	}
	return &cur.block[i-cur.base]
}

// walk calls fn for every live slot in index order until fn returns false.
// The bitmap word is reloaded after every call, so slots freed by fn are
// skipped and slots it adds beyond the current position are visited.
func (c *core[T]) walk(fn func(i uint, p *T) bool) {
	cur := cursor[T]{c: c}
	for w := uint(0); w*64 < c.Created(); w++ {
		for m := c.word(w); m != 0; {
			b := uint(bits.TrailingZeros64(m))
			i := w*64 + b
			if !fn(i, cur.at(i)) {
				return
			}
			if b == 63 {
				break
			}
			m = c.word(w) & (^uint64(0) << (b + 1))
		}
	}
}

// walkFree calls fn for every free slot in the created range.
func (c *core[T]) walkFree(fn func(i uint, p *T) bool) {
	cur := cursor[T]{c: c}
	for w := uint(0); w*64 < c.Created(); w++ {
		for m := c.freeWord(w); m != 0; {
			b := uint(bits.TrailingZeros64(m))
			i := w*64 + b
			if !fn(i, cur.at(i)) {
				return
			}
			if b == 63 {
				break
			}
			m = c.freeWord(w) & (^uint64(0) << (b + 1))
		}
	}
}

// freeWord returns the free bits of word w that lie inside the created
// range.
func (c *core[T]) freeWord(w uint) uint64 {
	created := c.Created()
	lo := w * 64
	if lo >= created {
		return 0
	}
	m := ^c.word(w)
	if created-lo < 64 {
		m &= 1<<(created-lo) - 1
	}
	return m
}

// FindUnused returns the first free slot in the created range for which pred
// returns true. In pool mode p holds the object that survived deletion;
// otherwise it is zero or, after DeleteNoDestruct, whatever was left behind.
func (c *core[T]) FindUnused(pred func(i uint, p *T) bool) (uint, bool) {
	idx := NoSlot
	c.walkFree(func(i uint, p *T) bool {
		if pred(i, p) {
			idx = i
			return false
		}
		return true
	})
	return idx, idx != NoSlot
}
