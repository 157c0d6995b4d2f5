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

import (
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
)

const trackedFrames = 40

// MaskAll is a bitplane mask that selects every created slot, whatever its
// change history. Any mask above 0xffff behaves the same way.
const MaskAll = ^uint32(0)

// advanceChangeset moves a change history word to the next frame. Bit 0 is
// the current frame, bits 1-7 the previous seven frames, bits 8-11 pairs of
// frames, bits 12-13 groups of four and bits 14-15 groups of eight. The first
// bit of each group is refilled from the group below it only when frame is
// aligned to the group's size.
func advanceChangeset(v, frame uint32) uint32 {
	shifted := (v << 1) & 0xaeff
	merged := ((v << 1) | (v << 2)) & 0x5100
	next := shifted | merged

	pick := func(aligned bool) uint32 {
		if aligned {
			return next
		}
		return v
	}
	return pick(frame&7 == 0)&0xc000 |
		pick(frame&3 == 0)&0x3000 |
		pick(frame&1 == 0)&0x0f00 |
		shifted&0x00ff
}

// bitplaneMasks[age] covers every bit a modification made age frames ago can
// occupy, for any alignment of the frame counter.
var bitplaneMasks = func() (masks [trackedFrames + 1]uint32) {
	var hist [8]uint32
	for r := range hist {
		hist[r] = 1
	}
	var acc uint32
	lost := false
	for age := range masks {
		for r, v := range hist {
			lost = lost || v == 0
			acc |= v
			hist[r] = advanceChangeset(v, uint32(r+age))
		}
		if lost {
			masks[age] = MaskAll
		} else {
			masks[age] = acc
		}
	}
	return masks
}()

// BitplaneMask returns the mask to pass to ForEachModified to visit every
// slot modified within the last age frames. An age of zero selects slots
// modified in the current frame. Ages beyond the tracked history return
// MaskAll.
func BitplaneMask(age uint) uint32 {
	if age >= uint(len(bitplaneMasks)) {
		return MaskAll
	}
	return bitplaneMasks[age]
}

// Tracking is a slot allocator that records, per slot, in which recent
// frames the slot was modified. Insertions, deletions and every mutable
// access mark the slot as modified in the current frame; Tracking does not
// offer unrecorded mutable access.
type Tracking[T any] struct {
	core[T]
	frame uint32
}

// NewTracking constructs a new Tracking container with the given options.
func NewTracking[T any](opts ...Option[T]) (*Tracking[T], error) {
	t := &Tracking[T]{}
	if err := t.init(true, opts); err != nil {
		return nil, err
	}
	return t, nil
}

// Frame returns the current frame number.
func (t *Tracking[T]) Frame() uint32 {
	return t.frame
}

// AdvanceFrame ages the change history of every slot by one frame and
// returns the new frame number.
func (t *Tracking[T]) AdvanceFrame() uint32 {
	for i := range t.changes.data {
		p := &t.changes.data[i]
		if t.cfg.atomic {
			for {
				old := atomic.LoadUint32(p)
				if atomic.CompareAndSwapUint32(p, old, advanceChangeset(old, t.frame)) {
					break
				}
			}
			continue
		}
		*p = advanceChangeset(*p, t.frame)
	}
	t.frame++
	return t.frame
}

// Changeset returns the change history word of slot i.
func (t *Tracking[T]) Changeset(i uint) uint16 {
	if i >= t.Created() {
		return 0
	}
	p := t.changes.At(i)
	if t.cfg.atomic {
		return uint16(atomic.LoadUint32(p))
	}
	return uint16(*p)
}

// MarkAllModified marks every live slot as modified in the current frame.
// If clearOld is set the history of every slot before the current frame is
// discarded. In atomic mode it may run concurrently with deletions.
func (t *Tracking[T]) MarkAllModified(clearOld bool) {
	for i := range t.changes.data {
		var live uint32
		if t.isLive(uint(i)) {
			live = 1
		}
		p := &t.changes.data[i]
		switch {
		case t.cfg.atomic && clearOld:
			for {
				old := atomic.LoadUint32(p)
				if atomic.CompareAndSwapUint32(p, old, old&1|live) {
					break
				}
			}
		case t.cfg.atomic:
			atomic.OrUint32(p, live)
		case clearOld:
			*p = *p&1 | live
		default:
			*p |= live
		}
	}
}

// Resolve returns the element a handle refers to and records it as
// modified.
func (t *Tracking[T]) Resolve(h Handle) (*T, error) {
	return t.resolve(h)
}

// All calls yield with a copy of every live element in index order.
func (t *Tracking[T]) All(yield func(i uint, v T) bool) {
	t.walk(func(i uint, p *T) bool {
		return yield(i, *p)
	})
}

// ForEach calls fn for every live slot in index order. A slot is recorded as
// modified when fn returns true.
func (t *Tracking[T]) ForEach(fn func(i uint, p *T) bool) {
	t.walk(func(i uint, p *T) bool {
		if fn(i, p) {
			t.markModified(i)
		}
		return true
	})
}

// Modify calls fn for every live slot in index order and records each of
// them as modified.
func (t *Tracking[T]) Modify(fn func(i uint, p *T)) {
	t.walk(func(i uint, p *T) bool {
		fn(i, p)
		t.markModified(i)
		return true
	})
}

// FindIf returns the first live slot for which pred returns true.
func (t *Tracking[T]) FindIf(pred func(i uint, v T) bool) (uint, bool) {
	idx := NoSlot
	t.walk(func(i uint, p *T) bool {
		if pred(i, *p) {
			idx = i
			return false
		}
		return true
	})
	return idx, idx != NoSlot
}

func (t *Tracking[T]) modified(i uint, mask uint32) bool {
	return mask > 0xffff || uint32(t.Changeset(i))&mask != 0
}

// ForEachModified calls fn for every created slot whose change history
// intersects mask, in index order. p is nil for slots that are not live.
// Use BitplaneMask to build the mask, or MaskAll to visit every created
// slot.
func (t *Tracking[T]) ForEachModified(mask uint32, fn func(i uint, p *T)) {
	cur := cursor[T]{c: &t.core}
	for i := uint(0); i < t.Created(); i++ {
		if !t.modified(i, mask) {
			continue
		}
		var p *T
		if t.isLive(i) {
			p = cur.at(i)
		}
		fn(i, p)
	}
}

// ModifiedSet returns the set of created slots whose change history
// intersects mask, live or not.
func (t *Tracking[T]) ModifiedSet(mask uint32) *roaring.Bitmap {
	set := roaring.New()
	for i := uint(0); i < t.Created(); i++ {
		if t.modified(i, mask) {
			set.Add(uint32(i))
		}
	}
	return set
}

// Swap exchanges the contents of t and o, including their change history
// and frame numbers.
func (t *Tracking[T]) Swap(o *Tracking[T]) error {
	if err := t.swap(&o.core); err != nil {
		return err
	}
	t.frame, o.frame = o.frame, t.frame
	return nil
}

// Equal reports whether t and o have the same live slots and eq holds for
// the elements in each of them. Change history is not compared.
func (t *Tracking[T]) Equal(o *Tracking[T], eq func(a, b *T) bool) bool {
	return t.equal(&o.core, eq)
}
