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

// Package slotalloc implements a slot allocator: a container that hands out
// stable integer identities ("slots") for values of an arbitrary element
// type.
//
// # Slots
//
// A container owns an array of elements and a bitmap with one bit per
// element. A set bit marks a live slot. The number of elements that have ever
// been constructed is the created count; it only grows until the container is
// reset. Inserting reuses the lowest free slot below the created count and
// appends a new element only when there is none, so indexes stay dense and
// an index can be used as a compact identity for the value stored in it.
//
// Free slots are located with FindZeroBitrange, which skips fully occupied
// bitmap words in one step and uses trailing zero counts within a word. The
// same routine locates runs of free slots for AddRange and
// AddContiguousRange.
//
// # Storage
//
// Elements live in one of two storage backends:
//
//   - Paged storage (the default) allocates elements in pages of 256. The
//     page directory is copied when it grows and published through an atomic
//     pointer, but pages themselves never move. A pointer to an element stays
//     valid until the container is discarded. Contiguous ranges are limited
//     to a single page.
//
//   - Linear storage (WithLinear) keeps all elements in one buffer. Growing
//     past the buffer's capacity relocates it, which invalidates every
//     pointer handed out so far. Relocating a buffer that holds elements is
//     refused with ErrStorageRebased unless the container was created
//     WithAllowRebase. Capacity can be preallocated with WithReserve, or
//     reserved as address space with WithVirtualReserve so that the buffer
//     never needs to move.
//
// # Modes
//
// Pool mode (WithPool) does not destruct deleted elements. Their contents are
// kept and handed back on reuse by AddUninit, Construct, AddIf and
// GetOrCreate, and Undelete can resurrect them unchanged. Add and AddRange
// overwrite them with a freshly constructed value.
//
// Versioning (WithVersioning) keeps a generation counter per slot that is
// bumped whenever the slot is deleted. A Handle pairs an index with the
// generation observed when it was taken, and detects that the slot was
// deleted or reused since.
//
// Change tracking is provided by the Tracking container. Every slot carries a
// 16-bit history word recording in which of the last 40 frames it was
// modified. Tracking containers do not hand out pointers without recording a
// modification.
//
// Atomic mode (WithAtomic) allows any number of goroutines to delete and look
// up slots while a single goroutine inserts. Growth must not run concurrently
// with any other access, so atomic mode is only sound with paged storage or
// with linear storage reserved up front.
//
// # Extension columns
//
// NewColumn attaches a parallel array to a container. Columns are resized
// together with the container and are indexed by slot.
package slotalloc

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/slotalloc/internal/vmem"
)

// NoSlot is the index that never refers to a slot.
const NoSlot = ^uint(0)

// core holds the state shared by Slots and Tracking.
type core[T any] struct {
	cfg   config[T]
	items storage[T]
	// bits holds one bit per created slot, set while the slot is live. Bits at
	// and beyond the created count are always zero.
	bits    []uint64
	count   atomic.Uint64
	created atomic.Uint64
	// reloc is bumped whenever previously published element addresses may
	// have changed.
	reloc    uint64
	cols     columnSet
	versions *Column[uint32]
	changes  *Column[uint32]
	genMask  uint32
	log      *slog.Logger
}

var _ Container = (*core[int])(nil)

func (c *core[T]) init(tracking bool, opts []Option[T]) error {
	c.cfg = defaultConfig[T]()
	for _, op := range opts {
		op.apply(&c.cfg)
	}
	c.log = c.cfg.logger

	if c.cfg.atomic && c.cfg.linear && c.cfg.allowRebase {
		return fmt.Errorf("%w: atomic mode requires storage that does not relocate", ErrModeMismatch)
	}
	if c.cfg.genBits == 0 || c.cfg.genBits > 32 {
		return fmt.Errorf("%w: generation width of %d bits", ErrModeMismatch, c.cfg.genBits)
	}
	c.genMask = uint32(uint64(1)<<c.cfg.genBits - 1)

	if c.cfg.linear {
		c.items = newLinear(c.cfg.allocator, c.cfg.allowRebase)
	} else {
		c.items = newPaged(c.cfg.allocator)
	}
	c.cols.owner = c
	if c.cfg.versioned {
		c.versions = NewColumn[uint32](c)
	}
	if tracking {
		c.changes = NewColumn[uint32](c)
	}

	if c.cfg.vreserve > 0 {
		if err := c.ReserveVirtual(c.cfg.vreserve); err != nil {
			return err
		}
	}
	if c.cfg.reserve > 0 {
		if err := c.Reserve(c.cfg.reserve); err != nil {
			return err
		}
	}
	return nil
}

func (c *core[T]) extColumns() *columnSet {
	return &c.cols
}

// Count returns the number of live slots.
func (c *core[T]) Count() uint {
	return uint(c.count.Load())
}

// Created returns the number of slots that have been constructed, live or
// not.
func (c *core[T]) Created() uint {
	return uint(c.created.Load())
}

// Capacity returns the number of elements the storage can hold without
// allocating.
func (c *core[T]) Capacity() uint {
	return uint(c.items.capacity())
}

// Full reports whether the next insertion would have to relocate linear
// storage. Paged storage is never full.
func (c *core[T]) Full() bool {
	if !c.cfg.linear {
		return false
	}
	return c.Count() == c.Created() && c.Created() == c.Capacity()
}

// Reserve preallocates storage for n elements.
func (c *core[T]) Reserve(n int) error {
	moved, err := c.items.reserve(n)
	if err != nil {
		c.log.Debug("reserve rejected", "op", "reserve", "n", n,
			"created", c.Created(), "capacity", c.Capacity(), "err", err)
		return err
	}
	c.relocated(moved)
	c.reserveMeta(n)
	c.log.Debug("storage reserved", "op", "reserve", "n", n, "capacity", c.Capacity())
	return nil
}

// ReserveVirtual reserves address space for n elements of linear storage, so
// that it can grow up to n elements without relocating. Memory is committed
// as it is first touched. Paged storage only reserves its page directory.
// Where virtual memory reservation is unavailable this is equivalent to
// Reserve.
func (c *core[T]) ReserveVirtual(n int) error {
	moved, err := c.items.reserveVirtual(n)
	if errors.Is(err, vmem.ErrUnsupported) {
		c.log.Debug("virtual reserve unsupported, reserving memory", "op", "reserve", "n", n)
		return c.Reserve(n)
	}
	if err != nil {
		c.log.Debug("virtual reserve rejected", "op", "reserve", "n", n,
			"created", c.Created(), "capacity", c.Capacity(), "err", err)
		return err
	}
	c.relocated(moved)
	c.reserveMeta(n)
	c.log.Debug("address space reserved", "op", "reserve", "n", n, "capacity", c.Capacity())
	return nil
}

func (c *core[T]) reserveMeta(n int) {
	c.cols.reserve(n)
	if words := (n + 63) / 64; words > cap(c.bits) {
		next := make([]uint64, len(c.bits), words)
		copy(next, c.bits)
		c.bits = next
	}
}

func (c *core[T]) relocated(moved bool) {
	if moved {
		c.reloc++
		c.log.Debug("storage relocated", "op", "rebase",
			"created", c.Created(), "capacity", c.Capacity())
	}
}

// growTo extends the created range to end slots. The new slots are zeroed
// and free.
func (c *core[T]) growTo(end uint) error {
	created := c.Created()
	if end <= created {
		return nil
	}
	n := int(end - created)
	capBefore := c.items.capacity()
	moved, err := c.items.grow(n)
	if err != nil {
		c.log.Debug("storage growth failed", "op", "grow", "n", n,
			"created", created, "capacity", capBefore, "err", err)
		return err
	}
	c.relocated(moved)
	c.cols.grow(n)
	if words := int((end + 63) / 64); words > len(c.bits) {
		c.bits = append(c.bits, make([]uint64, words-len(c.bits))...)
	}
	c.created.Store(uint64(end))

	if capAfter := c.items.capacity(); capAfter != capBefore {
		c.log.Debug("storage grown", "op", "grow", "n", n,
			"created", end, "capacity", capAfter)
	}
	return nil
}

func (c *core[T]) word(w uint) uint64 {
	if w >= uint(len(c.bits)) {
		return 0
	}
	if c.cfg.atomic {
		return atomic.LoadUint64(&c.bits[w])
	}
	return c.bits[w]
}

// snapshot returns the bitmap words for a free-range search. In atomic mode
// concurrent deleters may clear bits while the search runs; a copy keeps the
// search consistent, and a run found free in the copy is still free.
func (c *core[T]) snapshot() []uint64 {
	if !c.cfg.atomic {
		return c.bits
	}
	words := make([]uint64, len(c.bits))
	for w := range words {
		words[w] = atomic.LoadUint64(&c.bits[w])
	}
	return words
}

func (c *core[T]) isLive(i uint) bool {
	if i >= c.Created() {
		return false
	}
	return c.word(i/64)&(1<<(i%64)) != 0
}

func (c *core[T]) setBits(from, n uint) uint {
	if c.cfg.atomic {
		return SetBitrangeAtomic(from, n, c.bits)
	}
	return SetBitrange(from, n, c.bits)
}

func (c *core[T]) clearBits(from, n uint) uint {
	if c.cfg.atomic {
		return ClearBitrangeAtomic(from, n, c.bits)
	}
	return ClearBitrange(from, n, c.bits)
}

// findFree returns the lowest free slot below created, or created if there
// is none.
func (c *core[T]) findFree(created uint) uint {
	var i uint
	if c.cfg.atomic {
		i = created
		for w := uint(0); w*64 < created; w++ {
			if v := c.word(w); v != ^uint64(0) {
				i = w*64 + uint(bits.TrailingZeros64(^v))
				break
			}
		}
	} else {
		i = FindZeroBitrange(1, c.bits)
	}
	return min(i, created)
}

func (c *core[T]) markModified(i uint) {
	if c.changes == nil {
		return
	}
	p := c.changes.At(i)
	if c.cfg.atomic {
		atomic.OrUint32(p, 1)
		return
	}
	*p |= 1
}

func (c *core[T]) construct(p *T, reused bool) {
	if reused {
		var zero T
		*p = zero
	}
	if c.cfg.construct != nil {
		c.cfg.construct(p)
	}
}

// constructGap constructs the slots in [from, to) that growth created but
// left free. In pool mode every created slot holds an object ready for reuse.
func (c *core[T]) constructGap(from, to uint) {
	if !c.cfg.pool || c.cfg.construct == nil {
		return
	}
	for i := from; i < to; i++ {
		c.cfg.construct(c.items.at(i))
	}
}

func (c *core[T]) destroy(p *T) {
	if c.cfg.destruct != nil {
		c.cfg.destruct(p)
	}
	var zero T
	*p = zero
}

// claim marks the lowest free slot live, appending a new slot if every
// created slot is in use. reused reports whether the slot existed before.
func (c *core[T]) claim() (i uint, p *T, reused bool, err error) {
	created := c.Created()
	if c.Count() < created {
		if i = c.findFree(created); i < created {
			reused = true
		}
	}
	if !reused {
		if err = c.growTo(created + 1); err != nil {
			return NoSlot, nil, false, err
		}
		i = created
	}
	c.setBits(i, 1)
	c.count.Add(1)
	c.markModified(i)
	if invariants {
		c.checkInvariants()
	}
	return i, c.items.at(i), reused, nil
}

// Add inserts a new element and returns its slot. A new element is the zero
// value passed through the constructor, if any. This holds in pool mode as
// well: a surviving object is overwritten when its slot is reused. Use
// AddUninit, Construct or AddIf to reuse surviving objects.
func (c *core[T]) Add() (uint, *T, error) {
	i, p, reused, err := c.claim()
	if err != nil {
		return NoSlot, nil, err
	}
	c.construct(p, reused)
	return i, p, nil
}

// AddUninit inserts an element without running the constructor. isNew
// reports whether the slot was appended rather than reused; the contents of
// a reused slot are unspecified.
func (c *core[T]) AddUninit() (i uint, p *T, isNew bool, err error) {
	i, p, reused, err := c.claim()
	if err != nil {
		return NoSlot, nil, false, err
	}
	return i, p, !reused, nil
}

// Push inserts v and returns its slot.
func (c *core[T]) Push(v T) (uint, *T, error) {
	i, p, _, err := c.claim()
	if err != nil {
		return NoSlot, nil, err
	}
	*p = v
	return i, p, nil
}

// Construct inserts an element initialized by fn. reused is true only in pool
// mode when fn receives a surviving object from a deleted slot; otherwise fn
// receives a zero value.
func (c *core[T]) Construct(fn func(p *T, reused bool)) (uint, *T, error) {
	i, p, reused, err := c.claim()
	if err != nil {
		return NoSlot, nil, err
	}
	if reused && !c.cfg.pool {
		var zero T
		*p = zero
		reused = false
	}
	fn(p, reused)
	return i, p, nil
}

// AddIf resurrects the first deleted slot whose surviving object satisfies
// pred. If none does, a new element is appended. reused reports which of
// the two happened. AddIf is only available in pool mode.
func (c *core[T]) AddIf(pred func(p *T) bool) (i uint, p *T, reused bool, err error) {
	if !c.cfg.pool {
		return NoSlot, nil, false, fmt.Errorf("%w: AddIf requires pool mode", ErrModeMismatch)
	}
	i = NoSlot
	c.walkFree(func(j uint, q *T) bool {
		if pred(q) {
			i = j
			return false
		}
		return true
	})
	if i != NoSlot {
		c.setBits(i, 1)
		c.count.Add(1)
		c.markModified(i)
		return i, c.items.at(i), true, nil
	}

	created := c.Created()
	if err := c.growTo(created + 1); err != nil {
		return NoSlot, nil, false, err
	}
	i = created
	c.setBits(i, 1)
	c.count.Add(1)
	c.markModified(i)
	p = c.items.at(i)
	c.construct(p, false)
	return i, p, false, nil
}

// claimRange marks the lowest run of n free slots live, growing storage for
// the part of the run beyond the created range. When contiguous is set the
// run must also be contiguous in memory.
func (c *core[T]) claimRange(n uint, contiguous bool) (from, created uint, err error) {
	created = c.Created()
	if contiguous && !c.cfg.linear && n > pageSize {
		return NoSlot, created, fmt.Errorf("%w: %d elements exceed a page of %d",
			ErrRangeTooLarge, n, pageSize)
	}
	words := c.snapshot()
	from = FindZeroBitrange(n, words)
	if contiguous {
		for !c.items.contiguous(from, n) {
			// Restart the search at the next page boundary. Pages span whole
			// bitmap words.
			next := (from | pageMask) + 1
			if w := next / 64; w < uint(len(words)) {
				from = next + FindZeroBitrange(n, words[w:])
			} else {
				from = next
			}
		}
	}

	if err := c.growTo(from + n); err != nil {
		return NoSlot, created, err
	}
	c.constructGap(created, from)
	c.setBits(from, n)
	c.count.Add(uint64(n))
	for i := from; i < from+n; i++ {
		c.markModified(i)
	}
	if invariants {
		c.checkInvariants()
	}
	return from, created, nil
}

// AddRange inserts n elements in consecutive slots and returns the first
// slot. Each element is initialized as by Add. With n == 0 it returns
// NoSlot.
func (c *core[T]) AddRange(n uint) (uint, error) {
	if n == 0 {
		return NoSlot, nil
	}
	from, created, err := c.claimRange(n, false)
	if err != nil {
		return NoSlot, err
	}
	for i := from; i < from+n; i++ {
		c.construct(c.items.at(i), i < created)
	}
	return from, nil
}

// AddContiguousRange inserts n elements in consecutive slots that are also
// adjacent in memory, and returns the first slot along with the elements. In
// paged storage n cannot exceed the page size of 256.
func (c *core[T]) AddContiguousRange(n uint) (uint, []T, error) {
	from, elems, created, err := c.addContiguous(n)
	if err != nil {
		return NoSlot, nil, err
	}
	for k := range elems {
		c.construct(&elems[k], from+uint(k) < created)
	}
	return from, elems, nil
}

// AddContiguousRangeUninit is AddContiguousRange without running the
// constructor.
func (c *core[T]) AddContiguousRangeUninit(n uint) (uint, []T, error) {
	from, elems, _, err := c.addContiguous(n)
	return from, elems, err
}

func (c *core[T]) addContiguous(n uint) (uint, []T, uint, error) {
	if n == 0 {
		return NoSlot, nil, c.Created(), nil
	}
	from, created, err := c.claimRange(n, true)
	if err != nil {
		return NoSlot, nil, created, err
	}
	block, base := c.items.chunk(from)
	return from, block[from-base : from-base+n : from-base+n], created, nil
}

// GetOrCreate returns the element in slot i, making the slot live if it is
// not. Slots between the created range and i are created free. If i is
// NoSlot the lowest free slot is used. isNew reports whether the element was
// constructed by this call; a resurrected pool object is not new. The slot is
// recorded as modified either way.
func (c *core[T]) GetOrCreate(i uint) (idx uint, p *T, isNew bool, err error) {
	return c.getOrCreate(i, true)
}

// GetOrCreateUninit is GetOrCreate without running the constructor.
func (c *core[T]) GetOrCreateUninit(i uint) (idx uint, p *T, isNew bool, err error) {
	return c.getOrCreate(i, false)
}

func (c *core[T]) getOrCreate(i uint, init bool) (uint, *T, bool, error) {
	if i == NoSlot {
		i, p, reused, err := c.claim()
		if err != nil {
			return NoSlot, nil, false, err
		}
		isNew := !reused || !c.cfg.pool
		if init && isNew {
			c.construct(p, reused)
		}
		return i, p, isNew, nil
	}
	if c.isLive(i) {
		c.markModified(i)
		return i, c.items.at(i), false, nil
	}

	created := c.Created()
	if err := c.growTo(i + 1); err != nil {
		return NoSlot, nil, false, err
	}
	c.constructGap(created, i)
	c.setBits(i, 1)
	c.count.Add(1)
	c.markModified(i)
	p := c.items.at(i)
	reused := i < created
	isNew := !reused || !c.cfg.pool
	if init && isNew {
		c.construct(p, reused)
	}
	if invariants {
		c.checkInvariants()
	}
	return i, p, isNew, nil
}

func (c *core[T]) del(op string, i uint, destruct bool) error {
	if i >= c.Created() {
		return slotErr(op, i, ErrInvalidSlot)
	}
	if !c.isLive(i) {
		return slotErr(op, i, ErrDoubleFree)
	}
	if destruct && !c.cfg.pool {
		c.destroy(c.items.at(i))
	}
	c.bumpGeneration(i)
	c.markModified(i)
	if c.clearBits(i, 1) == 0 {
		// Lost a race with a concurrent delete of the same slot.
		return slotErr(op, i, ErrDoubleFree)
	}
	c.count.Add(^uint64(0))
	if invariants && !c.cfg.atomic {
		c.checkInvariants()
	}
	return nil
}

// Delete frees slot i, destructing its element unless in pool mode.
func (c *core[T]) Delete(i uint) error {
	return c.del("delete", i, true)
}

// DeleteNoDestruct frees slot i without destructing its element.
func (c *core[T]) DeleteNoDestruct(i uint) error {
	return c.del("delete", i, false)
}

// DeleteItem frees the slot holding the element p points at.
func (c *core[T]) DeleteItem(p *T) error {
	i, ok := c.IndexOf(p)
	if !ok {
		return slotErr("delete", NoSlot, ErrInvalidSlot)
	}
	return c.del("delete", i, true)
}

// DeleteRange frees slots [from, from+n). Every slot in the range is
// validated before any is freed.
func (c *core[T]) DeleteRange(from, n uint) error {
	const op = "delete range"
	if n == 0 {
		return nil
	}
	end := from + n
	if end < from || end > c.Created() {
		return slotErr(op, from, ErrInvalidSlot)
	}
	for i := from; i < end; i++ {
		if !c.isLive(i) {
			return slotErr(op, i, ErrDoubleFree)
		}
	}
	for i := from; i < end; i++ {
		if !c.cfg.pool {
			c.destroy(c.items.at(i))
		}
		c.bumpGeneration(i)
		c.markModified(i)
	}
	cleared := c.clearBits(from, n)
	c.count.Add(-uint64(cleared))
	if cleared != n {
		return slotErr(op, from, ErrDoubleFree)
	}
	if invariants && !c.cfg.atomic {
		c.checkInvariants()
	}
	return nil
}

// Undelete makes a deleted slot live again without touching its contents.
// It is only available in pool mode.
func (c *core[T]) Undelete(i uint) error {
	const op = "undelete"
	if !c.cfg.pool {
		return slotErr(op, i, ErrModeMismatch)
	}
	if i >= c.Created() {
		return slotErr(op, i, ErrInvalidSlot)
	}
	if c.setBits(i, 1) == 0 {
		return slotErr(op, i, ErrSlotLive)
	}
	c.count.Add(1)
	c.markModified(i)
	return nil
}

func (c *core[T]) lookup(op string, i uint) (*T, error) {
	if !c.isLive(i) {
		return nil, slotErr(op, i, ErrInvalidSlot)
	}
	return c.items.at(i), nil
}

// Value returns a copy of the element in slot i.
func (c *core[T]) Value(i uint) (T, error) {
	p, err := c.lookup("value", i)
	if err != nil {
		var zero T
		return zero, err
	}
	return *p, nil
}

// Mutable returns the element in slot i and records it as modified.
func (c *core[T]) Mutable(i uint) (*T, error) {
	p, err := c.lookup("mutable", i)
	if err != nil {
		return nil, err
	}
	c.markModified(i)
	return p, nil
}

// IsValid reports whether slot i is live.
func (c *core[T]) IsValid(i uint) bool {
	return c.isLive(i)
}

// IndexOf returns the slot index of the element p points at. It does not
// check that the slot is live.
func (c *core[T]) IndexOf(p *T) (uint, bool) {
	i, ok := c.items.indexOf(p)
	if !ok || i >= c.Created() {
		return 0, false
	}
	return i, true
}

// Reset deletes every element. Capacity is kept. Outside pool mode live
// elements are destructed. In pool mode elements are not destructed: every
// created slot becomes free and keeps its contents for reuse. Resources owned
// by those contents are only released by Discard.
//
// Unversioned, non-pool containers also empty the created range. Pool and
// versioned containers keep it, and a versioned container bumps the
// generation of every live slot as a delete would, so that handles taken
// before the reset go stale.
func (c *core[T]) Reset() {
	if c.cfg.pool || c.versions != nil {
		c.walk(func(i uint, p *T) bool {
			if !c.cfg.pool {
				c.destroy(p)
			}
			c.bumpGeneration(i)
			c.markModified(i)
			return true
		})
		clear(c.bits)
		c.count.Store(0)
		return
	}
	c.walk(func(_ uint, p *T) bool {
		c.destroy(p)
		return true
	})
	clear(c.bits)
	c.bits = c.bits[:0]
	c.items.truncate()
	c.cols.truncate()
	c.count.Store(0)
	c.created.Store(0)
}

// Discard deletes every element, including the surviving objects of pool
// mode, and releases all memory.
func (c *core[T]) Discard() {
	created := c.Created()
	for i := uint(0); i < created; i++ {
		if c.cfg.pool || c.isLive(i) {
			c.destroy(c.items.at(i))
		}
	}
	c.log.Debug("discarding storage", "op", "discard",
		"created", created, "capacity", c.Capacity())
	c.items.release()
	c.cols.release()
	c.bits = nil
	c.count.Store(0)
	c.created.Store(0)
	c.reloc++
}

func (c *core[T]) swap(o *core[T]) error {
	if c.cfg.linear != o.cfg.linear || c.cfg.pool != o.cfg.pool ||
		c.cfg.atomic != o.cfg.atomic || c.cfg.versioned != o.cfg.versioned {
		return fmt.Errorf("%w: swap of differently configured containers", ErrModeMismatch)
	}
	if err := c.cols.swap(&o.cols); err != nil {
		return err
	}
	c.items, o.items = o.items, c.items
	c.bits, o.bits = o.bits, c.bits
	cc, oc := c.count.Load(), o.count.Load()
	c.count.Store(oc)
	o.count.Store(cc)
	cc, oc = c.created.Load(), o.created.Load()
	c.created.Store(oc)
	o.created.Store(cc)
	c.reloc++
	o.reloc++
	return nil
}

func (c *core[T]) equal(o *core[T], eq func(a, b *T) bool) bool {
	if c.Count() != o.Count() {
		return false
	}
	n := max(len(c.bits), len(o.bits))
	for w := range n {
		if c.word(uint(w)) != o.word(uint(w)) {
			return false
		}
	}
	equal := true
	c.walk(func(i uint, p *T) bool {
		equal = eq(p, o.items.at(i))
		return equal
	})
	return equal
}

func (c *core[T]) checkInvariants() {
	if invariants {
		count, created, capacity := c.Count(), c.Created(), c.Capacity()
		if count > created || created > capacity {
			panic(fmt.Sprintf("invariant failed: count=%d created=%d capacity=%d\n%s",
				count, created, capacity, c.debugString()))
		}
		if n := c.items.len(); uint(n) != created {
			panic(fmt.Sprintf("invariant failed: storage holds %d elements, but created is %d",
				n, created))
		}
		var live uint
		for w, v := range c.bits {
			live += uint(bits.OnesCount64(v))
			var beyond uint64
			switch lo := uint(w) * 64; {
			case lo >= created:
				beyond = v
			case lo+64 > created:
				beyond = v >> (created - lo)
			}
			if beyond != 0 {
				panic(fmt.Sprintf("invariant failed: bitmap word %d=%016x has bits beyond created=%d",
					w, v, created))
			}
		}
		if live != count {
			panic(fmt.Sprintf("invariant failed: found %d live slots, but count is %d\n%s",
				live, count, c.debugString()))
		}
		for k, col := range c.cols.cols {
			if l := col.length(); uint(l) != created {
				panic(fmt.Sprintf("invariant failed: column %d has %d elements, but created is %d",
					k, l, created))
			}
		}
	}
}

func (c *core[T]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "count=%d created=%d capacity=%d\n", c.Count(), c.Created(), c.Capacity())
	for w, v := range c.bits {
		fmt.Fprintf(&buf, "  bits[%d]=%064b\n", w, bits.Reverse64(v))
	}
	return buf.String()
}

// Slots is a slot allocator for values of type T.
type Slots[T any] struct {
	core[T]
}

// New constructs a new Slots container with the given options.
func New[T any](opts ...Option[T]) (*Slots[T], error) {
	s := &Slots[T]{}
	if err := s.init(false, opts); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the element in slot i.
func (s *Slots[T]) Get(i uint) (*T, error) {
	return s.lookup("get", i)
}

// Resolve returns the element a handle refers to, failing with
// ErrStaleHandle if the slot was deleted since the handle was taken.
func (s *Slots[T]) Resolve(h Handle) (*T, error) {
	return s.resolve(h)
}

// All calls yield for every live slot in index order. yield may insert or
// delete elements, including the one it was passed; slots it frees that have
// not been visited yet are skipped.
func (s *Slots[T]) All(yield func(i uint, p *T) bool) {
	s.walk(yield)
}

// ForEach calls fn for every live slot in index order.
func (s *Slots[T]) ForEach(fn func(i uint, p *T)) {
	s.walk(func(i uint, p *T) bool {
		fn(i, p)
		return true
	})
}

// FindIf returns the first live slot for which pred returns true.
func (s *Slots[T]) FindIf(pred func(i uint, p *T) bool) (uint, *T, bool) {
	idx, elem := NoSlot, (*T)(nil)
	s.walk(func(i uint, p *T) bool {
		if pred(i, p) {
			idx, elem = i, p
			return false
		}
		return true
	})
	return idx, elem, idx != NoSlot
}

// Swap exchanges the contents of s and o, including their extension columns.
func (s *Slots[T]) Swap(o *Slots[T]) error {
	return s.swap(&o.core)
}

// Equal reports whether s and o have the same live slots and eq holds for
// the elements in each of them.
func (s *Slots[T]) Equal(o *Slots[T], eq func(a, b *T) bool) bool {
	return s.equal(&o.core, eq)
}
