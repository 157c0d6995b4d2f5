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
	"fmt"
	"sync/atomic"
)

// Handle identifies a slot together with the generation it had when the
// handle was taken. A handle stops resolving once its slot is deleted, even
// if the slot is reused afterwards.
//
// Generations wrap around after 2^bits deletions of the same slot, where bits
// is the width given to WithVersioning.
type Handle struct {
	Index uint
	Gen   uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.Index, h.Gen)
}

func (c *core[T]) generation(i uint) uint32 {
	p := c.versions.At(i)
	if c.cfg.atomic {
		return atomic.LoadUint32(p)
	}
	return *p
}

// bumpGeneration invalidates outstanding handles to slot i. Pool mode keeps
// generations unchanged so that handles survive an undelete.
func (c *core[T]) bumpGeneration(i uint) {
	if c.versions == nil || c.cfg.pool {
		return
	}
	p := c.versions.At(i)
	if c.cfg.atomic {
		for {
			old := atomic.LoadUint32(p)
			if atomic.CompareAndSwapUint32(p, old, (old+1)&c.genMask) {
				return
			}
		}
	}
	*p = (*p + 1) & c.genMask
}

// Handle returns a versioned handle for slot i.
func (c *core[T]) Handle(i uint) (Handle, error) {
	if c.versions == nil {
		return Handle{}, slotErr("handle", i, ErrModeMismatch)
	}
	if i >= c.Created() {
		return Handle{}, slotErr("handle", i, ErrInvalidSlot)
	}
	return Handle{Index: i, Gen: c.generation(i)}, nil
}

// Generation returns the current generation of slot i.
func (c *core[T]) Generation(i uint) (uint32, error) {
	h, err := c.Handle(i)
	return h.Gen, err
}

// CheckHandle reports whether h matches the current generation of its slot.
// It does not check that the slot is live.
func (c *core[T]) CheckHandle(h Handle) bool {
	return c.versions != nil && h.Index < c.Created() && c.generation(h.Index) == h.Gen
}

func (c *core[T]) resolve(h Handle) (*T, error) {
	if !c.CheckHandle(h) || !c.isLive(h.Index) {
		return nil, slotErr("resolve", h.Index, ErrStaleHandle)
	}
	c.markModified(h.Index)
	return c.items.at(h.Index), nil
}

// DeleteHandle deletes the slot h refers to, failing with ErrStaleHandle if
// the slot was deleted since the handle was taken.
func (c *core[T]) DeleteHandle(h Handle) error {
	if !c.CheckHandle(h) {
		return slotErr("delete", h.Index, ErrStaleHandle)
	}
	return c.del("delete", h.Index, true)
}

// UndeleteHandle undeletes the slot h refers to. It is only available in
// pool mode.
func (c *core[T]) UndeleteHandle(h Handle) error {
	if !c.cfg.pool {
		return slotErr("undelete", h.Index, ErrModeMismatch)
	}
	if !c.CheckHandle(h) {
		return slotErr("undelete", h.Index, ErrStaleHandle)
	}
	return c.Undelete(h.Index)
}
