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

import "slices"

// Container is implemented by the slot containers in this package. Extension
// columns can be attached to any Container with NewColumn.
type Container interface {
	extColumns() *columnSet
}

// column is the type-erased view of a Column used to keep every column the
// same length as its container.
type column interface {
	length() int
	grow(n int)
	reserve(n int)
	truncate()
	release()
	sameType(other column) bool
	swap(other column)
}

type liveness interface {
	isLive(i uint) bool
	Created() uint
}

type columnSet struct {
	cols  []column
	owner liveness
}

func (s *columnSet) add(c column) {
	s.cols = append(s.cols, c)
}

func (s *columnSet) grow(n int) {
	for _, c := range s.cols {
		c.grow(n)
	}
}

func (s *columnSet) reserve(n int) {
	for _, c := range s.cols {
		c.reserve(n)
	}
}

func (s *columnSet) truncate() {
	for _, c := range s.cols {
		c.truncate()
	}
}

func (s *columnSet) release() {
	for _, c := range s.cols {
		c.release()
	}
}

func (s *columnSet) swap(o *columnSet) error {
	if len(s.cols) != len(o.cols) {
		return ErrColumnMismatch
	}
	for i := range s.cols {
		if !s.cols[i].sameType(o.cols[i]) {
			return ErrColumnMismatch
		}
	}
	for i := range s.cols {
		s.cols[i].swap(o.cols[i])
	}
	return nil
}

// Column is an array of E running parallel to a container's elements: slot i
// of the container owns element i of the column. A column grows together with
// its container and is always exactly as long as the container's created
// range. Values survive deletion of their slot; consumers are expected to
// overwrite them when a slot is reused.
//
// Pointers returned by At are invalidated by any operation that grows the
// container.
type Column[E any] struct {
	data []E
	set  *columnSet
}

// NewColumn attaches a new column of E to the container c. Elements for
// already created slots are zero.
func NewColumn[E any](c Container) *Column[E] {
	set := c.extColumns()
	col := &Column[E]{
		data: make([]E, set.owner.Created()),
		set:  set,
	}
	set.add(col)
	return col
}

// Len returns the number of elements in the column.
func (c *Column[E]) Len() int {
	return len(c.data)
}

// At returns a pointer to element i. It panics if i is out of range.
func (c *Column[E]) At(i uint) *E {
	return &c.data[i]
}

// Value returns a copy of element i. It panics if i is out of range.
func (c *Column[E]) Value(i uint) E {
	return c.data[i]
}

// Set stores v as element i. It panics if i is out of range.
func (c *Column[E]) Set(i uint, v E) {
	c.data[i] = v
}

// IndexOf returns the slot index that p points at.
func (c *Column[E]) IndexOf(p *E) (uint, bool) {
	return offsetIn(c.data, p)
}

// All calls yield for the column element of every live slot, in index
// order. Slots may be added or deleted by yield.
func (c *Column[E]) All(yield func(i uint, e *E) bool) {
	for i := uint(0); i < c.set.owner.Created() && i < uint(len(c.data)); i++ {
		if !c.set.owner.isLive(i) {
			continue
		}
		if !yield(i, &c.data[i]) {
			return
		}
	}
}

func (c *Column[E]) length() int { return len(c.data) }

func (c *Column[E]) grow(n int) {
	old := len(c.data)
	c.data = slices.Grow(c.data, n)[:old+n]
	clear(c.data[old:])
}

func (c *Column[E]) reserve(n int) {
	if n > len(c.data) {
		c.data = slices.Grow(c.data, n-len(c.data))
	}
}

func (c *Column[E]) truncate() {
	clear(c.data)
	c.data = c.data[:0]
}

func (c *Column[E]) release() {
	c.data = nil
}

func (c *Column[E]) sameType(other column) bool {
	_, ok := other.(*Column[E])
	return ok
}

func (c *Column[E]) swap(other column) {
	o := other.(*Column[E])
	c.data, o.data = o.data, c.data
}
