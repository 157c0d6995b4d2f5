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
	"reflect"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/slotalloc/internal/vmem"
)

const (
	pageShift = 8
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1
)

// storage holds the element array of a container. Elements in [0, len()) are
// addressable. Growing exposes zeroed elements at the end.
type storage[T any] interface {
	len() int
	capacity() int
	at(i uint) *T
	// grow appends n zeroed elements and reports whether previously
	// published elements were moved.
	grow(n int) (moved bool, err error)
	reserve(n int) (moved bool, err error)
	reserveVirtual(n int) (moved bool, err error)
	// chunk returns the contiguous block of memory holding element i along
	// with the index of the block's first element.
	chunk(i uint) (block []T, base uint)
	// contiguous reports whether elements [from, from+n) are adjacent in
	// memory.
	contiguous(from, n uint) bool
	indexOf(p *T) (uint, bool)
	truncate()
	release()
}

// linear stores elements in one contiguous buffer. The buffer is either
// obtained from a MemAllocator or carved out of a virtual memory reservation.
type linear[T any] struct {
	buf         []T
	alloc       MemAllocator[T]
	region      *vmem.Region
	allowRebase bool
}

var _ storage[int] = (*linear[int])(nil)

func newLinear[T any](alloc MemAllocator[T], allowRebase bool) *linear[T] {
	return &linear[T]{alloc: alloc, allowRebase: allowRebase}
}

func (s *linear[T]) len() int      { return len(s.buf) }
func (s *linear[T]) capacity() int { return cap(s.buf) }
func (s *linear[T]) at(i uint) *T  { return &s.buf[i] }

func (s *linear[T]) grow(n int) (bool, error) {
	old := len(s.buf)
	var moved bool
	if need := old + n; need > cap(s.buf) {
		var err error
		if moved, err = s.relocate(max(2*cap(s.buf), need)); err != nil {
			return false, err
		}
	}
	s.buf = s.buf[:old+n]
	clear(s.buf[old:])
	return moved, nil
}

func (s *linear[T]) reserve(n int) (bool, error) {
	if n <= cap(s.buf) {
		return false, nil
	}
	return s.relocate(n)
}

// relocate moves the elements into a new buffer of the given capacity.
// Moving a buffer with no elements is always permitted.
func (s *linear[T]) relocate(capacity int) (bool, error) {
	if len(s.buf) > 0 && !s.allowRebase {
		return false, ErrStorageRebased
	}
	next := s.alloc.Alloc(capacity)
	if len(next) < capacity {
		return false, fmt.Errorf("%w: %d elements", ErrAllocationFailed, capacity)
	}
	next = next[:len(s.buf):capacity]
	copy(next, s.buf)
	moved := len(s.buf) > 0
	s.free()
	s.buf = next
	return moved, nil
}

func (s *linear[T]) reserveVirtual(n int) (bool, error) {
	if n <= cap(s.buf) {
		return false, nil
	}
	size := int(unsafe.Sizeof(*new(T)))
	if size == 0 {
		return s.reserve(n)
	}
	if hasPointers(reflect.TypeFor[T]()) {
		return false, fmt.Errorf("%w: virtual reserve of %s, which contains pointers",
			ErrModeMismatch, reflect.TypeFor[T]())
	}
	if len(s.buf) > 0 && !s.allowRebase {
		return false, ErrStorageRebased
	}
	r, err := vmem.Reserve(n * size)
	if err != nil {
		return false, err
	}
	next := unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(r.Bytes()))), n)
	next = next[:len(s.buf)]
	copy(next, s.buf)
	moved := len(s.buf) > 0
	s.free()
	s.buf = next
	s.region = r
	return moved, nil
}

func (s *linear[T]) chunk(uint) ([]T, uint) {
	return s.buf, 0
}

func (s *linear[T]) contiguous(uint, uint) bool {
	return true
}

func (s *linear[T]) indexOf(p *T) (uint, bool) {
	return offsetIn(s.buf[:cap(s.buf)], p)
}

func (s *linear[T]) truncate() {
	s.buf = s.buf[:0]
}

func (s *linear[T]) release() {
	s.free()
	s.buf = nil
}

func (s *linear[T]) free() {
	if s.region != nil {
		_ = s.region.Close()
		s.region = nil
	} else if cap(s.buf) > 0 {
		s.alloc.Free(s.buf[:cap(s.buf)])
	}
}

// paged stores elements in fixed size pages. The page directory is copied on
// growth and published atomically, so a page never moves once allocated.
type paged[T any] struct {
	dir   atomic.Pointer[[]*[pageSize]T]
	n     int
	alloc MemAllocator[T]
}

var _ storage[int] = (*paged[int])(nil)

func newPaged[T any](alloc MemAllocator[T]) *paged[T] {
	return &paged[T]{alloc: alloc}
}

func (s *paged[T]) pages() []*[pageSize]T {
	if d := s.dir.Load(); d != nil {
		return *d
	}
	return nil
}

func (s *paged[T]) len() int      { return s.n }
func (s *paged[T]) capacity() int { return len(s.pages()) * pageSize }

func (s *paged[T]) at(i uint) *T {
	return &s.pages()[i>>pageShift][i&pageMask]
}

// addPages grows the directory to hold total pages. Pages allocated before a
// failure are kept.
func (s *paged[T]) addPages(total int) error {
	pages := s.pages()
	if total <= len(pages) {
		return nil
	}
	next := make([]*[pageSize]T, len(pages), max(total, cap(pages)))
	copy(next, pages)
	defer func() { s.dir.Store(&next) }()

	for len(next) < total {
		mem := s.alloc.Alloc(pageSize)
		if len(mem) < pageSize {
			return fmt.Errorf("%w: page %d", ErrAllocationFailed, len(next))
		}
		next = append(next, (*[pageSize]T)(mem))
	}
	return nil
}

func (s *paged[T]) grow(n int) (bool, error) {
	old := s.n
	if err := s.addPages((old + n + pageMask) >> pageShift); err != nil {
		return false, err
	}
	pages := s.pages()
	for i := old; i < old+n; {
		pg := pages[i>>pageShift]
		end := min(old+n, (i|pageMask)+1)
		clear(pg[i&pageMask : (end-1)&pageMask+1])
		i = end
	}
	s.n = old + n
	return false, nil
}

func (s *paged[T]) reserve(n int) (bool, error) {
	return false, s.addPages((n + pageMask) >> pageShift)
}

// reserveVirtual reserves directory entries only. Pages are still allocated
// as the container grows.
func (s *paged[T]) reserveVirtual(n int) (bool, error) {
	pages := s.pages()
	want := (n + pageMask) >> pageShift
	if want > cap(pages) {
		next := make([]*[pageSize]T, len(pages), want)
		copy(next, pages)
		s.dir.Store(&next)
	}
	return false, nil
}

func (s *paged[T]) chunk(i uint) ([]T, uint) {
	return s.pages()[i>>pageShift][:], i &^ pageMask
}

func (s *paged[T]) contiguous(from, n uint) bool {
	return n <= pageSize && from>>pageShift == (from+n-1)>>pageShift
}

func (s *paged[T]) indexOf(p *T) (uint, bool) {
	for k, pg := range s.pages() {
		if i, ok := offsetIn(pg[:], p); ok {
			return uint(k)<<pageShift + i, true
		}
	}
	return 0, false
}

func (s *paged[T]) truncate() {
	s.n = 0
}

func (s *paged[T]) release() {
	for _, pg := range s.pages() {
		s.alloc.Free(pg[:])
	}
	s.dir.Store(nil)
	s.n = 0
}

// offsetIn returns the index of p within buf.
func offsetIn[T any](buf []T, p *T) (uint, bool) {
	size := unsafe.Sizeof(*p)
	if len(buf) == 0 || size == 0 || p == nil {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	off := uintptr(unsafe.Pointer(p)) - base
	if uintptr(unsafe.Pointer(p)) < base || off >= uintptr(len(buf))*size || off%size != 0 {
		return 0, false
	}
	return uint(off / size), true
}

// hasPointers reports whether values of type t contain Go pointers, which
// must not be stored in memory the garbage collector cannot see.
func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}
