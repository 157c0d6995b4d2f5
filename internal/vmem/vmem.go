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

// Package vmem reserves address space for storage that must be able to grow
// in place.
//
// A reservation is an anonymous private mapping. On Linux it is created with
// MAP_NORESERVE so that no swap is accounted for it up front, and pages are
// only backed by physical memory once they are first written. Memory in a
// reservation is invisible to the Go garbage collector: it must never hold Go
// pointers.
//
// On platforms without mmap(2), Reserve returns ErrUnsupported and callers are
// expected to fall back to a regular heap allocation.
package vmem

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrUnsupported is returned by Reserve on platforms that cannot reserve
	// virtual address space.
	ErrUnsupported = errors.New("vmem: virtual reservation not supported")
	// ErrInvalidSize is returned when the requested size is not positive.
	ErrInvalidSize = errors.New("vmem: invalid size")
)

// Region is a reserved range of address space.
type Region struct {
	data   []byte
	closed atomic.Bool
	unmap  func([]byte) error
}

// Reserve reserves size bytes of zeroed, read-write address space.
func Reserve(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	data, unmap, err := osReserve(size)
	if err != nil {
		return nil, err
	}
	return &Region{data: data, unmap: unmap}, nil
}

// Bytes returns the reserved memory. The slice is valid until Close.
func (r *Region) Bytes() []byte {
	if r.closed.Load() {
		return nil
	}
	return r.data
}

// Size returns the size of the reservation in bytes.
func (r *Region) Size() int {
	return len(r.data)
}

// Close releases the reservation. It is idempotent.
func (r *Region) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	if r.unmap != nil && r.data != nil {
		return r.unmap(r.data)
	}
	return nil
}
