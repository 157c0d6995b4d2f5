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

import "log/slog"

const defaultGenerationBits = 8

type config[T any] struct {
	pool        bool
	linear      bool
	atomic      bool
	versioned   bool
	genBits     uint
	allowRebase bool
	reserve     int
	vreserve    int
	allocator   MemAllocator[T]
	construct   func(p *T)
	destruct    func(p *T)
	logger      *slog.Logger
}

func defaultConfig[T any]() config[T] {
	return config[T]{
		genBits:   defaultGenerationBits,
		allocator: defaultAllocator[T]{},
		logger:    slog.New(slog.DiscardHandler),
	}
}

// Option configures a container while it is being created.
type Option[T any] interface {
	apply(c *config[T])
}

type optionFunc[T any] func(c *config[T])

func (f optionFunc[T]) apply(c *config[T]) { f(c) }

// WithPool enables pool mode: deleted elements are not destructed and keep
// their contents, so that a later insertion can reuse the surviving object.
// Generations are not bumped on delete in pool mode.
func WithPool[T any]() Option[T] {
	return optionFunc[T](func(c *config[T]) { c.pool = true })
}

// WithLinear selects the linear storage backend: a single contiguous buffer.
// The default is paged storage.
func WithLinear[T any]() Option[T] {
	return optionFunc[T](func(c *config[T]) { c.linear = true })
}

// WithAtomic enables the single-producer, multi-deleter concurrent mode.
func WithAtomic[T any]() Option[T] {
	return optionFunc[T](func(c *config[T]) { c.atomic = true })
}

// WithVersioning enables per-slot generation counters of the given width in
// bits (1 to 32). A width of zero selects the default of 8 bits.
func WithVersioning[T any](bits uint) Option[T] {
	return optionFunc[T](func(c *config[T]) {
		c.versioned = true
		if bits == 0 {
			bits = defaultGenerationBits
		}
		c.genBits = bits
	})
}

// WithAllowRebase permits linear storage to relocate live elements when it
// outgrows its capacity. Pointers obtained before a relocation must not be
// used afterwards.
func WithAllowRebase[T any]() Option[T] {
	return optionFunc[T](func(c *config[T]) { c.allowRebase = true })
}

// WithReserve preallocates room for n elements.
func WithReserve[T any](n int) Option[T] {
	return optionFunc[T](func(c *config[T]) { c.reserve = n })
}

// WithVirtualReserve reserves address space for n elements without
// committing memory up front. It only applies to linear storage of element
// types that contain no pointers; on platforms without virtual memory
// reservation it falls back to WithReserve.
func WithVirtualReserve[T any](n int) Option[T] {
	return optionFunc[T](func(c *config[T]) { c.vreserve = n })
}

// WithAllocator specifies the MemAllocator used for element storage.
func WithAllocator[T any](a MemAllocator[T]) Option[T] {
	return optionFunc[T](func(c *config[T]) { c.allocator = a })
}

// WithConstructor specifies a function run on every newly constructed
// element. Without one, new elements are the zero value.
func WithConstructor[T any](fn func(p *T)) Option[T] {
	return optionFunc[T](func(c *config[T]) { c.construct = fn })
}

// WithDestructor specifies a function run on an element before it is
// zeroed on deletion. It is not run for deletions in pool mode.
func WithDestructor[T any](fn func(p *T)) Option[T] {
	return optionFunc[T](func(c *config[T]) { c.destruct = fn })
}

// WithLogger specifies the logger used for storage lifecycle events.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return optionFunc[T](func(c *config[T]) {
		if l != nil {
			c.logger = l
		}
	})
}

// MemAllocator specifies an interface for allocating and releasing element
// memory. The default allocator utilizes Go's builtin make() and allows the
// GC to reclaim memory.
//
// If the allocator is manually managing memory then Discard must be called in
// order to ensure Free is called.
type MemAllocator[T any] interface {
	// Alloc should return a slice equivalent to make([]T, n).
	Alloc(n int) []T

	// Free can optionally release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by Alloc.
	Free(v []T)
}

type defaultAllocator[T any] struct{}

func (defaultAllocator[T]) Alloc(n int) []T {
	return make([]T, n)
}

func (defaultAllocator[T]) Free(v []T) {
}
