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

package slothash

import "github.com/cockroachdb/slotalloc"

// option provide an interface to do work on Map while it is being created.
type option[K comparable, T any] interface {
	apply(m *Map[K, T])
}

type hashOption[K comparable, T any] struct {
	hash func(key K) uint64
}

func (op hashOption[K, T]) apply(m *Map[K, T]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,T].
// The default hashes keys with hash/maphash using a per-map seed.
func WithHash[K comparable, T any](hash func(key K) uint64) option[K, T] {
	return hashOption[K, T]{hash}
}

type multiKeyOption[K comparable, T any] struct{}

func (multiKeyOption[K, T]) apply(m *Map[K, T]) {
	m.multiKey = true
}

// WithMultiKey is an option that permits several values with the same key.
// Values sharing a key are kept next to each other in their bucket chain.
func WithMultiKey[K comparable, T any]() option[K, T] {
	return multiKeyOption[K, T]{}
}

type bucketsOption[K comparable, T any] struct {
	n int
}

func (op bucketsOption[K, T]) apply(m *Map[K, T]) {
	m.initialBuckets = op.n
}

// WithBuckets is an option to specify the initial number of buckets. It is
// rounded up to a power of two.
func WithBuckets[K comparable, T any](n int) option[K, T] {
	return bucketsOption[K, T]{n}
}

type slotOptions[K comparable, T any] struct {
	opts []slotalloc.Option[T]
}

func (op slotOptions[K, T]) apply(m *Map[K, T]) {
	m.slotOpts = append(m.slotOpts, op.opts...)
}

// WithSlotOptions is an option to pass options through to the underlying
// slot allocator, such as slotalloc.WithPool or slotalloc.WithLinear.
// Versioning is available too: handles obtained from Map.Slots stay valid
// for the lifetime of an entry.
func WithSlotOptions[K comparable, T any](opts ...slotalloc.Option[T]) option[K, T] {
	return slotOptions[K, T]{opts}
}
