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

// Package slothash implements a hash map whose values live in a
// slotalloc.Slots container. Every value has a stable slot index for as long
// as it is stored, so callers can hold on to indexes (or versioned handles)
// instead of keys.
//
// The key of a value is computed from the value itself by a caller-supplied
// extractor. Buckets hold the slot index of the first value of a chain and
// the chain continues through a slotalloc.Column[uint32] that runs parallel
// to the values:
//
//	buckets:  [ 3 | - | 0 | - ]
//	next:     [ 5 | - | - | - | - | - ]   (column, indexed by slot)
//	           slot 0 -> slot 5 -> end
//
// The bucket directory is a power of two in size and doubles whenever the
// number of values exceeds the number of buckets. A doubling relinks every
// value but never moves one, so slot indexes are not affected.
//
// In multikey mode several values may share a key. Values with the same key
// are always adjacent in their chain, which lets FindAll and Erase stop at
// the first value with a different key.
//
// The key of a stored value must not be changed in place. Delete reports
// ErrKeyMismatch if it cannot find a value in the chain its key hashes to.
package slothash

import (
	"errors"
	"fmt"
	"hash/maphash"
	"math/bits"

	"github.com/cockroachdb/slotalloc"
)

const (
	defaultBuckets = 64
	noLink         = ^uint32(0)
)

var (
	// ErrKeyExists is returned by Push when a value with the same key is
	// already stored and the map is not in multikey mode.
	ErrKeyExists = errors.New("slothash: key already exists")
	// ErrKeyMismatch is returned when a value's key does not match the key it
	// was inserted or looked up under.
	ErrKeyMismatch = errors.New("slothash: key mismatch")
	// ErrTooManySlots is returned when a slot index no longer fits a chain
	// link.
	ErrTooManySlots = errors.New("slothash: slot index exceeds link range")
)

// Map is a hash map of values of type T keyed by K, where the key of a value
// is derived from the value.
type Map[K comparable, T any] struct {
	slots   *slotalloc.Slots[T]
	next    *slotalloc.Column[uint32]
	buckets []uint32

	key      func(p *T) K
	hash     func(key K) uint64
	multiKey bool

	initialBuckets int
	slotOpts       []slotalloc.Option[T]
}

// New constructs a Map. key extracts the key of a stored value.
func New[K comparable, T any](key func(p *T) K, options ...option[K, T]) (*Map[K, T], error) {
	m := &Map[K, T]{
		key:            key,
		initialBuckets: defaultBuckets,
	}
	for _, op := range options {
		op.apply(m)
	}
	if m.hash == nil {
		seed := maphash.MakeSeed()
		m.hash = func(k K) uint64 {
			return maphash.Comparable(seed, k)
		}
	}

	s, err := slotalloc.New[T](m.slotOpts...)
	if err != nil {
		return nil, err
	}
	m.slots = s
	m.next = slotalloc.NewColumn[uint32](s)
	m.buckets = newBuckets(m.initialBuckets)
	return m, nil
}

func newBuckets(n int) []uint32 {
	if n < 1 {
		n = 1
	}
	n = 1 << bits.Len(uint(n-1))
	b := make([]uint32, n)
	for i := range b {
		b[i] = noLink
	}
	return b
}

func (m *Map[K, T]) bucket(k K) uint32 {
	return uint32(m.hash(k) & uint64(len(m.buckets)-1))
}

// locate finds the first value with key k in bucket b. cur is its slot, or
// noLink if there is none. prev is the slot linking to cur, or noLink if cur
// is the head of the bucket. When k is absent prev is noLink as well, so that
// a new key goes to the head of the bucket.
func (m *Map[K, T]) locate(b uint32, k K) (prev, cur uint32) {
	prev = noLink
	for cur = m.buckets[b]; cur != noLink; prev, cur = cur, m.next.Value(uint(cur)) {
		p, _ := m.slots.Get(uint(cur))
		if m.key(p) == k {
			return prev, cur
		}
	}
	return noLink, noLink
}

func (m *Map[K, T]) setLink(b, prev, id uint32) {
	if prev == noLink {
		m.buckets[b] = id
	} else {
		m.next.Set(uint(prev), id)
	}
}

func (m *Map[K, T]) linkAt(b, prev, id uint32) {
	if prev == noLink {
		m.next.Set(uint(id), m.buckets[b])
	} else {
		m.next.Set(uint(id), m.next.Value(uint(prev)))
	}
	m.setLink(b, prev, id)
}

// link inserts slot id into the chain for k, in front of the first value
// with the same key if there is one.
func (m *Map[K, T]) link(id uint32, k K) {
	b := m.bucket(k)
	prev, _ := m.locate(b, k)
	m.linkAt(b, prev, id)
}

func (m *Map[K, T]) unlink(id uint32, k K) bool {
	b := m.bucket(k)
	prev := noLink
	for cur := m.buckets[b]; cur != noLink; prev, cur = cur, m.next.Value(uint(cur)) {
		if cur == id {
			m.setLink(b, prev, m.next.Value(uint(cur)))
			return true
		}
	}
	return false
}

func (m *Map[K, T]) maybeGrow() {
	if m.slots.Count() <= uint(len(m.buckets)) {
		return
	}
	m.buckets = newBuckets(2 * len(m.buckets))
	m.slots.All(func(i uint, p *T) bool {
		m.link(uint32(i), m.key(p))
		return true
	})
}

// Push stores v and returns its slot. If a value with the same key is
// already stored ErrKeyExists is returned together with the slot of the
// existing value, unless the map is in multikey mode.
func (m *Map[K, T]) Push(v T) (uint, *T, error) {
	k := m.key(&v)
	b := m.bucket(k)
	prev, cur := m.locate(b, k)
	if cur != noLink && !m.multiKey {
		return uint(cur), nil, ErrKeyExists
	}
	i, p, _, err := m.slots.AddUninit()
	if err != nil {
		return slotalloc.NoSlot, nil, err
	}
	if i >= uint(noLink) {
		_ = m.slots.DeleteNoDestruct(i)
		return slotalloc.NoSlot, nil, ErrTooManySlots
	}
	*p = v
	m.linkAt(b, prev, uint32(i))
	m.maybeGrow()
	return i, p, nil
}

// FindOrInsert returns the value stored under key. If there is none a new
// value is added and passed to init, which must give it the key; the value
// is removed again and ErrKeyMismatch returned if it does not. init always
// receives a freshly constructed value, in pool mode too.
func (m *Map[K, T]) FindOrInsert(
	key K, init func(p *T),
) (i uint, p *T, isNew bool, err error) {
	b := m.bucket(key)
	if _, cur := m.locate(b, key); cur != noLink {
		p, err = m.slots.Get(uint(cur))
		return uint(cur), p, false, err
	}
	i, p, err = m.slots.Add()
	if err != nil {
		return slotalloc.NoSlot, nil, false, err
	}
	if i >= uint(noLink) {
		_ = m.slots.Delete(i)
		return slotalloc.NoSlot, nil, false, ErrTooManySlots
	}
	if init != nil {
		init(p)
	}
	if m.key(p) != key {
		if derr := m.slots.Delete(i); derr != nil {
			return slotalloc.NoSlot, nil, false, derr
		}
		return slotalloc.NoSlot, nil, false, fmt.Errorf("%w: inserted under %v", ErrKeyMismatch, key)
	}
	m.linkAt(b, noLink, uint32(i))
	m.maybeGrow()
	return i, p, true, nil
}

// Find returns the first value stored under key.
func (m *Map[K, T]) Find(key K) (uint, *T, bool) {
	_, cur := m.locate(m.bucket(key), key)
	if cur == noLink {
		return slotalloc.NoSlot, nil, false
	}
	p, _ := m.slots.Get(uint(cur))
	return uint(cur), p, true
}

// FindAll calls yield for every value stored under key. yield may delete the
// value it is passed.
func (m *Map[K, T]) FindAll(key K, yield func(i uint, p *T) bool) {
	_, cur := m.locate(m.bucket(key), key)
	for cur != noLink {
		p, err := m.slots.Get(uint(cur))
		if err != nil || m.key(p) != key {
			return
		}
		next := m.next.Value(uint(cur))
		if !yield(uint(cur), p) {
			return
		}
		cur = next
	}
}

// Get returns the value in slot i.
func (m *Map[K, T]) Get(i uint) (*T, error) {
	return m.slots.Get(i)
}

// Delete removes the value in slot i.
func (m *Map[K, T]) Delete(i uint) error {
	p, err := m.slots.Get(i)
	if err != nil {
		return err
	}
	if !m.unlink(uint32(i), m.key(p)) {
		return fmt.Errorf("%w: slot %d is not in the chain of its key", ErrKeyMismatch, i)
	}
	return m.slots.Delete(i)
}

// Erase removes every value stored under key and returns how many were
// removed.
func (m *Map[K, T]) Erase(key K) (int, error) {
	b := m.bucket(key)
	prev, cur := m.locate(b, key)
	n := 0
	for cur != noLink {
		p, err := m.slots.Get(uint(cur))
		if err != nil {
			return n, err
		}
		if m.key(p) != key {
			break
		}
		next := m.next.Value(uint(cur))
		m.setLink(b, prev, next)
		if err := m.slots.Delete(uint(cur)); err != nil {
			return n, err
		}
		n++
		cur = next
	}
	return n, nil
}

// Len returns the number of stored values.
func (m *Map[K, T]) Len() int {
	return int(m.slots.Count())
}

// All calls yield for every stored value in slot order. yield may delete the
// value it is passed.
func (m *Map[K, T]) All(yield func(i uint, p *T) bool) {
	m.slots.All(yield)
}

// Slots returns the underlying allocator, for handle and generation queries.
// Values must not be added or deleted through it.
func (m *Map[K, T]) Slots() *slotalloc.Slots[T] {
	return m.slots
}

// Reset removes every value. The bucket directory keeps its size.
func (m *Map[K, T]) Reset() {
	m.slots.Reset()
	for i := range m.buckets {
		m.buckets[i] = noLink
	}
}

// Discard removes every value and releases the memory of the map.
func (m *Map[K, T]) Discard() {
	m.slots.Discard()
	m.buckets = newBuckets(m.initialBuckets)
}
