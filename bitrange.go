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
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Word is the set of unsigned integer types a bit range can be stored in.
// Bit 0 of words[0] is the first bit of the range, bit 0 of words[1] is bit
// wordBits of the range, and so on.
type Word interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func wordBits[W Word]() uint {
	var w W
	return uint(unsafe.Sizeof(w)) * 8
}

// lowestSet returns the position of the lowest set bit of v. The result is
// undefined (but not a panic) when v is zero.
func lowestSet[W Word](v W) uint {
	return uint(bits.TrailingZeros64(uint64(v)))
}

func popcount[W Word](v W) uint {
	return uint(bits.OnesCount64(uint64(v)))
}

// FindZeroBitrange returns the lowest bit offset that starts a run of n
// consecutive zero bits in words. Fully occupied words are skipped whole, and
// within a word the runs of ones and zeros are measured with trailing-zero
// counts rather than bit by bit.
//
// If no such run fits inside words, the bits past the end are treated as zero
// and the returned run extends past the end of the slice. Callers that use the
// result to set bits must make sure the words exist first.
func FindZeroBitrange[W Word](n uint, words []W) uint {
	nb := wordBits[W]()
	if n == 0 {
		return 0
	}

	end := len(words)
	p := -1
	var mask W
	// bit is the position within words[p] the scan has reached. Starting at
	// nb forces the first iteration to load a word.
	bit := nb

	for {
		if bit >= nb {
			for p++; p < end && words[p] == ^W(0); p++ {
			}
			if p == end {
				return uint(p) * nb
			}
			mask = words[p]
			bit = lowestSet(^mask)
			mask >>= bit
		}

		// Measure the zero run starting at bit, spilling into the following
		// words while they are empty.
		nrem := n
		nbmax := nb - bit
		var nend uint
		for {
			if mask != 0 {
				nend = lowestSet(mask)
			} else {
				nend = nbmax
			}
			if nend < nbmax || nend >= nrem {
				break
			}
			nrem -= nbmax
			p++
			if p < end {
				mask = words[p]
			} else {
				mask = 0
			}
			nbmax = nb
			bit = 0
		}

		if nend >= nrem {
			return uint(p)*nb + bit + nrem - n
		}

		// Hit an occupied bit before the run was long enough. Skip the zeros
		// and then the ones that follow them.
		bit += nend
		mask >>= nend

		nset := nb
		if ^mask != 0 {
			nset = lowestSet(^mask)
		}
		bit += nset
		mask >>= nset
	}
}

// SetBitrange sets n bits starting at bit from and returns the number of bits
// that were previously clear.
func SetBitrange[W Word](from, n uint, words []W) uint {
	nb := wordBits[W]()
	slot := from / nb
	bit := from % nb
	var count uint

	for n > 0 {
		nbmax := nb - bit
		if nbmax > n {
			nbmax = n
		}
		n -= nbmax

		m := (^W(0) >> (nb - nbmax)) << bit
		r := words[slot]
		words[slot] = r | m
		count += popcount(^r & m)
		slot++
		bit = 0
	}
	return count
}

// ClearBitrange clears n bits starting at bit from and returns the number of
// bits that were previously set.
func ClearBitrange[W Word](from, n uint, words []W) uint {
	nb := wordBits[W]()
	slot := from / nb
	bit := from % nb
	var count uint

	for n > 0 {
		nbmax := nb - bit
		if nbmax > n {
			nbmax = n
		}
		n -= nbmax

		m := (^W(0) >> (nb - nbmax)) << bit
		r := words[slot]
		words[slot] = r &^ m
		count += popcount(r & m)
		slot++
		bit = 0
	}
	return count
}

// SetBitrangeAtomic is SetBitrange using an atomic fetch-or per word. Each
// word is updated atomically; the range as a whole is not.
func SetBitrangeAtomic(from, n uint, words []uint64) uint {
	slot := from / 64
	bit := from % 64
	var count uint

	for n > 0 {
		nbmax := 64 - bit
		if nbmax > n {
			nbmax = n
		}
		n -= nbmax

		m := (^uint64(0) >> (64 - nbmax)) << bit
		r := atomic.OrUint64(&words[slot], m)
		count += popcount(^r & m)
		slot++
		bit = 0
	}
	return count
}

// ClearBitrangeAtomic is ClearBitrange using an atomic fetch-and per word.
func ClearBitrangeAtomic(from, n uint, words []uint64) uint {
	slot := from / 64
	bit := from % 64
	var count uint

	for n > 0 {
		nbmax := 64 - bit
		if nbmax > n {
			nbmax = n
		}
		n -= nbmax

		m := (^uint64(0) >> (64 - nbmax)) << bit
		r := atomic.AndUint64(&words[slot], ^m)
		count += popcount(r & m)
		slot++
		bit = 0
	}
	return count
}
