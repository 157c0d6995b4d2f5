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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// naiveFindZero is a bit-at-a-time reference for FindZeroBitrange.
func naiveFindZero[W Word](n uint, words []W) uint {
	nb := wordBits[W]()
	total := uint(len(words)) * nb
	bit := func(i uint) bool {
		return i < total && words[i/nb]&(1<<(i%nb)) != 0
	}
	for from := uint(0); ; from++ {
		run := uint(0)
		for run < n && !bit(from+run) {
			run++
		}
		if run == n {
			return from
		}
	}
}

func TestBitrangeVectors(t *testing.T) {
	words := []uint32{
		0b00000000000000000101110000100010,
		0b00000000000000000000000000000100,
	}

	testCases := []struct {
		n        uint
		expected uint
	}{
		{1, 0},
		{2, 2},
		{3, 2},
		{4, 6},
		{29, 35},
		{33, 35},
	}
	for _, c := range testCases {
		t.Run(fmt.Sprintf("find(%d)", c.n), func(t *testing.T) {
			require.EqualValues(t, c.expected, FindZeroBitrange(c.n, words))
		})
	}

	require.EqualValues(t, 6, SetBitrange(28, 6, words))
	require.Equal(t, []uint32{
		0b11110000000000000101110000100010,
		0b00000000000000000000000000000111,
	}, words)

	require.EqualValues(t, 5, SetBitrange(59, 5, words))
	require.EqualValues(t, uint32(0b11111000000000000000000000000111), words[1])

	require.EqualValues(t, 12, ClearBitrange(16, 48, words))
	require.Equal(t, []uint32{
		0b00000000000000000101110000100010,
		0b00000000000000000000000000000000,
	}, words)
}

func TestFindZeroBitrangeEdges(t *testing.T) {
	// A zero-length run is always found at the start.
	require.EqualValues(t, 0, FindZeroBitrange[uint64](0, []uint64{^uint64(0)}))
	// No words at all: the run starts at bit 0, past the end.
	require.EqualValues(t, 0, FindZeroBitrange[uint64](3, nil))
	// Full words push the run past the end.
	require.EqualValues(t, 128, FindZeroBitrange(1, []uint64{^uint64(0), ^uint64(0)}))
	// A run may start inside the last word and extend past it.
	require.EqualValues(t, 124, FindZeroBitrange(10, []uint64{^uint64(0), 1<<60 - 1}))
	// Byte sized words.
	require.EqualValues(t, 9, FindZeroBitrange(3, []uint8{0xff, 0xf1}))
}

func TestFindZeroBitrangeRandom(t *testing.T) {
	for i := 0; i < 1000; i++ {
		words := make([]uint64, 1+rand.Intn(4))
		for j := range words {
			// Mix dense and sparse words so that long runs exist.
			switch rand.Intn(3) {
			case 0:
				words[j] = rand.Uint64()
			case 1:
				words[j] = rand.Uint64() & rand.Uint64() & rand.Uint64()
			case 2:
				words[j] = ^(rand.Uint64() & rand.Uint64())
			}
		}
		n := uint(1 + rand.Intn(100))
		require.EqualValues(t, naiveFindZero(n, words), FindZeroBitrange(n, words),
			"n=%d words=%064b", n, words)

		small := make([]uint16, 4*len(words))
		for j := range small {
			small[j] = uint16(words[j/4] >> (16 * (j % 4)))
		}
		require.EqualValues(t, naiveFindZero(n, words), FindZeroBitrange(n, small))
	}
}

func TestSetClearBitrangeRandom(t *testing.T) {
	for i := 0; i < 1000; i++ {
		plain := make([]uint64, 4)
		for j := range plain {
			plain[j] = rand.Uint64()
		}
		shared := append([]uint64(nil), plain...)

		from := uint(rand.Intn(200))
		n := uint(rand.Intn(256 - int(from)))
		var expected uint
		for b := from; b < from+n; b++ {
			if plain[b/64]&(1<<(b%64)) == 0 {
				expected++
			}
		}

		require.Equal(t, expected, SetBitrange(from, n, plain))
		require.Equal(t, expected, SetBitrangeAtomic(from, n, shared))
		require.Equal(t, plain, shared)
		for b := from; b < from+n; b++ {
			require.NotZero(t, plain[b/64]&(1<<(b%64)))
		}

		require.Equal(t, n, ClearBitrange(from, n, plain))
		require.Equal(t, n, ClearBitrangeAtomic(from, n, shared))
		require.Equal(t, plain, shared)
		if n > 0 {
			// The cleared run is free, so a run of the same length starts
			// there or earlier.
			require.LessOrEqual(t, FindZeroBitrange(n, plain), from)
		}
	}
}
