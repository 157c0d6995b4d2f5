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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChangesetAggregation(t *testing.T) {
	tr, err := NewTracking[int]()
	require.NoError(t, err)
	i, _, err := tr.Push(1)
	require.NoError(t, err)
	require.EqualValues(t, 0x0001, tr.Changeset(i))

	expected := []uint16{
		0x0002, 0x0004, 0x0008, 0x0010, 0x0020, 0x0040,
		// The seventh frame back is also folded into the first pair.
		0x0180,
		// Single frames fall off while pairs carry the history on.
		0x0100, 0x0200,
	}
	for k, e := range expected {
		require.EqualValues(t, k+1, tr.AdvanceFrame())
		require.Equal(t, e, tr.Changeset(i), "after %d frames", k+1)
	}

	var visited []uint
	tr.ForEachModified(0x00ff, func(i uint, p *int) {
		visited = append(visited, i)
	})
	require.Empty(t, visited)

	tr.ForEachModified(BitplaneMask(9), func(i uint, p *int) {
		require.NotNil(t, p)
		require.Equal(t, 1, *p)
		visited = append(visited, i)
	})
	require.Equal(t, []uint{i}, visited)
}

func TestBitplaneMask(t *testing.T) {
	require.EqualValues(t, 0x0001, BitplaneMask(0))
	require.Equal(t, MaskAll, BitplaneMask(trackedFrames+1))
	require.Equal(t, MaskAll, BitplaneMask(1000))
	for age := uint(1); age <= trackedFrames; age++ {
		prev, cur := BitplaneMask(age-1), BitplaneMask(age)
		require.Equal(t, prev, prev&cur, "masks must widen with age")
	}

	// A modification made at any frame alignment stays visible to the mask
	// of its age for as long as it is tracked.
	for r := uint32(0); r < 8; r++ {
		t.Run(fmt.Sprintf("frame=%d", r), func(t *testing.T) {
			tr, err := NewTracking[int]()
			require.NoError(t, err)
			for tr.Frame() < r {
				tr.AdvanceFrame()
			}
			i, _, err := tr.Push(0)
			require.NoError(t, err)
			for age := uint(0); age <= trackedFrames; age++ {
				mask := BitplaneMask(age)
				if mask != MaskAll {
					require.NotZero(t, uint32(tr.Changeset(i))&mask, "age %d", age)
				}
				require.True(t, tr.ModifiedSet(mask).Contains(uint32(i)))
				tr.AdvanceFrame()
			}
		})
	}
}

func TestTrackingAccess(t *testing.T) {
	tr, err := NewTracking[int](WithVersioning[int](0))
	require.NoError(t, err)
	for k := 0; k < 5; k++ {
		_, _, err := tr.Push(k)
		require.NoError(t, err)
	}
	tr.AdvanceFrame()
	require.True(t, tr.ModifiedSet(BitplaneMask(0)).IsEmpty())

	// Reading does not mark; mutable access does.
	v, err := tr.Value(1)
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.True(t, tr.ModifiedSet(1).IsEmpty())

	p, err := tr.Mutable(1)
	require.NoError(t, err)
	*p = 10
	h, err := tr.Handle(3)
	require.NoError(t, err)
	_, err = tr.Resolve(h)
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 3}, tr.ModifiedSet(1).ToArray())

	// Deleted slots are reported with a nil element.
	require.NoError(t, tr.Delete(4))
	got := make(map[uint]bool)
	tr.ForEachModified(1, func(i uint, p *int) {
		got[i] = p != nil
	})
	require.Equal(t, map[uint]bool{1: true, 3: true, 4: false}, got)

	// Older modifications remain visible to wider masks.
	tr.AdvanceFrame()
	require.EqualValues(t, 3, tr.ModifiedSet(BitplaneMask(1)).GetCardinality())
	require.True(t, tr.ModifiedSet(BitplaneMask(0)).IsEmpty())
	require.EqualValues(t, 5, tr.ModifiedSet(MaskAll).GetCardinality())

	// GetOrCreate on a live slot hands out a mutable element, so it marks.
	for _, getOrCreate := range []func(uint) (uint, *int, bool, error){
		tr.GetOrCreate, tr.GetOrCreateUninit,
	} {
		tr.AdvanceFrame()
		i, p, isNew, err := getOrCreate(2)
		require.NoError(t, err)
		require.False(t, isNew)
		require.EqualValues(t, 2, i)
		*p = 42
		require.Equal(t, uint16(1), tr.Changeset(2)&1)
		require.Equal(t, []uint32{2}, tr.ModifiedSet(BitplaneMask(0)).ToArray())
	}
}

func TestTrackingIteration(t *testing.T) {
	tr, err := NewTracking[int]()
	require.NoError(t, err)
	for k := 0; k < 10; k++ {
		_, _, err := tr.Push(k)
		require.NoError(t, err)
	}
	tr.AdvanceFrame()

	var sum int
	tr.All(func(_ uint, v int) bool {
		sum += v
		return true
	})
	require.Equal(t, 45, sum)
	require.True(t, tr.ModifiedSet(1).IsEmpty())

	// Only slots whose callback reports a change are marked.
	tr.ForEach(func(_ uint, p *int) bool {
		if *p%2 == 0 {
			*p *= 10
			return true
		}
		return false
	})
	require.Equal(t, []uint32{0, 2, 4, 6, 8}, tr.ModifiedSet(1).ToArray())

	i, ok := tr.FindIf(func(_ uint, v int) bool { return v == 40 })
	require.True(t, ok)
	require.EqualValues(t, 4, i)

	tr.AdvanceFrame()
	tr.Modify(func(_ uint, p *int) { *p++ })
	require.EqualValues(t, 10, tr.ModifiedSet(1).GetCardinality())
	v, err := tr.Value(0)
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestMarkAllModified(t *testing.T) {
	tr, err := NewTracking[int]()
	require.NoError(t, err)
	for k := 0; k < 4; k++ {
		_, _, err := tr.Push(k)
		require.NoError(t, err)
	}
	require.NoError(t, tr.Delete(2))
	tr.AdvanceFrame()
	tr.AdvanceFrame()

	tr.MarkAllModified(false)
	require.EqualValues(t, 0x0005, tr.Changeset(0))
	require.EqualValues(t, 0x0004, tr.Changeset(2))

	tr.MarkAllModified(true)
	require.EqualValues(t, 0x0001, tr.Changeset(0))
	require.EqualValues(t, 0x0000, tr.Changeset(2))
	require.Equal(t, []uint32{0, 1, 3}, tr.ModifiedSet(1).ToArray())

	// A deletion in the current frame survives discarding older history.
	tr.AdvanceFrame()
	require.NoError(t, tr.Delete(1))
	tr.MarkAllModified(true)
	require.EqualValues(t, 0x0001, tr.Changeset(1))
	require.EqualValues(t, 0x0000, tr.Changeset(2))
}

func TestTrackingSwap(t *testing.T) {
	a, err := NewTracking[int]()
	require.NoError(t, err)
	b, err := NewTracking[int]()
	require.NoError(t, err)
	_, _, err = a.Push(1)
	require.NoError(t, err)
	a.AdvanceFrame()

	require.NoError(t, b.Swap(a))
	require.EqualValues(t, 1, b.Frame())
	require.EqualValues(t, 0, a.Frame())
	require.EqualValues(t, 0x0002, b.Changeset(0))
	require.EqualValues(t, 0, a.Created())
	require.True(t, b.Equal(b, func(x, y *int) bool { return *x == *y }))
}
