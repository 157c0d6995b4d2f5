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
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAtomicDelete(t *testing.T) {
	const (
		n       = 64 << 10
		workers = 8
		stride  = workers + 1
	)
	s, err := New[int](WithAtomic[int](), WithVersioning[int](0))
	require.NoError(t, err)
	_, err = s.AddRange(n)
	require.NoError(t, err)

	// Every stride'th slot is freed up front so that the producer can insert
	// without growing while the deleters run.
	var prefreed int
	for i := uint(0); i < n; i += stride {
		require.NoError(t, s.Delete(i))
		prefreed++
	}

	var g errgroup.Group
	g.Go(func() error {
		for k := 0; k < prefreed; k++ {
			if _, _, err := s.Push(-1); err != nil {
				return err
			}
		}
		return nil
	})
	for w := uint(1); w <= workers; w++ {
		g.Go(func() error {
			for i := w; i < n; i += stride {
				if err := s.Delete(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.EqualValues(t, n, s.Created())
	require.EqualValues(t, prefreed, s.Count())
	for i := uint(0); i < n; i++ {
		gen, err := s.Generation(i)
		require.NoError(t, err)
		require.EqualValues(t, 1, gen, "slot %d", i)
	}
	var live int
	s.All(func(_ uint, p *int) bool {
		require.Equal(t, -1, *p)
		live++
		return true
	})
	require.Equal(t, prefreed, live)
}

func TestAtomicDoubleFree(t *testing.T) {
	const (
		n       = 16 << 10
		workers = 8
	)
	s, err := New[int](WithAtomic[int](), WithPool[int]())
	require.NoError(t, err)
	_, err = s.AddRange(n)
	require.NoError(t, err)

	// Every worker tries to delete every slot. Each slot is freed exactly
	// once; the losers see ErrDoubleFree.
	var freed atomic.Int64
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := uint(0); i < n; i++ {
				err := s.Delete(i)
				switch {
				case err == nil:
					freed.Add(1)
				case !errors.Is(err, ErrDoubleFree):
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, n, freed.Load())
	require.EqualValues(t, 0, s.Count())
}

func TestAtomicReaders(t *testing.T) {
	const (
		n       = 16 << 10
		workers = 4
	)
	s, err := New[int](WithAtomic[int](), WithPool[int]())
	require.NoError(t, err)
	_, err = s.AddRange(n)
	require.NoError(t, err)

	var g errgroup.Group
	for w := uint(0); w < workers; w++ {
		g.Go(func() error {
			for i := w; i < n; i += workers {
				if err := s.Delete(i); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			// Readers observe a shrinking set; a visited slot is in range.
			prev := uint(n)
			for s.Count() > 0 {
				var live uint
				s.All(func(i uint, p *int) bool {
					if i >= n || p == nil {
						return false
					}
					live++
					return true
				})
				if live > prev {
					return errors.New("live count grew")
				}
				prev = live
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 0, s.Count())
}

func TestAtomicTracking(t *testing.T) {
	const (
		n       = 4 << 10
		workers = 4
	)
	tr, err := NewTracking[int](WithAtomic[int]())
	require.NoError(t, err)
	_, err = tr.AddRange(n)
	require.NoError(t, err)
	tr.AdvanceFrame()

	var g errgroup.Group
	for w := uint(0); w < workers; w++ {
		g.Go(func() error {
			for i := w; i < n; i += 2 * workers {
				if err := tr.Delete(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	set := tr.ModifiedSet(BitplaneMask(0))
	require.EqualValues(t, n/2, set.GetCardinality())
	require.EqualValues(t, n/2, tr.Count())
	set.Iterate(func(i uint32) bool {
		require.Less(t, i%(2*workers), uint32(workers))
		return true
	})
}

func TestAtomicMarkAllModified(t *testing.T) {
	const (
		n       = 4 << 10
		workers = 4
	)
	for _, clearOld := range []bool{false, true} {
		t.Run(fmt.Sprintf("clearOld=%t", clearOld), func(t *testing.T) {
			tr, err := NewTracking[int](WithAtomic[int]())
			require.NoError(t, err)
			_, err = tr.AddRange(n)
			require.NoError(t, err)
			tr.AdvanceFrame()

			var g errgroup.Group
			for w := uint(0); w < workers; w++ {
				g.Go(func() error {
					for i := w; i < n; i += workers {
						if err := tr.Delete(i); err != nil {
							return err
						}
					}
					return nil
				})
			}
			g.Go(func() error {
				for k := 0; k < 16; k++ {
					tr.MarkAllModified(clearOld)
				}
				return nil
			})
			require.NoError(t, g.Wait())

			// Every deletion stays recorded in the current frame.
			require.EqualValues(t, 0, tr.Count())
			require.EqualValues(t, n, tr.ModifiedSet(BitplaneMask(0)).GetCardinality())
		})
	}
}
