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
)

var (
	// ErrInvalidSlot is returned when a slot index lies outside the created
	// range, or does not hold a live element when one is required.
	ErrInvalidSlot = errors.New("slotalloc: invalid slot")
	// ErrDoubleFree is returned when deleting a slot that is already free.
	ErrDoubleFree = errors.New("slotalloc: slot already free")
	// ErrSlotLive is returned when undeleting a slot that is still live.
	ErrSlotLive = errors.New("slotalloc: slot is live")
	// ErrModeMismatch is returned when an operation is not available in the
	// container's configuration, or when the configuration itself is invalid.
	ErrModeMismatch = errors.New("slotalloc: operation not supported in this mode")
	// ErrStaleHandle is returned when a handle's generation no longer matches
	// its slot.
	ErrStaleHandle = errors.New("slotalloc: stale handle")
	// ErrStorageRebased is returned when growing linear storage would move
	// live elements and relocation was not allowed with WithAllowRebase.
	ErrStorageRebased = errors.New("slotalloc: storage would be relocated")
	// ErrRangeTooLarge is returned when a contiguous range cannot fit in a
	// single storage page.
	ErrRangeTooLarge = errors.New("slotalloc: range too large")
	// ErrAllocationFailed is returned when the memory allocator cannot
	// provide the requested storage.
	ErrAllocationFailed = errors.New("slotalloc: allocation failed")
	// ErrColumnMismatch is returned by Swap when the two containers do not
	// carry the same extension columns.
	ErrColumnMismatch = errors.New("slotalloc: column mismatch")
)

// SlotError records a failed operation on a specific slot.
type SlotError struct {
	Op    string
	Index uint
	Err   error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("%s slot %d: %v", e.Op, e.Index, e.Err)
}

func (e *SlotError) Unwrap() error { return e.Err }

func slotErr(op string, i uint, err error) error {
	return &SlotError{Op: op, Index: i, Err: err}
}
