// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package chanalloc

import (
	"testing"

	"pgregory.net/rapid"
)

func TestAllocateDistinctUntilExhausted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := New()
		seen := make(map[uint8]bool)

		for i := 0; i < NumChannels; i++ {
			id := a.Allocate(nil)
			if id == Invalid {
				t.Fatalf("unexpected exhaustion at allocation %d", i)
			}
			if seen[id] {
				t.Fatalf("channel id %d allocated twice", id)
			}
			seen[id] = true
		}

		// One more allocation must report exhaustion.
		if id := a.Allocate(nil); id != Invalid {
			t.Fatalf("expected Invalid sentinel after exhaustion, got %d", id)
		}
	})
}

func TestFreeThenZero(t *testing.T) {
	a := New()
	ids := make([]uint8, 0, NumChannels)
	for i := 0; i < NumChannels; i++ {
		ids = append(ids, a.Allocate(nil))
	}
	for _, id := range ids {
		a.Free(id)
	}
	if !a.Zero() {
		t.Fatalf("expected allocator to be empty after freeing all channels")
	}
}

func TestResetCalledWithAllocatedID(t *testing.T) {
	a := New()
	var resetWith uint8 = Invalid
	id := a.Allocate(func(got uint8) { resetWith = got })
	if resetWith != id {
		t.Fatalf("reset callback saw %d, allocate returned %d", resetWith, id)
	}
}

func TestFreeInvalidIsNoop(t *testing.T) {
	a := New()
	a.Free(Invalid)
	if !a.Zero() {
		t.Fatalf("freeing Invalid must not mutate the mask")
	}
}
