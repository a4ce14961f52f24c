// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"reflect"
	"testing"
)

func TestAckSetEmpty(t *testing.T) {
	a := NewAckSet()
	if !a.IsEmpty() {
		t.Fatal("new AckSet should be empty")
	}
	if got := a.Seqs(); got != nil {
		t.Fatalf("empty AckSet should iterate to nothing, got %v", got)
	}
}

func TestAckSetFirstInsertNotEmpty(t *testing.T) {
	a := NewAckSet()
	if !a.TryAdd(42) {
		t.Fatal("first insert should always succeed")
	}
	if a.IsEmpty() {
		t.Fatal("AckSet should not be empty after one insert")
	}
	if got := a.Seqs(); !reflect.DeepEqual(got, []SequenceNumber{42}) {
		t.Fatalf("Seqs() = %v, want [42]", got)
	}
}

func TestAckSetIdempotent(t *testing.T) {
	a := NewAckSet()
	for _, sn := range []SequenceNumber{10, 11, 12, 11, 10, 12} {
		if !a.TryAdd(sn) {
			t.Fatalf("TryAdd(%d) unexpectedly rejected", sn)
		}
	}

	b := NewAckSet()
	for _, sn := range []SequenceNumber{10, 11, 12} {
		b.TryAdd(sn)
	}

	if !reflect.DeepEqual(a.Seqs(), b.Seqs()) {
		t.Fatalf("repeated adds changed the window: %v vs %v", a.Seqs(), b.Seqs())
	}
}

func TestAckSetDescendingIteration(t *testing.T) {
	a := NewAckSet()
	order := []SequenceNumber{5, 1, 9, 3, 7}
	for _, sn := range order {
		if !a.TryAdd(sn) {
			t.Fatalf("TryAdd(%d) rejected", sn)
		}
	}

	got := a.Seqs()
	want := []SequenceNumber{9, 7, 5, 3, 1}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Seqs() = %v, want %v", got, want)
	}
}

func TestAckSetOutOfOrderWithinWindow(t *testing.T) {
	a := NewAckSet()
	// Insert a 32-wide run out of order; every value should end up present.
	perm := []SequenceNumber{16, 0, 31, 15, 17, 1, 30, 14}
	for _, sn := range perm {
		if !a.TryAdd(sn) {
			t.Fatalf("TryAdd(%d) rejected", sn)
		}
	}
	for _, sn := range perm {
		if !a.Seen(sn) {
			t.Errorf("Seen(%d) = false, want true after insertion", sn)
		}
	}
}

func TestAckSetTooOldIsIgnored(t *testing.T) {
	a := NewAckSet()
	a.TryAdd(100)
	if !a.TryAdd(50) { // 100-50 = 50 > 31, too old
		t.Fatal("an ancient sn should be accepted as a no-op, not rejected")
	}
	if a.Highest() != 100 {
		t.Fatalf("highest moved from an ignored too-old insert: %d", a.Highest())
	}
}

func TestAckSetRejectsGapLossOfHistory(t *testing.T) {
	a := NewAckSet()
	a.TryAdd(0)
	// Jumping straight to 32 would require forgetting slots 1..31 which were
	// never acknowledged.
	if a.TryAdd(32) {
		t.Fatal("expected TryAdd to reject a jump that loses unacknowledged history")
	}
}

func TestAckSetAcceptsContiguousAdvance(t *testing.T) {
	a := NewAckSet()
	for sn := SequenceNumber(0); sn < 100; sn++ {
		if !a.TryAdd(sn) {
			t.Fatalf("contiguous TryAdd(%d) unexpectedly rejected", sn)
		}
	}
	if a.Highest() != 99 {
		t.Fatalf("highest = %d, want 99", a.Highest())
	}
	if !a.Seen(99) || !a.Seen(68) || len(a.Seqs()) != 32 {
		t.Fatalf("window should cover exactly [68,99], got seqs=%v", a.Seqs())
	}
}

func TestAckSetWideGapThatCoversItsOwnHistory(t *testing.T) {
	a := NewAckSet()
	a.TryAdd(0)
	for i := SequenceNumber(1); i <= 31; i++ {
		a.TryAdd(i)
	}
	// Now try jumping ahead by a further 31, reusing the already-acked low end.
	if !a.TryAdd(31 + 31) {
		t.Fatal("advance covered entirely by prior history should be accepted")
	}
}
