// SPDX-License-Identifier: Apache-2.0

package transport

// predecessorsMask keeps the predecessors bitfield to its spec-mandated 31
// bits; anything shifted past bit 30 has fallen out of the window.
const predecessorsMask uint32 = (1 << 31) - 1

// AckSet is a 32-slot sliding window of the most-recently-seen sequence
// numbers from one sender (spec3, spec4.1). It is used both to recognise
// duplicates on the receive side and to piggy-back a cumulative ACK on the
// send side. Ported from club/transport/ack_set.h.
type AckSet struct {
	highest      SequenceNumber
	lowest       SequenceNumber
	predecessors uint32
	empty        bool
}

// NewAckSet returns an empty AckSet.
func NewAckSet() *AckSet {
	return &AckSet{empty: true}
}

// IsEmpty reports whether any sequence number has ever been added.
func (a *AckSet) IsEmpty() bool { return a.empty }

// Highest returns the highest sequence number seen so far. It is only
// meaningful when !IsEmpty().
func (a *AckSet) Highest() SequenceNumber { return a.highest }

// Predecessors returns the raw bitfield for encoding into an ACK block
// (spec6): bit i set iff Highest()-(i+1) has been acknowledged.
func (a *AckSet) Predecessors() uint32 { return a.predecessors }

// Seen reports whether sn is already accounted for by this window, without
// mutating it: either it is the highest entry, a set predecessor bit, or it
// is old enough to fall below the window and is therefore treated as
// already acknowledged (spec4.1 rule 3). It does not attempt to predict
// whether a future TryAdd(sn) would succeed for sn > Highest().
func (a *AckSet) Seen(sn SequenceNumber) bool {
	if a.empty {
		return false
	}
	if sn == a.highest {
		return true
	}
	if sn < a.highest {
		if a.highest-sn > 31 {
			return true
		}
		bit := a.highest - sn - 1
		return a.predecessors&(1<<uint(bit)) != 0
	}
	return false
}

// TryAdd inserts sn into the window (spec4.1). It returns false only when
// accepting sn would require forgetting a still-unacknowledged slot at the
// low end of the window; every other case -- including an idempotent
// re-add of the current highest, or an sn old enough to have already fallen
// out of the window -- returns true.
func (a *AckSet) TryAdd(sn SequenceNumber) bool {
	if a.empty {
		a.highest = sn
		a.lowest = sn
		a.predecessors = 0
		a.empty = false
		return true
	}

	hsn := a.highest

	switch {
	case sn == hsn:
		return true

	case sn < hsn:
		if hsn-sn > 31 {
			// Too old to matter; treat as already acknowledged.
			return true
		}
		a.predecessors |= 1 << uint(hsn-sn-1)
		return true

	default: // sn > hsn
		if sn > hsn+31 {
			return false
		}

		shift := sn - hsn

		for i := SequenceNumber(0); i < shift; i++ {
			bitSet := a.predecessors&(1<<uint(30-i)) != 0
			belowWindow := hsn < a.lowest+31-i
			if !(belowWindow || bitSet) {
				return false
			}
		}

		a.predecessors = (a.predecessors << uint(shift)) & predecessorsMask
		a.predecessors |= 1 << uint(shift-1)
		a.highest = sn
		return true
	}
}

// Seqs returns the sequence numbers currently in the window, from highest
// to lowest, skipping unset slots (spec4.1 iteration rule).
func (a *AckSet) Seqs() []SequenceNumber {
	if a.empty {
		return nil
	}

	out := []SequenceNumber{a.highest}
	for i := SequenceNumber(0); i < 31; i++ {
		if a.predecessors&(1<<uint(i)) != 0 {
			out = append(out, a.highest-(i+1))
		}
	}
	return out
}
