// SPDX-License-Identifier: Apache-2.0

package transport

// SequenceNumber is a monotonically increasing, per-sender counter (spec3).
// The ack-window arithmetic in AckSet assumes any two sequence numbers being
// compared stay within a 32-wide band of each other; it does not defend
// against 32-bit wraparound, matching the source design (spec3, spec9).
type SequenceNumber uint32

// UnreliableID lets a caller coalesce repeated unreliable broadcasts of the
// same logical message (spec3, spec4.2). The registry keys on this value
// alone, never on payload bytes.
type UnreliableID [16]byte
