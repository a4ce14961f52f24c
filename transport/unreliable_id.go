// SPDX-License-Identifier: Apache-2.0

package transport

import "crypto/sha256"

// HashUnreliableID derives an UnreliableID from a payload by hashing it.
// This is the typical choice spec3 alludes to ("a hash of payload"); callers
// remain free to construct their own ids instead.
func HashUnreliableID(payload []byte) UnreliableID {
	sum := sha256.Sum256(payload)
	var id UnreliableID
	copy(id[:], sum[:16])
	return id
}
