// SPDX-License-Identifier: Apache-2.0

// Package discovery finds other nodes on the local network through UDP
// multicast, the way dtn7-go's pkg/discovery finds convergence-layer
// peers, and hands each discovered node's advertised UUID and dial
// address to a callback so the caller can wire up a node.Link.
package discovery

import (
	"encoding/binary"
	"fmt"

	"github.com/inetic/club/transport"
)

// Announcement is what a node broadcasts on the multicast group: its own
// identity and the UDP port it listens for links on. The sender address
// itself comes from the discovery packet's source, not from this payload.
type Announcement struct {
	Self transport.UUID
	Port uint16
}

// Marshal encodes one Announcement as self(16) | port(2), mirroring the
// fixed-width encoding transport/codec.go uses for the wire protocol
// proper -- there is no reason to reach for a different format just for
// this much smaller, fixed-shape payload.
func (a Announcement) Marshal() []byte {
	out := make([]byte, 16+2)
	copy(out, a.Self[:])
	binary.BigEndian.PutUint16(out[16:], a.Port)
	return out
}

// UnmarshalAnnouncement decodes the payload produced by Marshal.
func UnmarshalAnnouncement(b []byte) (Announcement, error) {
	if len(b) != 16+2 {
		return Announcement{}, fmt.Errorf("discovery: announcement has %d bytes, want %d", len(b), 16+2)
	}
	var a Announcement
	copy(a.Self[:], b[:16])
	a.Port = binary.BigEndian.Uint16(b[16:])
	return a, nil
}
