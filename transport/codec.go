// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Every element inside a datagram (message frame or ack block) starts with
// a one-byte tag. spec6 describes the ack block's leading tag explicitly
// ("ack_tag"); spec4.3's per-frame layout omits an equivalent tag for
// message frames, which leaves no way for a receiver to tell where the
// trailing, optional ack block begins without parsing every frame's
// internal length fields and hoping the remainder happens to look like an
// ack block. We resolve that silence (spec9's "open questions") by giving
// message frames the same one-byte tag discipline as the ack block; it
// costs one byte per element and removes the ambiguity entirely.
const (
	frameTagMessage byte = 0
	frameTagAck     byte = 1

	uuidLen     = 16
	ackBlockLen = 1 + uuidLen + 4 + 4
)

// Encoder packs frames into a fixed-capacity buffer, mirroring the
// try-then-roll-back discipline spec4.3 requires of the packer: a
// speculative write that would overflow the datagram leaves the buffer
// exactly as it was before the attempt.
type Encoder struct {
	buf []byte
	cap int
}

// NewEncoder returns an Encoder bounded to capacity bytes, e.g. the link's
// MTU (spec6).
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity), cap: capacity}
}

// Bytes returns the encoded datagram so far.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes encoded so far.
func (e *Encoder) Len() int { return len(e.buf) }

// Remaining returns how many more bytes could still be encoded.
func (e *Encoder) Remaining() int { return e.cap - len(e.buf) }

func (e *Encoder) mark() int { return len(e.buf) }

func (e *Encoder) rollback(m int) { e.buf = e.buf[:m] }

func (e *Encoder) fits(n int) bool { return len(e.buf)+n <= e.cap }

func (e *Encoder) putByte(b byte) bool {
	if !e.fits(1) {
		return false
	}
	e.buf = append(e.buf, b)
	return true
}

func (e *Encoder) putBytes(p []byte) bool {
	if !e.fits(len(p)) {
		return false
	}
	e.buf = append(e.buf, p...)
	return true
}

func (e *Encoder) putUint32(v uint32) bool {
	if !e.fits(4) {
		return false
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
	return true
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

// EncodeInner pre-encodes a Message's kind, sequence number, and payload
// once at creation time (spec3: "bytes: ... pre-encoded so each
// TransmitQueue can copy it verbatim"). Layout: kind_tag(1) | sn(4) |
// payload_len(4) | payload.
func EncodeInner(kind Kind, sn SequenceNumber, payload []byte) []byte {
	out := make([]byte, 0, 1+4+4+len(payload))
	out = append(out, byte(kind))
	out = appendUint32(out, uint32(sn))
	out = appendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return out
}

// DecodeInner parses the header produced by EncodeInner, returning how many
// bytes of b it consumed.
func DecodeInner(b []byte) (kind Kind, sn SequenceNumber, payload []byte, consumed int, err error) {
	const headerLen = 1 + 4 + 4

	if len(b) < headerLen {
		err = fmt.Errorf("transport: inner header truncated: have %d bytes, want >= %d", len(b), headerLen)
		return
	}

	kind = Kind(b[0])
	sn = SequenceNumber(binary.BigEndian.Uint32(b[1:5]))
	plen := binary.BigEndian.Uint32(b[5:9])

	if uint64(len(b)-headerLen) < uint64(plen) {
		err = fmt.Errorf("transport: inner payload truncated: declared %d bytes, have %d", plen, len(b)-headerLen)
		return
	}

	payload = b[headerLen : headerLen+int(plen)]
	consumed = headerLen + int(plen)
	return
}

// encodeFrame speculatively appends one message frame -- tag | source(16) |
// target_count(1) | targets(16 each) | inner -- to enc, rolling back to
// leave enc untouched if it would overflow (spec4.3 step 4).
func encodeFrame(enc *Encoder, source UUID, targets []UUID, inner []byte) bool {
	if len(targets) > 255 {
		// Programmer error (spec4.3, spec7): the caller must never produce
		// a target list this large; fail hard rather than silently truncate.
		panic("transport: target list exceeds 255 entries")
	}

	mark := enc.mark()

	ok := enc.putByte(frameTagMessage) &&
		enc.putBytes(source[:]) &&
		enc.putByte(byte(len(targets)))

	if ok {
		for _, t := range targets {
			if !enc.putBytes(t[:]) {
				ok = false
				break
			}
		}
	}

	if ok {
		ok = enc.putBytes(inner)
	}

	if !ok {
		enc.rollback(mark)
		return false
	}
	return true
}

// EncodeAck speculatively appends one ack block -- tag | source(16) |
// highest_sn(4) | predecessors(4) -- to enc (spec6), rolling back on
// overflow just like a message frame.
func EncodeAck(enc *Encoder, source UUID, highest SequenceNumber, predecessors uint32) bool {
	mark := enc.mark()

	ok := enc.putByte(frameTagAck) &&
		enc.putBytes(source[:]) &&
		enc.putUint32(uint32(highest)) &&
		enc.putUint32(predecessors)

	if !ok {
		enc.rollback(mark)
		return false
	}
	return true
}

// DecodedFrame is one parsed message frame from an inbound datagram.
type DecodedFrame struct {
	Source  UUID
	Targets []UUID
	Kind    Kind
	Seq     SequenceNumber
	Payload []byte
}

// DecodedAck is one parsed ack block from an inbound datagram.
type DecodedAck struct {
	Source       UUID
	Highest      SequenceNumber
	Predecessors uint32
}

// DecodeDatagram parses every frame and ack block out of one inbound
// datagram. A recoverable decode error (e.g. an unrecognised kind tag on an
// otherwise well-formed frame) drops only the offending element and parsing
// continues; a structural truncation that leaves the remaining length of
// the datagram undeterminable stops parsing there. Either way, every
// dropped element is folded into the returned error via multierror so the
// caller can log one aggregate warning per datagram (spec7).
func DecodeDatagram(data []byte) (frames []DecodedFrame, acks []DecodedAck, err error) {
	var errs *multierror.Error

	for len(data) > 0 {
		tag := data[0]
		rest := data[1:]

		switch tag {
		case frameTagMessage:
			f, consumed, ferr := decodeFrame(rest)
			if ferr != nil {
				errs = multierror.Append(errs, ferr)
				return frames, acks, errs.ErrorOrNil()
			}
			data = rest[consumed:]

			if f.Kind != Reliable && f.Kind != Unreliable {
				errs = multierror.Append(errs, fmt.Errorf("transport: frame from %s has unknown kind tag %d, dropped", f.Source, f.Kind))
				continue
			}
			frames = append(frames, f)

		case frameTagAck:
			if len(rest) < uuidLen+8 {
				errs = multierror.Append(errs, fmt.Errorf("transport: ack block truncated"))
				return frames, acks, errs.ErrorOrNil()
			}

			var a DecodedAck
			copy(a.Source[:], rest[:uuidLen])
			a.Highest = SequenceNumber(binary.BigEndian.Uint32(rest[uuidLen : uuidLen+4]))
			a.Predecessors = binary.BigEndian.Uint32(rest[uuidLen+4 : uuidLen+8])
			acks = append(acks, a)
			data = rest[uuidLen+8:]

		default:
			errs = multierror.Append(errs, fmt.Errorf("transport: unknown frame tag %d", tag))
			return frames, acks, errs.ErrorOrNil()
		}
	}

	return frames, acks, errs.ErrorOrNil()
}

func decodeFrame(b []byte) (f DecodedFrame, consumed int, err error) {
	if len(b) < uuidLen+1 {
		err = fmt.Errorf("transport: frame header truncated")
		return
	}

	copy(f.Source[:], b[:uuidLen])
	count := int(b[uuidLen])
	off := uuidLen + 1

	if len(b) < off+count*uuidLen {
		err = fmt.Errorf("transport: target list truncated: want %d targets", count)
		return
	}

	f.Targets = make([]UUID, count)
	for i := 0; i < count; i++ {
		copy(f.Targets[i][:], b[off:off+uuidLen])
		off += uuidLen
	}

	kind, sn, payload, innerConsumed, derr := DecodeInner(b[off:])
	if derr != nil {
		err = derr
		return
	}

	f.Kind = kind
	f.Seq = sn
	f.Payload = payload
	consumed = off + innerConsumed
	return
}
