// SPDX-License-Identifier: Apache-2.0

package transport

// outboundEntry tracks a live Message plus how many TransmitQueues are
// currently holding it. The count exists purely to know when a (source,sn)
// or UnreliableID mapping can be forgotten so a later, unrelated broadcast
// doesn't coalesce onto a Message that has already finished its job --
// nothing here participates in Go's own memory management of the Message
// itself, which the garbage collector already handles once the last
// TransmitQueue drops its pointer.
type outboundEntry struct {
	msg  *Message
	refs int
}

type reliableKey struct {
	source UUID
	seq    SequenceNumber
}

// OutboundMessages is the per-Core registry of in-flight outbound messages.
// It assigns sequence numbers, deduplicates message references across
// TransmitQueues, and releases a Message's bookkeeping once every
// TransmitQueue holding it has erased its reference (spec3, spec4.2).
type OutboundMessages struct {
	self UUID
	next SequenceNumber

	reliable   map[reliableKey]*outboundEntry
	unreliable map[UnreliableID]*outboundEntry
}

// NewOutboundMessages creates a registry for the node identified by self.
func NewOutboundMessages(self UUID) *OutboundMessages {
	return &OutboundMessages{
		self:       self,
		reliable:   make(map[reliableKey]*outboundEntry),
		unreliable: make(map[UnreliableID]*outboundEntry),
	}
}

// AddReliable allocates a new sequence number for this node and records a
// new reliable Message addressed to targets (spec4.2).
func (o *OutboundMessages) AddReliable(payload []byte, targets map[UUID]struct{}) *Message {
	sn := o.next
	o.next++

	msg := &Message{
		Source:  o.self,
		Seq:     sn,
		Kind:    Reliable,
		Bytes:   EncodeInner(Reliable, sn, payload),
		Targets: cloneTargets(targets),
	}

	o.reliable[reliableKey{o.self, sn}] = &outboundEntry{msg: msg}
	return msg
}

// AddUnreliable returns the live Message already registered under id (and
// reports created=false), or creates and registers a new one if none is
// live (created=true). Coalescing is by id, never by payload bytes
// (spec4.2).
func (o *OutboundMessages) AddUnreliable(id UnreliableID, payload []byte, targets map[UUID]struct{}) (msg *Message, created bool) {
	if entry, ok := o.unreliable[id]; ok {
		return entry.msg, false
	}

	sn := o.next
	o.next++

	msg = &Message{
		Source:  o.self,
		Seq:     sn,
		Kind:    Unreliable,
		Unrel:   id,
		Bytes:   EncodeInner(Unreliable, sn, payload),
		Targets: cloneTargets(targets),
	}

	o.unreliable[id] = &outboundEntry{msg: msg}
	return msg, true
}

func (o *OutboundMessages) entry(msg *Message) *outboundEntry {
	if msg.Kind == Reliable {
		return o.reliable[reliableKey{msg.Source, msg.Seq}]
	}
	return o.unreliable[msg.Unrel]
}

// TrackRelay registers a relayed Message built by Dispatcher for forwarding
// (spec4.4 step4) so that a downstream ACK for (msg.Source, msg.Seq) can
// still find and shrink its Targets -- without this, a relay is never
// registered under its own (source, sn), OnAck can never find it, its
// Targets set never empties, and the relaying TransmitQueue retransmits it
// forever instead of releasing it (spec2, spec5's resource lifecycle).
//
// Unreliable relays are never acked, so they are returned untouched and
// stay unregistered -- there is nothing to coalesce a forwarded,
// one-shot unreliable relay against. If this (source, sn) reliable relay
// is already being tracked (the same frame arrived on two links and was
// forwarded twice), the two calls merge into one shared Message and target
// set rather than the second clobbering the first's in-flight ACK state.
func (o *OutboundMessages) TrackRelay(msg *Message) *Message {
	if msg.Kind != Reliable {
		return msg
	}

	key := reliableKey{msg.Source, msg.Seq}
	if e, ok := o.reliable[key]; ok {
		for t := range msg.Targets {
			e.msg.Targets[t] = struct{}{}
		}
		return e.msg
	}

	o.reliable[key] = &outboundEntry{msg: msg}
	return msg
}

// Acquire records that one more TransmitQueue now holds msg.
func (o *OutboundMessages) Acquire(msg *Message) {
	if e := o.entry(msg); e != nil {
		e.refs++
	}
}

// Release records that a TransmitQueue dropped msg. Once every holder has
// done so the registry forgets the (source,sn) or UnreliableID mapping, so
// a future AddReliable/AddUnreliable call can no longer coalesce onto it.
// Idempotent: releasing an untracked or already-forgotten message is a
// no-op, matching spec4.2's failure semantics for duplicate/unknown acks.
func (o *OutboundMessages) Release(msg *Message) {
	if msg.Kind == Reliable {
		key := reliableKey{msg.Source, msg.Seq}
		e, ok := o.reliable[key]
		if !ok {
			return
		}
		e.refs--
		if e.refs <= 0 {
			delete(o.reliable, key)
		}
		return
	}

	e, ok := o.unreliable[msg.Unrel]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(o.unreliable, msg.Unrel)
	}
}

// OnAck removes neighbour from the targets of the live reliable message
// (source, sn). It does not force an immediate release: the next time each
// TransmitQueue holding this Message tries to pack it, the now-smaller
// Targets set will intersect that queue's remote targets to nothing once
// every target has acked, and the queue's own erase path calls Release
// (spec4.3 step3, spec9's "shared ownership" note). ACKs for unknown
// messages and duplicate ACKs (the target is already gone) are no-ops
// (spec4.2).
func (o *OutboundMessages) OnAck(neighbour, source UUID, sn SequenceNumber) {
	e, ok := o.reliable[reliableKey{source, sn}]
	if !ok {
		return
	}
	delete(e.msg.Targets, neighbour)
}

// Lookup returns the live message for (source, sn), if any is registered.
func (o *OutboundMessages) Lookup(source UUID, sn SequenceNumber) (*Message, bool) {
	e, ok := o.reliable[reliableKey{source, sn}]
	if !ok {
		return nil, false
	}
	return e.msg, true
}
