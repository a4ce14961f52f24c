// SPDX-License-Identifier: Apache-2.0

package transport

import log "github.com/sirupsen/logrus"

// DeliverFunc is invoked at most once per accepted (source, sn) with the
// payload the local node was a listed target for (spec4.4 step3).
type DeliverFunc func(source UUID, payload []byte)

// ForwardFunc re-enqueues a relayed Message so Core can hand it to whichever
// TransmitQueues can reach its remaining targets (spec4.4 step4).
type ForwardFunc func(msg *Message)

// TrackFunc registers a relayed Message against the outbound registry
// before it is forwarded, so a downstream ACK can still reach it, and
// returns the Message to actually forward (the one just passed in, or an
// existing one it was merged into). Ordinarily
// OutboundMessages.TrackRelay.
type TrackFunc func(msg *Message) *Message

// Dispatcher deduplicates and delivers/forwards frames arriving on one
// link, and maintains that link's per-sender AckSets used both for
// duplicate suppression and for the cumulative ACK piggy-backed onto
// outbound datagrams for that sender (spec4.4).
//
// Reliable frames are additionally held in a small per-source reorder
// buffer so that on_recv sees them in broadcast order even when
// retransmission lets a later sequence number arrive before an earlier
// one it was racing against loss. Unreliable frames carry no such promise
// and are handed to deliver as soon as they are accepted, since the
// sequence-number space is shared between the two kinds (a gap left by a
// lost, never-retried unreliable message must never stall reliable
// delivery behind it).
type Dispatcher struct {
	self UUID
	link string

	acks    map[UUID]*AckSet
	deliver DeliverFunc
	track   TrackFunc
	forward ForwardFunc

	reliableNext    map[UUID]SequenceNumber
	reliablePending map[UUID]map[SequenceNumber][]byte
}

// NewDispatcher creates a Dispatcher for one link. link is only used for
// log context.
func NewDispatcher(self UUID, link string, deliver DeliverFunc, track TrackFunc, forward ForwardFunc) *Dispatcher {
	return &Dispatcher{
		self:            self,
		link:            link,
		acks:            make(map[UUID]*AckSet),
		deliver:         deliver,
		track:           track,
		forward:         forward,
		reliableNext:    make(map[UUID]SequenceNumber),
		reliablePending: make(map[UUID]map[SequenceNumber][]byte),
	}
}

// AckSetFor returns (creating if necessary) the AckSet this dispatcher
// maintains for frames originating at source.
func (d *Dispatcher) AckSetFor(source UUID) *AckSet {
	a, ok := d.acks[source]
	if !ok {
		a = NewAckSet()
		d.acks[source] = a
	}
	return a
}

// PendingAcks exposes the AckSets this dispatcher currently tracks, so Core
// can piggy-back a cumulative ACK for each onto the next outbound datagram
// for this link (spec4.4's "piggy-back ... onto the next outbound
// datagram", spec6).
func (d *Dispatcher) PendingAcks() map[UUID]*AckSet {
	return d.acks
}

// HandleFrame processes one decoded message frame arriving on this link
// (spec4.4 steps 1-4).
func (d *Dispatcher) HandleFrame(f DecodedFrame) {
	acks := d.AckSetFor(f.Source)

	wasSeen := acks.Seen(f.Seq)
	if !acks.TryAdd(f.Seq) {
		log.WithFields(log.Fields{
			"link":   d.link,
			"source": f.Source,
			"sn":     f.Seq,
		}).Warn("Dispatcher: ack window rejected sequence number, duplicate suppression may be imperfect for it")
	}

	if wasSeen {
		return
	}

	remaining := make(map[UUID]struct{}, len(f.Targets))
	isLocalTarget := false

	for _, t := range f.Targets {
		if t == d.self {
			isLocalTarget = true
			continue
		}
		remaining[t] = struct{}{}
	}

	if len(remaining) > 0 {
		relay := &Message{
			Source:  f.Source,
			Seq:     f.Seq,
			Kind:    f.Kind,
			Bytes:   EncodeInner(f.Kind, f.Seq, f.Payload),
			Targets: remaining,
		}
		d.forward(d.track(relay))
	}

	if !isLocalTarget {
		return
	}

	if f.Kind == Unreliable {
		d.deliver(f.Source, f.Payload)
		// The unreliable frame still fills its slot in the source's shared
		// sequence, so reliable frames held behind it can proceed.
		d.deliverReliableInOrder(f.Source, f.Seq, nil)
		return
	}

	payload := f.Payload
	if payload == nil {
		payload = []byte{}
	}
	d.deliverReliableInOrder(f.Source, f.Seq, payload)
}

// deliverReliableInOrder buffers payload until every lower sequence number
// from source has been accounted for, then flushes as much of the run as
// has arrived. Sequence numbers start at 0 for every source. A nil payload
// marks a slot filled by an unreliable frame: it advances the run but
// delivers nothing.
func (d *Dispatcher) deliverReliableInOrder(source UUID, sn SequenceNumber, payload []byte) {
	pending, ok := d.reliablePending[source]
	if !ok {
		pending = make(map[SequenceNumber][]byte)
		d.reliablePending[source] = pending
	}
	pending[sn] = payload

	for {
		next := d.reliableNext[source]
		p, ok := pending[next]
		if !ok {
			break
		}
		delete(pending, next)
		if p != nil {
			d.deliver(source, p)
		}
		d.reliableNext[source] = next + 1
	}
}

// HandleAck processes one decoded ack block arriving on this link, applying
// it against onAck (expected to be OutboundMessages.OnAck, with neighbour
// fixed to whoever this link's remote peer is).
func (d *Dispatcher) HandleAck(a DecodedAck, neighbour UUID, onAck func(neighbour, source UUID, sn SequenceNumber)) {
	onAck(neighbour, a.Source, a.Highest)
	for i := SequenceNumber(0); i < 31; i++ {
		if a.Predecessors&(1<<uint(i)) != 0 {
			onAck(neighbour, a.Source, a.Highest-(i+1))
		}
	}
}
