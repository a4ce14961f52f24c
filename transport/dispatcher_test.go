// SPDX-License-Identifier: Apache-2.0

package transport

import "testing"

// identityTrack stands in for OutboundMessages.TrackRelay in tests that
// don't exercise the ACK-registry interaction.
func identityTrack(msg *Message) *Message { return msg }

func TestDispatcherDeliversReliableInOrderDespiteArrivalOrder(t *testing.T) {
	self := NewUUID()
	source := NewUUID()

	var delivered [][]byte
	d := NewDispatcher(self, "test", func(_ UUID, payload []byte) {
		delivered = append(delivered, payload)
	}, identityTrack, func(*Message) {
		t.Fatal("unexpected forward: local node is the only target")
	})

	frame := func(sn SequenceNumber, payload string) DecodedFrame {
		return DecodedFrame{Source: source, Targets: []UUID{self}, Kind: Reliable, Seq: sn, Payload: []byte(payload)}
	}

	// Sequence number 1 arrives before 0: must be held back.
	d.HandleFrame(frame(1, "b"))
	if len(delivered) != 0 {
		t.Fatalf("delivered out-of-order frame early: %v", delivered)
	}

	d.HandleFrame(frame(0, "a"))
	if len(delivered) != 2 || string(delivered[0]) != "a" || string(delivered[1]) != "b" {
		t.Fatalf("delivered = %v, want [a b] once the gap filled", delivered)
	}

	d.HandleFrame(frame(2, "c"))
	if len(delivered) != 3 || string(delivered[2]) != "c" {
		t.Fatalf("delivered = %v, want a trailing c", delivered)
	}
}

func TestDispatcherUnreliableDeliveredImmediatelyEvenWithReliableGapPending(t *testing.T) {
	self := NewUUID()
	source := NewUUID()

	var delivered []SequenceNumber
	d := NewDispatcher(self, "test", func(_ UUID, payload []byte) {
		delivered = append(delivered, SequenceNumber(payload[0]))
	}, identityTrack, func(*Message) {})

	// A reliable frame at sn=5 arrives and is held back waiting for 0..4.
	d.HandleFrame(DecodedFrame{Source: source, Targets: []UUID{self}, Kind: Reliable, Seq: 5, Payload: []byte{5}})
	// An unreliable frame at sn=6 must still be delivered right away: its
	// gap will never be filled because unreliable frames are never retried.
	d.HandleFrame(DecodedFrame{Source: source, Targets: []UUID{self}, Kind: Unreliable, Seq: 6, Payload: []byte{6}})

	if len(delivered) != 1 || delivered[0] != 6 {
		t.Fatalf("delivered = %v, want the unreliable frame delivered without waiting", delivered)
	}
}

func TestDispatcherDuplicateFrameDeliveredOnce(t *testing.T) {
	self := NewUUID()
	source := NewUUID()

	count := 0
	d := NewDispatcher(self, "test", func(_ UUID, _ []byte) { count++ }, identityTrack, func(*Message) {})

	f := DecodedFrame{Source: source, Targets: []UUID{self}, Kind: Reliable, Seq: 0, Payload: []byte("x")}
	d.HandleFrame(f)
	d.HandleFrame(f)
	d.HandleFrame(f)

	if count != 1 {
		t.Fatalf("delivered %d times, want exactly 1", count)
	}
}

func TestDispatcherForwardsRemainingTargetsOnly(t *testing.T) {
	self := NewUUID()
	source := NewUUID()
	other := NewUUID()

	var forwarded *Message
	d := NewDispatcher(self, "test", func(UUID, []byte) {}, identityTrack, func(msg *Message) {
		forwarded = msg
	})

	d.HandleFrame(DecodedFrame{
		Source:  source,
		Targets: []UUID{self, other},
		Kind:    Unreliable,
		Seq:     0,
		Payload: []byte("x"),
	})

	if forwarded == nil {
		t.Fatal("expected a forward for the remaining target")
	}
	if _, ok := forwarded.Targets[self]; ok {
		t.Fatal("forwarded message must not still list this node as a target")
	}
	if _, ok := forwarded.Targets[other]; !ok {
		t.Fatal("forwarded message must still list the other, unreached target")
	}
	if forwarded.Source != source {
		t.Fatalf("forwarded message source = %v, want original source %v preserved", forwarded.Source, source)
	}
}

func TestDispatcherNoForwardWhenOnlyLocalTarget(t *testing.T) {
	self := NewUUID()
	source := NewUUID()

	d := NewDispatcher(self, "test", func(UUID, []byte) {}, identityTrack, func(*Message) {
		t.Fatal("unexpected forward: local node is the only target")
	})

	d.HandleFrame(DecodedFrame{Source: source, Targets: []UUID{self}, Kind: Unreliable, Seq: 0, Payload: []byte("x")})
}

func TestDispatcherTrackedRelayReleasesOnDownstreamAck(t *testing.T) {
	self := NewUUID()
	source := NewUUID()
	finalTarget := NewUUID()

	registry := NewOutboundMessages(self)

	var forwarded *Message
	d := NewDispatcher(self, "test", func(UUID, []byte) {}, registry.TrackRelay, func(msg *Message) {
		forwarded = msg
	})

	d.HandleFrame(DecodedFrame{
		Source:  source,
		Targets: []UUID{self, finalTarget},
		Kind:    Reliable,
		Seq:     0,
		Payload: []byte("relay me"),
	})

	if forwarded == nil {
		t.Fatal("expected a forward for the remaining target")
	}
	if _, ok := forwarded.Targets[finalTarget]; !ok {
		t.Fatal("forwarded message must still list the unreached target")
	}

	// A downstream ack for (source, 0) must reach the relayed message even
	// though it was never created by this node's own AddReliable.
	registry.OnAck(finalTarget, source, 0)

	if _, ok := forwarded.Targets[finalTarget]; ok {
		t.Fatal("OnAck should have emptied the relayed message's remaining target")
	}
}

func TestDispatcherHandleAckAppliesHighestAndPredecessors(t *testing.T) {
	self := NewUUID()
	neighbour := NewUUID()
	source := NewUUID()

	var acked []SequenceNumber
	d := NewDispatcher(self, "test", func(UUID, []byte) {}, identityTrack, func(*Message) {})

	a := DecodedAck{Source: source, Highest: 10, Predecessors: 1<<0 | 1<<2} // acks 9 and 7 too
	d.HandleAck(a, neighbour, func(_, src UUID, sn SequenceNumber) {
		if src != source {
			t.Fatalf("onAck source = %v, want %v", src, source)
		}
		acked = append(acked, sn)
	})

	want := map[SequenceNumber]bool{10: true, 9: true, 7: true}
	if len(acked) != len(want) {
		t.Fatalf("acked = %v, want exactly %v", acked, want)
	}
	for _, sn := range acked {
		if !want[sn] {
			t.Fatalf("unexpected ack for sn %d", sn)
		}
	}
}
