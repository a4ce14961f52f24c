// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"container/list"
	"sort"
)

// TransmitQueue chooses messages to include in each outbound datagram for
// one link, serialises them into a bounded Encoder, and retains reliable
// messages for retransmission until every target of the link has
// acknowledged. Ported from club/transport/transmit_queue.h.
type TransmitQueue struct {
	outbound      *OutboundMessages
	remoteTargets map[UUID]struct{}

	// Invariant: messages.Len() == 0 <=> cursor == nil (spec3, spec9).
	messages *list.List
	cursor   *list.Element

	scratch []UUID // reused intersection buffer (spec3)
}

// NewTransmitQueue creates a TransmitQueue backed by the given shared
// OutboundMessages registry.
func NewTransmitQueue(outbound *OutboundMessages) *TransmitQueue {
	return &TransmitQueue{
		outbound:      outbound,
		remoteTargets: make(map[UUID]struct{}),
		messages:      list.New(),
	}
}

// AddTarget extends remoteTargets, the set of nodes reachable through this
// link (spec4.3). Used by Core to build the routing table for forwarded
// targets.
func (q *TransmitQueue) AddTarget(id UUID) {
	q.remoteTargets[id] = struct{}{}
}

// RemoteTargets returns the set of nodes reachable through this link.
func (q *TransmitQueue) RemoteTargets() map[UUID]struct{} {
	return q.remoteTargets
}

// Len reports how many messages are currently queued.
func (q *TransmitQueue) Len() int { return q.messages.Len() }

// InsertMessage inserts msg immediately before the cursor (i.e. it will be
// the last candidate considered on the next trip around the ring, after
// every message queued before it), preserving the circular invariant
// (spec4.3).
func (q *TransmitQueue) InsertMessage(msg *Message) {
	q.outbound.Acquire(msg)

	if q.cursor == nil {
		q.cursor = q.messages.PushBack(msg)
		return
	}
	q.messages.InsertBefore(msg, q.cursor)
}

func (q *TransmitQueue) circularIncrement() {
	if q.cursor == nil {
		return
	}
	next := q.cursor.Next()
	if next == nil {
		next = q.messages.Front()
	}
	q.cursor = next
}

// erase drops e from the queue and tells the registry this TransmitQueue no
// longer holds its Message. If e was the cursor, the cursor advances to the
// next element, wrapping to the front (or becoming nil if the queue is now
// empty) -- this is the only place the circular invariant can be broken, so
// it is restored here in one spot (spec9).
func (q *TransmitQueue) erase(e *list.Element) {
	msg := e.Value.(*Message)
	q.outbound.Release(msg)

	wasCursor := e == q.cursor
	next := e.Next()
	q.messages.Remove(e)

	if !wasCursor {
		return
	}
	switch {
	case next != nil:
		q.cursor = next
	case q.messages.Len() > 0:
		q.cursor = q.messages.Front()
	default:
		q.cursor = nil
	}
}

// EncodeFew packs as many messages as fit into encoder's remaining budget
// and returns how many frames were encoded (spec4.3).
//
// This makes at most one trip around the ring: it remembers which element
// was "last" (the one just behind the cursor) before it starts, and stops
// once it has tried that element -- except when that element's intersection
// with remoteTargets turns out empty, in which case it is erased and the
// loop continues without ever checking for "last" again that trip. That
// quirk is carried over faithfully from transmit_queue.h's erase-then-
// continue path, which skips the is_last check the same way; it is
// harmless here because the loop can still only run until the queue is
// drained or the encoder fills.
func (q *TransmitQueue) EncodeFew(enc *Encoder) uint16 {
	if q.messages.Len() == 0 {
		return 0
	}

	var last *list.Element
	if q.cursor == q.messages.Front() {
		last = q.messages.Back()
	} else {
		last = q.cursor.Prev()
	}

	var count uint16

	for {
		current := q.cursor
		q.circularIncrement()

		isLast := current == last

		msg := current.Value.(*Message)
		targets := intersectSorted(msg.Targets, q.remoteTargets, &q.scratch)

		if len(targets) == 0 {
			q.erase(current)
			if q.messages.Len() == 0 {
				break
			}
			continue
		}

		if !encodeFrame(enc, msg.Source, targets, msg.Bytes) {
			q.cursor = current
			break
		}
		count++

		if !msg.IsReliable() {
			for t := range q.remoteTargets {
				delete(msg.Targets, t)
			}
			if len(msg.Targets) == 0 {
				q.erase(current)
				if q.messages.Len() == 0 {
					break
				}
			}
		}

		if isLast {
			break
		}
	}

	return count
}

// Quiescent reports whether this queue currently has nothing left to send:
// either it holds no messages, or every message it holds no longer targets
// anyone reachable through this link. Used by Core to know when a flush
// continuation may run (spec4.5, spec6).
func (q *TransmitQueue) Quiescent() bool {
	for e := q.messages.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*Message)
		for t := range msg.Targets {
			if _, ok := q.remoteTargets[t]; ok {
				return false
			}
		}
	}
	return true
}

// ReleaseAll drops every queued message, releasing each one back to the
// registry. Used when a link is torn down: its queue and its share of any
// still-live messages are given up, but other queues holding the same
// Message are unaffected (spec5's Transport-destruction behaviour).
func (q *TransmitQueue) ReleaseAll() {
	for e := q.messages.Front(); e != nil; {
		next := e.Next()
		q.outbound.Release(e.Value.(*Message))
		q.messages.Remove(e)
		e = next
	}
	q.cursor = nil
}

// intersectSorted writes the UUIDs present in both a and b, sorted
// ascending by raw bytes for reproducible encoding (spec4.3's tie-break),
// into *scratch, reusing its backing array across calls.
func intersectSorted(a, b map[UUID]struct{}, scratch *[]UUID) []UUID {
	out := (*scratch)[:0]
	for id := range a {
		if _, ok := b[id]; ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	*scratch = out
	return out
}
