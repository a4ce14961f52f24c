// SPDX-License-Identifier: Apache-2.0

// Package node assembles the transport package's pieces -- AckSet,
// OutboundMessages, TransmitQueue, Dispatcher -- into the single-threaded
// actor a running peer needs: one goroutine owns every mutable structure,
// and every other goroutine (link socket pumps, retransmit tickers, the
// embedding application) talks to it over channels.
package node

import (
	log "github.com/sirupsen/logrus"

	"github.com/inetic/club/admin"
	"github.com/inetic/club/transport"
)

// OnRecv is invoked at most once per accepted message this node is a
// listed target for. It runs on Core's own goroutine, so it may safely
// call back into Core (BroadcastReliable, Flush, ...) -- those calls only
// enqueue work for a later turn of the loop, never recurse into it.
type OnRecv func(source transport.UUID, payload []byte)

// DatagramSender is whatever knows how to put bytes on the wire for one
// link. *Link is the production implementation, wrapping a
// net.PacketConn; tests substitute an in-memory one.
type DatagramSender interface {
	SendDatagram([]byte)
}

type linkEntry struct {
	remote     transport.UUID
	queue      *transport.TransmitQueue
	dispatcher *transport.Dispatcher
	sender     DatagramSender
	mtu        int
}

type reliableReq struct {
	payload []byte
}

type unreliableReq struct {
	id      transport.UnreliableID
	payload []byte
}

type addTransportReq struct {
	id     string
	remote transport.UUID
	sender DatagramSender
	mtu    int
}

type addTargetReq struct {
	link   string
	target transport.UUID
}

type removeTransportReq struct {
	id string
}

type inboundDatagram struct {
	link string
	data []byte
}

// Core is the per-node façade described by the component-sizing table's
// "Core" row: it holds the OutboundMessages registry, one TransmitQueue
// and one Dispatcher per link, and exposes broadcast/flush/add_transport
// as asynchronous, reentrancy-safe operations.
type Core struct {
	self     transport.UUID
	outbound *transport.OutboundMessages
	onRecv   OnRecv

	links map[string]*linkEntry

	broadcastReliableCh   chan reliableReq
	broadcastUnreliableCh chan unreliableReq
	addTransportCh        chan addTransportReq
	addTargetCh           chan addTargetReq
	removeTransportCh     chan removeTransportReq
	inboundCh             chan inboundDatagram
	sendTickCh            chan string
	flushCh               chan func()
	statusCh              chan chan admin.NodeStatus

	closeCh chan struct{}
	doneCh  chan struct{}
}

// NewCore starts a Core's loop goroutine and returns immediately.
func NewCore(self transport.UUID, onRecv OnRecv) *Core {
	c := &Core{
		self:     self,
		outbound: transport.NewOutboundMessages(self),
		onRecv:   onRecv,
		links:    make(map[string]*linkEntry),

		broadcastReliableCh:   make(chan reliableReq, 256),
		broadcastUnreliableCh: make(chan unreliableReq, 256),
		addTransportCh:        make(chan addTransportReq, 16),
		addTargetCh:           make(chan addTargetReq, 16),
		removeTransportCh:     make(chan removeTransportReq, 16),
		inboundCh:             make(chan inboundDatagram, 256),
		sendTickCh:            make(chan string, 256),
		flushCh:               make(chan func(), 16),
		statusCh:              make(chan chan admin.NodeStatus, 4),

		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go c.loop()
	return c
}

// Self returns this node's identity.
func (c *Core) Self() transport.UUID { return c.self }

// BroadcastReliable enqueues an at-least-once, ordered broadcast to every
// node currently reachable from this node (spec6). It returns immediately;
// the message is created and fanned out on Core's own goroutine.
func (c *Core) BroadcastReliable(payload []byte) {
	req := reliableReq{payload: append([]byte(nil), payload...)}
	select {
	case c.broadcastReliableCh <- req:
	case <-c.doneCh:
	}
}

// BroadcastUnreliable enqueues an at-most-once broadcast identified by id.
// A second call with the same id while the first is still in flight
// coalesces onto it rather than sending twice (spec4.2, spec6).
func (c *Core) BroadcastUnreliable(id transport.UnreliableID, payload []byte) {
	req := unreliableReq{id: id, payload: append([]byte(nil), payload...)}
	select {
	case c.broadcastUnreliableCh <- req:
	case <-c.doneCh:
	}
}

// Flush arranges for continuation to run once every link's TransmitQueue
// has nothing left to send -- no queued message still targets anyone
// reachable through it (spec4.5, spec6). Safe to call from inside OnRecv.
func (c *Core) Flush(continuation func()) {
	select {
	case c.flushCh <- continuation:
	case <-c.doneCh:
	}
}

// AddTransport installs a new link identified by linkID, whose direct
// neighbour is remote and which sends datagrams through sender bounded to
// mtu bytes (spec4.5's add_transport). remote is automatically a member of
// this link's reachable-target set.
func (c *Core) AddTransport(linkID string, remote transport.UUID, sender DatagramSender, mtu int) {
	req := addTransportReq{id: linkID, remote: remote, sender: sender, mtu: mtu}
	select {
	case c.addTransportCh <- req:
	case <-c.doneCh:
	}
}

// RemoveTransport tears down linkID: its queue is dropped and any
// messages it alone still held are released back to the registry
// (spec5's Transport-destruction behaviour).
func (c *Core) RemoveTransport(linkID string) {
	req := removeTransportReq{id: linkID}
	select {
	case c.removeTransportCh <- req:
	case <-c.doneCh:
	}
}

// AddTarget extends linkID's reachable-target set with target, so future
// broadcasts (and forwards from other links) know they can reach target
// through linkID (spec4.5's per-Transport add_target).
func (c *Core) AddTarget(linkID string, target transport.UUID) {
	req := addTargetReq{link: linkID, target: target}
	select {
	case c.addTargetCh <- req:
	case <-c.doneCh:
	}
}

// Deliver feeds one inbound datagram received on linkID into Core. Called
// by that link's socket pump.
func (c *Core) Deliver(linkID string, data []byte) {
	dg := inboundDatagram{link: linkID, data: append([]byte(nil), data...)}
	select {
	case c.inboundCh <- dg:
	case <-c.doneCh:
	}
}

// RequestSend asks Core to pack and send whatever is ready for linkID.
// Called by that link's retransmit ticker (spec4.6).
func (c *Core) RequestSend(linkID string) {
	select {
	case c.sendTickCh <- linkID:
	case <-c.doneCh:
	}
}

// Status reports this node's identity and the current state of every
// link, for admin.StatusProvider. Unlike Core's other public methods this
// is a synchronous round trip into the loop goroutine, so it must only be
// called from outside Core (e.g. an admin HTTP handler) and never from
// inside OnRecv or a Flush continuation, which already run on the loop.
func (c *Core) Status() admin.NodeStatus {
	reply := make(chan admin.NodeStatus, 1)
	select {
	case c.statusCh <- reply:
	case <-c.doneCh:
		return admin.NodeStatus{Self: c.self}
	}
	select {
	case s := <-reply:
		return s
	case <-c.doneCh:
		return admin.NodeStatus{Self: c.self}
	}
}

// Close stops Core's loop goroutine. Idempotent.
func (c *Core) Close() {
	select {
	case <-c.doneCh:
		return
	default:
	}
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
	<-c.doneCh
}

func (c *Core) loop() {
	defer close(c.doneCh)

	var waiters []func()
	fireWaiters := func() {
		if len(waiters) == 0 || !c.quiescent() {
			return
		}
		ready := waiters
		waiters = nil
		for _, w := range ready {
			w()
		}
	}

	for {
		select {
		case <-c.closeCh:
			return

		case req := <-c.broadcastReliableCh:
			c.handleBroadcastReliable(req)
			fireWaiters()

		case req := <-c.broadcastUnreliableCh:
			c.handleBroadcastUnreliable(req)
			fireWaiters()

		case req := <-c.addTransportCh:
			c.handleAddTransport(req)

		case req := <-c.addTargetCh:
			c.handleAddTarget(req)

		case req := <-c.removeTransportCh:
			c.handleRemoveTransport(req)
			fireWaiters()

		case dg := <-c.inboundCh:
			c.handleInbound(dg)
			fireWaiters()

		case id := <-c.sendTickCh:
			c.handleSendTick(id)
			fireWaiters()

		case cb := <-c.flushCh:
			waiters = append(waiters, cb)
			fireWaiters()

		case reply := <-c.statusCh:
			reply <- c.buildStatus()
		}
	}
}

func (c *Core) buildStatus() admin.NodeStatus {
	status := admin.NodeStatus{Self: c.self}
	for id, le := range c.links {
		targets := make([]transport.UUID, 0, len(le.queue.RemoteTargets()))
		for t := range le.queue.RemoteTargets() {
			targets = append(targets, t)
		}
		status.Links = append(status.Links, admin.LinkStatus{
			ID:      id,
			Remote:  le.remote,
			Targets: targets,
			Queued:  le.queue.Len(),
		})
	}
	return status
}

func (c *Core) quiescent() bool {
	for _, le := range c.links {
		if !le.queue.Quiescent() {
			return false
		}
	}
	return true
}

// allKnownTargets is the union of every link's reachable-target set: the
// full addressee list a fresh broadcast originating here should carry.
func (c *Core) allKnownTargets() map[transport.UUID]struct{} {
	out := make(map[transport.UUID]struct{})
	for _, le := range c.links {
		for t := range le.queue.RemoteTargets() {
			out[t] = struct{}{}
		}
	}
	return out
}

// fanOut hands msg to every TransmitQueue whose reachable-target set
// intersects msg's targets. A message nobody can carry is released back
// to the registry immediately rather than left dangling.
func (c *Core) fanOut(msg *transport.Message) {
	acquired := false
	for _, le := range c.links {
		reachable := le.queue.RemoteTargets()
		for t := range msg.Targets {
			if _, ok := reachable[t]; ok {
				le.queue.InsertMessage(msg)
				acquired = true
				break
			}
		}
	}
	if !acquired {
		c.outbound.Release(msg)
	}
}

func (c *Core) handleBroadcastReliable(req reliableReq) {
	targets := c.allKnownTargets()
	if len(targets) == 0 {
		log.Debug("Core: broadcast_reliable with no reachable targets, dropped")
		return
	}
	msg := c.outbound.AddReliable(req.payload, targets)
	c.fanOut(msg)
}

func (c *Core) handleBroadcastUnreliable(req unreliableReq) {
	targets := c.allKnownTargets()
	if len(targets) == 0 {
		log.Debug("Core: broadcast_unreliable with no reachable targets, dropped")
		return
	}
	msg, created := c.outbound.AddUnreliable(req.id, req.payload, targets)
	if !created {
		return
	}
	c.fanOut(msg)
}

func (c *Core) handleAddTransport(req addTransportReq) {
	if _, exists := c.links[req.id]; exists {
		log.WithField("link", req.id).Warn("Core: add_transport called twice for the same link id, replacing")
	}

	le := &linkEntry{
		remote: req.remote,
		queue:  transport.NewTransmitQueue(c.outbound),
		sender: req.sender,
		mtu:    req.mtu,
	}
	le.queue.AddTarget(req.remote)
	le.dispatcher = transport.NewDispatcher(c.self, req.id, transport.DeliverFunc(c.onRecv), c.outbound.TrackRelay, c.fanOut)

	c.links[req.id] = le
}

func (c *Core) handleAddTarget(req addTargetReq) {
	le, ok := c.links[req.link]
	if !ok {
		log.WithField("link", req.link).Warn("Core: add_target for unknown link, ignored")
		return
	}
	le.queue.AddTarget(req.target)
}

func (c *Core) handleRemoveTransport(req removeTransportReq) {
	le, ok := c.links[req.id]
	if !ok {
		return
	}
	le.queue.ReleaseAll()
	delete(c.links, req.id)
}

func (c *Core) handleInbound(dg inboundDatagram) {
	le, ok := c.links[dg.link]
	if !ok {
		log.WithField("link", dg.link).Warn("Core: datagram for unknown link, dropped")
		return
	}

	frames, acks, err := transport.DecodeDatagram(dg.data)
	if err != nil {
		log.WithFields(log.Fields{"link": dg.link, "error": err}).Warn("Core: datagram had malformed elements, continuing with what decoded")
	}

	for _, f := range frames {
		le.dispatcher.HandleFrame(f)
	}
	for _, a := range acks {
		le.dispatcher.HandleAck(a, le.remote, c.outbound.OnAck)
	}
}

func (c *Core) handleSendTick(id string) {
	le, ok := c.links[id]
	if !ok {
		return
	}

	enc := transport.NewEncoder(le.mtu)
	le.queue.EncodeFew(enc)

	for source, ackset := range le.dispatcher.PendingAcks() {
		if ackset.IsEmpty() {
			continue
		}
		if !transport.EncodeAck(enc, source, ackset.Highest(), ackset.Predecessors()) {
			break
		}
	}

	if enc.Len() > 0 {
		le.sender.SendDatagram(enc.Bytes())
	}
}
