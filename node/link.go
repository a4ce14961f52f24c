// SPDX-License-Identifier: Apache-2.0

package node

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Link is one socket pairing to a direct neighbour: it pumps inbound
// datagrams into a Core and, on a retransmit ticker, asks that Core to
// pack and send whatever is ready (spec2's "Transport", spec4.6). Packing
// and dedup state live on Core's own goroutine; Link only owns the
// net.PacketConn and the two pump goroutines reading and writing it.
type Link struct {
	id     string
	core   *Core
	conn   net.PacketConn
	remote net.Addr

	stop chan struct{}
	done chan struct{}
}

// NewLink creates a Link bound to conn, sending to remote, and asking
// core to retransmit at least once per retransmit interval. It starts the
// read and retransmit-ticker goroutines immediately; callers still need
// to call core.AddTransport(id, ...) with the same id to register the
// link's queue before anything useful gets sent.
func NewLink(id string, core *Core, conn net.PacketConn, remote net.Addr, retransmit time.Duration) *Link {
	l := &Link{
		id:     id,
		core:   core,
		conn:   conn,
		remote: remote,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	go l.writeLoop(retransmit)
	return l
}

// SendDatagram implements DatagramSender, called from Core's own
// goroutine while packing a link's next outbound datagram.
func (l *Link) SendDatagram(data []byte) {
	if _, err := l.conn.WriteTo(data, l.remote); err != nil {
		log.WithFields(log.Fields{"link": l.id, "error": err}).Warn("Link: write failed")
	}
}

func (l *Link) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.stop:
			default:
				log.WithFields(log.Fields{"link": l.id, "error": err}).Warn("Link: read failed, closing")
			}
			return
		}
		l.core.Deliver(l.id, buf[:n])
	}
}

func (l *Link) writeLoop(retransmit time.Duration) {
	ticker := time.NewTicker(retransmit)
	defer ticker.Stop()
	defer close(l.done)

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.core.RequestSend(l.id)
		}
	}
}

// Close tears down this Link's socket and tells Core to release whatever
// this link's queue was still holding (spec5: destroying a Transport
// drops its queue and socket; any send already in flight on the wire may
// still land, but its completion is no longer observed).
func (l *Link) Close() error {
	close(l.stop)
	err := l.conn.Close()
	<-l.done
	l.core.RemoveTransport(l.id)
	return err
}
