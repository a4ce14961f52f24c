// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net"
	"os"
	"os/signal"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/inetic/club/admin"
	"github.com/inetic/club/config"
	"github.com/inetic/club/discovery"
	"github.com/inetic/club/node"
	"github.com/inetic/club/transport"
)

// waitSigint blocks the current goroutine until a SIGINT arrives.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, os.Interrupt)
	<-signalSyn
}

func listenPort(addr string) uint16 {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(p)
}

func onRecv(source transport.UUID, payload []byte) {
	log.WithFields(log.Fields{"source": source, "bytes": len(payload)}).Info("clubd: delivered")
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := config.Load(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("clubd: failed to parse config")
	}

	core := node.NewCore(conf.NodeID, onRecv)

	listenConn, err := net.ListenPacket("udp", conf.Listen.Address)
	if err != nil {
		log.WithError(err).Fatal("clubd: failed to bind listen address")
	}

	links := map[string]*node.Link{}

	dial := func(remote transport.UUID, addr string) {
		remoteAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			log.WithFields(log.Fields{"peer": remote, "addr": addr, "error": err}).Warn("clubd: failed to resolve peer address")
			return
		}

		id := remote.String() + "@" + addr
		if _, exists := links[id]; exists {
			return
		}

		l := node.NewLink(id, core, listenConn, remoteAddr, conf.Retransmit)
		core.AddTransport(id, remote, l, conf.Listen.MTU)
		links[id] = l
	}

	for _, p := range conf.Peers {
		remote, err := transport.ParseUUID(p.NodeID)
		if err != nil {
			log.WithFields(log.Fields{"peer": p.NodeID, "error": err}).Warn("clubd: peer has a malformed node id, skipped")
			continue
		}
		dial(remote, p.Address)
	}

	var disc *discovery.Manager
	if conf.Discovery.Enabled {
		disc, err = discovery.NewManager(conf.NodeID, listenPort(conf.Listen.Address), conf.DiscoveryInterval,
			dial, conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			log.WithError(err).Warn("clubd: failed to start discovery")
		}
	}

	if conf.Admin.Enabled {
		go func() {
			srv := admin.NewServer(core)
			if err := srv.ListenAndServe(conf.Admin.Address); err != nil {
				log.WithError(err).Warn("clubd: admin server stopped")
			}
		}()
	}

	log.WithFields(log.Fields{"self": conf.NodeID, "listen": conf.Listen.Address}).Info("clubd: running")
	waitSigint()
	log.Info("clubd: shutting down")

	if disc != nil {
		disc.Close()
	}
	for _, l := range links {
		l.Close()
	}
	core.Close()
}
