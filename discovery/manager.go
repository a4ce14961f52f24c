// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"

	"github.com/inetic/club/transport"
)

const (
	address4 = "224.23.23.23"
	address6 = "ff02::23:23:23"
	port     = 35039
)

// OnPeer is invoked for every announcement heard from a node that isn't
// self, with its advertised identity and a dialable "host:port" address.
// Manager does not de-duplicate: a node that keeps announcing itself is
// reported again each time.
type OnPeer func(peer transport.UUID, addr string)

// Manager periodically broadcasts this node's Announcement on the local
// network and reports every other node it hears announcing itself.
// Grounded on dtn7-go's pkg/discovery.Manager, generalised from CLA
// endpoints to club's own (UUID, UDP port) announcement.
type Manager struct {
	self   transport.UUID
	onPeer OnPeer

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewManager starts broadcasting self's Announcement (advertising
// listenPort) and watching for peers every interval, over IPv4 and/or
// IPv6 as requested.
func NewManager(self transport.UUID, listenPort uint16, interval time.Duration, onPeer OnPeer, ipv4, ipv6 bool) (*Manager, error) {
	m := &Manager{self: self, onPeer: onPeer}

	payload := Announcement{Self: self, Port: listenPort}.Marshal()

	log.WithFields(log.Fields{
		"self": self,
		"port": listenPort,
		"ipv4": ipv4,
		"ipv6": ipv6,
	}).Info("discovery: starting Manager")

	if ipv4 {
		m.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		m.stopChan6 = make(chan struct{})
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, address4, m.stopChan4, peerdiscovery.IPv4, m.notify},
		{ipv6, address6, m.stopChan6, peerdiscovery.IPv6, m.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: set.multicastAddress,
			Payload:          payload,
			Delay:            interval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		errCh := make(chan error, 1)
		go func() { errCh <- discoverErr(settings) }()

		select {
		case err := <-errCh:
			if err != nil {
				return nil, err
			}
		case <-time.After(time.Second):
		}
	}

	return m, nil
}

func discoverErr(settings peerdiscovery.Settings) error {
	_, err := peerdiscovery.Discover(settings)
	return err
}

func (m *Manager) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)
	m.notify(discovered)
}

func (m *Manager) notify(discovered peerdiscovery.Discovered) {
	a, err := UnmarshalAnnouncement(discovered.Payload)
	if err != nil {
		log.WithFields(log.Fields{"peer": discovered.Address, "error": err}).Warn("discovery: malformed announcement, dropped")
		return
	}

	if a.Self == m.self {
		return
	}

	log.WithFields(log.Fields{"peer": a.Self, "addr": discovered.Address, "port": a.Port}).Debug("discovery: peer announced itself")
	m.onPeer(a.Self, fmt.Sprintf("%s:%d", discovered.Address, a.Port))
}

// Close stops this Manager's broadcast/listen goroutines.
func (m *Manager) Close() {
	for _, ch := range []chan struct{}{m.stopChan4, m.stopChan6} {
		if ch != nil {
			ch <- struct{}{}
		}
	}
}
