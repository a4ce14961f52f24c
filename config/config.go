// SPDX-License-Identifier: Apache-2.0

// Package config loads a club node's TOML configuration file, following
// the same Core/Listen/Peer table layout dtn7-go's top-level
// configuration.go uses for its convergence layers.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/inetic/club/transport"
)

// Config is the parsed, validated configuration for one club node.
type Config struct {
	Core      CoreConfig
	Listen    ListenConfig
	Peer      []PeerConfig
	Discovery DiscoveryConfig
	Admin     AdminConfig
}

// CoreConfig describes the [core] table: this node's own identity and the
// retransmission cadence every link uses (spec4.6).
type CoreConfig struct {
	NodeID     string `toml:"node_id"`
	Retransmit string `toml:"retransmit"`
}

// ListenConfig describes the [listen] table: the local UDP address this
// node's links bind to and the MTU used to bound each outbound datagram.
type ListenConfig struct {
	Address string `toml:"address"`
	MTU     int    `toml:"mtu"`
}

// PeerConfig describes one [[peer]] table: a link to dial eagerly at
// startup, as opposed to one found later through discovery.
type PeerConfig struct {
	NodeID  string `toml:"node_id"`
	Address string `toml:"address"`
}

// DiscoveryConfig describes the [discovery] table.
type DiscoveryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
	IPv4     bool   `toml:"ipv4"`
	IPv6     bool   `toml:"ipv6"`
}

// AdminConfig describes the [admin] table: the optional read-only status
// HTTP surface.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

// Resolved is Config with its string fields parsed into the types the
// rest of the program actually wants.
type Resolved struct {
	NodeID            transport.UUID
	Retransmit        time.Duration
	Listen            ListenConfig
	Peers             []PeerConfig
	Discovery         DiscoveryConfig
	DiscoveryInterval time.Duration
	Admin             AdminConfig
}

// Load reads and validates the TOML configuration file at path.
func Load(path string) (Resolved, error) {
	var conf Config
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return Resolved{}, fmt.Errorf("config: %w", err)
	}
	return resolve(conf)
}

func resolve(conf Config) (Resolved, error) {
	if conf.Core.NodeID == "" {
		return Resolved{}, fmt.Errorf("config: core.node_id is empty")
	}
	nodeID, err := transport.ParseUUID(conf.Core.NodeID)
	if err != nil {
		return Resolved{}, fmt.Errorf("config: core.node_id: %w", err)
	}

	retransmit := 500 * time.Millisecond
	if conf.Core.Retransmit != "" {
		retransmit, err = time.ParseDuration(conf.Core.Retransmit)
		if err != nil {
			return Resolved{}, fmt.Errorf("config: core.retransmit: %w", err)
		}
	}

	if conf.Listen.Address == "" {
		return Resolved{}, fmt.Errorf("config: listen.address is empty")
	}
	if conf.Listen.MTU <= 0 {
		conf.Listen.MTU = 1200
	}

	interval := 10 * time.Second
	if conf.Discovery.Interval != "" {
		interval, err = time.ParseDuration(conf.Discovery.Interval)
		if err != nil {
			return Resolved{}, fmt.Errorf("config: discovery.interval: %w", err)
		}
	}
	for _, p := range conf.Peer {
		if _, err := transport.ParseUUID(p.NodeID); err != nil {
			return Resolved{}, fmt.Errorf("config: peer %q node_id: %w", p.Address, err)
		}
	}

	return Resolved{
		NodeID:            nodeID,
		Retransmit:        retransmit,
		Listen:            conf.Listen,
		Peers:             conf.Peer,
		Discovery:         conf.Discovery,
		DiscoveryInterval: interval,
		Admin:             conf.Admin,
	}, nil
}
