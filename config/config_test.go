// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "club.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfig(t, `
[core]
node_id = "f47ac10b-58cc-4372-a567-0e02b2c3d479"

[listen]
address = "0.0.0.0:7777"
`)

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.Listen.MTU != 1200 {
		t.Fatalf("MTU default = %d, want 1200", conf.Listen.MTU)
	}
	if conf.Retransmit.String() != "500ms" {
		t.Fatalf("Retransmit default = %v, want 500ms", conf.Retransmit)
	}
}

func TestLoadRejectsMissingNodeID(t *testing.T) {
	path := writeConfig(t, `
[listen]
address = "0.0.0.0:7777"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a missing core.node_id")
	}
}

func TestLoadRejectsBadNodeID(t *testing.T) {
	path := writeConfig(t, `
[core]
node_id = "not-a-uuid"

[listen]
address = "0.0.0.0:7777"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a malformed core.node_id")
	}
}

func TestLoadRejectsMissingListenAddress(t *testing.T) {
	path := writeConfig(t, `
[core]
node_id = "f47ac10b-58cc-4372-a567-0e02b2c3d479"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a missing listen.address")
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[core]
node_id = "f47ac10b-58cc-4372-a567-0e02b2c3d479"
retransmit = "250ms"

[listen]
address = "0.0.0.0:7777"
mtu = 2048

[[peer]]
node_id = "2e2e2e2e-58cc-4372-a567-0e02b2c3d479"
address = "10.0.0.2:7777"

[discovery]
enabled = true
interval = "5s"
ipv4 = true

[admin]
enabled = true
address = "127.0.0.1:8080"
`)

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(conf.Peers) != 1 || conf.Peers[0].Address != "10.0.0.2:7777" {
		t.Fatalf("Peers = %+v", conf.Peers)
	}
	if !conf.Discovery.Enabled || conf.DiscoveryInterval.String() != "5s" {
		t.Fatalf("Discovery = %+v, interval = %v", conf.Discovery, conf.DiscoveryInterval)
	}
	if !conf.Admin.Enabled || conf.Admin.Address != "127.0.0.1:8080" {
		t.Fatalf("Admin = %+v", conf.Admin)
	}
}
