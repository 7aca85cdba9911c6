package core

import (
	"testing"
)

// TestAdapterConfig tests the AdapterConfig structure.
func TestAdapterConfig(t *testing.T) {
	config := AdapterConfig{
		Name:          "nic0",
		MTU:           1500,
		MAC:           "02:00:00:00:00:01",
		LinkSpeedMbps: 10000,
		Debug:         true,
	}

	if config.Name != "nic0" {
		t.Errorf("Expected Name to be 'nic0', got '%s'", config.Name)
	}

	if config.MTU != 1500 {
		t.Errorf("Expected MTU to be 1500, got %d", config.MTU)
	}

	if config.MAC != "02:00:00:00:00:01" {
		t.Errorf("Expected MAC to be '02:00:00:00:00:01', got '%s'", config.MAC)
	}

	if !config.Debug {
		t.Errorf("Expected Debug to be true, got %v", config.Debug)
	}
}

// TestWireGuardConfig tests the WireGuardConfig structure.
func TestWireGuardConfig(t *testing.T) {
	config := WireGuardConfig{
		Enabled:    true,
		PrivateKey: "private-key",
		ListenPort: 51820,
		Peers: []WireGuardPeer{
			{
				PublicKey:           "public-key-1",
				AllowedIPs:          []string{"192.168.1.0/24"},
				Endpoint:            "192.168.1.2:51820",
				PersistentKeepalive: 25,
			},
		},
	}

	if config.ListenPort != 51820 {
		t.Errorf("Expected ListenPort to be 51820, got %d", config.ListenPort)
	}

	if len(config.Peers) != 1 {
		t.Fatalf("Expected 1 peer, got %d", len(config.Peers))
	}

	peer := config.Peers[0]
	if len(peer.AllowedIPs) != 1 || peer.AllowedIPs[0] != "192.168.1.0/24" {
		t.Errorf("Expected AllowedIPs to be ['192.168.1.0/24'], got %v", peer.AllowedIPs)
	}

	if peer.PersistentKeepalive != 25 {
		t.Errorf("Expected PersistentKeepalive to be 25, got %d", peer.PersistentKeepalive)
	}
}
