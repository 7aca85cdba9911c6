package wireguard

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/irctrakz/nicshim/pkg/core"
)

// PeerConfig holds a single WireGuard peer configuration.
type PeerConfig struct {
	PublicKey              string   // base64
	AllowedIPs             []string // CIDRs
	Endpoint               string   // host:port
	PersistentKeepaliveSec int      // optional
}

// DeviceConfig holds the WireGuard device configuration.
type DeviceConfig struct {
	ListenPort int
	PrivateKey string // base64
	MTU        int    // plaintext MTU of the link
	Peers      []PeerConfig
}

// DeviceConfigFrom converts the daemon's WireGuard section.
func DeviceConfigFrom(c core.WireGuardConfig) DeviceConfig {
	d := DeviceConfig{
		ListenPort: c.ListenPort,
		PrivateKey: c.PrivateKey,
		MTU:        c.MTU,
	}
	for _, p := range c.Peers {
		d.Peers = append(d.Peers, PeerConfig{
			PublicKey:              p.PublicKey,
			AllowedIPs:             p.AllowedIPs,
			Endpoint:               p.Endpoint,
			PersistentKeepaliveSec: p.PersistentKeepalive,
		})
	}
	return d
}

// keyHex converts a base64 key to the hex form UAPI expects. Keys that are
// not base64 of 32 bytes are assumed to be hex already.
func keyHex(k string) string {
	k = strings.TrimSpace(k)
	if raw, err := base64.StdEncoding.DecodeString(k); err == nil && len(raw) == 32 {
		return hex.EncodeToString(raw)
	}
	return k
}

// UAPI renders the configuration in wireguard-go's IpcSet text form.
func (c DeviceConfig) UAPI() (string, error) {
	rawPriv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.PrivateKey))
	if err != nil || len(rawPriv) != 32 {
		return "", fmt.Errorf("invalid private key: must be base64 of 32 bytes")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "private_key=%s\nlisten_port=%d\nreplace_peers=true\n", hex.EncodeToString(rawPriv), c.ListenPort)
	for _, p := range c.Peers {
		fmt.Fprintf(&sb, "public_key=%s\n", keyHex(p.PublicKey))
		for _, ip := range p.AllowedIPs {
			fmt.Fprintf(&sb, "allowed_ip=%s\n", ip)
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&sb, "endpoint=%s\n", p.Endpoint)
		}
		if p.PersistentKeepaliveSec > 0 {
			fmt.Fprintf(&sb, "persistent_keepalive_interval=%d\n", p.PersistentKeepaliveSec)
		}
	}
	return sb.String(), nil
}
