package wireguard

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	wgdev "golang.zx2c4.com/wireguard/device"

	"github.com/irctrakz/nicshim/pkg/logging"
)

// DeviceHandle is a minimal lifecycle for the WireGuard device.
type DeviceHandle interface {
	Close() error
	// IpcGet returns the current device state in UAPI text form.
	IpcGet() (string, error)
	// Peers parses the current per-peer status.
	Peers() ([]PeerStatus, error)
}

type wgHandle struct {
	dev  *wgdev.Device
	stop chan struct{}
}

func (h *wgHandle) Close() error {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	h.dev.Close()
	return nil
}

func (h *wgHandle) IpcGet() (string, error) {
	return h.dev.IpcGet()
}

func (h *wgHandle) Peers() ([]PeerStatus, error) {
	state, err := h.dev.IpcGet()
	if err != nil {
		return nil, err
	}
	return ParsePeerStatus(state), nil
}

// PeerStatus is one peer's entry in the device state.
type PeerStatus struct {
	PublicKey     string // hex, as reported by UAPI
	Endpoint      string
	LastHandshake time.Time // zero if no handshake yet
	RxBytes       uint64
	TxBytes       uint64
}

// ParsePeerStatus extracts peer entries from UAPI IpcGet output.
func ParsePeerStatus(state string) []PeerStatus {
	var out []PeerStatus
	var cur *PeerStatus
	for _, line := range strings.Split(state, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if key == "public_key" {
			out = append(out, PeerStatus{PublicKey: val})
			cur = &out[len(out)-1]
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "endpoint":
			cur.Endpoint = val
		case "last_handshake_time_sec":
			if sec, err := strconv.ParseInt(val, 10, 64); err == nil && sec > 0 {
				cur.LastHandshake = time.Unix(sec, 0)
			}
		case "rx_bytes":
			cur.RxBytes, _ = strconv.ParseUint(val, 10, 64)
		case "tx_bytes":
			cur.TxBytes, _ = strconv.ParseUint(val, 10, 64)
		}
	}
	return out
}

func shortKey(k string) string {
	if len(k) > 16 {
		return k[:8] + "..." + k[len(k)-8:]
	}
	return k
}

func logPeerStatus(p PeerStatus) {
	handshake := "never"
	if !p.LastHandshake.IsZero() {
		handshake = time.Since(p.LastHandshake).Truncate(time.Second).String() + " ago"
	}
	logging.Infof("WireGuard peer %s: handshake=%s endpoint=%s transfer=rx:%d/tx:%d bytes",
		shortKey(p.PublicKey), handshake, p.Endpoint, p.RxBytes, p.TxBytes)
}

// monitorHandshakes periodically logs handshake status until stop closes.
func monitorHandshakes(h *wgHandle, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			peers, err := h.Peers()
			if err != nil {
				logging.Warnf("WireGuard handshake monitor: failed to get device state: %v", err)
				continue
			}
			for _, p := range peers {
				logPeerStatus(p)
			}
		}
	}
}

// StartDevice starts a wireguard-go device bound to cfg.ListenPort that
// exchanges plaintext through link.
func StartDevice(cfg DeviceConfig, link *Link) (DeviceHandle, error) {
	if link == nil {
		return nil, fmt.Errorf("nil link")
	}
	uapi, err := cfg.UAPI()
	if err != nil {
		return nil, err
	}

	wgLevel := wgdev.LogLevelError
	if logging.IsDebug() {
		wgLevel = wgdev.LogLevelVerbose
	}
	dev := wgdev.NewDevice(link, conn.NewDefaultBind(), wgdev.NewLogger(wgLevel, "[wg] "))

	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, fmt.Errorf("IpcSet: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("device up: %w", err)
	}
	logging.Infof("WireGuard device up on UDP :%d with %d peers", cfg.ListenPort, len(cfg.Peers))

	h := &wgHandle{dev: dev, stop: make(chan struct{})}
	if logging.IsDebug() {
		go monitorHandshakes(h, 30*time.Second)
	}
	return h, nil
}
