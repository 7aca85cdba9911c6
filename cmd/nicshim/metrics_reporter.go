package main

import (
	"encoding/json"
	"runtime"
	"time"

	"github.com/irctrakz/nicshim/pkg/logging"
	"github.com/irctrakz/nicshim/pkg/nic"
	"github.com/irctrakz/nicshim/pkg/session"
	wg "github.com/irctrakz/nicshim/pkg/wireguard"
)

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	Adapter   map[string]uint64 `json:"adapter"`
	Capture   map[string]int    `json:"capture"`
	WG        map[string]uint64 `json:"wg,omitempty"`
	Peers     map[string]uint64 `json:"peers,omitempty"`
	RT        map[string]uint64 `json:"rt"`
}

func runMetricsReporter(sess *session.Session, adapter *nic.MockAdapter, link *wg.Link, dev wg.DeviceHandle, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		dumpMetrics(sess, adapter, link, dev)
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func buildSnapshot(sess *session.Session, adapter *nic.MockAdapter, link *wg.Link, dev wg.DeviceHandle, now time.Time) metricsSnapshot {
	am := adapter.Metrics()
	st := sess.Stats()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := metricsSnapshot{
		Timestamp: now.UTC().Format(time.RFC3339),
		Adapter: map[string]uint64{
			"frames_sent":      am.FramesSent,
			"frames_received":  am.FramesReceived,
			"frames_captured":  am.FramesCaptured,
			"frames_returned":  am.FramesReturned,
			"requests_handled": am.RequestsHandled,
			"requests_pended":  am.RequestsPended,
			"errors":           am.Errors,
		},
		Capture: map[string]int{
			"frames_captured":   st.Frames.Captured,
			"frames_pending":    st.Frames.Pending,
			"requests_pended":   st.Requests.Total(),
			"request_keys":      st.Requests.Keys,
			"watchdog_failures": st.Failures,
		},
		RT: map[string]uint64{
			"goroutines":  uint64(runtime.NumGoroutine()),
			"heap_alloc":  ms.HeapAlloc,
			"heap_inuse":  ms.HeapInuse,
			"num_gc":      uint64(ms.NumGC),
			"pause_total": ms.PauseTotalNs,
		},
	}
	if link != nil {
		lm := link.Metrics()
		snap.WG = map[string]uint64{
			"to_peer":         lm.FramesToPeer,
			"from_peer":       lm.FramesFromPeer,
			"non_ip_dropped":  lm.NonIPDropped,
			"queue_drops":     lm.QueueDrops,
			"full_bursts":     lm.FullBursts,
			"max_full_streak": lm.MaxFullStreak,
		}
	}
	if dev != nil {
		if peers, err := dev.Peers(); err == nil {
			snap.Peers = summarizePeers(peers, now)
		}
	}
	return snap
}

// summarizePeers counts peers whose last handshake is within the
// WireGuard rekey window.
func summarizePeers(peers []wg.PeerStatus, now time.Time) map[string]uint64 {
	const staleAfter = 180 * time.Second
	var fresh, rx, tx uint64
	for _, p := range peers {
		if !p.LastHandshake.IsZero() && now.Sub(p.LastHandshake) < staleAfter {
			fresh++
		}
		rx += p.RxBytes
		tx += p.TxBytes
	}
	return map[string]uint64{
		"peers":    uint64(len(peers)),
		"fresh":    fresh,
		"stale":    uint64(len(peers)) - fresh,
		"rx_bytes": rx,
		"tx_bytes": tx,
	}
}

func dumpMetrics(sess *session.Session, adapter *nic.MockAdapter, link *wg.Link, dev wg.DeviceHandle) {
	snap := buildSnapshot(sess, adapter, link, dev, time.Now())
	b, err := json.Marshal(snap)
	if err != nil {
		logging.Warnf("Metrics snapshot: %v", err)
		return
	}
	logging.Infof("metrics %s", b)
}
