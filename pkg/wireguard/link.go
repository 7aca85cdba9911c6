// Package wireguard attaches a simulated adapter to a userspace WireGuard
// device so captured and released frames reach a real peer.
package wireguard

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/logging"
)

// DefaultQueueCap is the default depth of the queue towards the peer.
const DefaultQueueCap = 1024

var (
	// ErrClosed is returned by a closed link.
	ErrClosed = errors.New("wireguard link closed")
	// ErrQueueFull is returned when the queue towards the peer is full.
	ErrQueueFull = errors.New("wireguard link queue full")
)

// PeerMAC is the source address of frames indicated from the tunnel.
var PeerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0xfe}

// Event is a link state change delivered to wireguard-go.
type Event uint32

const (
	EventUp   Event = 1
	EventDown Event = 2
)

// Receiver is the adapter side of a link.
type Receiver interface {
	IndicateReceive(frame *core.Frame) error
	MAC() net.HardwareAddr
}

// LinkMetrics exposes counters for the plaintext exchange.
type LinkMetrics struct {
	FramesToPeer   uint64 // frames queued for the WireGuard device
	FramesFromPeer uint64 // packets indicated to the adapter
	NonIPDropped   uint64 // transmitted frames that carry no IP packet
	QueueDrops     uint64 // frames dropped due to a full queue
	FullBursts     uint64 // runs of consecutive queue-full drops
	MaxFullStreak  uint64 // longest run of queue-full drops
}

// Link is a userspace TUN for wireguard-go whose other side is a simulated
// adapter: frames the adapter transmits become plaintext packets read by
// the device, and packets written by the device are indicated as received
// frames.
type Link struct {
	name string
	mtu  int
	rx   Receiver
	log  *logrus.Entry

	outCh   chan []byte
	events  chan Event
	closed  chan struct{}
	closeMu sync.Mutex

	metrics    LinkMetrics
	fullStreak uint64
}

// NewLink creates a link with the given name and MTU delivering inbound
// packets to rx. queueCap <= 0 selects DefaultQueueCap.
func NewLink(name string, mtu, queueCap int, rx Receiver) *Link {
	if mtu <= 0 {
		mtu = 1420
	}
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	l := &Link{
		name:   name,
		mtu:    mtu,
		rx:     rx,
		log:    logging.WithFields(logrus.Fields{"component": "wireguard", "link": name}),
		outCh:  make(chan []byte, queueCap),
		events: make(chan Event, 2),
		closed: make(chan struct{}),
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		l.closeMu.Lock()
		defer l.closeMu.Unlock()
		select {
		case <-l.closed:
			return
		default:
		}
		select {
		case l.events <- EventUp:
		default:
		}
	}()
	return l
}

// Close shuts down the link and emits a Down event.
func (l *Link) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	select {
	case <-l.closed:
		return nil
	default:
	}
	close(l.closed)
	select {
	case l.events <- EventDown:
	default:
	}
	close(l.events)
	for {
		select {
		case <-l.outCh:
		default:
			return nil
		}
	}
}

// Transmit implements core.Medium. The IP packet inside an Ethernet frame
// is queued for the peer; frames without one are counted and dropped.
func (l *Link) Transmit(frame *core.Frame) error {
	pkt := gopacket.NewPacket(frame.Data(), layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		atomic.AddUint64(&l.metrics.NonIPDropped, 1)
		return nil
	}
	payload := eth.Payload
	switch eth.EthernetType {
	case layers.EthernetTypeIPv4:
		h, err := ipv4.ParseHeader(payload)
		if err != nil {
			atomic.AddUint64(&l.metrics.NonIPDropped, 1)
			return nil
		}
		// Strip Ethernet padding.
		if h.TotalLen >= h.Len && h.TotalLen < len(payload) {
			payload = payload[:h.TotalLen]
		}
		if logging.IsDebug() {
			l.log.WithFields(logrus.Fields{"src": h.Src, "dst": h.Dst, "proto": h.Protocol, "len": h.TotalLen}).Debug("Frame to peer")
		}
	case layers.EthernetTypeIPv6:
	default:
		atomic.AddUint64(&l.metrics.NonIPDropped, 1)
		return nil
	}
	return l.InjectToPeer(payload)
}

// InjectToPeer enqueues a plaintext IP packet to be read by the device.
func (l *Link) InjectToPeer(b []byte) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	cp := append([]byte(nil), b...)
	select {
	case l.outCh <- cp:
		atomic.AddUint64(&l.metrics.FramesToPeer, 1)
		atomic.StoreUint64(&l.fullStreak, 0)
		return nil
	default:
		atomic.AddUint64(&l.metrics.QueueDrops, 1)
		streak := atomic.AddUint64(&l.fullStreak, 1)
		if streak == 1 {
			atomic.AddUint64(&l.metrics.FullBursts, 1)
		}
		for {
			cur := atomic.LoadUint64(&l.metrics.MaxFullStreak)
			if streak <= cur || atomic.CompareAndSwapUint64(&l.metrics.MaxFullStreak, cur, streak) {
				break
			}
		}
		return ErrQueueFull
	}
}

// deliver wraps an IP packet from the device in Ethernet and indicates it.
func (l *Link) deliver(pkt []byte) error {
	var etype layers.EthernetType
	switch pkt[0] >> 4 {
	case 4:
		etype = layers.EthernetTypeIPv4
	case 6:
		etype = layers.EthernetTypeIPv6
	default:
		return nil
	}
	eth := &layers.Ethernet{
		SrcMAC:       PeerMAC,
		DstMAC:       l.rx.MAC(),
		EthernetType: etype,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(pkt)); err != nil {
		return fmt.Errorf("wrap packet: %w", err)
	}
	if err := l.rx.IndicateReceive(core.NewFrame(buf.Bytes())); err != nil {
		return err
	}
	atomic.AddUint64(&l.metrics.FramesFromPeer, 1)
	return nil
}

// Metrics returns a snapshot of counters.
func (l *Link) Metrics() LinkMetrics {
	return LinkMetrics{
		FramesToPeer:   atomic.LoadUint64(&l.metrics.FramesToPeer),
		FramesFromPeer: atomic.LoadUint64(&l.metrics.FramesFromPeer),
		NonIPDropped:   atomic.LoadUint64(&l.metrics.NonIPDropped),
		QueueDrops:     atomic.LoadUint64(&l.metrics.QueueDrops),
		FullBursts:     atomic.LoadUint64(&l.metrics.FullBursts),
		MaxFullStreak:  atomic.LoadUint64(&l.metrics.MaxFullStreak),
	}
}
