package wireguard

import (
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/dump"
)

var adapterMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}

// recordingReceiver keeps every indicated frame.
type recordingReceiver struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (r *recordingReceiver) IndicateReceive(frame *core.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, frame.Data())
	return nil
}

func (r *recordingReceiver) MAC() net.HardwareAddr { return adapterMAC }

func udpFrame(t *testing.T, payload string) []byte {
	t.Helper()
	b, err := dump.UDPFrame{
		SrcMAC:  adapterMAC,
		DstMAC:  PeerMAC,
		SrcIP:   net.IPv4(10, 0, 0, 2),
		DstIP:   net.IPv4(1, 1, 1, 1),
		SrcPort: 5000,
		DstPort: 53,
		Payload: []byte(payload),
	}.Build()
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	return b
}

func readOne(t *testing.T, l *Link) []byte {
	t.Helper()
	bufs := [][]byte{make([]byte, 2048)}
	sizes := make([]int, 1)
	done := make(chan []byte, 1)
	go func() {
		n, err := l.Read(bufs, sizes, 0)
		if err != nil || n == 0 {
			done <- nil
			return
		}
		done <- append([]byte(nil), bufs[0][:sizes[0]]...)
	}()
	select {
	case out := <-done:
		return out
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for link.Read")
		return nil
	}
}

func TestLinkTransmitStripsEthernet(t *testing.T) {
	l := NewLink("wg0", 1420, 4, &recordingReceiver{})
	defer l.Close()

	frame := udpFrame(t, "hello from the adapter side")
	if err := l.Transmit(core.NewFrame(frame)); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	out := readOne(t, l)
	if string(out) != string(frame[14:]) {
		t.Fatalf("peer got %x want %x", out, frame[14:])
	}
	if m := l.Metrics(); m.FramesToPeer != 1 {
		t.Fatalf("FramesToPeer=%d want 1", m.FramesToPeer)
	}
}

func TestLinkTransmitStripsPadding(t *testing.T) {
	l := NewLink("wg0", 1420, 4, &recordingReceiver{})
	defer l.Close()

	// Short frames are padded to the 60 byte Ethernet minimum.
	frame := udpFrame(t, "x")
	if len(frame) != 60 {
		t.Fatalf("frame len=%d want 60", len(frame))
	}
	if err := l.Transmit(core.NewFrame(frame)); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if out := readOne(t, l); len(out) != 20+8+1 {
		t.Fatalf("peer got %d bytes want %d", len(out), 20+8+1)
	}
}

func TestLinkDropsNonIP(t *testing.T) {
	l := NewLink("wg0", 1420, 4, &recordingReceiver{})
	defer l.Close()

	eth := &layers.Ethernet{SrcMAC: adapterMAC, DstMAC: PeerMAC, EthernetType: layers.EthernetTypeARP}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(make([]byte, 28))); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	for _, f := range [][]byte{buf.Bytes(), {0x01, 0x02}} {
		if err := l.Transmit(core.NewFrame(f)); err != nil {
			t.Fatalf("transmit: %v", err)
		}
	}
	if m := l.Metrics(); m.NonIPDropped != 2 || m.FramesToPeer != 0 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestLinkWriteIndicatesFrames(t *testing.T) {
	rx := &recordingReceiver{}
	l := NewLink("wg0", 1420, 4, rx)
	defer l.Close()

	ip := udpFrame(t, "a reply long enough to need no padding")[14:]
	n, err := l.Write([][]byte{append([]byte{0, 0}, ip...), {0x00}}, 2)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 1 {
		t.Fatalf("write count=%d want 1", n)
	}
	if len(rx.frames) != 1 {
		t.Fatalf("expected 1 indicated frame, got %d", len(rx.frames))
	}
	pkt := gopacket.NewPacket(rx.frames[0], layers.LayerTypeEthernet, gopacket.Default)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		t.Fatal("indicated frame has no Ethernet layer")
	}
	if eth.DstMAC.String() != adapterMAC.String() || eth.SrcMAC.String() != PeerMAC.String() {
		t.Fatalf("unexpected addresses %s > %s", eth.SrcMAC, eth.DstMAC)
	}
	if eth.EthernetType != layers.EthernetTypeIPv4 {
		t.Fatalf("ethertype=%s", eth.EthernetType)
	}
	if string(eth.Payload) != string(ip) {
		t.Fatal("payload mismatch")
	}
	if l.Metrics().FramesFromPeer != 1 {
		t.Fatal("expected FramesFromPeer=1")
	}

	rx.err = core.ErrNoMemory
	if _, err := l.Write([][]byte{ip}, 0); !errors.Is(err, core.ErrNoMemory) {
		t.Fatalf("expected ErrNoMemory, got %v", err)
	}
}

func TestLinkQueueFull(t *testing.T) {
	l := NewLink("wg0", 1420, 1, &recordingReceiver{})
	defer l.Close()

	if err := l.InjectToPeer([]byte{0x45}); err != nil {
		t.Fatalf("first inject: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := l.InjectToPeer([]byte{0x45}); !errors.Is(err, ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
	}
	m := l.Metrics()
	if m.QueueDrops != 3 || m.FullBursts != 1 || m.MaxFullStreak != 3 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestLinkClose(t *testing.T) {
	l := NewLink("wg0", 1420, 4, &recordingReceiver{})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := l.InjectToPeer([]byte{0x45}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := l.Read([][]byte{make([]byte, 16)}, []int{0}, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Read, got %v", err)
	}
	if name, _ := l.Name(); name != "wg0" {
		t.Fatalf("name=%q", name)
	}
}

func TestDeviceConfigUAPI(t *testing.T) {
	priv := base64.StdEncoding.EncodeToString(make([]byte, 32))
	pub := make([]byte, 32)
	pub[0] = 0xab
	cfg := DeviceConfigFrom(core.WireGuardConfig{
		PrivateKey: priv,
		ListenPort: 51820,
		Peers: []core.WireGuardPeer{{
			PublicKey:           base64.StdEncoding.EncodeToString(pub),
			AllowedIPs:          []string{"10.0.0.0/24"},
			Endpoint:            "192.0.2.1:51820",
			PersistentKeepalive: 25,
		}},
	})
	uapi, err := cfg.UAPI()
	if err != nil {
		t.Fatalf("uapi: %v", err)
	}
	for _, want := range []string{
		"private_key=" + strings.Repeat("0", 64) + "\n",
		"listen_port=51820\n",
		"replace_peers=true\n",
		"public_key=ab" + strings.Repeat("0", 62) + "\n",
		"allowed_ip=10.0.0.0/24\n",
		"endpoint=192.0.2.1:51820\n",
		"persistent_keepalive_interval=25\n",
	} {
		if !strings.Contains(uapi, want) {
			t.Errorf("uapi missing %q:\n%s", want, uapi)
		}
	}

	cfg.PrivateKey = "short"
	if _, err := cfg.UAPI(); err == nil {
		t.Fatal("expected error for invalid private key")
	}
}

func TestParsePeerStatus(t *testing.T) {
	state := strings.Join([]string{
		"private_key=00",
		"listen_port=51820",
		"public_key=aa",
		"endpoint=192.0.2.1:51820",
		"last_handshake_time_sec=1700000000",
		"rx_bytes=10",
		"tx_bytes=20",
		"public_key=bb",
		"last_handshake_time_sec=0",
		"",
	}, "\n")
	peers := ParsePeerStatus(state)
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].PublicKey != "aa" || peers[0].Endpoint != "192.0.2.1:51820" || peers[0].RxBytes != 10 || peers[0].TxBytes != 20 {
		t.Fatalf("unexpected first peer %+v", peers[0])
	}
	if !peers[0].LastHandshake.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("handshake=%v", peers[0].LastHandshake)
	}
	if !peers[1].LastHandshake.IsZero() {
		t.Fatal("second peer never handshook")
	}
	if got := shortKey(strings.Repeat("a", 8) + strings.Repeat("b", 10) + strings.Repeat("c", 8)); got != "aaaaaaaa...cccccccc" {
		t.Fatalf("shortKey=%q", got)
	}
}
