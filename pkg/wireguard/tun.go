package wireguard

import (
	"fmt"
	"os"

	wtun "golang.zx2c4.com/wireguard/tun"
)

var _ wtun.Device = (*Link)(nil)

// File returns nil; a Link is not backed by an os.File.
func (l *Link) File() *os.File { return nil }

// Name returns the interface name.
func (l *Link) Name() (string, error) { return l.name, nil }

// MTU returns the interface MTU.
func (l *Link) MTU() (int, error) { return l.mtu, nil }

// Read hands one queued packet to wireguard-go.
func (l *Link) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-l.closed:
		return 0, ErrClosed
	case pkt := <-l.outCh:
		if len(bufs) == 0 {
			return 0, nil
		}
		b := bufs[0]
		if offset >= len(b) {
			return 0, fmt.Errorf("offset beyond buffer")
		}
		n := copy(b[offset:], pkt)
		if len(sizes) > 0 {
			sizes[0] = n
		}
		return 1, nil
	}
}

// Write indicates every packet decrypted by wireguard-go on the adapter.
func (l *Link) Write(bufs [][]byte, offset int) (int, error) {
	sent := 0
	for _, b := range bufs {
		if offset >= len(b) {
			continue
		}
		if err := l.deliver(b[offset:]); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Events maps the internal event stream onto wireguard-go events.
func (l *Link) Events() <-chan wtun.Event {
	ch := make(chan wtun.Event, 2)
	go func() {
		for e := range l.events {
			switch e {
			case EventUp:
				ch <- wtun.EventUp
			case EventDown:
				ch <- wtun.EventDown
			}
		}
		close(ch)
	}()
	return ch
}

// BatchSize returns 1; the link moves one packet per call.
func (l *Link) BatchSize() int { return 1 }
