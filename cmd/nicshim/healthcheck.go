package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/dump"
	"github.com/irctrakz/nicshim/pkg/framecap"
	"github.com/irctrakz/nicshim/pkg/logging"
	"github.com/irctrakz/nicshim/pkg/nic"
	"github.com/irctrakz/nicshim/pkg/pattern"
	"github.com/irctrakz/nicshim/pkg/session"
)

const (
	selfTestTxID = 0xBEEF
	// Offset of the DNS transaction id in an untagged Ethernet/IPv4/UDP frame.
	dnsIDOffset = 14 + 20 + 8
)

// buildDNSQuery builds an A query for name.
func buildDNSQuery(id uint16, name string) ([]byte, error) {
	dns := &layers.DNS{
		ID: id,
		RD: true,
		Questions: []layers.DNSQuestion{{
			Name:  []byte(name),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, dns); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// runSelfTest drives one frame and one request through capture and
// release on a freshly opened session.
func runSelfTest(sess *session.Session, adapter *nic.MockAdapter) error {
	query, err := buildDNSQuery(selfTestTxID, "example.com")
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	probe, err := dump.UDPFrame{
		SrcMAC:  adapter.MAC(),
		DstMAC:  net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		SrcIP:   net.IPv4(10, 0, 0, 2),
		DstIP:   net.IPv4(10, 0, 0, 1),
		SrcPort: 40053,
		DstPort: 53,
		Payload: query,
	}.Build()
	if err != nil {
		return err
	}

	f := pattern.At(dnsIDOffset, binary.BigEndian.AppendUint16(nil, selfTestTxID))
	if err := sess.SetFrameFilter(f.Pattern, f.Mask); err != nil {
		return fmt.Errorf("set frame filter: %w", err)
	}
	defer sess.SetFrameFilter(nil, nil)

	if err := adapter.Send(core.NewFrame(probe)); err != nil {
		return fmt.Errorf("send probe: %w", err)
	}
	need, err := sess.GetFrame(0, 0, nil)
	if !errors.Is(err, core.ErrMoreData) {
		return fmt.Errorf("probe not captured: %v", err)
	}
	block := make([]byte, need)
	if _, err := sess.GetFrame(0, 0, block); err != nil {
		return fmt.Errorf("get frame: %w", err)
	}
	d, err := framecap.Decode(block)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if !bytes.Equal(d.Data(), probe) {
		return fmt.Errorf("captured frame differs from probe")
	}
	logging.Infof("Self-test captured %s", dump.Summarize(d.Data()))
	if err := sess.DequeueFrame(0); err != nil {
		return fmt.Errorf("dequeue frame: %w", err)
	}
	if err := sess.FlushDequeuedFrames(); err != nil {
		return fmt.Errorf("flush frames: %w", err)
	}

	key := core.RequestKey{Code: nic.OIDMaximumFrameSize, Direction: core.DirectionQuery, Interface: core.InterfaceRegular}
	if err := sess.SetRequestFilter([]core.RequestKey{key}); err != nil {
		return fmt.Errorf("set request filter: %w", err)
	}
	defer sess.SetRequestFilter(nil)

	req := core.NewRequest(key.Code, key.Direction, 0, nil, 4, nil)
	if v := adapter.SubmitRequest(req, key.Interface); v != core.VerdictPending {
		return fmt.Errorf("request not pended: %v", v)
	}
	res, err := sess.CompleteRequest(key, core.StatusFallThrough, nil)
	if err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	if res.Status != core.StatusSuccess {
		return fmt.Errorf("default processing returned %v", res.Status)
	}
	if got := binary.LittleEndian.Uint32(req.Output()); got != uint32(adapter.MTU()) {
		return fmt.Errorf("default processing reported MTU %d, want %d", got, adapter.MTU())
	}
	return nil
}
