// Package dump renders captured frames for people: one-line summaries for
// logs and pcap files for packet analysers.
package dump

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// SnapLen is the snapshot length written to pcap file headers.
const SnapLen = 65535

// Record is one frame to export.
type Record struct {
	Timestamp time.Time
	Data      []byte
}

// Summarize describes an Ethernet frame in one line, e.g.
// "02:00:00:00:00:01 > ff:ff:ff:ff:ff:ff IPv4 10.0.0.1:5000 > 10.0.0.2:53 UDP len=60".
func Summarize(data []byte) string {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	var sb strings.Builder
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return fmt.Sprintf("non-ethernet len=%d", len(data))
	}
	fmt.Fprintf(&sb, "%s > %s %s", eth.SrcMAC, eth.DstMAC, eth.EthernetType)

	var src, dst string
	if ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		src, dst = ip4.SrcIP.String(), ip4.DstIP.String()
	} else if ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		src, dst = ip6.SrcIP.String(), ip6.DstIP.String()
	}

	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		fmt.Fprintf(&sb, " %s > %s TCP", net.JoinHostPort(src, fmt.Sprint(uint16(tcp.SrcPort))), net.JoinHostPort(dst, fmt.Sprint(uint16(tcp.DstPort))))
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		fmt.Fprintf(&sb, " %s > %s UDP", net.JoinHostPort(src, fmt.Sprint(uint16(udp.SrcPort))), net.JoinHostPort(dst, fmt.Sprint(uint16(udp.DstPort))))
	case src != "":
		fmt.Fprintf(&sb, " %s > %s", src, dst)
	}
	fmt.Fprintf(&sb, " len=%d", len(data))
	return sb.String()
}

// WritePCAP writes records as an Ethernet pcap stream.
func WritePCAP(w io.Writer, records []Record) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(SnapLen, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	for i, r := range records {
		ci := gopacket.CaptureInfo{
			Timestamp:     r.Timestamp,
			CaptureLength: len(r.Data),
			Length:        len(r.Data),
		}
		if err := pw.WritePacket(ci, r.Data); err != nil {
			return fmt.Errorf("write pcap record %d: %w", i, err)
		}
	}
	return nil
}

// ReadPCAP reads every record of an Ethernet pcap stream.
func ReadPCAP(r io.Reader) ([]Record, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}
	var out []Record
	for {
		data, ci, err := pr.ReadPacketData()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read pcap record %d: %w", len(out), err)
		}
		out = append(out, Record{Timestamp: ci.Timestamp, Data: data})
	}
}

// UDPFrame describes a synthetic Ethernet/IPv4/UDP frame.
type UDPFrame struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Payload          []byte
}

// Build serializes the frame with valid lengths and checksums.
func (f UDPFrame) Build() ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       f.SrcMAC,
		DstMAC:       f.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    f.SrcIP.To4(),
		DstIP:    f.DstIP.To4(),
	}
	if ip.SrcIP == nil || ip.DstIP == nil {
		return nil, fmt.Errorf("udp frame needs IPv4 addresses, got %v > %v", f.SrcIP, f.DstIP)
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(f.SrcPort),
		DstPort: layers.UDPPort(f.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(f.Payload)); err != nil {
		return nil, fmt.Errorf("serialize udp frame: %w", err)
	}
	return buf.Bytes(), nil
}
