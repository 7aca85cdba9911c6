package dump

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(t *testing.T) []byte {
	t.Helper()
	b, err := UDPFrame{
		SrcMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:  net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		SrcIP:   net.IPv4(10, 0, 0, 1),
		DstIP:   net.IPv4(10, 0, 0, 2),
		SrcPort: 5000,
		DstPort: 53,
		Payload: []byte("test packet data 0123"),
	}.Build()
	require.NoError(t, err)
	return b
}

func TestBuildUDPFrame(t *testing.T) {
	b := testFrame(t)
	assert.Len(t, b, 14+20+8+21)
	assert.Equal(t, []byte{0x08, 0x00}, b[12:14], "ethertype IPv4")
	assert.Equal(t, byte(17), b[14+9], "protocol UDP")

	_, err := UDPFrame{SrcIP: net.ParseIP("::1"), DstIP: net.IPv4(1, 1, 1, 1)}.Build()
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	s := Summarize(testFrame(t))
	assert.Equal(t, "02:00:00:00:00:01 > ff:ff:ff:ff:ff:ff IPv4 10.0.0.1:5000 > 10.0.0.2:53 UDP len=63", s)

	assert.Contains(t, Summarize([]byte{1, 2, 3}), "len=3")
}

func TestPCAPRoundTrip(t *testing.T) {
	frame := testFrame(t)
	ts := time.Unix(1700000000, 123000).UTC()

	var buf bytes.Buffer
	require.NoError(t, WritePCAP(&buf, []Record{
		{Timestamp: ts, Data: frame},
		{Timestamp: ts.Add(time.Second), Data: []byte{1, 2, 3}},
	}))

	recs, err := ReadPCAP(&buf)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, frame, recs[0].Data)
	assert.True(t, ts.Equal(recs[0].Timestamp))
	assert.Equal(t, []byte{1, 2, 3}, recs[1].Data)
}
