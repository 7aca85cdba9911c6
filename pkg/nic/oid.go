package nic

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/logging"
)

// Request codes understood by default processing.
const (
	OIDMaximumFrameSize    uint32 = 0x00010106
	OIDLinkSpeed           uint32 = 0x00010107
	OIDVendorDescription   uint32 = 0x0001010D
	OIDCurrentPacketFilter uint32 = 0x0001010E
	OIDPermanentAddress    uint32 = 0x01010101
	OIDCurrentAddress      uint32 = 0x01010102
)

// VendorDescription is reported for OIDVendorDescription.
const VendorDescription = "nicshim mock adapter"

// HandleRequest is the adapter's default processing of a configuration
// request. Query results are written to req.Info; a buffer that is too
// small gets BytesNeeded and StatusBufferTooSmall.
func (m *MockAdapter) HandleRequest(req *core.Request, class core.InterfaceClass) core.Status {
	atomic.AddUint64(&m.metrics.RequestsHandled, 1)
	status := m.handle(req)
	logging.Debugf("Adapter %s: default processing of %s -> %s", m.cfg.Name, req.Key(class), status)
	return status
}

func (m *MockAdapter) handle(req *core.Request) core.Status {
	switch req.Direction {
	case core.DirectionQuery:
		v, ok := m.query(req.Code)
		if !ok {
			return core.StatusNotSupported
		}
		if len(req.Info) < len(v) {
			req.BytesNeeded = len(v)
			return core.StatusBufferTooSmall
		}
		req.BytesWritten = copy(req.Info, v)
		return core.StatusSuccess

	case core.DirectionSet:
		if req.Code != OIDCurrentPacketFilter {
			return core.StatusNotSupported
		}
		if len(req.Info) < 4 {
			req.BytesNeeded = 4
			return core.StatusInvalidParameter
		}
		m.mu.Lock()
		m.packetFilter = binary.LittleEndian.Uint32(req.Info)
		m.mu.Unlock()
		return core.StatusSuccess
	}
	return core.StatusNotSupported
}

func (m *MockAdapter) query(code uint32) ([]byte, bool) {
	switch code {
	case OIDMaximumFrameSize:
		return binary.LittleEndian.AppendUint32(nil, uint32(m.cfg.MTU)), true
	case OIDLinkSpeed:
		// units of 100 bps
		return binary.LittleEndian.AppendUint32(nil, uint32(m.cfg.LinkSpeedMbps)*10000), true
	case OIDVendorDescription:
		return append([]byte(VendorDescription), 0), true
	case OIDCurrentPacketFilter:
		m.mu.Lock()
		defer m.mu.Unlock()
		return binary.LittleEndian.AppendUint32(nil, m.packetFilter), true
	case OIDPermanentAddress, OIDCurrentAddress:
		return append([]byte(nil), m.mac...), true
	}
	return nil, false
}
