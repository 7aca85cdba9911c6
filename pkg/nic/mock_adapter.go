// Package nic provides a userspace mock network adapter that plays the
// driver under test: it has a send path, a receive indication path and a
// configuration request path, each with a capture hook.
package nic

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/dump"
	"github.com/irctrakz/nicshim/pkg/logging"
)

// Hooks are the capture entry points a session installs on an adapter.
type Hooks interface {
	EvaluateSend(frame *core.Frame) core.Verdict
	EvaluateRequest(req *core.Request, class core.InterfaceClass) core.Verdict
}

// MockAdapter is a mock implementation of core.Driver for testing that
// doesn't require kernel access or elevated privileges.
type MockAdapter struct {
	cfg core.AdapterConfig
	mac net.HardwareAddr

	medium    core.Medium
	processor core.FrameProcessor
	hooks     Hooks

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	rxCh    chan *core.Frame
	metrics core.AdapterMetrics

	mu           sync.Mutex
	framesSent   [][]byte
	packetFilter uint32
}

// NewMockAdapter creates a new mock adapter.
func NewMockAdapter(cfg core.AdapterConfig) (*MockAdapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("adapter name is required: %w", core.ErrInvalidParameter)
	}
	if cfg.MTU <= 0 {
		cfg.MTU = 1500
	}
	if cfg.ReceiveQueue <= 0 {
		cfg.ReceiveQueue = 100
	}
	if cfg.MAC == "" {
		cfg.MAC = "02:00:00:00:00:01"
	}
	mac, err := net.ParseMAC(cfg.MAC)
	if err != nil {
		return nil, fmt.Errorf("adapter %s mac %q: %w", cfg.Name, cfg.MAC, core.ErrInvalidParameter)
	}
	return &MockAdapter{
		cfg:    cfg,
		mac:    mac,
		stopCh: make(chan struct{}),
		rxCh:   make(chan *core.Frame, cfg.ReceiveQueue),
	}, nil
}

// Name returns the name of the adapter.
func (m *MockAdapter) Name() string {
	return m.cfg.Name
}

// MTU returns the Maximum Transmission Unit of the adapter.
func (m *MockAdapter) MTU() int {
	return m.cfg.MTU
}

// MAC returns the adapter's hardware address.
func (m *MockAdapter) MAC() net.HardwareAddr {
	return m.mac
}

// SetMedium sets where transmitted frames go.
func (m *MockAdapter) SetMedium(medium core.Medium) {
	m.mu.Lock()
	m.medium = medium
	m.mu.Unlock()
}

// SetFrameProcessor sets the consumer of receive indications.
func (m *MockAdapter) SetFrameProcessor(processor core.FrameProcessor) {
	m.mu.Lock()
	m.processor = processor
	m.mu.Unlock()
}

// SetHooks installs capture hooks. nil removes them.
func (m *MockAdapter) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

func (m *MockAdapter) currentHooks() Hooks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hooks
}

// Send is the adapter's send path. A frame captured by the send hook is
// held until it comes back through ReturnFrames.
func (m *MockAdapter) Send(frame *core.Frame) error {
	if h := m.currentHooks(); h != nil && h.EvaluateSend(frame) == core.VerdictPending {
		atomic.AddUint64(&m.metrics.FramesCaptured, 1)
		return nil
	}
	return m.transmit(frame)
}

// ReturnFrames resumes send processing of frames released by a capture.
func (m *MockAdapter) ReturnFrames(frames []*core.Frame) {
	for _, f := range frames {
		atomic.AddUint64(&m.metrics.FramesReturned, 1)
		if err := m.transmit(f); err != nil {
			logging.Warnf("Adapter %s: returned frame not transmitted: %v", m.cfg.Name, err)
		}
	}
}

func (m *MockAdapter) transmit(frame *core.Frame) error {
	data := make([]byte, 0, frame.Length())
	for _, b := range frame.Buffers {
		data = append(data, b.Data()...)
	}

	m.mu.Lock()
	m.framesSent = append(m.framesSent, data)
	medium := m.medium
	m.mu.Unlock()

	atomic.AddUint64(&m.metrics.FramesSent, 1)
	if m.cfg.Debug {
		logging.Debugf("Adapter %s sent %s", m.cfg.Name, dump.Summarize(data))
	}

	if medium != nil {
		if err := medium.Transmit(core.NewFrame(data)); err != nil {
			atomic.AddUint64(&m.metrics.Errors, 1)
			return fmt.Errorf("transmit: %w", err)
		}
	}
	return nil
}

// SubmitRequest is the adapter's request path. A request the hook does
// not pend is completed with default processing.
func (m *MockAdapter) SubmitRequest(req *core.Request, class core.InterfaceClass) core.Verdict {
	if h := m.currentHooks(); h != nil && h.EvaluateRequest(req, class) == core.VerdictPending {
		atomic.AddUint64(&m.metrics.RequestsPended, 1)
		return core.VerdictPending
	}
	req.Complete(m.HandleRequest(req, class))
	return core.VerdictPass
}

// Start starts the receive loop.
func (m *MockAdapter) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("adapter %s already running", m.cfg.Name)
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.readLoop(m.stopCh)

	logging.Infof("Mock adapter started: %s (mac %s, mtu %d)", m.cfg.Name, m.mac, m.cfg.MTU)
	return nil
}

// Stop stops the receive loop.
func (m *MockAdapter) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Infof("Mock adapter stopped: %s", m.cfg.Name)
	return nil
}

// Metrics returns a snapshot of the adapter counters.
func (m *MockAdapter) Metrics() core.AdapterMetrics {
	return core.AdapterMetrics{
		FramesSent:      atomic.LoadUint64(&m.metrics.FramesSent),
		FramesReceived:  atomic.LoadUint64(&m.metrics.FramesReceived),
		FramesCaptured:  atomic.LoadUint64(&m.metrics.FramesCaptured),
		FramesReturned:  atomic.LoadUint64(&m.metrics.FramesReturned),
		RequestsHandled: atomic.LoadUint64(&m.metrics.RequestsHandled),
		RequestsPended:  atomic.LoadUint64(&m.metrics.RequestsPended),
		Errors:          atomic.LoadUint64(&m.metrics.Errors),
	}
}

func (m *MockAdapter) readLoop(stop <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case frame := <-m.rxCh:
			atomic.AddUint64(&m.metrics.FramesReceived, 1)

			m.mu.Lock()
			processor := m.processor
			m.mu.Unlock()
			if processor == nil {
				continue
			}
			if err := processor.ProcessFrame(frame); err != nil {
				logging.Errorf("Adapter %s: failed to process received frame: %v", m.cfg.Name, err)
				atomic.AddUint64(&m.metrics.Errors, 1)
			}
		}
	}
}

// IndicateReceive queues a frame for delivery up the stack as if the
// hardware had received it.
func (m *MockAdapter) IndicateReceive(frame *core.Frame) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return fmt.Errorf("adapter %s not running", m.cfg.Name)
	}

	cp := core.NewFrame(frame.Data())
	cp.Queue = frame.Queue
	cp.Meta = frame.Meta

	select {
	case m.rxCh <- cp:
		if m.cfg.Debug {
			logging.Debugf("Adapter %s indicated %s", m.cfg.Name, dump.Summarize(cp.Data()))
		}
		return nil
	default:
		atomic.AddUint64(&m.metrics.Errors, 1)
		return fmt.Errorf("adapter %s receive queue full: %w", m.cfg.Name, core.ErrNoMemory)
	}
}

// SentFrames returns copies of every frame that left the send path.
func (m *MockAdapter) SentFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, len(m.framesSent))
	for i, f := range m.framesSent {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// ClearSentFrames forgets the frames recorded by SentFrames.
func (m *MockAdapter) ClearSentFrames() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesSent = nil
}
