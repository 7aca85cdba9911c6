package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/dump"
	"github.com/irctrakz/nicshim/pkg/framecap"
	"github.com/irctrakz/nicshim/pkg/nic"
	"github.com/irctrakz/nicshim/pkg/pattern"
	"github.com/irctrakz/nicshim/pkg/reqcap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	reg     *Registry
	adapter *nic.MockAdapter
	sess    *Session
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	a, err := nic.NewMockAdapter(core.AdapterConfig{Name: "nic0", MTU: 1500})
	require.NoError(t, err)
	clk := &fakeClock{now: time.Unix(10000, 0)}
	reg := NewRegistry()
	s, err := reg.Open(a, Config{Clock: clk, ManualWatchdog: true})
	require.NoError(t, err)
	a.SetHooks(s)
	t.Cleanup(s.Close)
	return &fixture{reg: reg, adapter: a, sess: s, clock: clk}
}

func TestOneSessionPerAdapter(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.Open(f.adapter, Config{ManualWatchdog: true})
	assert.True(t, errors.Is(err, core.ErrTooManySessions))

	got, ok := f.reg.Get("nic0")
	require.True(t, ok)
	assert.Same(t, f.sess, got)
	assert.Equal(t, []string{"nic0"}, f.reg.Adapters())

	f.sess.Close()
	_, ok = f.reg.Get("nic0")
	assert.False(t, ok)

	s2, err := f.reg.Open(f.adapter, Config{ManualWatchdog: true})
	require.NoError(t, err)
	s2.Close()
}

func TestFrameCaptureThroughAdapter(t *testing.T) {
	f := newFixture(t)
	p := pattern.At(10, []byte{0xAB})
	require.NoError(t, f.sess.SetFrameFilter(p.Pattern, p.Mask))

	data := make([]byte, 20)
	data[10] = 0xAB
	require.NoError(t, f.adapter.Send(core.NewFrame(data)))
	require.NoError(t, f.adapter.Send(core.NewFrame(make([]byte, 20))))
	assert.Len(t, f.adapter.SentFrames(), 1, "only the non-matching frame is transmitted")
	f.adapter.ClearSentFrames()

	need, err := f.sess.GetFrame(0, 0, nil)
	require.True(t, errors.Is(err, core.ErrMoreData))
	out := make([]byte, need)
	_, err = f.sess.GetFrame(0, 0, out)
	require.NoError(t, err)
	d, err := framecap.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), d.Header.BufferCount)
	assert.Equal(t, data, d.Data())

	require.NoError(t, f.sess.DequeueFrame(0))
	require.NoError(t, f.sess.FlushDequeuedFrames())
	assert.Equal(t, [][]byte{data}, f.adapter.SentFrames())

	_, err = f.sess.GetFrame(0, 0, nil)
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.True(t, errors.Is(f.sess.FlushDequeuedFrames(), core.ErrNotFound))
}

func TestClearingFrameFilterReturnsFrames(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.SetFrameFilter([]byte{0x01}, []byte{0xFF}))
	require.NoError(t, f.adapter.Send(core.NewFrame([]byte{0x01, 2})))
	require.NoError(t, f.adapter.Send(core.NewFrame([]byte{0x01, 3})))
	require.NoError(t, f.sess.DequeueFrame(1))

	require.NoError(t, f.sess.SetFrameFilter(nil, nil))
	assert.Len(t, f.adapter.SentFrames(), 2)
	assert.Equal(t, uint64(2), f.adapter.Metrics().FramesReturned)
}

func TestFlushAllFrames(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.SetFrameFilter([]byte{0x01}, []byte{0xFF}))
	require.NoError(t, f.adapter.Send(core.NewFrame([]byte{0x01})))
	require.NoError(t, f.adapter.Send(core.NewFrame([]byte{0x01})))
	require.NoError(t, f.sess.DequeueFrame(0))

	require.NoError(t, f.sess.FlushAllFrames())
	assert.Len(t, f.adapter.SentFrames(), 2)
	assert.True(t, f.sess.Stats().Frames.FilterActive)
}

func TestRequestCaptureThroughAdapter(t *testing.T) {
	f := newFixture(t)
	key := core.RequestKey{Code: nic.OIDMaximumFrameSize, Direction: core.DirectionQuery, Interface: core.InterfaceRegular}
	require.NoError(t, f.sess.SetRequestFilter([]core.RequestKey{key}))

	req := core.NewRequest(nic.OIDMaximumFrameSize, core.DirectionQuery, 0, []byte{0xAA}, 4, nil)
	assert.Equal(t, core.VerdictPending, f.adapter.SubmitRequest(req, core.InterfaceRegular))

	res, err := f.sess.CompleteRequest(key, core.StatusFallThrough, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, res.Status)
	assert.Equal(t, []byte{0xAA, 0, 0, 0}, res.Info, "captured bytes are returned")
	assert.Equal(t, uint32(1500), binary.LittleEndian.Uint32(req.Output()), "default processing ran")
}

func TestWatchdogReclaimsBoth(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.SetFrameFilter([]byte{0x01}, []byte{0xFF}))
	key := core.RequestKey{Code: nic.OIDLinkSpeed, Direction: core.DirectionQuery, Interface: core.InterfaceDirect}
	require.NoError(t, f.sess.SetRequestFilter([]core.RequestKey{key}))

	require.NoError(t, f.adapter.Send(core.NewFrame([]byte{0x01})))
	req := core.NewRequest(nic.OIDLinkSpeed, core.DirectionQuery, 0, nil, 4, nil)
	f.adapter.SubmitRequest(req, core.InterfaceDirect)

	f.clock.Advance(time.Second)
	assert.Empty(t, f.sess.WatchdogTick())

	f.clock.Advance(framecap.DefaultGracePeriod)
	failures := f.sess.WatchdogTick()
	require.Len(t, failures, 2)
	assert.Equal(t, framecap.Name, failures[0].Name)
	assert.Equal(t, reqcap.Name, failures[1].Name)
	assert.Equal(t, f.clock.Now(), failures[0].At)

	_, err := f.sess.GetFrame(0, 0, nil)
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.Len(t, f.adapter.SentFrames(), 1)
	_, done := req.Completed()
	assert.True(t, done)

	st := f.sess.Stats()
	assert.False(t, st.Frames.FilterActive)
	assert.False(t, st.Requests.FilterActive)
	assert.Equal(t, 2, st.Failures)
	assert.Equal(t, failures, f.sess.Failures())
}

func TestCloseDrainsCaptures(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.SetFrameFilter([]byte{0x01}, []byte{0xFF}))
	key := core.RequestKey{Code: 7, Direction: core.DirectionSet, Interface: core.InterfaceSynchronous}
	require.NoError(t, f.sess.SetRequestFilter([]core.RequestKey{key}))

	require.NoError(t, f.adapter.Send(core.NewFrame([]byte{0x01})))
	req := core.NewRequest(7, core.DirectionSet, 0, nil, 4, nil)
	f.adapter.SubmitRequest(req, core.InterfaceSynchronous)

	assert.NotPanics(t, f.sess.Close)
	assert.Len(t, f.adapter.SentFrames(), 1)
	st, done := req.Completed()
	assert.True(t, done)
	assert.Equal(t, core.StatusNotSupported, st)

	assert.Equal(t, core.VerdictPass, f.sess.EvaluateSend(core.NewFrame([]byte{0x01})))
	assert.NotPanics(t, f.sess.Close)
}

func TestInjectFrame(t *testing.T) {
	f := newFixture(t)
	received := make(chan []byte, 1)
	f.adapter.SetFrameProcessor(processorFunc(func(fr *core.Frame) error {
		received <- fr.Data()
		return nil
	}))
	require.NoError(t, f.adapter.Start())
	defer f.adapter.Stop()

	require.NoError(t, f.sess.InjectFrame([]byte{1, 2, 3}, 0))
	select {
	case got := <-received:
		assert.Equal(t, []byte{1, 2, 3}, got)
	case <-time.After(time.Second):
		t.Fatal("injected frame not indicated")
	}

	assert.True(t, errors.Is(f.sess.InjectFrame(nil, 0), core.ErrInvalidParameter))
}

func TestExportPCAP(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.SetFrameFilter([]byte{0x01}, []byte{0xFF}))
	require.NoError(t, f.adapter.Send(core.NewFrame([]byte{0x01, 0x02})))

	var buf bytes.Buffer
	require.NoError(t, f.sess.ExportPCAP(&buf))
	recs, err := dump.ReadPCAP(&buf)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte{0x01, 0x02}, recs[0].Data)
}

type processorFunc func(*core.Frame) error

func (p processorFunc) ProcessFrame(f *core.Frame) error { return p(f) }
