package reqcap

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/nicshim/pkg/core"
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

// defaultHandler answers every request with a fixed status and records the
// calls it receives.
type defaultHandler struct {
	mu     sync.Mutex
	status core.Status
	calls  []core.RequestKey
}

func (h *defaultHandler) HandleRequest(req *core.Request, class core.InterfaceClass) core.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, req.Key(class))
	req.BytesWritten = copy(req.Info, []byte("default"))
	return h.status
}

func (h *defaultHandler) Calls() []core.RequestKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]core.RequestKey(nil), h.calls...)
}

func newCapture(t *testing.T) (*RequestCapture, *defaultHandler, *fakeClock) {
	t.Helper()
	h := &defaultHandler{status: core.StatusSuccess}
	clk := &fakeClock{now: time.Unix(5000, 0)}
	c := New(Config{Adapter: "test0", Clock: clk, Handler: h})
	t.Cleanup(func() {
		c.ClearAndFlush()
		c.Close()
	})
	return c, h, clk
}

var methodKey = core.RequestKey{Code: 5, Direction: core.DirectionMethod, Interface: core.InterfaceDirect, SubPort: 0}

func TestRequestScenario(t *testing.T) {
	c, h, _ := newCapture(t)
	require.NoError(t, c.SetFilter([]core.RequestKey{methodKey}))

	var got core.Status
	req := core.NewRequest(5, core.DirectionMethod, 0, []byte{1, 2, 3, 4}, 16, func(_ *core.Request, s core.Status) {
		got = s
	})
	require.Equal(t, core.VerdictPending, c.Evaluate(req, core.InterfaceDirect))

	need, err := c.GetPending(methodKey, nil)
	require.True(t, errors.Is(err, core.ErrMoreData))
	require.Equal(t, 16, need)

	out := make([]byte, need)
	n, err := c.GetPending(methodKey, out)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, out[:4])
	assert.Equal(t, 16, n)

	answer := []byte{9, 8, 7}
	res, err := c.CompleteRequest(methodKey, core.StatusSuccess, answer)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, res.Status)
	assert.Equal(t, answer, res.Info)

	st, done := req.Completed()
	require.True(t, done)
	assert.Equal(t, core.StatusSuccess, st)
	assert.Equal(t, core.StatusSuccess, got)
	assert.Equal(t, answer, req.Output())
	assert.Empty(t, h.Calls(), "direct completion bypasses default processing")

	_, err = c.GetPending(methodKey, nil)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestExactKeyMatch(t *testing.T) {
	c, _, _ := newCapture(t)
	require.NoError(t, c.SetFilter([]core.RequestKey{methodKey}))

	cases := []struct {
		name  string
		req   *core.Request
		class core.InterfaceClass
	}{
		{"code", core.NewRequest(6, core.DirectionMethod, 0, nil, 4, nil), core.InterfaceDirect},
		{"direction", core.NewRequest(5, core.DirectionQuery, 0, nil, 4, nil), core.InterfaceDirect},
		{"interface", core.NewRequest(5, core.DirectionMethod, 0, nil, 4, nil), core.InterfaceRegular},
		{"subport", core.NewRequest(5, core.DirectionMethod, 1, nil, 4, nil), core.InterfaceDirect},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, core.VerdictPass, c.Evaluate(tc.req, tc.class))
		})
	}
	assert.Zero(t, c.Stats().Total())
}

func TestSetFilterValidation(t *testing.T) {
	c, _, _ := newCapture(t)

	err := c.SetFilter([]core.RequestKey{{Code: 1, Direction: 7}})
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))
	err = c.SetFilter([]core.RequestKey{{Code: 1, Interface: core.NumInterfaceClasses}})
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))

	require.NoError(t, c.SetFilter([]core.RequestKey{methodKey}))
	err = c.SetFilter([]core.RequestKey{methodKey})
	assert.True(t, errors.Is(err, core.ErrAlreadyActive))

	require.NoError(t, c.SetFilter(nil))
	assert.False(t, c.Stats().FilterActive)
	assert.NoError(t, c.SetFilter([]core.RequestKey{methodKey}))
}

func TestGetPendingOnlySeesHead(t *testing.T) {
	c, _, _ := newCapture(t)
	other := methodKey
	other.Code = 6
	require.NoError(t, c.SetFilter([]core.RequestKey{methodKey, other}))

	first := core.NewRequest(5, core.DirectionMethod, 0, []byte{1}, 1, nil)
	second := core.NewRequest(6, core.DirectionMethod, 0, []byte{2}, 1, nil)
	c.Evaluate(first, core.InterfaceDirect)
	c.Evaluate(second, core.InterfaceDirect)

	_, err := c.GetPending(other, make([]byte, 1))
	assert.True(t, errors.Is(err, core.ErrNotFound), "second request hidden behind the head")
	_, err = c.CompleteRequest(other, core.StatusSuccess, nil)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	_, err = c.CompleteRequest(methodKey, core.StatusSuccess, nil)
	require.NoError(t, err)

	out := make([]byte, 1)
	_, err = c.GetPending(other, out)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, out)
}

func TestInterfaceClassesAreIndependent(t *testing.T) {
	c, _, _ := newCapture(t)
	regular := methodKey
	regular.Interface = core.InterfaceRegular
	require.NoError(t, c.SetFilter([]core.RequestKey{methodKey, regular}))

	c.Evaluate(core.NewRequest(5, core.DirectionMethod, 0, []byte{1}, 1, nil), core.InterfaceDirect)
	c.Evaluate(core.NewRequest(5, core.DirectionMethod, 0, []byte{2}, 1, nil), core.InterfaceRegular)

	out := make([]byte, 1)
	_, err := c.GetPending(regular, out)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, out)

	st := c.Stats()
	assert.Equal(t, 1, st.Pending[core.InterfaceDirect])
	assert.Equal(t, 1, st.Pending[core.InterfaceRegular])
	assert.Equal(t, 2, st.Keys)
}

func TestGetPendingShortBuffer(t *testing.T) {
	c, _, _ := newCapture(t)
	require.NoError(t, c.SetFilter([]core.RequestKey{methodKey}))
	c.Evaluate(core.NewRequest(5, core.DirectionMethod, 0, []byte{1, 2, 3, 4}, 4, nil), core.InterfaceDirect)

	out := make([]byte, 2)
	n, err := c.GetPending(methodKey, out)
	assert.True(t, errors.Is(err, core.ErrBufferTooSmall))
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2}, out)
}

func TestCompleteTooLargeStaysPended(t *testing.T) {
	c, _, _ := newCapture(t)
	require.NoError(t, c.SetFilter([]core.RequestKey{methodKey}))
	req := core.NewRequest(5, core.DirectionMethod, 0, nil, 2, nil)
	c.Evaluate(req, core.InterfaceDirect)

	_, err := c.CompleteRequest(methodKey, core.StatusSuccess, []byte{1, 2, 3})
	assert.True(t, errors.Is(err, core.ErrBufferTooSmall))
	need, ok := core.RequiredSize(err)
	require.True(t, ok)
	assert.Equal(t, 3, need)

	_, done := req.Completed()
	assert.False(t, done)
	assert.Equal(t, 1, c.Stats().Total())
}

func TestCompleteFallThrough(t *testing.T) {
	c, h, _ := newCapture(t)
	h.status = core.StatusNotSupported
	require.NoError(t, c.SetFilter([]core.RequestKey{methodKey}))
	req := core.NewRequest(5, core.DirectionMethod, 0, []byte("captured"), 8, nil)
	c.Evaluate(req, core.InterfaceDirect)

	res, err := c.CompleteRequest(methodKey, core.StatusFallThrough, []byte("ignored-and-too-long"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusNotSupported, res.Status)
	assert.Equal(t, []byte("captured"), res.Info)
	assert.Equal(t, []core.RequestKey{methodKey}, h.Calls())

	st, done := req.Completed()
	require.True(t, done)
	assert.Equal(t, core.StatusNotSupported, st)
	assert.Equal(t, []byte("default"), req.Output())
}

func TestClearAndFlushFallsThrough(t *testing.T) {
	c, h, _ := newCapture(t)
	regular := methodKey
	regular.Interface = core.InterfaceRegular
	require.NoError(t, c.SetFilter([]core.RequestKey{methodKey, regular}))

	reqs := []*core.Request{
		core.NewRequest(5, core.DirectionMethod, 0, nil, 8, nil),
		core.NewRequest(5, core.DirectionMethod, 0, nil, 8, nil),
	}
	c.Evaluate(reqs[0], core.InterfaceDirect)
	c.Evaluate(reqs[1], core.InterfaceRegular)

	assert.Equal(t, 2, c.ClearAndFlush())
	assert.Len(t, h.Calls(), 2)
	for _, r := range reqs {
		select {
		case <-r.Done():
		default:
			t.Fatal("request not completed by flush")
		}
	}
	assert.False(t, c.Stats().FilterActive)
	assert.Zero(t, c.ClearAndFlush())
}

func TestWatchdogExpiry(t *testing.T) {
	c, h, clk := newCapture(t)
	require.NoError(t, c.SetFilter([]core.RequestKey{methodKey}))
	c.Evaluate(core.NewRequest(5, core.DirectionMethod, 0, nil, 1, nil), core.InterfaceDirect)

	clk.Advance(DefaultGracePeriod)
	assert.False(t, c.IsWatchdogExpired())
	clk.Advance(time.Second)
	assert.True(t, c.IsWatchdogExpired())

	assert.Equal(t, 1, c.Reclaim())
	assert.Len(t, h.Calls(), 1)
	assert.False(t, c.IsWatchdogExpired())
	assert.False(t, c.Stats().FilterActive)
}

func TestPendListLimit(t *testing.T) {
	c := New(Config{Adapter: "test0", MaxPerInterface: 1})
	defer c.Close()
	require.NoError(t, c.SetFilter([]core.RequestKey{methodKey}))

	assert.Equal(t, core.VerdictPending, c.Evaluate(core.NewRequest(5, core.DirectionMethod, 0, nil, 1, nil), core.InterfaceDirect))
	assert.Equal(t, core.VerdictPass, c.Evaluate(core.NewRequest(5, core.DirectionMethod, 0, nil, 1, nil), core.InterfaceDirect))
	assert.Equal(t, 1, c.ClearAndFlush())
}

func TestCloseNonEmptyPanics(t *testing.T) {
	c := New(Config{Adapter: "test0"})
	require.NoError(t, c.SetFilter([]core.RequestKey{methodKey}))
	c.Evaluate(core.NewRequest(5, core.DirectionMethod, 0, nil, 1, nil), core.InterfaceDirect)
	assert.Panics(t, c.Close)
	c.ClearAndFlush()
}
