package control

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/dump"
	"github.com/irctrakz/nicshim/pkg/framecap"
	"github.com/irctrakz/nicshim/pkg/metrics"
	"github.com/irctrakz/nicshim/pkg/nic"
	"github.com/irctrakz/nicshim/pkg/session"
	"github.com/irctrakz/nicshim/pkg/wire"
)

const testToken = "s3cret"

type fixture struct {
	server  *httptest.Server
	client  *Client
	adapter *nic.MockAdapter
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	a, err := nic.NewMockAdapter(core.AdapterConfig{Name: "nic0", MTU: 1500})
	require.NoError(t, err)

	m := metrics.New()
	reg := session.NewRegistry()
	s, err := reg.Open(a, session.Config{Metrics: m, ManualWatchdog: true})
	require.NoError(t, err)
	a.SetHooks(s)
	t.Cleanup(reg.CloseAll)

	api := New(Config{Sessions: reg, Metrics: m, Token: testToken})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &fixture{
		server:  srv,
		client:  NewClient(srv.URL, "nic0", testToken),
		adapter: a,
		metrics: m,
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	c := NewClient(f.server.URL, "nic0", "wrong")
	err := c.FlushAllFrames(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestFrameRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.SetFrameFilter(ctx, []byte{0x00, 0xAB}, []byte{0x00, 0xFF}))
	assert.True(t, errors.Is(f.client.SetFrameFilter(ctx, []byte{0x01}, []byte{0xFF}), core.ErrAlreadyActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ControlRequests.WithLabelValues("set-frame-filter", "already active")))

	data := []byte{0x10, 0xAB, 0x01, 0x02}
	require.NoError(t, f.adapter.Send(core.NewFrame(data)))
	assert.Empty(t, f.adapter.SentFrames())

	block, err := f.client.GetFrame(ctx, 0, 0)
	require.NoError(t, err)
	d, err := framecap.Decode(block)
	require.NoError(t, err)
	assert.Equal(t, data, d.Data())

	_, err = f.client.GetFrame(ctx, 1, 0)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	patch := core.MetadataPatch{Fields: core.PatchTimestamp, Metadata: core.FrameMetadata{Timestamp: 42}}
	require.NoError(t, f.client.SetFrameMetadata(ctx, 0, 0, patch))
	block, err = f.client.GetFrame(ctx, 0, 0)
	require.NoError(t, err)
	d, err = framecap.Decode(block)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), d.Header.Meta.Timestamp)

	require.NoError(t, f.client.DequeueFrame(ctx, 0))
	require.NoError(t, f.client.FlushDequeuedFrames(ctx))
	assert.Equal(t, [][]byte{data}, f.adapter.SentFrames())
	assert.True(t, errors.Is(f.client.FlushDequeuedFrames(ctx), core.ErrNotFound))

	require.NoError(t, f.client.SetFrameFilter(ctx, nil, nil))
}

func TestRequestRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := core.RequestKey{Code: nic.OIDMaximumFrameSize, Direction: core.DirectionQuery, Interface: core.InterfaceRegular}
	require.NoError(t, f.client.SetRequestFilter(ctx, []core.RequestKey{key}))

	req := core.NewRequest(nic.OIDMaximumFrameSize, core.DirectionQuery, 0, []byte{1, 2, 3, 4}, 4, nil)
	assert.Equal(t, core.VerdictPending, f.adapter.SubmitRequest(req, core.InterfaceRegular))

	info, err := f.client.GetPendingRequest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, info)

	st, out, err := f.client.CompleteRequest(ctx, key, core.StatusFallThrough, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, st)
	assert.Len(t, out, 4)
	assert.Equal(t, uint32(1500), binary.LittleEndian.Uint32(req.Output()))

	_, err = f.client.GetPendingRequest(ctx, key)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestUnknownAdapter(t *testing.T) {
	f := newFixture(t)
	c := NewClient(f.server.URL, "nic9", testToken)
	err := c.FlushAllFrames(context.Background())
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.True(t, errors.Is(c.ExportPCAP(context.Background(), &bytes.Buffer{}), core.ErrNotFound))
}

func TestUnknownOperation(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/v1/adapters/nic0/ioctl/reboot", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/v1/adapters/nic0/ioctl/dequeue-frame", strings.NewReader("x"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	out := &wire.Response{Op: wire.OpDequeueFrame}
	require.NoError(t, out.UnmarshalBinary(buf.Bytes()))
	assert.Equal(t, core.StatusInvalidParameter, out.Status)
}

func TestInjectAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, errors.Is(f.client.InjectFrame(ctx, 0, nil), core.ErrInvalidParameter))

	list, err := f.client.Adapters(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "nic0", list[0].Adapter)
	assert.False(t, list[0].FrameFilter)
}

func TestExportPCAP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.client.SetFrameFilter(ctx, []byte{0x01}, []byte{0xFF}))
	require.NoError(t, f.adapter.Send(core.NewFrame([]byte{0x01, 0x02})))

	var buf bytes.Buffer
	require.NoError(t, f.client.ExportPCAP(ctx, &buf))
	recs, err := dump.ReadPCAP(&buf)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte{0x01, 0x02}, recs[0].Data)
}

func TestListWithoutToken(t *testing.T) {
	api := New(Config{Sessions: session.NewRegistry()})

	req := httptest.NewRequest(http.MethodGet, "/v1/adapters/", nil)
	w := httptest.NewRecorder()
	api.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}
