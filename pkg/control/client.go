package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/wire"
)

// fetchAttempts bounds probe-then-fetch retries when the item grows
// between the probe and the fetch.
const fetchAttempts = 3

// Client is a control channel client bound to one adapter.
type Client struct {
	baseURL    string
	adapter    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the adapter served at baseURL.
func NewClient(baseURL, adapter, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		adapter: adapter,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Do sends one operation and decodes its response. A non-nil error means
// the operation never reached a session; the operation's own outcome is
// in the response status.
func (c *Client) Do(ctx context.Context, op wire.Op, msg wire.Message) (*wire.Response, error) {
	body, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	path := "/v1/adapters/" + url.PathEscape(c.adapter) + "/ioctl/" + op.String()
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.Header.Get("Content-Type") != contentType {
		return nil, fmt.Errorf("%s: %s: %s", op, resp.Status, strings.TrimSpace(string(data)))
	}
	out := &wire.Response{Op: op}
	if err := out.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, op wire.Op, msg wire.Message) error {
	resp, err := c.Do(ctx, op, msg)
	if err != nil {
		return err
	}
	return resp.Err()
}

// fetch probes for the size of an item and then retrieves it.
func (c *Client) fetch(ctx context.Context, op wire.Op, build func(capacity uint32) wire.Message) ([]byte, error) {
	var capacity uint32
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		resp, err := c.Do(ctx, op, build(capacity))
		if err != nil {
			return nil, err
		}
		err = resp.Err()
		if err == nil {
			return resp.Payload, nil
		}
		need, ok := core.RequiredSize(err)
		if !ok || uint32(need) <= capacity {
			return nil, err
		}
		capacity = uint32(need)
	}
	return nil, fmt.Errorf("%s: item kept growing: %w", op, core.ErrBufferTooSmall)
}

// SetFrameFilter installs a frame filter. An empty pattern clears it.
func (c *Client) SetFrameFilter(ctx context.Context, pattern, mask []byte) error {
	return c.call(ctx, wire.OpSetFrameFilter, &wire.SetFrameFilter{Pattern: pattern, Mask: mask})
}

// GetFrame returns the serialized captured frame at index.
func (c *Client) GetFrame(ctx context.Context, index, subIndex uint32) ([]byte, error) {
	return c.fetch(ctx, wire.OpGetFrame, func(capacity uint32) wire.Message {
		return &wire.GetFrame{Index: index, SubIndex: subIndex, Capacity: capacity}
	})
}

// SetFrameMetadata patches a captured frame's metadata.
func (c *Client) SetFrameMetadata(ctx context.Context, index, subIndex uint32, patch core.MetadataPatch) error {
	return c.call(ctx, wire.OpSetFrameMetadata, &wire.SetFrameMetadata{Index: index, SubIndex: subIndex, Patch: patch})
}

// DequeueFrame moves the captured frame at index to the pending-return queue.
func (c *Client) DequeueFrame(ctx context.Context, index uint32) error {
	return c.call(ctx, wire.OpDequeueFrame, &wire.DequeueFrame{Index: index})
}

// FlushDequeuedFrames returns dequeued frames to the driver.
func (c *Client) FlushDequeuedFrames(ctx context.Context) error {
	return c.call(ctx, wire.OpFlushDequeuedFrames, &wire.Empty{})
}

// FlushAllFrames returns every captured frame to the driver.
func (c *Client) FlushAllFrames(ctx context.Context) error {
	return c.call(ctx, wire.OpFlushAllFrames, &wire.Empty{})
}

// SetRequestFilter installs a request key list. An empty list clears it.
func (c *Client) SetRequestFilter(ctx context.Context, keys []core.RequestKey) error {
	return c.call(ctx, wire.OpSetRequestFilter, &wire.SetRequestFilter{Keys: keys})
}

// GetPendingRequest returns the information buffer of the oldest pended
// request matching key.
func (c *Client) GetPendingRequest(ctx context.Context, key core.RequestKey) ([]byte, error) {
	return c.fetch(ctx, wire.OpGetPendingRequest, func(capacity uint32) wire.Message {
		return &wire.GetPendingRequest{Key: key, Capacity: capacity}
	})
}

// CompleteRequest completes a pended request and returns its final status
// and information bytes.
func (c *Client) CompleteRequest(ctx context.Context, key core.RequestKey, status core.Status, info []byte) (core.Status, []byte, error) {
	resp, err := c.Do(ctx, wire.OpCompleteRequest, &wire.CompleteRequest{Key: key, Status: status, Info: info})
	if err != nil {
		return 0, nil, err
	}
	if err := resp.Err(); err != nil {
		return 0, nil, err
	}
	return core.Status(resp.Required), resp.Payload, nil
}

// InjectFrame indicates a synthetic inbound frame on the adapter.
func (c *Client) InjectFrame(ctx context.Context, queue uint32, data []byte) error {
	return c.call(ctx, wire.OpInjectFrame, &wire.InjectFrame{Queue: queue, Data: data})
}

// Adapters lists every adapter with a live session.
func (c *Client) Adapters(ctx context.Context) ([]AdapterStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/adapters/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list adapters: %s", resp.Status)
	}
	var out []AdapterStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode adapters: %w", err)
	}
	return out, nil
}

// ExportPCAP streams the adapter's captured frames as a pcap file to w.
func (c *Client) ExportPCAP(ctx context.Context, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/adapters/"+url.PathEscape(c.adapter)+"/frames.pcap", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("adapter %s: %w", c.adapter, core.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New("export pcap: " + resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}
