// Package framecap intercepts outbound frames whose first buffer matches a
// byte pattern and holds them until the test harness releases them.
package framecap

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/nicshim/pkg/capture"
	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/logging"
	"github.com/irctrakz/nicshim/pkg/metrics"
	"github.com/irctrakz/nicshim/pkg/pattern"
)

// DefaultGracePeriod is how long a frame may stay captured before the
// watchdog reclaims it.
const DefaultGracePeriod = 5 * time.Second

// Name is the diagnostic name of a frame capture instance.
const Name = "frame capture"

// Config configures a FrameCapture.
type Config struct {
	Adapter     string
	GracePeriod time.Duration
	// MaxFrames bounds both queues together (0 = unlimited).
	MaxFrames int
	Clock     core.Clock
	Metrics   *metrics.Metrics
}

// Stats is a point-in-time view of a FrameCapture.
type Stats struct {
	Captured     int
	Pending      int
	FilterActive bool
	FilterLength int
}

// CapturedFrame is a copy of a captured frame's first buffer, taken for
// export while the frame stays captured.
type CapturedFrame struct {
	Index      int
	CapturedAt time.Time
	Queue      uint32
	Data       []byte
}

// FrameCapture is the frame specialization of the capture engine. One
// mutex guards the filter and both queues.
type FrameCapture struct {
	mu     sync.Mutex
	filter capture.Registry[pattern.Filter]
	store  *capture.Store[*core.Frame]

	adapter string
	grace   time.Duration
	clock   core.Clock
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// New creates a FrameCapture.
func New(cfg Config) *FrameCapture {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock
	}
	return &FrameCapture{
		store:   capture.NewStore[*core.Frame](cfg.MaxFrames),
		adapter: cfg.Adapter,
		grace:   cfg.GracePeriod,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		log:     logging.ForAdapter(cfg.Adapter, "framecap"),
	}
}

// SetFilter installs f. A zero-length filter clears the active filter and
// returns every captured frame so the caller can hand them back to the
// driver.
func (c *FrameCapture) SetFilter(f pattern.Filter) ([]*core.Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.IsClear() {
		return c.clear(metrics.ReasonClear), nil
	}

	f, err := pattern.New(f.Pattern, f.Mask)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.filter.Set(f); err != nil {
		return nil, err
	}
	c.log.WithField("length", f.Len()).Debug("Frame filter set")
	return nil, nil
}

// Evaluate is the send-path hook. Only the frame's first buffer is matched.
func (c *FrameCapture) Evaluate(frame *core.Frame) core.Verdict {
	if frame == nil || len(frame.Buffers) == 0 {
		return core.VerdictPass
	}

	c.mu.Lock()
	f, ok := c.filter.Active()
	if !ok || !f.MatchBuffer(frame.Buffers[0]) {
		c.mu.Unlock()
		if ok {
			c.metrics.RecordFrameEvaluated(c.adapter, false)
		}
		return core.VerdictPass
	}
	_, err := c.store.Capture(frame, c.clock.Now(), frame.Queue)
	captured, _ := c.store.Len()
	c.mu.Unlock()

	if err != nil {
		c.log.WithError(err).Warn("Matched frame passed through")
		c.metrics.RecordCaptureFailure(c.adapter, Name)
		c.metrics.RecordFrameEvaluated(c.adapter, false)
		return core.VerdictPass
	}
	c.metrics.RecordFrameEvaluated(c.adapter, true)
	c.metrics.SetQueueDepth(c.adapter, "frames_captured", captured)
	if logging.IsDebug() {
		c.log.WithFields(logrus.Fields{
			"queue":  frame.Queue,
			"length": frame.Length(),
			"index":  captured - 1,
		}).Debug("Frame captured")
	}
	return core.VerdictPending
}

// subBuffer returns the subIndex-th buffer of the index-th captured frame
// that matches the active filter. The caller holds c.mu.
func (c *FrameCapture) subBuffer(index, subIndex int) (*core.Frame, *core.Buffer, error) {
	f, ok := c.filter.Active()
	if !ok {
		return nil, nil, fmt.Errorf("no frame filter: %w", core.ErrNotFound)
	}
	e, ok := c.store.Captured(index)
	if !ok {
		return nil, nil, fmt.Errorf("frame %d: %w", index, core.ErrNotFound)
	}
	frame := e.Item()
	seen := 0
	for _, b := range frame.Buffers {
		if !f.MatchBuffer(b) {
			continue
		}
		if seen == subIndex {
			return frame, b, nil
		}
		seen++
	}
	return nil, nil, fmt.Errorf("frame %d sub-buffer %d (%d matching): %w", index, subIndex, seen, core.ErrNotFound)
}

// GetFrame serializes the subIndex-th matching buffer of the index-th
// captured frame into out. With an empty out it only reports the size
// needed, as a *core.SizeError wrapping ErrMoreData.
func (c *FrameCapture) GetFrame(index, subIndex int, out []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame, b, err := c.subBuffer(index, subIndex)
	if err != nil {
		return 0, err
	}
	size, err := SerializedSize(b)
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return size, &core.SizeError{Required: size, Err: core.ErrMoreData}
	}
	return Serialize(out, frame, b)
}

// SetFrameMetadata applies patch to the index-th captured frame. Payload
// rewrites and hash changes are not supported.
func (c *FrameCapture) SetFrameMetadata(index, subIndex int, patch core.MetadataPatch) error {
	if patch.Fields&(core.PatchPayload|core.PatchHash) != 0 {
		return fmt.Errorf("metadata fields 0x%x: %w", patch.Fields, core.ErrNotSupported)
	}
	if patch.Fields&^(core.PatchChecksum|core.PatchCoalescing|core.PatchTimestamp) != 0 {
		return fmt.Errorf("metadata fields 0x%x: %w", patch.Fields, core.ErrInvalidParameter)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	frame, _, err := c.subBuffer(index, subIndex)
	if err != nil {
		return err
	}
	m := &frame.Meta
	if patch.Fields&core.PatchChecksum != 0 {
		m.ChecksumFlags = patch.Metadata.ChecksumFlags
	}
	if patch.Fields&core.PatchCoalescing != 0 {
		m.CoalescedSegments = patch.Metadata.CoalescedSegments
		m.DupAcks = patch.Metadata.DupAcks
	}
	if patch.Fields&core.PatchTimestamp != 0 {
		m.Timestamp = patch.Metadata.Timestamp
	}
	return nil
}

// Dequeue moves the index-th captured frame to the pending-return queue.
func (c *FrameCapture) Dequeue(index int) error {
	c.mu.Lock()
	err := c.store.Dequeue(index)
	captured, pending := c.store.Len()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.metrics.SetQueueDepth(c.adapter, "frames_captured", captured)
	c.metrics.SetQueueDepth(c.adapter, "frames_pending", pending)
	c.log.WithField("index", index).Debug("Frame dequeued")
	return nil
}

// FlushDequeued returns every dequeued frame. It fails with ErrNotFound
// when nothing was dequeued.
func (c *FrameCapture) FlushDequeued() ([]*core.Frame, error) {
	c.mu.Lock()
	frames, err := c.store.FlushPending()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.metrics.RecordFramesReleased(c.adapter, metrics.ReasonFlush, len(frames))
	c.metrics.SetQueueDepth(c.adapter, "frames_pending", 0)
	return frames, nil
}

// FlushAll returns every frame in both queues. The filter stays active.
func (c *FrameCapture) FlushAll() []*core.Frame {
	c.mu.Lock()
	frames := c.store.FlushAll()
	c.mu.Unlock()
	c.released(metrics.ReasonFlush, frames)
	return frames
}

// Reclaim clears the filter and returns every frame. The watchdog and
// session teardown use it.
func (c *FrameCapture) Reclaim() []*core.Frame {
	return c.clear(metrics.ReasonWatchdog)
}

// Drain is Reclaim for an orderly teardown.
func (c *FrameCapture) Drain() []*core.Frame {
	return c.clear(metrics.ReasonTeardown)
}

func (c *FrameCapture) clear(reason string) []*core.Frame {
	c.mu.Lock()
	_, had := c.filter.Clear()
	frames := c.store.FlushAll()
	c.mu.Unlock()
	if had || len(frames) > 0 {
		c.log.WithFields(logrus.Fields{
			"reason": reason,
			"frames": len(frames),
		}).Debug("Frame filter cleared")
	}
	c.released(reason, frames)
	return frames
}

func (c *FrameCapture) released(reason string, frames []*core.Frame) {
	c.metrics.RecordFramesReleased(c.adapter, reason, len(frames))
	c.metrics.SetQueueDepth(c.adapter, "frames_captured", 0)
	c.metrics.SetQueueDepth(c.adapter, "frames_pending", 0)
}

// IsWatchdogExpired reports whether any captured or dequeued frame is older
// than the grace period.
func (c *FrameCapture) IsWatchdogExpired() bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Expired(now, c.grace)
}

// Name returns the diagnostic name used for watchdog failures.
func (c *FrameCapture) Name() string { return Name }

// Stats returns the current queue sizes and filter state.
func (c *FrameCapture) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.filter.Active()
	captured, pending := c.store.Len()
	return Stats{
		Captured:     captured,
		Pending:      pending,
		FilterActive: ok,
		FilterLength: f.Len(),
	}
}

// Snapshot copies the first buffer of every frame in the capture queue.
func (c *FrameCapture) Snapshot() []CapturedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	captured, _ := c.store.Len()
	out := make([]CapturedFrame, 0, captured)
	c.store.EachCaptured(func(i int, e *capture.Entry[*core.Frame]) bool {
		out = append(out, CapturedFrame{
			Index:      i,
			CapturedAt: e.CapturedAt,
			Queue:      e.Processor,
			Data:       e.Item().Data(),
		})
		return true
	})
	return out
}

// Close destroys the capture. Both queues must already be empty.
func (c *FrameCapture) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter.Clear()
	c.store.Close()
}
