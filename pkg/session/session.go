// Package session owns the capture state of one adapter. A Session is the
// single client of an adapter's capture hooks; the Registry enforces that
// an adapter has at most one live session.
package session

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/dump"
	"github.com/irctrakz/nicshim/pkg/framecap"
	"github.com/irctrakz/nicshim/pkg/logging"
	"github.com/irctrakz/nicshim/pkg/metrics"
	"github.com/irctrakz/nicshim/pkg/pattern"
	"github.com/irctrakz/nicshim/pkg/reqcap"
	"github.com/irctrakz/nicshim/pkg/watchdog"
)

// Config configures a session.
type Config struct {
	Capture core.CaptureConfig
	// Clock defaults to core.SystemClock.
	Clock   core.Clock
	Metrics *metrics.Metrics
	// ManualWatchdog leaves the periodic watchdog stopped; WatchdogTick
	// still runs a scan.
	ManualWatchdog bool
}

func (c Config) interval() time.Duration {
	if c.Capture.WatchdogIntervalMs > 0 {
		return time.Duration(c.Capture.WatchdogIntervalMs) * time.Millisecond
	}
	return watchdog.DefaultInterval
}

func (c Config) grace() time.Duration {
	if c.Capture.GracePeriodMs > 0 {
		return time.Duration(c.Capture.GracePeriodMs) * time.Millisecond
	}
	return framecap.DefaultGracePeriod
}

// Stats is a point-in-time view of a session.
type Stats struct {
	Frames   framecap.Stats
	Requests reqcap.Stats
	Failures int
}

// Session holds the frame capture, request capture and watchdog of one
// adapter and routes released items back to the driver.
type Session struct {
	driver   core.Driver
	registry *Registry
	metrics  *metrics.Metrics
	log      *logrus.Entry

	frames   *framecap.FrameCapture
	requests *reqcap.RequestCapture
	watchdog *watchdog.Monitor

	closeOnce sync.Once
	// mu orders the capture hooks against Close.
	mu     sync.RWMutex
	closed bool
}

func newSession(r *Registry, driver core.Driver, cfg Config) *Session {
	name := driver.Name()
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock
	}
	s := &Session{
		driver:   driver,
		registry: r,
		metrics:  cfg.Metrics,
		log:      logging.ForAdapter(name, "session"),
	}
	s.frames = framecap.New(framecap.Config{
		Adapter:     name,
		GracePeriod: cfg.grace(),
		MaxFrames:   cfg.Capture.MaxCapturedFrames,
		Clock:       cfg.Clock,
		Metrics:     cfg.Metrics,
	})
	s.requests = reqcap.New(reqcap.Config{
		Adapter:         name,
		GracePeriod:     cfg.grace(),
		MaxPerInterface: cfg.Capture.MaxPendedRequests,
		Clock:           cfg.Clock,
		Metrics:         cfg.Metrics,
		Handler:         driver,
	})
	s.watchdog = watchdog.New(cfg.interval(),
		watchdog.Target{
			Name:    s.frames.Name(),
			Expired: s.frames.IsWatchdogExpired,
			Reclaim: func() { s.returnFrames(s.frames.Reclaim()) },
		},
		watchdog.Target{
			Name:    s.requests.Name(),
			Expired: s.requests.IsWatchdogExpired,
			Reclaim: func() { s.requests.Reclaim() },
		},
	)
	s.watchdog.SetClock(cfg.Clock)
	s.watchdog.SetLogger(logging.ForAdapter(name, "watchdog"))
	s.watchdog.OnFailure(func(f watchdog.Failure) {
		s.metrics.RecordWatchdogReclaim(name, f.Name)
	})
	if !cfg.ManualWatchdog {
		s.watchdog.Start()
	}
	return s
}

// Adapter returns the name of the adapter the session is bound to.
func (s *Session) Adapter() string { return s.driver.Name() }

func (s *Session) returnFrames(frames []*core.Frame) {
	if len(frames) > 0 {
		s.driver.ReturnFrames(frames)
	}
}

// EvaluateSend is the driver's send-path hook.
func (s *Session) EvaluateSend(frame *core.Frame) core.Verdict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.VerdictPass
	}
	return s.frames.Evaluate(frame)
}

// EvaluateRequest is the driver's request-path hook.
func (s *Session) EvaluateRequest(req *core.Request, class core.InterfaceClass) core.Verdict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.VerdictPass
	}
	return s.requests.Evaluate(req, class)
}

// SetFrameFilter installs a pattern/mask filter. A zero-length pattern
// clears the filter and returns every captured frame to the driver.
func (s *Session) SetFrameFilter(pat, mask []byte) error {
	frames, err := s.frames.SetFilter(pattern.Filter{Pattern: pat, Mask: mask})
	s.returnFrames(frames)
	return err
}

// GetFrame serializes a captured frame into out.
func (s *Session) GetFrame(index, subIndex uint32, out []byte) (int, error) {
	return s.frames.GetFrame(int(index), int(subIndex), out)
}

// SetFrameMetadata patches a captured frame's metadata.
func (s *Session) SetFrameMetadata(index, subIndex uint32, patch core.MetadataPatch) error {
	return s.frames.SetFrameMetadata(int(index), int(subIndex), patch)
}

// DequeueFrame moves a captured frame to the pending-return queue.
func (s *Session) DequeueFrame(index uint32) error {
	return s.frames.Dequeue(int(index))
}

// FlushDequeuedFrames returns every dequeued frame to the driver.
func (s *Session) FlushDequeuedFrames() error {
	frames, err := s.frames.FlushDequeued()
	if err != nil {
		return err
	}
	s.returnFrames(frames)
	return nil
}

// FlushAllFrames returns every captured and dequeued frame to the driver.
func (s *Session) FlushAllFrames() error {
	s.returnFrames(s.frames.FlushAll())
	return nil
}

// SetRequestFilter installs a request key list. An empty list clears the
// filter and completes every pended request with default processing.
func (s *Session) SetRequestFilter(keys []core.RequestKey) error {
	return s.requests.SetFilter(keys)
}

// GetPendingRequest copies a pended request's information buffer into out.
func (s *Session) GetPendingRequest(key core.RequestKey, out []byte) (int, error) {
	return s.requests.GetPending(key, out)
}

// CompleteRequest completes a pended request.
func (s *Session) CompleteRequest(key core.RequestKey, status core.Status, info []byte) (reqcap.Completion, error) {
	return s.requests.CompleteRequest(key, status, info)
}

// InjectFrame indicates a synthetic inbound frame on the adapter.
func (s *Session) InjectFrame(data []byte, queue uint32) error {
	if len(data) == 0 {
		return fmt.Errorf("inject empty frame: %w", core.ErrInvalidParameter)
	}
	f := core.NewFrame(append([]byte(nil), data...))
	f.Queue = queue
	return s.driver.IndicateReceive(f)
}

// ExportPCAP writes the first buffer of every captured frame to w.
func (s *Session) ExportPCAP(w io.Writer) error {
	snap := s.frames.Snapshot()
	records := make([]dump.Record, len(snap))
	for i, f := range snap {
		records[i] = dump.Record{Timestamp: f.CapturedAt, Data: f.Data}
	}
	return dump.WritePCAP(w, records)
}

// WatchdogTick runs one watchdog scan immediately.
func (s *Session) WatchdogTick() []watchdog.Failure {
	return s.watchdog.Tick()
}

// Failures returns the watchdog failures recorded by this session.
func (s *Session) Failures() []watchdog.Failure {
	return s.watchdog.Failures()
}

// Stats returns the capture state of the session.
func (s *Session) Stats() Stats {
	return Stats{
		Frames:   s.frames.Stats(),
		Requests: s.requests.Stats(),
		Failures: len(s.watchdog.Failures()),
	}
}

// Close stops the watchdog, hands every captured item back to the driver
// and destroys the captures. Close is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.watchdog.Stop()
		s.returnFrames(s.frames.Drain())
		n := s.requests.ClearAndFlush()

		s.frames.Close()
		s.requests.Close()
		s.registry.remove(s)
		s.log.WithField("requests_flushed", n).Info("Session closed")
	})
}
