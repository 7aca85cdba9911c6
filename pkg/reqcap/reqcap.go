// Package reqcap pends configuration requests that match a key list so the
// test harness can inspect and answer them.
package reqcap

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/nicshim/pkg/capture"
	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/logging"
	"github.com/irctrakz/nicshim/pkg/metrics"
)

// DefaultGracePeriod is how long a request may stay pended before the
// watchdog completes it with default processing.
const DefaultGracePeriod = 5 * time.Second

// Name is the diagnostic name of a request capture instance.
const Name = "request capture"

// Completion modes reported to metrics.
const (
	modeDirect      = "direct"
	modeFallThrough = "fallthrough"
)

// Config configures a RequestCapture.
type Config struct {
	Adapter     string
	GracePeriod time.Duration
	// MaxPerInterface bounds each pend list (0 = unlimited).
	MaxPerInterface int
	Clock           core.Clock
	Metrics         *metrics.Metrics
	// Handler performs default processing for fall-through completions.
	Handler core.RequestHandler
}

// Completion is the outcome of CompleteRequest.
type Completion struct {
	Status core.Status
	// Info holds the request's information bytes: the captured bytes for a
	// fall-through completion, the bytes written otherwise.
	Info []byte
}

// Stats is a point-in-time view of a RequestCapture.
type Stats struct {
	Pending      [core.NumInterfaceClasses]int
	Keys         int
	FilterActive bool
}

// Total is the number of pended requests across all interface classes.
func (s Stats) Total() int {
	n := 0
	for _, p := range s.Pending {
		n += p
	}
	return n
}

type pended struct {
	req   *core.Request
	class core.InterfaceClass
}

// RequestCapture is the request specialization of the capture engine. One
// mutex guards the key list and every interface-class pend list.
type RequestCapture struct {
	mu     sync.Mutex
	filter capture.Registry[[]core.RequestKey]
	lists  [core.NumInterfaceClasses]*capture.Store[*core.Request]

	adapter string
	grace   time.Duration
	clock   core.Clock
	handler core.RequestHandler
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// New creates a RequestCapture.
func New(cfg Config) *RequestCapture {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock
	}
	c := &RequestCapture{
		adapter: cfg.Adapter,
		grace:   cfg.GracePeriod,
		clock:   cfg.Clock,
		handler: cfg.Handler,
		metrics: cfg.Metrics,
		log:     logging.ForAdapter(cfg.Adapter, "reqcap"),
	}
	for i := range c.lists {
		c.lists[i] = capture.NewStore[*core.Request](cfg.MaxPerInterface)
	}
	return c
}

// SetFilter installs keys. An empty list clears the filter and completes
// every pended request with default processing.
func (c *RequestCapture) SetFilter(keys []core.RequestKey) error {
	if len(keys) == 0 {
		c.ClearAndFlush()
		return nil
	}
	for _, k := range keys {
		if err := k.Validate(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.filter.Set(slices.Clone(keys)); err != nil {
		return err
	}
	c.log.WithField("keys", len(keys)).Debug("Request filter set")
	return nil
}

// Evaluate is the request-path hook. A request whose key matches one of
// the active keys exactly is pended on its interface class list.
func (c *RequestCapture) Evaluate(req *core.Request, class core.InterfaceClass) core.Verdict {
	if req == nil || !class.Valid() {
		return core.VerdictPass
	}
	key := req.Key(class)

	c.mu.Lock()
	keys, ok := c.filter.Active()
	if !ok || !slices.Contains(keys, key) {
		c.mu.Unlock()
		return core.VerdictPass
	}
	_, err := c.lists[class].Capture(req, c.clock.Now(), uint32(class))
	depth, _ := c.lists[class].Len()
	c.mu.Unlock()

	if err != nil {
		c.log.WithError(err).WithField("key", key.String()).Warn("Matched request passed through")
		c.metrics.RecordCaptureFailure(c.adapter, Name)
		return core.VerdictPass
	}
	c.metrics.RecordRequestPended(c.adapter, class.String())
	c.metrics.SetQueueDepth(c.adapter, "requests_"+class.String(), depth)
	c.log.WithFields(logrus.Fields{
		"key":   key.String(),
		"depth": depth,
	}).Debug("Request pended")
	return core.VerdictPending
}

// head returns the first pended request of key's class if it carries key.
// The caller holds c.mu.
func (c *RequestCapture) head(key core.RequestKey) (*core.Request, error) {
	e, ok := c.lists[key.Interface].Captured(0)
	if !ok {
		return nil, fmt.Errorf("no %s requests pended: %w", key.Interface, core.ErrNotFound)
	}
	req := e.Item()
	if req.Key(key.Interface) != key {
		return nil, fmt.Errorf("head of %s list is not %s: %w", key.Interface, key, core.ErrNotFound)
	}
	return req, nil
}

// GetPending copies the information buffer of the pended request at the
// head of key's interface class list into out. Only the head is ever
// inspected. With an empty out it only reports the size needed; a short
// out receives a prefix and a *core.SizeError wrapping ErrBufferTooSmall.
func (c *RequestCapture) GetPending(key core.RequestKey, out []byte) (int, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := c.head(key)
	if err != nil {
		return 0, err
	}
	need := len(req.Info)
	if len(out) == 0 && need > 0 {
		return need, &core.SizeError{Required: need, Err: core.ErrMoreData}
	}
	n := copy(out, req.Info)
	if n < need {
		return need, &core.SizeError{Required: need, Err: core.ErrBufferTooSmall}
	}
	return n, nil
}

// CompleteRequest removes the pended request at the head of key's class
// list and completes it. With core.StatusFallThrough the driver's default
// processing decides the status and info is ignored. Otherwise info is
// copied into the request and it completes with status; info larger than
// the request's buffer fails with ErrBufferTooSmall and leaves the request
// pended.
func (c *RequestCapture) CompleteRequest(key core.RequestKey, status core.Status, info []byte) (Completion, error) {
	if err := key.Validate(); err != nil {
		return Completion{}, err
	}

	c.mu.Lock()
	req, err := c.head(key)
	if err == nil && status != core.StatusFallThrough && len(info) > len(req.Info) {
		err = &core.SizeError{Required: len(info), Err: core.ErrBufferTooSmall}
	}
	if err == nil {
		_, err = c.lists[key.Interface].Take(0)
	}
	depth, _ := c.lists[key.Interface].Len()
	c.mu.Unlock()
	if err != nil {
		return Completion{}, err
	}
	c.metrics.SetQueueDepth(c.adapter, "requests_"+key.Interface.String(), depth)

	if status == core.StatusFallThrough {
		return c.fallThrough(req, key.Interface), nil
	}

	n := copy(req.Info, info)
	req.BytesWritten = n
	req.Complete(status)
	c.metrics.RecordRequestCompleted(c.adapter, modeDirect)
	c.log.WithFields(logrus.Fields{
		"key":    key.String(),
		"status": status.String(),
		"bytes":  n,
	}).Debug("Request completed")
	return Completion{Status: status, Info: slices.Clone(req.Info[:n])}, nil
}

// fallThrough runs default processing on a request that has already been
// removed from its pend list.
func (c *RequestCapture) fallThrough(req *core.Request, class core.InterfaceClass) Completion {
	captured := slices.Clone(req.Info)
	status := core.StatusNotSupported
	if c.handler != nil {
		status = c.handler.HandleRequest(req, class)
	}
	req.Complete(status)
	c.metrics.RecordRequestCompleted(c.adapter, modeFallThrough)
	return Completion{Status: status, Info: captured}
}

// ClearAndFlush clears the key list and completes every pended request
// with default processing. It returns the number of requests completed.
func (c *RequestCapture) ClearAndFlush() int {
	return c.flush("clear")
}

// Reclaim is ClearAndFlush on behalf of the watchdog.
func (c *RequestCapture) Reclaim() int {
	return c.flush(metrics.ReasonWatchdog)
}

func (c *RequestCapture) flush(reason string) int {
	var drained []pended
	c.mu.Lock()
	c.filter.Clear()
	for class, l := range c.lists {
		for _, req := range l.FlushAll() {
			drained = append(drained, pended{req: req, class: core.InterfaceClass(class)})
		}
	}
	c.mu.Unlock()

	for class := range c.lists {
		c.metrics.SetQueueDepth(c.adapter, "requests_"+core.InterfaceClass(class).String(), 0)
	}
	for _, p := range drained {
		c.fallThrough(p.req, p.class)
	}
	if len(drained) > 0 {
		c.log.WithFields(logrus.Fields{
			"reason":   reason,
			"requests": len(drained),
		}).Debug("Pended requests flushed")
	}
	return len(drained)
}

// IsWatchdogExpired reports whether any pended request is older than the
// grace period.
func (c *RequestCapture) IsWatchdogExpired() bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lists {
		if l.Expired(now, c.grace) {
			return true
		}
	}
	return false
}

// Name returns the diagnostic name used for watchdog failures.
func (c *RequestCapture) Name() string { return Name }

// Stats returns the pend list sizes and filter state.
func (c *RequestCapture) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	keys, ok := c.filter.Active()
	s.Keys = len(keys)
	s.FilterActive = ok
	for i, l := range c.lists {
		s.Pending[i], _ = l.Len()
	}
	return s
}

// Close destroys the capture. Every pend list must already be empty.
func (c *RequestCapture) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter.Clear()
	for _, l := range c.lists {
		l.Close()
	}
}
