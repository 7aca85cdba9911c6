// Package watchdog reclaims captured items that a test harness has left
// behind for longer than the grace period.
package watchdog

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/logging"
)

// DefaultInterval is the period between scans.
const DefaultInterval = time.Second

// Target is one capture instance watched by a Monitor. Expired is the scan
// phase and Reclaim the reclaim phase; each takes the capture's lock on its
// own.
type Target struct {
	Name    string
	Expired func() bool
	Reclaim func()
}

// Failure records one forced reclaim.
type Failure struct {
	Name string
	At   time.Time
}

// Monitor runs the periodic scan. A Monitor may be started once.
type Monitor struct {
	interval time.Duration
	targets  []Target
	clock    core.Clock
	hook     func(Failure)
	log      *logrus.Entry

	tickMu sync.Mutex

	mu       sync.Mutex
	failures []Failure
	stop     chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// New creates a Monitor scanning targets every interval.
func New(interval time.Duration, targets ...Target) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		interval: interval,
		targets:  targets,
		clock:    core.SystemClock,
		log:      logging.WithFields(logrus.Fields{"component": "watchdog"}),
	}
}

// SetClock replaces the clock used to timestamp failures.
func (m *Monitor) SetClock(c core.Clock) { m.clock = c }

// SetLogger replaces the monitor's log entry.
func (m *Monitor) SetLogger(e *logrus.Entry) { m.log = e }

// OnFailure registers fn to run after every forced reclaim.
func (m *Monitor) OnFailure(fn func(Failure)) { m.hook = fn }

// Start launches the periodic task.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.loop(m.stop)
}

func (m *Monitor) loop(stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-stop:
			return
		}
	}
}

// Stop cancels the periodic task and waits for an in-flight tick to
// finish. The targets may be destroyed once Stop returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()
	m.wg.Wait()
}

// Tick runs one scan. Every target is scanned before any is reclaimed, so
// no capture lock is held across both phases. It returns the failures
// recorded by this tick.
func (m *Monitor) Tick() []Failure {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	var expired []Target
	for _, t := range m.targets {
		if t.Expired() {
			expired = append(expired, t)
		}
	}

	var out []Failure
	for _, t := range expired {
		t.Reclaim()
		f := Failure{Name: t.Name, At: m.clock.Now()}
		out = append(out, f)

		m.mu.Lock()
		m.failures = append(m.failures, f)
		m.mu.Unlock()

		m.log.WithField("capture", t.Name).Warn("Watchdog reclaimed expired captures")
		if m.hook != nil {
			m.hook(f)
		}
	}
	return out
}

// Failures returns every failure recorded so far.
func (m *Monitor) Failures() []Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Failure(nil), m.failures...)
}
