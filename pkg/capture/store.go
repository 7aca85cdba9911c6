package capture

import (
	"fmt"
	"time"

	"github.com/irctrakz/nicshim/pkg/core"
)

// Entry is the metadata record the engine owns for one captured item. The
// item itself stays owned by the driver; Ref only borrows it.
type Entry[T any] struct {
	Ref        *core.Borrowed[T]
	CapturedAt time.Time
	Processor  uint32
}

// Item returns the borrowed item without releasing it.
func (e *Entry[T]) Item() T { return e.Ref.Peek() }

// Age is how long the entry has been captured as of now.
func (e *Entry[T]) Age(now time.Time) time.Duration { return now.Sub(e.CapturedAt) }

// Expired reports whether the entry is older than grace.
func (e *Entry[T]) Expired(now time.Time, grace time.Duration) bool {
	return e.Age(now) > grace
}

// Store is the two-stage capture store: items enter the capture queue, a
// dequeue moves one to the pending-return queue, and a flush gives the
// pending-return items back to their owner.
type Store[T any] struct {
	captured Deque[*Entry[T]]
	pending  Deque[*Entry[T]]
	limit    int
}

// NewStore creates a store holding at most limit items across both queues
// (0 = unlimited).
func NewStore[T any](limit int) *Store[T] {
	return &Store[T]{limit: limit}
}

// Capture borrows item and appends it to the capture queue. It fails with
// ErrNoMemory when the store is full.
func (s *Store[T]) Capture(item T, now time.Time, processor uint32) (Handle, error) {
	if s.limit > 0 && s.captured.Len()+s.pending.Len() >= s.limit {
		return Handle{}, fmt.Errorf("capture store full (%d items): %w", s.limit, core.ErrNoMemory)
	}
	e := &Entry[T]{Ref: core.Borrow(item), CapturedAt: now, Processor: processor}
	return s.captured.PushBack(e), nil
}

// Captured returns the i-th entry of the capture queue.
func (s *Store[T]) Captured(i int) (*Entry[T], bool) {
	return s.captured.At(i)
}

// Lookup resolves a capture-queue handle.
func (s *Store[T]) Lookup(h Handle) (*Entry[T], bool) {
	return s.captured.Get(h)
}

// EachCaptured visits the capture queue in FIFO order.
func (s *Store[T]) EachCaptured(fn func(i int, e *Entry[T]) bool) {
	s.captured.Each(fn)
}

// Dequeue moves the i-th captured entry to the pending-return queue.
func (s *Store[T]) Dequeue(i int) error {
	e, ok := s.captured.RemoveAt(i)
	if !ok {
		return fmt.Errorf("dequeue index %d of %d: %w", i, s.captured.Len(), core.ErrNotFound)
	}
	s.pending.PushBack(e)
	return nil
}

// Take removes the i-th captured entry and returns its item, bypassing the
// pending-return queue.
func (s *Store[T]) Take(i int) (T, error) {
	e, ok := s.captured.RemoveAt(i)
	if !ok {
		var zero T
		return zero, fmt.Errorf("take index %d of %d: %w", i, s.captured.Len(), core.ErrNotFound)
	}
	return e.Ref.Return(), nil
}

// FlushPending returns every pending-return item to the caller and frees
// its entry. It fails with ErrNotFound when nothing was pending.
func (s *Store[T]) FlushPending() ([]T, error) {
	if s.pending.Len() == 0 {
		return nil, fmt.Errorf("no dequeued items: %w", core.ErrNotFound)
	}
	return Release(s.pending.Drain()), nil
}

// FlushAll returns every item in both queues, pending-return first.
func (s *Store[T]) FlushAll() []T {
	out := Release(s.pending.Drain())
	return append(out, Release(s.captured.Drain())...)
}

// Len returns the sizes of the capture and pending-return queues.
func (s *Store[T]) Len() (captured, pending int) {
	return s.captured.Len(), s.pending.Len()
}

// Empty reports whether both queues are empty.
func (s *Store[T]) Empty() bool {
	return s.captured.Len() == 0 && s.pending.Len() == 0
}

// Expired reports whether any entry in either queue is older than grace.
func (s *Store[T]) Expired(now time.Time, grace time.Duration) bool {
	return AnyExpired(&s.captured, now, grace) || AnyExpired(&s.pending, now, grace)
}

// Close checks the teardown invariant: a store must be drained before it is
// destroyed. A non-empty store means the capture protocol was violated.
func (s *Store[T]) Close() {
	if !s.Empty() {
		c, p := s.Len()
		panic(fmt.Sprintf("capture: store destroyed with %d captured and %d pending items", c, p))
	}
}

// AnyExpired reports whether any entry in d is older than grace.
func AnyExpired[T any](d *Deque[*Entry[T]], now time.Time, grace time.Duration) bool {
	expired := false
	d.Each(func(_ int, e *Entry[T]) bool {
		if e.Expired(now, grace) {
			expired = true
			return false
		}
		return true
	})
	return expired
}

// Release returns the items behind entries to their owner.
func Release[T any](entries []*Entry[T]) []T {
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Ref.Return())
	}
	return out
}
