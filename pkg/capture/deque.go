// Package capture implements the generic interception engine shared by frame
// and request capture: an arena-indexed FIFO of captured items, the
// two-stage capture/pending-return store, and the single-filter registry.
//
// None of the types here lock. Their owner serialises access with its own
// mutex so that one lock covers both the filter and the queues.
package capture

// Handle is a stable reference to a deque slot. A handle becomes invalid
// once its item is removed, even if the slot is reused.
type Handle struct {
	index uint32
	gen   uint32
}

type slot[T any] struct {
	val  T
	gen  uint32
	used bool
}

// Deque is a FIFO whose items live in an arena of slots. Ordering is kept in
// a ring of slot indices, which gives O(1) push and pop at either end and
// O(1) positional lookup; removal from the middle is O(n).
type Deque[T any] struct {
	slots []slot[T]
	free  []uint32

	ring  []uint32
	head  int
	count int
}

// Len returns the number of items in the deque.
func (d *Deque[T]) Len() int { return d.count }

func (d *Deque[T]) alloc(v T) uint32 {
	var idx uint32
	if n := len(d.free); n > 0 {
		idx = d.free[n-1]
		d.free = d.free[:n-1]
	} else {
		d.slots = append(d.slots, slot[T]{})
		idx = uint32(len(d.slots) - 1)
	}
	s := &d.slots[idx]
	s.val = v
	s.used = true
	return idx
}

func (d *Deque[T]) release(idx uint32) T {
	s := &d.slots[idx]
	v := s.val
	var zero T
	s.val = zero
	s.used = false
	s.gen++
	d.free = append(d.free, idx)
	return v
}

func (d *Deque[T]) grow() {
	n := len(d.ring) * 2
	if n == 0 {
		n = 8
	}
	ring := make([]uint32, n)
	for i := 0; i < d.count; i++ {
		ring[i] = d.ring[(d.head+i)%len(d.ring)]
	}
	d.ring = ring
	d.head = 0
}

func (d *Deque[T]) pos(i int) int { return (d.head + i) % len(d.ring) }

// PushBack appends v and returns its handle.
func (d *Deque[T]) PushBack(v T) Handle {
	if d.count == len(d.ring) {
		d.grow()
	}
	idx := d.alloc(v)
	d.ring[d.pos(d.count)] = idx
	d.count++
	return Handle{index: idx, gen: d.slots[idx].gen}
}

// Front returns the oldest item.
func (d *Deque[T]) Front() (T, bool) {
	return d.At(0)
}

// PopFront removes and returns the oldest item.
func (d *Deque[T]) PopFront() (T, bool) {
	return d.RemoveAt(0)
}

// At returns the i-th item in FIFO order.
func (d *Deque[T]) At(i int) (T, bool) {
	if i < 0 || i >= d.count {
		var zero T
		return zero, false
	}
	return d.slots[d.ring[d.pos(i)]].val, true
}

// HandleAt returns the handle of the i-th item.
func (d *Deque[T]) HandleAt(i int) (Handle, bool) {
	if i < 0 || i >= d.count {
		return Handle{}, false
	}
	idx := d.ring[d.pos(i)]
	return Handle{index: idx, gen: d.slots[idx].gen}, true
}

// Get resolves a handle. It fails once the item has been removed.
func (d *Deque[T]) Get(h Handle) (T, bool) {
	if int(h.index) >= len(d.slots) {
		var zero T
		return zero, false
	}
	s := &d.slots[h.index]
	if !s.used || s.gen != h.gen {
		var zero T
		return zero, false
	}
	return s.val, true
}

// RemoveAt removes and returns the i-th item, preserving the order of the
// rest.
func (d *Deque[T]) RemoveAt(i int) (T, bool) {
	if i < 0 || i >= d.count {
		var zero T
		return zero, false
	}
	idx := d.ring[d.pos(i)]
	if i == 0 {
		d.head = d.pos(1)
	} else {
		for j := i; j < d.count-1; j++ {
			d.ring[d.pos(j)] = d.ring[d.pos(j+1)]
		}
	}
	d.count--
	return d.release(idx), true
}

// Drain removes every item and returns them in FIFO order.
func (d *Deque[T]) Drain() []T {
	out := make([]T, 0, d.count)
	for d.count > 0 {
		v, _ := d.PopFront()
		out = append(out, v)
	}
	d.head = 0
	return out
}

// Each calls fn for every item in FIFO order until fn returns false.
func (d *Deque[T]) Each(fn func(i int, v T) bool) {
	for i := 0; i < d.count; i++ {
		if !fn(i, d.slots[d.ring[d.pos(i)]].val) {
			return
		}
	}
}
