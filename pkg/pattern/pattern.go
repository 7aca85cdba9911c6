// Package pattern implements the byte pattern/mask comparison used to select
// frames for capture.
package pattern

import (
	"fmt"

	"github.com/irctrakz/nicshim/pkg/core"
)

// Filter selects frames whose leading bytes equal Pattern in every bit set
// in Mask. A zero-length filter is the sentinel for "capture disabled".
type Filter struct {
	Pattern []byte
	Mask    []byte
}

// New builds a filter, copying pattern and mask.
func New(pattern, mask []byte) (Filter, error) {
	f := Filter{
		Pattern: append([]byte(nil), pattern...),
		Mask:    append([]byte(nil), mask...),
	}
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	return f, nil
}

// At builds a filter that matches value at byte offset off, ignoring every
// byte before it.
func At(off int, value []byte) Filter {
	f := Filter{
		Pattern: make([]byte, off+len(value)),
		Mask:    make([]byte, off+len(value)),
	}
	copy(f.Pattern[off:], value)
	for i := off; i < len(f.Mask); i++ {
		f.Mask[i] = 0xFF
	}
	return f
}

// Len is the number of bytes the filter inspects.
func (f Filter) Len() int { return len(f.Pattern) }

// IsClear reports whether f is the clear sentinel.
func (f Filter) IsClear() bool { return len(f.Pattern) == 0 }

// Validate checks that pattern and mask have equal lengths.
func (f Filter) Validate() error {
	if len(f.Pattern) != len(f.Mask) {
		return fmt.Errorf("pattern length %d != mask length %d: %w", len(f.Pattern), len(f.Mask), core.ErrInvalidParameter)
	}
	return nil
}

// Match reports whether candidate satisfies pattern under mask:
// (candidate[i] ^ pattern[i]) & mask[i] == 0 for every i < len(pattern).
// A candidate shorter than the pattern never matches.
func Match(candidate, pattern, mask []byte) bool {
	if len(candidate) < len(pattern) || len(mask) < len(pattern) {
		return false
	}
	for i := range pattern {
		if (candidate[i]^pattern[i])&mask[i] != 0 {
			return false
		}
	}
	return true
}

// Matches applies the filter to contiguous bytes.
func (f Filter) Matches(candidate []byte) bool {
	return Match(candidate, f.Pattern, f.Mask)
}

// MatchBuffer gathers min(b.DataLength, f.Len()) logical bytes of b into a
// scratch buffer and matches them against the filter. The clear sentinel
// never matches.
func (f Filter) MatchBuffer(b *core.Buffer) bool {
	if f.IsClear() || b == nil {
		return false
	}
	n := min(b.DataLength, f.Len())
	scratch := core.ScratchGet(n)
	defer core.ScratchPut(scratch)
	n = b.CopyData(scratch)
	return f.Matches(scratch[:n])
}
