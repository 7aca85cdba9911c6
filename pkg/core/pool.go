package core

import "sync"

// Scratch buffer pools for contiguous copies of buffer chains. Callers
// must only return buffers obtained from ScratchGet.

const (
	scratchSmall = 256
	scratchMed   = 2048
	scratchLarge = 16384
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, scratchSmall); return &b }}
	poolMed   = sync.Pool{New: func() any { b := make([]byte, scratchMed); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, scratchLarge); return &b }}
)

// ScratchGet returns a byte slice of length n, pooled when n is small
// enough to fit one of the size classes.
func ScratchGet(n int) []byte {
	switch {
	case n <= scratchSmall:
		p := poolSmall.Get().(*[]byte)
		return (*p)[:n]
	case n <= scratchMed:
		p := poolMed.Get().(*[]byte)
		return (*p)[:n]
	case n <= scratchLarge:
		p := poolLarge.Get().(*[]byte)
		return (*p)[:n]
	default:
		return make([]byte, n)
	}
}

// ScratchPut returns a buffer to its pool. Buffers of other capacities are
// left to the garbage collector.
func ScratchPut(b []byte) {
	switch cap(b) {
	case scratchSmall:
		bb := b[:scratchSmall]
		poolSmall.Put(&bb)
	case scratchMed:
		bb := b[:scratchMed]
		poolMed.Put(&bb)
	case scratchLarge:
		bb := b[:scratchLarge]
		poolLarge.Put(&bb)
	}
}
