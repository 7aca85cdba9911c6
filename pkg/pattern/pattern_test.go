package pattern

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/nicshim/pkg/core"
)

func TestMatchDefinition(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 500; iter++ {
		n := rng.Intn(16) + 1
		p := make([]byte, n)
		m := make([]byte, n)
		b := make([]byte, n+rng.Intn(4))
		rng.Read(p)
		rng.Read(m)
		rng.Read(b)
		// Bias half of the candidates towards matching
		if iter%2 == 0 {
			for i := range p {
				b[i] = (p[i] & m[i]) | (b[i] &^ m[i])
			}
		}

		want := true
		for i := range p {
			if (b[i]^p[i])&m[i] != 0 {
				want = false
				break
			}
		}
		assert.Equal(t, want, Match(b, p, m), "pattern=%x mask=%x candidate=%x", p, m, b)
	}
}

func TestMatchShortCandidate(t *testing.T) {
	assert.False(t, Match([]byte{0xAB}, []byte{0xAB, 0x00}, []byte{0xFF, 0x00}))
}

func TestMatchZeroMask(t *testing.T) {
	assert.True(t, Match([]byte{1, 2, 3}, []byte{9, 9, 9}, []byte{0, 0, 0}))
}

func TestFilterAt(t *testing.T) {
	f := At(10, []byte{0xAB})
	require.Equal(t, 11, f.Len())

	frame := make([]byte, 20)
	frame[10] = 0xAB
	assert.True(t, f.Matches(frame))

	frame[10] = 0xAA
	assert.False(t, f.Matches(frame))
}

func TestFilterValidate(t *testing.T) {
	_, err := New([]byte{1, 2}, []byte{0xFF})
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))

	f, err := New(nil, nil)
	require.NoError(t, err)
	assert.True(t, f.IsClear())
}

func TestMatchBufferChained(t *testing.T) {
	f := At(3, []byte{0xCA, 0xFE})

	// Logical data starts one byte into the chain and straddles a segment boundary
	b := core.NewChainedBuffer(1, []byte{0x00, 0x01, 0x02, 0x03}, []byte{0xCA}, []byte{0xFE, 0x00})
	assert.True(t, f.MatchBuffer(b))

	b.Segments[2][0] = 0xFF
	assert.False(t, f.MatchBuffer(b))

	// Clear filter never matches
	assert.False(t, Filter{}.MatchBuffer(core.NewBuffer([]byte{1})))
}
