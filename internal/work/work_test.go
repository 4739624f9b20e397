package work

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEmptyOnZeroHeader(t *testing.T) {
	var w WorkPackage
	assert.True(t, w.IsEmpty())

	w.Header[0] = 1
	assert.False(t, w.IsEmpty())
}

func TestMeetsBoundary(t *testing.T) {
	w := WorkPackage{}
	w.Boundary[30] = 0x01 // small boundary near the bottom of the range

	var lowValue, highValue Hash
	lowValue[31] = 0x01
	highValue[0] = 0xFF

	assert.True(t, w.Meets(lowValue))
	assert.False(t, w.Meets(highValue))
}

func TestPeriodFromHeight(t *testing.T) {
	w := WorkPackage{Height: 149}
	assert.Equal(t, uint64(2), w.Period())

	w.Height = 150
	assert.Equal(t, uint64(3), w.Period())
}

func TestChangedTriple(t *testing.T) {
	a := WorkPackage{Header: Hash{1}, Epoch: 5, Height: 100}
	b := a
	assert.False(t, a.Changed(b))

	b.Header = Hash{2}
	assert.True(t, a.Changed(b))

	b = a
	b.Epoch = 6
	assert.True(t, a.Changed(b))

	b = a
	b.Height = 149 // same period (100-149 -> period 2)
	assert.False(t, a.Changed(b))

	b.Height = 150 // period 3
	assert.True(t, a.Changed(b))
}

func TestEqualIsHeaderOnly(t *testing.T) {
	a := WorkPackage{Header: Hash{1}, Epoch: 1}
	b := WorkPackage{Header: Hash{1}, Epoch: 2}
	assert.True(t, a.Equal(b))

	b.Header = Hash{2}
	assert.False(t, a.Equal(b))
}
