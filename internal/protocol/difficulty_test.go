package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Boundary scenario 1 (§8): diff_to_target(1.0) places the word
// 0xFFFF0000 at word index 6 and byte-reverses the whole array.
func TestDiffToTargetOne(t *testing.T) {
	got := diffToTarget(1.0)
	want := [32]byte{
		0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, want, got)
}

func TestDiffToTargetMonotonic(t *testing.T) {
	low := diffToTarget(1.0)
	high := diffToTarget(1000.0)
	// Higher difficulty means a smaller (harder) target.
	assert.True(t, bytesLess(high[:], low[:]))
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
