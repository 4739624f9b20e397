package protocol

import "encoding/binary"

// minDifficulty is the floor applied to mining.set_difficulty updates
// (§4.3).
const minDifficulty = 0.0001

// diffToTarget implements the ethereum-stratum target derivation from
// §6: fold the difficulty into a 64-bit mantissa placed at a
// difficulty-dependent word offset, then byte-reverse the little-endian
// word array into the big-endian 32-byte target.
func diffToTarget(d float64) [32]byte {
	if d < minDifficulty {
		d = minDifficulty
	}

	k := 6
	for k > 0 && d > 1 {
		d = d / 4294967296.0
		k--
	}

	m := uint64(4294901760.0 / d)

	var words [8]uint32
	var out [32]byte

	if m == 0 && k == 6 {
		for i := range out {
			out[i] = 0xFF
		}
		return out
	}

	words[k] = uint32(m & 0xFFFFFFFF)
	words[k+1] = uint32(m >> 32)

	var little [32]byte
	for i, w := range words {
		binary.LittleEndian.PutUint32(little[i*4:i*4+4], w)
	}
	for i := 0; i < 32; i++ {
		out[i] = little[31-i]
	}
	return out
}
