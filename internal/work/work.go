// Package work defines the canonical work package and solution value
// types shared between the protocol engine and the GPU workers
// (component D of the specification).
package work

import (
	"bytes"

	"github.com/holiman/uint256"
)

// ProgPoWPeriod is the number of blocks in one ProgPoW kernel period.
const ProgPoWPeriod = 50

// Hash is a 32-byte big-endian hash value: a header, a seed hash, or a
// mix hash.
type Hash [32]byte

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) Bytes() []byte { return h[:] }

// Algorithm is the external Ethash/ProgPoW math library this module
// consumes as a collaborator (out of scope per §1: "assumed to
// provide"). A real binding wraps the C++ library; tests supply a
// fake.
type Algorithm interface {
	// ToEpoch derives the epoch number from a seed hash.
	ToEpoch(seedHash Hash) uint64
	// LightCacheSize returns the light-cache size in bytes for an epoch.
	LightCacheSize(epoch uint64) uint64
	// LightCache returns the light cache itself (light_cache_of_epoch,
	// §1) for an epoch, sized LightCacheSize(epoch).
	LightCache(epoch uint64) []byte
	// DagSize returns the DAG (dataset) size in bytes for an epoch.
	DagSize(epoch uint64) uint64
	// Eval computes the Ethash/ProgPoW mix and value for a candidate.
	Eval(epoch uint64, header Hash, nonce uint64) (mix Hash, value Hash)
}

// WorkPackage is immutable once published; a zero Header means "no
// work" (§3).
type WorkPackage struct {
	Header   Hash
	SeedHash Hash
	Epoch    uint64
	Boundary Hash
	Height   uint64
	JobID    string
	JobLen   int

	// StartNonce and ExtraSizeBits are populated only for
	// ethereum-stratum; ExtraSizeBits is -1 ("none") otherwise.
	StartNonce    uint64
	ExtraSizeBits int
}

// Period is the ProgPoW kernel period this work package falls in.
func (w WorkPackage) Period() uint64 {
	return w.Height / ProgPoWPeriod
}

// IsEmpty reports the "no work" sentinel (§3: zero header means no
// work). The search loop's forced-reinit sentinel is a different,
// non-empty package whose header has first byte 0x01 and the rest zero
// (see search package).
func (w WorkPackage) IsEmpty() bool {
	return w.Header.IsZero()
}

// BoundaryValue returns the work package's boundary as a 256-bit
// integer for comparison against a candidate's value.
func (w WorkPackage) BoundaryValue() *uint256.Int {
	return new(uint256.Int).SetBytes(w.Boundary[:])
}

// Meets reports whether value, interpreted as a big-endian 256-bit
// integer, is strictly less than the work package's boundary (§3).
func (w WorkPackage) Meets(value Hash) bool {
	v := new(uint256.Int).SetBytes(value[:])
	return v.Lt(w.BoundaryValue())
}

// Changed implements the "did work change" comparison from §4.4: a
// triple of (header, epoch, period).
func (w WorkPackage) Changed(other WorkPackage) bool {
	return w.Header != other.Header || w.Epoch != other.Epoch || w.Period() != other.Period()
}

// Equal is a byte-exact comparison, used by the protocol engine's
// "only emit on header change" rule (§4.3).
func (w WorkPackage) Equal(other WorkPackage) bool {
	return bytes.Equal(w.Header[:], other.Header[:])
}

// Solution is a candidate nonce/mix pair ready for submission.
type Solution struct {
	Nonce   uint64
	MixHash Hash
	Work    WorkPackage
	// Stale is true if a new work package was received while this
	// solution's kernel launch was in flight (§3).
	Stale bool
}
