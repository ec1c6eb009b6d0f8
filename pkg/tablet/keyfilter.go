package tablet

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// KeyFilter is a bloom filter over encoded row keys. Each DiskRowSet
// carries one so that key-presence probes (notably the fast-path rejection
// in MutateRow) can skip rowsets that definitely do not contain a key.
// False positives are possible, false negatives are not.
type KeyFilter struct {
	bits       []byte
	nbits      uint64
	hashFuncs  uint64
	insertions uint64
}

// NewKeyFilter sizes a filter for the expected number of keys and the
// desired false positive rate (e.g. 0.01 for 1%)
func NewKeyFilter(falsePositiveRate float64, expectedKeys uint64) *KeyFilter {
	if expectedKeys == 0 {
		expectedKeys = 1
	}
	// m = -n*ln(p) / ln(2)^2, k = (m/n) * ln(2)
	m := uint64(math.Ceil(-float64(expectedKeys) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 1
	}
	k := uint64(math.Max(1, math.Round(float64(m)/float64(expectedKeys)*math.Ln2)))

	return &KeyFilter{
		bits:      make([]byte, (m+7)/8),
		nbits:     m,
		hashFuncs: k,
	}
}

// Add inserts a key into the filter
func (f *KeyFilter) Add(key []byte) {
	h1, h2 := f.hashPair(key)
	for i := uint64(0); i < f.hashFuncs; i++ {
		pos := (h1 + i*h2) % f.nbits
		f.bits[pos/8] |= 1 << (pos % 8)
	}
	f.insertions++
}

// MayContain returns true if the key might be in the set, false if it is
// definitely not
func (f *KeyFilter) MayContain(key []byte) bool {
	h1, h2 := f.hashPair(key)
	for i := uint64(0); i < f.hashFuncs; i++ {
		pos := (h1 + i*h2) % f.nbits
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Insertions returns the number of keys added
func (f *KeyFilter) Insertions() uint64 {
	return f.insertions
}

// hashPair derives the two hashes for double hashing from a single xxhash
// pass over the key
func (f *KeyFilter) hashPair(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	h2 := (h1>>17 | h1<<47) | 1
	return h1, h2
}

// encode serializes the filter for the rowset footer
func (f *KeyFilter) encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, f.nbits)
	dst = binary.LittleEndian.AppendUint64(dst, f.hashFuncs)
	dst = binary.LittleEndian.AppendUint64(dst, f.insertions)
	return append(dst, f.bits...)
}

// decodeKeyFilter deserializes a filter produced by encode and returns the
// number of bytes consumed
func decodeKeyFilter(data []byte) (*KeyFilter, int, error) {
	if len(data) < 24 {
		return nil, 0, errors.Wrap(ErrRowSetCorrupted, "truncated key filter")
	}
	nbits := binary.LittleEndian.Uint64(data)
	hashFuncs := binary.LittleEndian.Uint64(data[8:])
	insertions := binary.LittleEndian.Uint64(data[16:])

	nbytes := int((nbits + 7) / 8)
	if nbits == 0 || hashFuncs == 0 || len(data) < 24+nbytes {
		return nil, 0, errors.Wrap(ErrRowSetCorrupted, "malformed key filter")
	}

	bits := make([]byte, nbytes)
	copy(bits, data[24:24+nbytes])
	return &KeyFilter{
		bits:       bits,
		nbits:      nbits,
		hashFuncs:  hashFuncs,
		insertions: insertions,
	}, 24 + nbytes, nil
}
