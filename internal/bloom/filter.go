// Package bloom provides a probabilistic membership filter over the series
// keys contained in a compressed chunk segment. Queries with a series-key
// predicate use it to skip segments that cannot match, without downloading
// the segment. No false negatives: if a key was added, MayContain returns true.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

// Filter is a fixed-size bloom filter keyed by series key.
type Filter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter sized for the expected number of distinct series keys
// and target false positive rate.
func New(expectedItems int, targetFPR float64) *Filter {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	// m = -n*ln(p)/ln(2)^2, k = (m/n)*ln(2)
	m := int(math.Ceil(-float64(expectedItems) * math.Log(targetFPR) / (math.Ln2 * math.Ln2)))
	k := int(math.Round(float64(m) / float64(expectedItems) * math.Ln2))
	if k < 1 {
		k = 1
	}

	numWords := (m + 63) / 64
	if numWords < 1 {
		numWords = 1
	}
	return &Filter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(k),
	}
}

// Add records a series key in the filter.
func (f *Filter) Add(key string) {
	h1, h2 := murmur3.Sum128([]byte(key))
	for i := uint64(0); i < f.numHashes; i++ {
		// Kirsch-Mitzenmacher double hashing
		bit := (h1 + i*h2) % f.numBits
		f.bits[bit/64] |= 1 << (bit % 64)
	}
	f.count++
}

// MayContain reports whether the key may have been added. False positives
// are possible; false negatives are not.
func (f *Filter) MayContain(key string) bool {
	h1, h2 := murmur3.Sum128([]byte(key))
	for i := uint64(0); i < f.numHashes; i++ {
		bit := (h1 + i*h2) % f.numBits
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of keys added.
func (f *Filter) Count() uint64 {
	return f.count
}

// Marshal serializes the filter for storage in the catalog.
// Layout: numBits, numHashes, count, then the bit words, all little-endian.
func (f *Filter) Marshal() []byte {
	buf := make([]byte, 24+8*len(f.bits))
	binary.LittleEndian.PutUint64(buf[0:], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:], f.numHashes)
	binary.LittleEndian.PutUint64(buf[16:], f.count)
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(buf[24+8*i:], w)
	}
	return buf
}

// Unmarshal reconstructs a filter serialized by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < 24 {
		return nil, fmt.Errorf("bloom: serialized filter too short (%d bytes)", len(data))
	}
	numBits := binary.LittleEndian.Uint64(data[0:])
	numHashes := binary.LittleEndian.Uint64(data[8:])
	count := binary.LittleEndian.Uint64(data[16:])

	numWords := int(numBits / 64)
	if len(data) != 24+8*numWords {
		return nil, fmt.Errorf("bloom: serialized filter length %d does not match %d bits", len(data), numBits)
	}
	if numHashes == 0 {
		return nil, fmt.Errorf("bloom: serialized filter has zero hash functions")
	}

	bits := make([]uint64, numWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(data[24+8*i:])
	}
	return &Filter{bits: bits, numBits: numBits, numHashes: numHashes, count: count}, nil
}
