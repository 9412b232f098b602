// Package bloom implements the split-personality bloom layer: a
// single serializable filter with deterministic value encoding, and a
// multi-column index used by the query planner for equality pruning.
//
// No false negatives, ever: a value that was added always answers
// mightContain true (Testable property: ∀ added v, mightContain(v)).
package bloom

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Filter is a classic m-bit, k-hash bloom filter.
//
// Thread Safety: not safe for concurrent mutation; the owning index
// serializes writers.
type Filter struct {
	numBits   uint32
	numHashes uint32
	bits      []byte
}

// New sizes a filter for expectedItems at the target false-positive
// rate using the standard formulas m = -n·ln(p)/ln(2)², k = m/n·ln(2).
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	n := float64(expectedItems)
	m := math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	k := math.Max(1, math.Round(m/n*math.Ln2))
	numBits := uint32(m)
	if numBits < 8 {
		numBits = 8
	}
	return &Filter{
		numBits:   numBits,
		numHashes: uint32(k),
		bits:      make([]byte, (numBits+7)/8),
	}
}

// value-kind markers keep distinct kinds from colliding: null differs
// from the empty string, false from zero.
const (
	markerNull   = 0x00
	markerString = 0x01
	markerNumber = 0x02
	markerBool   = 0x03
	markerDate   = 0x04
	markerBytes  = 0x05
	markerJSON   = 0x06
)

// encodeValue serializes a value deterministically for hashing.
func encodeValue(v any) []byte {
	switch val := v.(type) {
	case nil:
		return []byte{markerNull}
	case string:
		return append([]byte{markerString}, val...)
	case float64:
		var buf [9]byte
		buf[0] = markerNumber
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(val))
		return buf[:]
	case float32:
		return encodeValue(float64(val))
	case int:
		return encodeValue(float64(val))
	case int32:
		return encodeValue(float64(val))
	case int64:
		return encodeValue(float64(val))
	case bool:
		if val {
			return []byte{markerBool, 1}
		}
		return []byte{markerBool, 0}
	case time.Time:
		var buf [9]byte
		buf[0] = markerDate
		binary.LittleEndian.PutUint64(buf[1:], uint64(val.UnixMilli()))
		return buf[:]
	case []byte:
		return append([]byte{markerBytes}, val...)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return []byte{markerJSON}
		}
		return append([]byte{markerJSON}, data...)
	}
}

// positions derives the k bit positions via double hashing over the
// two murmur3 128-bit halves.
func (f *Filter) positions(v any) []uint32 {
	h1, h2 := murmur3.Sum128(encodeValue(v))
	out := make([]uint32, f.numHashes)
	for i := uint32(0); i < f.numHashes; i++ {
		out[i] = uint32((h1 + uint64(i)*h2) % uint64(f.numBits))
	}
	return out
}

// Add inserts a value.
func (f *Filter) Add(v any) {
	for _, pos := range f.positions(v) {
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MightContain reports whether v may be present. Out-of-range byte
// indexes answer a conservative true.
func (f *Filter) MightContain(v any) bool {
	for _, pos := range f.positions(v) {
		idx := pos / 8
		if int(idx) >= len(f.bits) {
			return true
		}
		if f.bits[idx]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Merge ORs another filter in. Both filters must share the exact
// geometry.
func (f *Filter) Merge(other *Filter) error {
	if f.numBits != other.numBits || f.numHashes != other.numHashes {
		return errors.Newf(errors.CodeInvalidInput,
			"bloom geometry mismatch: %d/%d vs %d/%d",
			f.numBits, f.numHashes, other.numBits, other.numHashes)
	}
	for i := range f.bits {
		f.bits[i] |= other.bits[i]
	}
	return nil
}

// popCount counts set bits.
func (f *Filter) popCount() int {
	n := 0
	for _, b := range f.bits {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

// EstimateCount approximates the distinct insertions:
// -m/k · ln(1 - X/m). A saturated filter reports +Inf.
func (f *Filter) EstimateCount() float64 {
	m := float64(f.numBits)
	k := float64(f.numHashes)
	x := float64(f.popCount())
	if x >= m {
		return math.Inf(1)
	}
	return -m / k * math.Log(1-x/m)
}

// wireFilter is the serialized form.
type wireFilter struct {
	NumBits   uint32 `json:"numBits"`
	NumHashes uint32 `json:"numHashes"`
	Bits      []byte `json:"bits"`
}

// Marshal serializes the filter.
func (f *Filter) Marshal() ([]byte, error) {
	return json.Marshal(wireFilter{NumBits: f.numBits, NumHashes: f.numHashes, Bits: f.bits})
}

// Unmarshal reconstructs a filter serialized with Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	var w wireFilter
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexLoadError, "parsing bloom filter")
	}
	if w.NumBits == 0 || w.NumHashes == 0 {
		return nil, errors.New(errors.CodeIndexLoadError, "bloom filter has zero geometry")
	}
	return &Filter{numBits: w.NumBits, numHashes: w.NumHashes, bits: w.Bits}, nil
}
