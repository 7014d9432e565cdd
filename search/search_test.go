package search_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameshift-fuzz/frameshift-go/buffer"
	"github.com/frameshift-fuzz/frameshift-go/search"
)

// funcOracle adapts a plain function to search.Oracle, mirroring the
// oracle.Func adapter but kept local so this package's tests don't need to
// import the oracle package.
type funcOracle func(data []byte) []byte

func (f funcOracle) Probe(data []byte) []byte { return f(data) }

func TestConfigValidate(t *testing.T) {
	ok := search.DefaultConfig()
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.MaxIters = 0
	assert.Error(t, bad.Validate())

	bad = ok
	bad.LossThreshold = 0
	assert.Error(t, bad.Validate())

	bad = ok
	bad.RecoverThreshold = 1.5
	assert.Error(t, bad.Validate())
}

// An oracle that never distinguishes inputs (constant coverage) must yield
// an empty focus set, and a search against it must never claim a relation
// — even over an input that looks exactly like a length-prefixed record.
func TestSearchNoSignalOracleFindsNothing(t *testing.T) {
	raw := []byte{0x05, 0x00, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05}
	oracle := funcOracle(func(data []byte) []byte {
		return []byte{1}
	})

	result := search.Search(buffer.New(append([]byte{}, raw...)), oracle, search.DefaultConfig())

	assert.False(t, result.FoundAny)
	assert.Empty(t, result.Input.Relations)
}

// lengthPrefixedOracle models a parser that accepts data iff its first byte
// names the exact number of bytes that follow. This is the canonical
// signal the search hunts for: a coverage bit that is set only when a
// byte's value is consistent with the buffer's own length.
func lengthPrefixedOracle(data []byte) []byte {
	cov := make([]byte, 2)
	if len(data) > 0 {
		cov[0] = 1
	}
	if len(data) >= 1 && int(data[0]) == len(data)-1 {
		cov[1] = 1
	}
	return cov
}

// End-to-end: a single-byte length field prefixing a same-length payload
// of filler bytes must be recovered as a size-1 relation anchored just
// past the field, with its insertion point at the end of the governed
// payload.
func TestSearchFindsSizeOneLengthField(t *testing.T) {
	payload := bytes.Repeat([]byte{'A'}, 200)
	raw := append([]byte{200}, payload...)

	result := search.Search(buffer.New(raw), funcOracle(lengthPrefixedOracle), search.DefaultConfig())

	require.True(t, result.FoundAny)
	require.Len(t, result.Input.Relations, 1)

	rel := result.Input.Relations[0]
	assert.Equal(t, 0, rel.Pos)
	assert.Equal(t, 1, rel.Size)
	assert.Equal(t, 1, rel.Anchor)
	assert.Equal(t, 201, rel.Insert)
	assert.EqualValues(t, 200, rel.Value)

	// The recovered relation must still describe the seed buffer: applying
	// it to a copy of the raw bytes must round-trip to the same content.
	buf := append([]byte{}, raw...)
	rel.Apply(buf)
	assert.Equal(t, raw, buf)
}

// twoByteLengthOracle models a parser that accepts data iff its first two
// bytes, read in the given endianness, name the exact number of bytes that
// follow.
func twoByteLengthOracle(le bool) funcOracle {
	return func(data []byte) []byte {
		cov := make([]byte, 2)
		if len(data) >= 2 {
			cov[0] = 1

			var n uint16
			if le {
				n = binary.LittleEndian.Uint16(data[:2])
			} else {
				n = binary.BigEndian.Uint16(data[:2])
			}
			if int(n) == len(data)-2 {
				cov[1] = 1
			}
		}
		return cov
	}
}

// End-to-end: a 2-byte big-endian length field prefixing a same-length
// payload must be recovered as a size-2 relation anchored just past the
// field.
func TestSearchFindsTwoByteBigEndianLengthField(t *testing.T) {
	payload := bytes.Repeat([]byte{'A'}, 300)
	raw := make([]byte, 2, 2+len(payload))
	binary.BigEndian.PutUint16(raw, uint16(len(payload)))
	raw = append(raw, payload...)

	result := search.Search(buffer.New(raw), twoByteLengthOracle(false), search.DefaultConfig())

	require.True(t, result.FoundAny)
	require.Len(t, result.Input.Relations, 1)

	rel := result.Input.Relations[0]
	assert.Equal(t, 0, rel.Pos)
	assert.Equal(t, 2, rel.Size)
	assert.False(t, rel.LE)
	assert.Equal(t, 2, rel.Anchor)
	assert.Equal(t, 2+len(payload), rel.Insert)
	assert.EqualValues(t, len(payload), rel.Value)

	buf := append([]byte{}, raw...)
	rel.Apply(buf)
	assert.Equal(t, raw, buf)
}

// Same as above but little-endian: the engine must pick the matching
// shape out of the (size, endianness) pairs it tries at each offset.
func TestSearchFindsTwoByteLittleEndianLengthField(t *testing.T) {
	payload := bytes.Repeat([]byte{'A'}, 300)
	raw := make([]byte, 2, 2+len(payload))
	binary.LittleEndian.PutUint16(raw, uint16(len(payload)))
	raw = append(raw, payload...)

	result := search.Search(buffer.New(raw), twoByteLengthOracle(true), search.DefaultConfig())

	require.True(t, result.FoundAny)
	require.Len(t, result.Input.Relations, 1)

	rel := result.Input.Relations[0]
	assert.Equal(t, 0, rel.Pos)
	assert.Equal(t, 2, rel.Size)
	assert.True(t, rel.LE)
	assert.Equal(t, 2, rel.Anchor)
	assert.Equal(t, 2+len(payload), rel.Insert)
	assert.EqualValues(t, len(payload), rel.Value)

	buf := append([]byte{}, raw...)
	rel.Apply(buf)
	assert.Equal(t, raw, buf)
}

// twoChunkOracle models two back-to-back length-prefixed records: a 1-byte
// field naming the length of the first payload, immediately followed by a
// second 1-byte field naming the length of the payload after it. The
// second field's position depends on the first field's value, the way a
// real sequence of TLV records chains together.
func twoChunkOracle(data []byte) []byte {
	cov := make([]byte, 2)
	if len(data) == 0 {
		return cov
	}
	cov[0] = 1

	bPos := 1 + int(data[0])
	if bPos < 0 || bPos >= len(data) {
		return cov
	}
	bLen := int(data[bPos])
	if bPos+1+bLen == len(data) {
		cov[1] = 1
	}
	return cov
}

// End-to-end: two disjoint length-prefixed chunks in the same buffer must
// both be recovered as independent relations, neither corrupting the
// other's discovery.
func TestSearchFindsTwoDisjointLengthFields(t *testing.T) {
	payloadA := bytes.Repeat([]byte{'A'}, 50)
	payloadB := bytes.Repeat([]byte{'B'}, 80)

	raw := append([]byte{byte(len(payloadA))}, payloadA...)
	raw = append(raw, byte(len(payloadB)))
	raw = append(raw, payloadB...)

	result := search.Search(buffer.New(raw), funcOracle(twoChunkOracle), search.DefaultConfig())

	require.True(t, result.FoundAny)
	require.Len(t, result.Input.Relations, 2)

	byPos := make(map[int]int)
	for i, rel := range result.Input.Relations {
		byPos[rel.Pos] = i
	}

	idxA, ok := byPos[0]
	require.True(t, ok, "expected a relation at position 0")
	a := result.Input.Relations[idxA]
	assert.Equal(t, 1, a.Size)
	assert.Equal(t, 1, a.Anchor)
	assert.Equal(t, 1+len(payloadA), a.Insert)
	assert.EqualValues(t, len(payloadA), a.Value)

	bPos := 1 + len(payloadA)
	idxB, ok := byPos[bPos]
	require.True(t, ok, "expected a relation at position %d", bPos)
	b := result.Input.Relations[idxB]
	assert.Equal(t, 1, b.Size)
	assert.Equal(t, bPos+1, b.Anchor)
	assert.Equal(t, bPos+1+len(payloadB), b.Insert)
	assert.EqualValues(t, len(payloadB), b.Value)

	buf := append([]byte{}, raw...)
	a.Apply(buf)
	b.Apply(buf)
	assert.Equal(t, raw, buf)
}
