package relation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameshift-fuzz/frameshift-go/relation"
)

// ....FFFF|........|....
func TestOnInsertRegionAfterField(t *testing.T) {
	base := func() *relation.Relation { return relation.New(4, 8, 4, true, 8, 16) }

	r := base()
	require.True(t, r.OnInsert(0, 1))
	assert.Equal(t, 5, r.Pos)
	assert.Equal(t, 9, r.Anchor)
	assert.Equal(t, 17, r.Insert)
	assert.EqualValues(t, 8, r.Value)

	r = base()
	require.True(t, r.OnInsert(4, 1))
	assert.Equal(t, 5, r.Pos)
	assert.Equal(t, 9, r.Anchor)
	assert.Equal(t, 17, r.Insert)

	r = base()
	require.False(t, r.OnInsert(5, 1))

	r = base()
	require.True(t, r.OnInsert(8, 1))
	assert.Equal(t, 4, r.Pos)
	assert.Equal(t, 8, r.Anchor)
	assert.Equal(t, 17, r.Insert)
	assert.EqualValues(t, 9, r.Value)

	r = base()
	require.True(t, r.OnInsert(12, 1))
	assert.Equal(t, 4, r.Pos)
	assert.Equal(t, 8, r.Anchor)
	assert.Equal(t, 17, r.Insert)
	assert.EqualValues(t, 9, r.Value)
}

// ....FFFF....|........|....
func TestOnInsertRegionAfterGap(t *testing.T) {
	base := func() *relation.Relation { return relation.New(4, 8, 4, true, 12, 20) }

	r := base()
	require.True(t, r.OnInsert(0, 1))
	assert.Equal(t, 5, r.Pos)
	assert.Equal(t, 13, r.Anchor)
	assert.Equal(t, 21, r.Insert)
	assert.EqualValues(t, 8, r.Value)

	r = base()
	require.True(t, r.OnInsert(4, 1))
	assert.Equal(t, 5, r.Pos)
	assert.Equal(t, 13, r.Anchor)
	assert.Equal(t, 21, r.Insert)
	assert.EqualValues(t, 8, r.Value)

	r = base()
	require.False(t, r.OnInsert(5, 1))

	r = base()
	require.True(t, r.OnInsert(8, 1))
	assert.Equal(t, 4, r.Pos)
	assert.Equal(t, 13, r.Anchor)
	assert.Equal(t, 21, r.Insert)
	assert.EqualValues(t, 8, r.Value)

	r = base()
	require.True(t, r.OnInsert(12, 1))
	assert.Equal(t, 4, r.Pos)
	assert.Equal(t, 12, r.Anchor)
	assert.Equal(t, 21, r.Insert)
	assert.EqualValues(t, 9, r.Value)
}

// |....FFFF....|.... (offset field: anchor pinned at 0)
func TestOnInsertOffsetPinsAnchor(t *testing.T) {
	base := func() *relation.Relation { return relation.New(4, 12, 4, true, 0, 12) }

	r := base()
	require.True(t, r.OnInsert(0, 1))
	assert.Equal(t, 5, r.Pos)
	assert.Equal(t, 0, r.Anchor, "anchor == 0 must never move")
	assert.Equal(t, 13, r.Insert)
	assert.EqualValues(t, 13, r.Value)

	r = base()
	require.False(t, r.OnInsert(5, 1))

	r = base()
	require.True(t, r.OnInsert(12, 1))
	assert.Equal(t, 0, r.Anchor)
	assert.Equal(t, 13, r.Insert)
	assert.EqualValues(t, 13, r.Value)
}

func TestOnInsertSplitRejected(t *testing.T) {
	for i := 5; i < 8; i++ {
		r := relation.New(4, 8, 4, true, 8, 16)
		assert.False(t, r.OnInsert(i, 3), "insert inside [pos, pos+size) must fail at idx=%d", i)
	}
}

// ....FFFF|........|....
func TestOnRemoveRegionAfterField(t *testing.T) {
	base := func() *relation.Relation { return relation.New(4, 8, 4, true, 8, 16) }

	r := base()
	require.True(t, r.OnRemove(0, 1))
	assert.Equal(t, 3, r.Pos)
	assert.Equal(t, 7, r.Anchor)
	assert.Equal(t, 15, r.Insert)
	assert.EqualValues(t, 8, r.Value)

	r = base()
	require.False(t, r.OnRemove(4, 1))

	r = base()
	require.False(t, r.OnRemove(7, 1))

	r = base()
	require.True(t, r.OnRemove(8, 1))
	assert.Equal(t, 4, r.Pos)
	assert.Equal(t, 8, r.Anchor)
	assert.Equal(t, 15, r.Insert)
	assert.EqualValues(t, 7, r.Value)

	r = base()
	require.True(t, r.OnRemove(12, 1))
	assert.Equal(t, 4, r.Pos)
	assert.Equal(t, 8, r.Anchor)
	assert.Equal(t, 15, r.Insert)
	assert.EqualValues(t, 7, r.Value)

	r = base()
	require.True(t, r.OnRemove(16, 1))
	assert.Equal(t, 4, r.Pos)
	assert.Equal(t, 8, r.Anchor)
	assert.Equal(t, 16, r.Insert)
	assert.EqualValues(t, 8, r.Value)
}

func TestOnRemoveOverlapRejected(t *testing.T) {
	r := relation.New(4, 8, 4, true, 8, 16)
	assert.False(t, r.OnRemove(4, 1))
	assert.False(t, r.OnRemove(7, 1))
}

// A width-1 field must reject an insertion that would overflow its value
// past 0xff, even when the insertion itself is otherwise valid.
func TestOnInsertOverflowRejected(t *testing.T) {
	r := relation.New(0, 0x30, 1, true, 1, 0x31)
	require.True(t, r.OnInsert(1, 0x40))
	assert.EqualValues(t, 0x70, r.Value)

	r2 := relation.New(0, 0x30, 1, true, 1, 0x31)
	require.False(t, r2.OnInsert(1, 0xf0))
}

// Removing exactly what was inserted must restore a relation's bookkeeping
// to its prior state exactly.
func TestInsertRemoveRoundTrip(t *testing.T) {
	orig := relation.New(4, 8, 4, true, 8, 16)
	r := orig.Clone()
	ok := r.OnInsert(10, 3)
	require.True(t, ok)
	ok = r.OnRemove(10, 3)
	require.True(t, ok)
	assert.Equal(t, orig.Pos, r.Pos)
	assert.Equal(t, orig.Anchor, r.Anchor)
	assert.Equal(t, orig.Insert, r.Insert)
	assert.Equal(t, orig.Value, r.Value)
}

// Every supported (size, endianness) shape must decode back to the exact
// value that was applied.
func TestApplyDecodeRoundTrip(t *testing.T) {
	shapes := []struct {
		size int
		le   bool
	}{
		{1, true}, {2, true}, {2, false}, {3, true}, {3, false},
		{4, true}, {4, false}, {8, true}, {8, false},
	}
	for _, s := range shapes {
		buf := make([]byte, s.size+4)
		r := relation.New(1, 0, s.size, s.le, 0, 0)
		r.Value = maxForSize(s.size) - 1
		r.Apply(buf)
		got := relation.Decode(buf, 1, s.size, s.le)
		assert.Equal(t, r.Value, got, "size=%d le=%v", s.size, s.le)
	}
}

func maxForSize(size int) uint64 {
	switch size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	case 3:
		return 0xffffff
	case 4:
		return 0xffffffff
	default:
		return 0xffffffffffffffff
	}
}

func TestSaveRestore(t *testing.T) {
	r := relation.New(4, 8, 4, true, 8, 16)
	r.Save()
	require.True(t, r.OnInsert(4, 4))
	assert.NotEqual(t, 4, r.Pos)
	r.Restore()
	assert.Equal(t, 4, r.Pos)
	assert.Equal(t, 8, r.Anchor)
	assert.Equal(t, 16, r.Insert)
	assert.EqualValues(t, 8, r.Value)
}
