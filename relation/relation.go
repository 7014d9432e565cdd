// Package relation implements the bookkeeping algebra for a single
// inferred length/offset field (a "relation") inside a binary buffer.
//
// A Relation is a pure record: it knows how its own pos/anchor/insert/value
// bookkeeping responds to an insertion or removal of bytes elsewhere in the
// buffer, and how to encode its current value back into a byte slice. It has
// no knowledge of any other relation or of the buffer's overall layout; that
// lives in package buffer.
package relation

import (
	"encoding/binary"

	"github.com/grailbio/base/errors"
)

// Relation describes one inferred length/offset field.
//
// Pos is the byte offset of the field itself. Size is the field's width in
// bytes (1, 2, 4, or 8 for relations produced by search; apply additionally
// accepts 3 for hand-constructed or externally-loaded relations). LE selects
// little- or big-endian encoding (immaterial for Size==1). Anchor and Insert
// bound the byte region the field measures: Value == Insert-Anchor for a
// length field, or Value == Insert when Anchor == 0 for an offset field.
type Relation struct {
	Pos    int
	Size   int
	LE     bool
	Value  uint64
	Anchor int
	Insert int

	// Enabled marks whether this relation is live. A disabled relation is
	// not applied and not updated by edits, but is retained rather than
	// dropped so it can be garbage-collected or reinstated later.
	Enabled bool

	// shadow is the one-deep snapshot used by Save/Restore.
	shadow    shadowState
	hasShadow bool
}

type shadowState struct {
	pos, anchor, insert int
	value               uint64
}

// New constructs an enabled Relation.
func New(pos int, value uint64, size int, le bool, anchor, insert int) *Relation {
	return &Relation{
		Pos:     pos,
		Value:   value,
		Size:    size,
		LE:      le,
		Anchor:  anchor,
		Insert:  insert,
		Enabled: true,
	}
}

// maxValue returns the largest value the field's width can hold.
func maxValue(size int) uint64 {
	switch size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	case 3:
		return 0xffffff
	case 4:
		return 0xffffffff
	case 8:
		return 0xffffffffffffffff
	default:
		panic(errors.E("relation: unsupported width").Error())
	}
}

// OnInsert updates bookkeeping for an insertion of n bytes at idx. It
// reports false ("invalidation") when the insertion would split the field
// or overflow its encoded value; the caller must then treat r as needing to
// be disabled rather than applying any partial update. On false, r is left
// in whatever intermediate state the aborted update produced, so callers
// that need to keep using r afterward should Save before calling and
// Restore on failure.
func (r *Relation) OnInsert(idx, n int) bool {
	// Splitting the field itself is never coherent.
	if idx > r.Pos && idx < r.Pos+r.Size {
		return false
	}

	// The governed region grew iff the insertion point falls within it.
	if idx >= r.Anchor && idx <= r.Insert {
		r.Value += uint64(n)
		if r.Value > maxValue(r.Size) {
			return false
		}
	}

	if idx <= r.Pos {
		r.Pos += n
	}
	// Anchor == 0 is pinned: idx < 0 never holds for a byte offset, so this
	// comparison is naturally a no-op for offset-from-start fields.
	if idx < r.Anchor {
		r.Anchor += n
	}
	if idx <= r.Insert {
		r.Insert += n
	}

	return true
}

func clampSub(x, idx, n int) int {
	if idx >= x {
		return 0
	}
	d := x - idx
	if d > n {
		return n
	}
	return d
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// OnRemove updates bookkeeping for a removal of n bytes starting at idx. It
// reports false when the removal overlaps the field's own bytes, or would
// drive the encoded value negative (more of the governed region is removed
// than the relation currently believes is there).
func (r *Relation) OnRemove(idx, n int) bool {
	if idx < r.Pos+r.Size && idx+n > r.Pos {
		return false
	}

	prePos := clampSub(r.Pos, idx, n)
	preAnchor := clampSub(r.Anchor, idx, n)
	preInsert := clampSub(r.Insert, idx, n)

	overlapMin := clamp(idx, r.Anchor, r.Insert)
	overlapMax := clamp(idx+n, r.Anchor, r.Insert)
	overlap := overlapMax - overlapMin

	if uint64(overlap) > r.Value {
		return false
	}
	r.Value -= uint64(overlap)

	r.Pos -= prePos
	r.Anchor -= preAnchor
	r.Insert -= preInsert

	return true
}

// Apply serializes Value into buf[Pos:Pos+Size] using the configured
// endianness. Widths 1, 2, 3, 4, 8 are supported; any other width is a
// programmer error and panics.
func (r *Relation) Apply(buf []byte) {
	dst := buf[r.Pos : r.Pos+r.Size]
	switch {
	case r.Size == 1:
		dst[0] = byte(r.Value)
	case r.Size == 2 && r.LE:
		binary.LittleEndian.PutUint16(dst, uint16(r.Value))
	case r.Size == 2 && !r.LE:
		binary.BigEndian.PutUint16(dst, uint16(r.Value))
	case r.Size == 3 && r.LE:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(r.Value))
		copy(dst, tmp[0:3])
	case r.Size == 3 && !r.LE:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(r.Value))
		copy(dst, tmp[1:4])
	case r.Size == 4 && r.LE:
		binary.LittleEndian.PutUint32(dst, uint32(r.Value))
	case r.Size == 4 && !r.LE:
		binary.BigEndian.PutUint32(dst, uint32(r.Value))
	case r.Size == 8 && r.LE:
		binary.LittleEndian.PutUint64(dst, r.Value)
	case r.Size == 8 && !r.LE:
		binary.BigEndian.PutUint64(dst, r.Value)
	default:
		panic(errors.E("relation: unsupported width", r.Size).Error())
	}
}

// Decode reads a size-byte value out of buf at pos using the endianness le.
// It is the inverse of Apply and is used by the search engine to read
// candidate fields out of a seed buffer.
func Decode(buf []byte, pos, size int, le bool) uint64 {
	src := buf[pos : pos+size]
	switch {
	case size == 1:
		return uint64(src[0])
	case size == 2 && le:
		return uint64(binary.LittleEndian.Uint16(src))
	case size == 2 && !le:
		return uint64(binary.BigEndian.Uint16(src))
	case size == 3 && le:
		return uint64(src[0]) | uint64(src[1])<<8 | uint64(src[2])<<16
	case size == 3 && !le:
		return uint64(src[0])<<16 | uint64(src[1])<<8 | uint64(src[2])
	case size == 4 && le:
		return uint64(binary.LittleEndian.Uint32(src))
	case size == 4 && !le:
		return uint64(binary.BigEndian.Uint32(src))
	case size == 8 && le:
		return binary.LittleEndian.Uint64(src)
	case size == 8 && !le:
		return binary.BigEndian.Uint64(src)
	default:
		panic(errors.E("relation: unsupported decode width", size).Error())
	}
}

// Save snapshots (Pos, Anchor, Insert, Value) for a later Restore. It is a
// single slot: a second Save before a Restore simply overwrites the first.
func (r *Relation) Save() {
	r.shadow = shadowState{pos: r.Pos, anchor: r.Anchor, insert: r.Insert, value: r.Value}
	r.hasShadow = true
}

// Restore rolls (Pos, Anchor, Insert, Value) back to the last Save. Calling
// Restore without a prior Save is a no-op.
func (r *Relation) Restore() {
	if !r.hasShadow {
		return
	}
	r.Pos = r.shadow.pos
	r.Anchor = r.shadow.anchor
	r.Insert = r.shadow.insert
	r.Value = r.shadow.value
}

// Clone returns a deep copy, including Enabled but excluding shadow state
// (a freshly cloned Relation has no pending Save).
func (r *Relation) Clone() *Relation {
	c := *r
	c.hasShadow = false
	c.shadow = shadowState{}
	return &c
}
