// Package buffer implements StructuredBuffer: a raw byte buffer paired with
// an ordered list of relations (package relation) describing the
// length/offset fields embedded in it. Every edit primitive keeps the raw
// bytes and the relation bookkeeping consistent, re-deriving invalidated
// fields' bytes via Sanitize after each structural change.
package buffer

import (
	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"

	"github.com/frameshift-fuzz/frameshift-go/relation"
)

// StructuredBuffer is raw bytes plus the relations that govern them.
type StructuredBuffer struct {
	Raw       []byte
	Relations []*relation.Relation
}

// New wraps raw bytes with no relations.
func New(raw []byte) *StructuredBuffer {
	return &StructuredBuffer{Raw: raw}
}

// AddRelation appends rel to the buffer's relation list.
func (b *StructuredBuffer) AddRelation(rel *relation.Relation) {
	b.Relations = append(b.Relations, rel)
}

// splice replaces buf[start:end] with data, shifting the remainder.
func splice(buf []byte, start, end int, data []byte) []byte {
	tail := append([]byte{}, buf[end:]...)
	out := append(buf[:start:start], data...)
	return append(out, tail...)
}

// Write overwrites the len(data) bytes at idx in place; the buffer's length
// is unchanged, so no relation bookkeeping is needed, only a re-Sanitize
// since the overwritten bytes may have clobbered a field this write didn't
// intend to touch.
func (b *StructuredBuffer) Write(idx int, data []byte) {
	copy(b.Raw[idx:idx+len(data)], data)
	b.Sanitize()
}

// Insert splices data into the buffer at idx, updating every enabled
// relation's bookkeeping first. If any relation rejects the insertion
// (split or overflow), the buffer is left unmodified and Insert reports
// false.
func (b *StructuredBuffer) Insert(idx int, data []byte) bool {
	for _, rel := range b.Relations {
		if !rel.Enabled {
			continue
		}
		rel.Save()
	}
	for _, rel := range b.Relations {
		if !rel.Enabled {
			continue
		}
		if !rel.OnInsert(idx, len(data)) {
			for _, r2 := range b.Relations {
				if r2.Enabled {
					r2.Restore()
				}
			}
			return false
		}
	}
	b.Raw = splice(b.Raw, idx, idx, data)
	b.Sanitize()
	return true
}

// OnInsert tracks an insertion of size bytes at idx without touching Raw.
// It is used by the search engine to speculatively probe whether a
// hypothetical edit would invalidate any relation.
func (b *StructuredBuffer) OnInsert(idx, size int) bool {
	for _, rel := range b.Relations {
		if !rel.Enabled {
			continue
		}
		if !rel.OnInsert(idx, size) {
			return false
		}
	}
	return true
}

// InsertIgnoreInvalid splices data into the buffer at idx, applying
// bookkeeping to every enabled relation and silently leaving any relation
// that rejects the update in its (now incoherent) intermediate state. It
// exists for callers that will immediately disable or discard any relation
// left inconsistent; ordinary callers should prefer InsertDisabling.
func (b *StructuredBuffer) InsertIgnoreInvalid(idx int, data []byte) {
	for _, rel := range b.Relations {
		if !rel.Enabled {
			continue
		}
		rel.OnInsert(idx, len(data))
	}
	b.Raw = splice(b.Raw, idx, idx, data)
	b.Sanitize()
}

// Remove deletes size bytes at idx, updating every enabled relation's
// bookkeeping first. If any relation rejects the removal (overlap or
// value underflow), the buffer is left unmodified and Remove reports false.
func (b *StructuredBuffer) Remove(idx, size int) bool {
	for _, rel := range b.Relations {
		if !rel.Enabled {
			continue
		}
		rel.Save()
	}
	for _, rel := range b.Relations {
		if !rel.Enabled {
			continue
		}
		if !rel.OnRemove(idx, size) {
			for _, r2 := range b.Relations {
				if r2.Enabled {
					r2.Restore()
				}
			}
			return false
		}
	}
	b.Raw = splice(b.Raw, idx, idx+size, nil)
	b.Sanitize()
	return true
}

// InsertDisabling splices data into the buffer at idx. Any relation whose
// bookkeeping rejects the insertion is disabled and dropped (swap-remove,
// so remaining order among surviving relations is not preserved) rather
// than causing the whole edit to fail.
func (b *StructuredBuffer) InsertDisabling(idx int, data []byte) {
	var disabled []int
	for i, rel := range b.Relations {
		if !rel.Enabled {
			continue
		}
		if !rel.OnInsert(idx, len(data)) {
			disabled = append(disabled, i)
		}
	}

	b.Raw = splice(b.Raw, idx, idx, data)

	for i := len(disabled) - 1; i >= 0; i-- {
		b.swapRemove(disabled[i])
	}

	b.Sanitize()
}

// RemoveDisabling deletes size bytes at idx. Any relation whose bookkeeping
// rejects the removal is disabled and dropped, mirroring InsertDisabling.
func (b *StructuredBuffer) RemoveDisabling(idx, size int) {
	var disabled []int
	for i, rel := range b.Relations {
		if !rel.Enabled {
			continue
		}
		if !rel.OnRemove(idx, size) {
			disabled = append(disabled, i)
		}
	}

	b.Raw = splice(b.Raw, idx, idx+size, nil)

	for i := len(disabled) - 1; i >= 0; i-- {
		b.swapRemove(disabled[i])
	}

	b.Sanitize()
}

// swapRemove drops Relations[i] by moving the last element into its place,
// matching Rust's Vec::swap_remove: O(1), order among the rest is not kept.
func (b *StructuredBuffer) swapRemove(i int) {
	last := len(b.Relations) - 1
	b.Relations[i] = b.Relations[last]
	b.Relations = b.Relations[:last]
}

// Sanitize re-applies every enabled relation's current value onto Raw.
func (b *StructuredBuffer) Sanitize() {
	for _, rel := range b.Relations {
		if rel.Enabled {
			rel.Apply(b.Raw)
		}
	}
}

// SanitizeBuffer applies every enabled relation onto buf instead of Raw. It
// is used by the search engine to materialize a probe candidate without
// mutating the buffer under search.
func (b *StructuredBuffer) SanitizeBuffer(buf []byte) {
	for _, rel := range b.Relations {
		if rel.Enabled {
			rel.Apply(buf)
		}
	}
}

// intKey is an llrb.Comparable wrapping a single int, used to keep
// InflectionPoints/InsertionPoints deduplicated and in sorted order without
// a second pass to sort a slice.
type intKey int

func (k intKey) Compare(c llrb.Comparable) int {
	return int(k) - int(c.(intKey))
}

func sortedSet(vals ...int) []int {
	tree := llrb.Tree{}
	for _, v := range vals {
		tree.Insert(intKey(v))
	}
	out := make([]int, 0, tree.Len())
	tree.Do(func(item llrb.Comparable) bool {
		out = append(out, int(item.(intKey)))
		return true
	})
	return out
}

// InflectionPoints returns the sorted set of byte offsets that look like
// plausible pointer/indirection targets: the pos, anchor, and insert of
// every enabled 4- or 8-byte relation. Narrower fields are too easily
// confused with ordinary small integers to be useful pivot points for a
// mutator.
func (b *StructuredBuffer) InflectionPoints() []int {
	var pts []int
	for _, rel := range b.Relations {
		if !rel.Enabled {
			continue
		}
		if rel.Size == 4 || rel.Size == 8 {
			pts = append(pts, rel.Pos, rel.Anchor, rel.Insert)
		}
	}
	return sortedSet(pts...)
}

// InsertionPoints returns the sorted set of offsets a structure-preserving
// insert may target: the end of the buffer, plus every enabled relation's
// insert point.
func (b *StructuredBuffer) InsertionPoints() []int {
	pts := []int{len(b.Raw)}
	for _, rel := range b.Relations {
		if !rel.Enabled {
			continue
		}
		pts = append(pts, rel.Insert)
	}
	return sortedSet(pts...)
}

// SetRelationEnabled toggles Relations[idx].Enabled.
func (b *StructuredBuffer) SetRelationEnabled(idx int, enabled bool) error {
	if idx < 0 || idx >= len(b.Relations) {
		return errors.E("buffer: relation index out of range", idx)
	}
	b.Relations[idx].Enabled = enabled
	return nil
}

// SaveRelations snapshots every relation for a later RestoreRelations.
func (b *StructuredBuffer) SaveRelations() {
	for _, rel := range b.Relations {
		rel.Save()
	}
}

// RestoreRelations rolls every relation back to its last SaveRelations.
func (b *StructuredBuffer) RestoreRelations() {
	for _, rel := range b.Relations {
		rel.Restore()
	}
}

// Resize grows or shrinks the buffer to newLen, padding growth with fill
// and choosing a structure-preserving insertion point for the new bytes
// (a random entry of InsertionPoints), or truncating from the tail via
// RemoveDisabling when shrinking. pick selects the insertion point among
// len(InsertionPoints()) candidates; callers typically pass a seeded RNG's
// Intn so repeated mutation of the same buffer is reproducible.
func (b *StructuredBuffer) Resize(newLen int, fill byte, pick func(n int) int) {
	prevLen := len(b.Raw)
	switch {
	case newLen > prevLen:
		data := make([]byte, newLen-prevLen)
		for i := range data {
			data[i] = fill
		}
		insertions := b.InsertionPoints()
		pos := insertions[pick(len(insertions))]
		b.InsertDisabling(pos, data)
	case newLen < prevLen:
		b.RemoveDisabling(newLen, prevLen-newLen)
	}
}

// Extend appends data to the end of the buffer, disabling any relation
// whose insert point sat exactly at the old end and could not absorb the
// growth coherently.
func (b *StructuredBuffer) Extend(data []byte) {
	b.InsertDisabling(len(b.Raw), data)
}

// Splice replaces buf[start:end] with replacement, in place where the
// lengths match (a plain Write, preserving every relation), or via a
// disabling remove/insert when they differ.
func (b *StructuredBuffer) Splice(start, end int, replacement []byte) {
	prevSize := end - start
	newSize := len(replacement)

	switch {
	case prevSize == newSize:
		b.Write(start, replacement)
	case prevSize > newSize:
		b.Write(start, replacement)
		b.RemoveDisabling(start+newSize, prevSize-newSize)
	default:
		b.Write(start, replacement[:prevSize])
		b.InsertDisabling(end, replacement[prevSize:])
	}
}

// Drain removes buf[start:end], disabling any relation the removal
// invalidates.
func (b *StructuredBuffer) Drain(start, end int) {
	b.RemoveDisabling(start, end-start)
}
