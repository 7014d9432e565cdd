// Package corpus stores and retrieves structured test cases: the raw
// bytes of a test case alongside the relations discovered for it, each
// pair living as a "<id>" raw file and a ".<id>.annotated" sidecar.
package corpus

import (
	"context"
	"io"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"

	"github.com/frameshift-fuzz/frameshift-go/buffer"
	"github.com/frameshift-fuzz/frameshift-go/relation"
)

// sidecarExt names the relation sidecar that accompanies every raw test
// case file.
const sidecarExt = ".annotated"

// relationRow is one line of a sidecar file; field tags drive tsv's
// struct-tag (de)serialization the same way pileup's row types do.
type relationRow struct {
	Pos     int    `tsv:"pos"`
	Size    int    `tsv:"size"`
	LE      bool   `tsv:"le"`
	Value   uint64 `tsv:"value"`
	Anchor  int    `tsv:"anchor"`
	Insert  int    `tsv:"insert"`
	Enabled bool   `tsv:"enabled"`
}

// Store loads and saves corpus entries under a root directory (or URL
// prefix understood by github.com/grailbio/base/file, e.g. an s3:// one
// once s3file's implementation is registered by the caller).
type Store struct {
	root string

	// dedup maps an id to the farm hash of the (raw, relations) content
	// last flushed under it, so Save can skip rewriting a sidecar that
	// hasn't actually changed since the last flush.
	dedup map[string]uint64

	// rawCache holds snappy-compressed raw bytes for every id saved or
	// loaded through this Store, so a later Load doesn't round-trip through
	// the backing store. Entries are never evicted.
	rawCache map[string][]byte
}

// NewStore returns a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root, dedup: make(map[string]uint64), rawCache: make(map[string][]byte)}
}

func (s *Store) path(id string) string        { return s.root + "/" + id }
func (s *Store) sidecarPath(id string) string { return s.root + "/." + id + sidecarExt }

// Identity returns a content-addressed identifier for buf's raw bytes,
// stable across process runs, suitable for use as a corpus ID.
func Identity(buf *buffer.StructuredBuffer) string {
	var zeroKey [highwayhash.Size]byte
	sum := highwayhash.Sum(buf.Raw, zeroKey[:])
	return hexEncode(sum[:])
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

// contentHash is the fast secondary hash keying the dedup cache; unlike
// Identity it is not meant to be stable across process versions, only
// cheap to recompute on every Save.
func contentHash(buf *buffer.StructuredBuffer) uint64 {
	h := farm.Hash64(buf.Raw)
	for _, rel := range buf.Relations {
		h ^= farm.Hash64(encodeRelationForHash(rel))
	}
	return h
}

func encodeRelationForHash(rel *relation.Relation) []byte {
	b := make([]byte, 0, 32)
	b = appendUint(b, uint64(rel.Pos))
	b = appendUint(b, uint64(rel.Size))
	b = appendUint(b, uint64(rel.Anchor))
	b = appendUint(b, uint64(rel.Insert))
	b = appendUint(b, rel.Value)
	if rel.LE {
		b = append(b, 1)
	}
	if rel.Enabled {
		b = append(b, 1)
	}
	return b
}

func appendUint(b []byte, v uint64) []byte {
	for v > 0 {
		b = append(b, byte(v))
		v >>= 8
	}
	return b
}

// Save writes buf's raw bytes to "<id>" and its relations to
// ".<id>.annotated" under the store's root. It is a no-op if buf's content
// is unchanged since the last Save under this id.
func (s *Store) Save(ctx context.Context, id string, buf *buffer.StructuredBuffer) error {
	hash := contentHash(buf)
	if prev, ok := s.dedup[id]; ok && prev == hash {
		return nil
	}

	rawDst, err := file.Create(ctx, s.path(id))
	if err != nil {
		return errors.Wrapf(err, "corpus: creating %s", s.path(id))
	}
	if _, err := rawDst.Writer(ctx).Write(buf.Raw); err != nil {
		file.CloseAndReport(ctx, rawDst, &err)
		return errors.Wrapf(err, "corpus: writing %s", s.path(id))
	}
	if err := rawDst.Close(ctx); err != nil {
		return errors.Wrapf(err, "corpus: closing %s", s.path(id))
	}

	sidecarDst, err := file.Create(ctx, s.sidecarPath(id))
	if err != nil {
		return errors.Wrapf(err, "corpus: creating %s", s.sidecarPath(id))
	}
	gz := gzip.NewWriter(sidecarDst.Writer(ctx))
	w := tsv.NewRowWriter(gz)
	for _, rel := range buf.Relations {
		row := relationRow{
			Pos:     rel.Pos,
			Size:    rel.Size,
			LE:      rel.LE,
			Value:   rel.Value,
			Anchor:  rel.Anchor,
			Insert:  rel.Insert,
			Enabled: rel.Enabled,
		}
		if err := w.Write(&row); err != nil {
			file.CloseAndReport(ctx, sidecarDst, &err)
			return errors.Wrapf(err, "corpus: writing relation row for %s", id)
		}
	}
	if err := w.Flush(); err != nil {
		file.CloseAndReport(ctx, sidecarDst, &err)
		return errors.Wrapf(err, "corpus: flushing sidecar for %s", id)
	}
	if err := gz.Close(); err != nil {
		file.CloseAndReport(ctx, sidecarDst, &err)
		return errors.Wrapf(err, "corpus: closing gzip stream for %s", id)
	}
	if err := sidecarDst.Close(ctx); err != nil {
		return errors.Wrapf(err, "corpus: closing %s", s.sidecarPath(id))
	}

	s.dedup[id] = hash
	s.rawCache[id] = compressRaw(buf.Raw)
	return nil
}

// Load reads back the test case stored under id.
func (s *Store) Load(ctx context.Context, id string) (*buffer.StructuredBuffer, error) {
	var raw []byte
	if compressed, ok := s.rawCache[id]; ok {
		decoded, err := decompressRaw(compressed)
		if err != nil {
			return nil, errors.Wrapf(err, "corpus: decompressing cached %s", id)
		}
		raw = decoded
	} else {
		rawSrc, err := file.Open(ctx, s.path(id))
		if err != nil {
			return nil, errors.Wrapf(err, "corpus: opening %s", s.path(id))
		}
		raw, err = readAll(rawSrc.Reader(ctx))
		file.CloseAndReport(ctx, rawSrc, &err)
		if err != nil {
			return nil, errors.Wrapf(err, "corpus: reading %s", s.path(id))
		}
		s.rawCache[id] = compressRaw(raw)
	}

	buf := buffer.New(raw)

	sidecarSrc, err := file.Open(ctx, s.sidecarPath(id))
	if err != nil {
		// A raw file with no sidecar beside it (one not written through
		// Save) loads as a buffer with no relations.
		return buf, nil
	}
	defer file.CloseAndReport(ctx, sidecarSrc, &err)

	rels, err := readRelations(sidecarSrc.Reader(ctx))
	if err != nil {
		// An unreadable sidecar (truncated gzip, corrupt row) is treated the
		// same as a missing one: fall back to the raw bytes alone rather
		// than fail the whole load.
		vlog.Errorf("corpus: sidecar for %s is unreadable, falling back to raw bytes: %v", id, err)
		return buffer.New(raw), nil
	}
	for _, rel := range rels {
		buf.AddRelation(rel)
	}

	s.dedup[id] = contentHash(buf)
	return buf, nil
}

// readRelations decodes a gzip-compressed relation sidecar stream in full.
// Any error - a truncated gzip stream or a malformed row - fails the whole
// read, since a partially-decoded relation list is not safe to apply.
func readRelations(r io.Reader) ([]*relation.Relation, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "opening gzip stream")
	}
	defer gz.Close()

	var rels []*relation.Relation
	tr := tsv.NewReader(gz)
	for {
		var row relationRow
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "reading relation row")
		}
		rel := relation.New(row.Pos, row.Value, row.Size, row.LE, row.Anchor, row.Insert)
		rel.Enabled = row.Enabled
		rels = append(rels, rel)
	}
	return rels, nil
}

func readAll(r io.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// compressRaw snappy-compresses raw bytes for the in-memory recent-entry
// cache. The on-disk sidecar uses gzip instead (see Save/Load), matching
// gindex.go's choice of a slower but more common format for data meant to
// be read by tools outside this repo.
func compressRaw(raw []byte) []byte {
	return snappy.Encode(nil, raw)
}

func decompressRaw(compressed []byte) ([]byte, error) {
	return snappy.Decode(nil, compressed)
}
