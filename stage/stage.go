// Package stage drives repeated search passes over a corpus: it tracks
// each entry's search status so a crashed or already-searched entry is not
// redundantly retested, and it accumulates campaign-wide statistics.
package stage

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"

	"github.com/frameshift-fuzz/frameshift-go/buffer"
	"github.com/frameshift-fuzz/frameshift-go/search"
)

// Status is one state in a corpus entry's search lifecycle.
type Status int

const (
	// StatusNew marks an entry that has never been searched.
	StatusNew Status = iota
	// StatusMutated marks an entry mutated from an already-searched parent.
	StatusMutated
	// StatusInProgress marks an entry whose search crashed the target; it
	// is left alone rather than retried, to avoid looping on a crash.
	StatusInProgress
	// StatusSearched marks an entry that was searched as corpus entry
	// SearchedID.
	StatusSearched
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusMutated:
		return "mutated"
	case StatusInProgress:
		return "in-progress"
	case StatusSearched:
		return "searched"
	default:
		return "unknown"
	}
}

// EntryState is a corpus entry's search lifecycle state.
type EntryState struct {
	Status Status

	// SearchedID is the corpus ID this entry was searched as, valid only
	// when Status == StatusSearched. An entry copied to a new ID without
	// being re-searched needs re-search: its bytes may have drifted from
	// what SearchedID's relations describe.
	SearchedID int
}

// NeedsSearch reports whether an entry with this state, now living at
// corpus ID id, should be (re)searched.
func (s EntryState) NeedsSearch(id int) bool {
	switch s.Status {
	case StatusSearched:
		return s.SearchedID != id
	case StatusNew, StatusMutated:
		return true
	case StatusInProgress:
		return false
	default:
		return false
	}
}

// Entry is one corpus entry under search.
type Entry struct {
	ID       int
	ParentID *int
	Buf      *buffer.StructuredBuffer
	State    EntryState
}

// Stats accumulates campaign-wide search statistics, mirroring the Rust
// SearchMetadata counters exactly.
type Stats struct {
	NumSearched  int
	NumFound     int
	SearchTests  int
	TargetTimeMs uint64
	TotalTimeMs  uint64
}

// Record folds one search.Result into the running totals.
func (s *Stats) Record(res *search.Result) {
	s.NumSearched++
	if res.FoundAny {
		s.NumFound++
	}
	s.SearchTests += res.TestCount
	s.TargetTimeMs += res.TargetTestMs
	s.TotalTimeMs += res.TotalTestMs
}

// FoundRatio is NumFound/NumSearched, or 0 if nothing has been searched yet.
func (s Stats) FoundRatio() float64 {
	if s.NumSearched == 0 {
		return 0
	}
	return float64(s.NumFound) / float64(s.NumSearched)
}

// Stage runs searches over corpus entries and tracks Stats across the
// whole campaign.
type Stage struct {
	Config search.Config
	Stats  Stats

	// signatures remembers the most recently searched relation layout for
	// every corpus ID this Stage has searched, keyed by ID. It backs the
	// drift diagnostic in Perform.
	signatures map[int]string
}

// New constructs a Stage ready to run searches with config.
func New(config search.Config) *Stage {
	return &Stage{Config: config, signatures: make(map[int]string)}
}

// Snapshot returns the Stage's running Stats, for a caller to publish
// however it likes (a log line, an event-manager counter, a metrics
// sink) without reaching into the Stage's internals.
func (st *Stage) Snapshot() Stats {
	return st.Stats
}

// Perform searches entry if its state calls for it, updating entry's
// buffer, state, and the Stage's running Stats. It reports whether a
// search actually ran.
func (st *Stage) Perform(entry *Entry, oracle search.Oracle) (bool, error) {
	if entry == nil {
		return false, errors.E("stage: nil entry")
	}
	if !entry.State.NeedsSearch(entry.ID) {
		return false, nil
	}

	entry.State = EntryState{Status: StatusInProgress}

	result := search.Search(entry.Buf, oracle, st.Config)

	entry.Buf = result.Input
	entry.State = EntryState{Status: StatusSearched, SearchedID: entry.ID}
	st.Stats.Record(result)

	vlog.VI(1).Infof("stage: searched entry %d (found=%v tests=%d)", entry.ID, result.FoundAny, result.TestCount)

	if st.Config.ExtraVerbose && entry.ParentID != nil {
		if prevSig, ok := st.signatures[*entry.ParentID]; ok {
			sig := relationSignature(entry.Buf)
			dist := matchr.Levenshtein(sig, prevSig)
			vlog.VI(2).Infof("stage: entry %d drifted %d edits from parent %d's relation layout", entry.ID, dist, *entry.ParentID)
		}
	}
	st.signatures[entry.ID] = relationSignature(entry.Buf)

	return true, nil
}

// relationSignature renders a buffer's relation list as a compact string
// for drift comparison; it is not a serialization format.
func relationSignature(b *buffer.StructuredBuffer) string {
	var sb strings.Builder
	for _, rel := range b.Relations {
		fmt.Fprintf(&sb, "%d:%d:%v:%d:%d;", rel.Pos, rel.Size, rel.LE, rel.Anchor, rel.Insert)
	}
	return sb.String()
}
