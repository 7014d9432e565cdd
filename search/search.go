// Package search implements the coverage-guided inference loop that turns a
// coverage oracle and a seed buffer into a set of relations describing the
// buffer's length/offset fields.
package search

import (
	"math"
	"time"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"

	"github.com/frameshift-fuzz/frameshift-go/buffer"
	"github.com/frameshift-fuzz/frameshift-go/relation"
)

// Oracle probes data and returns a coverage map. The returned slice is only
// valid until the next call to Probe; callers that need to retain it must
// copy it first.
type Oracle interface {
	Probe(data []byte) []byte
}

// candidateShape is one (size, endianness) pair the engine tries at every
// byte offset, in the order the literal search tries them: widest first,
// and little-endian before big-endian within a width, except at width 1
// where endianness is immaterial.
type candidateShape struct {
	size int
	le   bool
}

var candidateShapes = []candidateShape{
	{8, true}, {8, false},
	{4, true}, {4, false},
	{2, true}, {2, false},
	{1, true},
}

// Config tunes the search. Zero value is not usable; use DefaultConfig.
type Config struct {
	Verbose      bool
	ExtraVerbose bool
	MaxIters     int

	// LossThreshold is the fraction of focus coverage a candidate field
	// must demonstrably control (by corrupting it and losing that much
	// coverage) before the engine looks for an anchor/insert pairing.
	LossThreshold float64

	// RecoverThreshold is the fraction of previously-lost coverage an
	// anchor/insert candidate must restore to be accepted as the field's
	// governed region.
	RecoverThreshold float64
}

// DefaultConfig mirrors the literal search's defaults.
func DefaultConfig() Config {
	return Config{
		MaxIters:         10,
		LossThreshold:    0.05,
		RecoverThreshold: 0.2,
	}
}

// Result is the outcome of a completed search.
type Result struct {
	Input        *buffer.StructuredBuffer
	TestCount    int
	TargetTestMs uint64
	TotalTestMs  uint64
	FoundAny     bool
}

// Engine holds the fixed state of a single search: the oracle, the config,
// and the coverage indices the search focuses on.
type Engine struct {
	oracle Oracle
	config Config

	// focusIndices are the coverage indices reached by the seed but not by
	// an empty input: the candidate indicators of this input's own parsed
	// structure.
	focusIndices []int

	// lossThreshold is the absolute feature count derived from
	// config.LossThreshold against len(focusIndices).
	lossThreshold int

	testCount    int
	targetTestMs uint64
}

// NewEngine probes the seed and an empty input to derive the focus indices
// (coverage the seed reaches that an empty input does not) and the loss
// threshold derived from them.
func NewEngine(testcase *buffer.StructuredBuffer, oracle Oracle, config Config) *Engine {
	seedCov := oracle.Probe(testcase.Raw)

	var seedIndices []int
	for idx, b := range seedCov {
		if b != 0 {
			seedIndices = append(seedIndices, idx)
		}
	}

	baseCov := oracle.Probe(nil)

	var focusIndices []int
	for _, idx := range seedIndices {
		if idx < len(baseCov) && baseCov[idx] == 0 {
			focusIndices = append(focusIndices, idx)
		}
	}

	if config.ExtraVerbose {
		vlog.VI(2).Infof("search: seed_indices=%v", seedIndices)
		vlog.VI(2).Infof("search: focus_indices=%v", focusIndices)
	}

	lossThreshold := int(math.Ceil(config.LossThreshold * float64(len(focusIndices))))
	if lossThreshold < 1 {
		lossThreshold = 1
	}

	return &Engine{
		oracle:        oracle,
		config:        config,
		focusIndices:  focusIndices,
		lossThreshold: lossThreshold,
	}
}

// Search runs a full search to completion and returns its Result.
func Search(testcase *buffer.StructuredBuffer, oracle Oracle, config Config) *Result {
	engine := NewEngine(testcase, oracle, config)

	input := &buffer.StructuredBuffer{
		Raw:       append([]byte{}, testcase.Raw...),
		Relations: append([]*relation.Relation{}, testcase.Relations...),
	}

	vlog.VI(1).Infof("search: starting, raw len=%d relations=%d", len(input.Raw), len(input.Relations))

	start := time.Now()
	engine.findRelations(input)
	totalTestMs := uint64(time.Since(start).Milliseconds())

	return &Result{
		Input:        input,
		TestCount:    engine.testCount,
		TargetTestMs: engine.targetTestMs,
		TotalTestMs:  totalTestMs,
		FoundAny:     len(input.Relations) > 0,
	}
}

// findRelations runs find_relations_inner in a loop until a pass finds
// nothing new or MaxIters is reached.
func (e *Engine) findRelations(input *buffer.StructuredBuffer) {
	start := time.Now()

	for iter := 0; iter < e.config.MaxIters; iter++ {
		vlog.VI(1).Infof("search: iteration %d", iter+1)
		if !e.findRelationsInner(input) {
			break
		}
	}

	vlog.VI(1).Infof("search: completed (total: %s) (target: %d ms)", time.Since(start), e.targetTestMs)
}

// findRelationsInner performs a single pass over every byte offset and
// candidate shape, reports true iff it found at least one new relation.
func (e *Engine) findRelationsInner(input *buffer.StructuredBuffer) bool {
	seedData := append([]byte{}, input.Raw...)
	// Reserve headroom up front so checkAnchor's insertion probes can grow
	// testBuffer in place instead of reallocating on nearly every call; the
	// slice header lives here and is passed by pointer so growth persists
	// across the whole pass.
	testBuffer := make([]byte, len(seedData), len(seedData)+0x100)
	copy(testBuffer, seedData)

	blockedPoints := make([]bool, len(seedData))
	for _, rel := range input.Relations {
		for k := 0; k < rel.Size; k++ {
			blockedPoints[rel.Pos+k] = true
		}
	}

	anchorVisited := make([]bool, len(seedData))

	inflectionPoints := input.InflectionPoints()

	found := false
	var lostIndices []int

	for i := 0; i < len(seedData); i++ {
	shapeLoop:
		for _, shape := range candidateShapes {
			if i+shape.size > len(seedData) {
				continue shapeLoop
			}

			currSize := relation.Decode(seedData, i, shape.size, shape.le)
			if currSize == 0 || currSize > uint64(len(seedData)) {
				continue shapeLoop
			}

			var shiftAmount int
			if shape.size == 1 {
				maxShift := 0xff - int(currSize)
				if maxShift == 0 {
					continue shapeLoop
				}
				shiftAmount = min(0x20, maxShift)
			} else {
				shiftAmount = 0xff
			}

			blocked := false
			for k := 0; k < shape.size; k++ {
				if blockedPoints[i+k] {
					blocked = true
					break
				}
			}
			if blocked {
				continue shapeLoop
			}

			potential := relation.New(i, currSize, shape.size, shape.le, maxInt, maxInt)

			for _, rel := range input.Relations {
				rel.Save()
			}

			potential.Value = currSize + uint64(shiftAmount)
			potential.Apply(testBuffer)

			lostIndices = lostIndices[:0]
			ft := e.test(testBuffer)
			for _, idx := range e.focusIndices {
				if idx >= len(ft) || ft[idx] == 0 {
					lostIndices = append(lostIndices, idx)
				}
			}

			if e.config.ExtraVerbose {
				sum := seahash.New()
				_, _ = sum.Write(testBuffer)
				vlog.VI(2).Infof("search: testing relation size=%d le=%v pos=%d value=%d buf=%016x lost=%d thresh=%d",
					shape.size, shape.le, i, currSize, sum.Sum64(), len(lostIndices), e.lossThreshold)
			}

			copy(testBuffer[i:i+shape.size], seedData[i:i+shape.size])

			if len(lostIndices) < e.lossThreshold {
				continue shapeLoop
			}

			for idx := range anchorVisited {
				anchorVisited[idx] = false
			}

			currRecover := e.config.RecoverThreshold

			switch shape.size {
			case 1:
				e.checkAnchor(input, i, i+shape.size, shiftAmount, &testBuffer, seedData, lostIndices, &currRecover, potential, anchorVisited)
			case 2:
				e.checkAnchor(input, i, 0, shiftAmount, &testBuffer, seedData, lostIndices, &currRecover, potential, anchorVisited)
				e.checkAnchor(input, i, i, shiftAmount, &testBuffer, seedData, lostIndices, &currRecover, potential, anchorVisited)
				e.checkAnchor(input, i, i+shape.size, shiftAmount, &testBuffer, seedData, lostIndices, &currRecover, potential, anchorVisited)
			default:
				for off := 7; off >= 1; off-- {
					e.checkAnchor(input, i, i+shape.size+off, shiftAmount, &testBuffer, seedData, lostIndices, &currRecover, potential, anchorVisited)
				}
				e.checkAnchor(input, i, 0, shiftAmount, &testBuffer, seedData, lostIndices, &currRecover, potential, anchorVisited)
				e.checkAnchor(input, i, i, shiftAmount, &testBuffer, seedData, lostIndices, &currRecover, potential, anchorVisited)
				e.checkAnchor(input, i, i+shape.size, shiftAmount, &testBuffer, seedData, lostIndices, &currRecover, potential, anchorVisited)

				if potential.Insert == maxInt {
					for _, anchor := range inflectionPoints {
						e.checkAnchor(input, i, anchor, shiftAmount, &testBuffer, seedData, lostIndices, &currRecover, potential, anchorVisited)
					}
				}
			}

			if potential.Insert == maxInt {
				continue shapeLoop
			}

			potential.Value = currSize
			if e.config.Verbose || e.config.ExtraVerbose {
				vlog.Infof("search: found relation at %d (size=%d le=%v anchor=%d insert=%d value=%d)",
					i, shape.size, shape.le, potential.Anchor, potential.Insert, potential.Value)
			}
			input.AddRelation(potential)

			inflectionPoints = input.InflectionPoints()
			for k := 0; k < shape.size; k++ {
				blockedPoints[i+k] = true
			}

			found = true
		}
	}

	return found
}

// maxInt is the sentinel for "no anchor/insert found yet", matching the
// Rust's usize::MAX. A relation search candidate's Pos never reaches it, so
// it is safe to use as an unset marker throughout this package.
const maxInt = int(^uint(0) >> 1)

// checkAnchor tests whether placing the field's anchor at anchor and
// inserting shiftAmount bytes at the derived insertion point recovers the
// coverage the corruption test lost. On success it updates potential's
// Anchor/Insert in place when the recovered ratio is at least the best one
// seen so far for this field (curr_recover, which starts at the configured
// recover threshold).
//
// Tie-break: a later candidate that ties the current best replaces it, so
// among equally good anchors the last one tried wins. The callers try the
// anchor just past the field (fieldPos+size) last among their fixed
// candidates, which makes it the preferred reading of an ambiguous field.
func (e *Engine) checkAnchor(
	input *buffer.StructuredBuffer,
	fieldPos, anchor, shiftAmount int,
	testBuffer *[]byte,
	seedData []byte,
	lostIndices []int,
	currRecover *float64,
	potential *relation.Relation,
	anchorVisited []bool,
) {
	ins := anchor + int(potential.Value) - shiftAmount
	if ins > len(seedData) || ins < 0 {
		return
	}
	if anchor >= len(seedData) || anchorVisited[anchor] {
		return
	}
	anchorVisited[anchor] = true

	if e.config.ExtraVerbose {
		vlog.VI(2).Infof("search: testing insertion at %d (anchor=%d shift=%d)", ins, anchor, shiftAmount)
	}

	if !input.OnInsert(ins, shiftAmount) {
		input.RestoreRelations()
		return
	}

	// Grow the caller's scratch buffer in place when it has the headroom;
	// this keeps the same backing array across calls instead of
	// reallocating it on every anchor candidate.
	newLen := len(seedData) + shiftAmount
	if cap(*testBuffer) < newLen {
		grown := make([]byte, newLen, newLen+0x100)
		copy(grown, (*testBuffer)[:len(seedData)])
		*testBuffer = grown
	} else {
		*testBuffer = (*testBuffer)[:newLen]
	}
	buf := *testBuffer
	copy(buf[ins+shiftAmount:], seedData[ins:])
	for k := ins; k < ins+shiftAmount; k++ {
		buf[k] = 0x41
	}

	savedPos := potential.Pos
	if ins < fieldPos {
		potential.Pos += shiftAmount
	}
	potential.Apply(buf)
	potential.Pos = savedPos

	input.SanitizeBuffer(buf)

	if e.config.ExtraVerbose {
		sum := seahash.New()
		_, _ = sum.Write(buf)
		vlog.VI(2).Infof("search: probe buf=%016x", sum.Sum64())
	}

	ft := e.test(buf)

	input.RestoreRelations()
	*testBuffer = (*testBuffer)[:len(seedData)]
	copy(*testBuffer, seedData)

	recovered := 0
	for _, idx := range lostIndices {
		if idx < len(ft) && ft[idx] != 0 {
			recovered++
		}
	}
	if len(lostIndices) == 0 {
		return
	}
	recoveredRatio := float64(recovered) / float64(len(lostIndices))

	if e.config.ExtraVerbose {
		vlog.VI(2).Infof("search: recovered %d/%d (%.1f%%)", recovered, len(lostIndices), recoveredRatio*100)
	}

	if recoveredRatio >= *currRecover {
		potential.Insert = ins
		potential.Anchor = anchor
		*currRecover = recoveredRatio
	}
}

// test invokes the oracle, tracking the test count and elapsed time that
// feed into Result's and Stats' counters.
func (e *Engine) test(data []byte) []byte {
	e.testCount++
	start := time.Now()
	res := e.oracle.Probe(data)
	e.targetTestMs += uint64(time.Since(start).Milliseconds())
	return res
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// errInvalidConfig is the error Validate wraps for every rejected Config.
var errInvalidConfig = errors.E("search: invalid config")

// Validate reports an error if config has a non-positive MaxIters or a
// threshold outside (0, 1].
func (c Config) Validate() error {
	if c.MaxIters <= 0 {
		return errors.E(errInvalidConfig, "max_iters must be positive")
	}
	if c.LossThreshold <= 0 || c.LossThreshold > 1 {
		return errors.E(errInvalidConfig, "loss_threshold must be in (0, 1]")
	}
	if c.RecoverThreshold <= 0 || c.RecoverThreshold > 1 {
		return errors.E(errInvalidConfig, "recover_threshold must be in (0, 1]")
	}
	return nil
}
