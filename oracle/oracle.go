// Package oracle provides coverage-producing targets for the search
// package: adapters that turn a plain function or an external subprocess
// into a search.Oracle.
package oracle

import (
	"github.com/grailbio/base/errors"
)

// Oracle is satisfied by anything that can answer a probe with a coverage
// map. It is structurally identical to search.Oracle; this package does
// not import search to avoid a dependency cycle with code that wants to
// construct an oracle before it has a search.Engine.
type Oracle interface {
	// Probe runs data through the target and returns its coverage map.
	// The returned slice is only valid until the next call to Probe.
	Probe(data []byte) []byte
}

// Func adapts a plain function to Oracle, for tests and for targets
// linked directly into the same process.
type Func func(data []byte) []byte

// Probe implements Oracle.
func (f Func) Probe(data []byte) []byte { return f(data) }

var errClosed = errors.E("oracle: use after Close")
