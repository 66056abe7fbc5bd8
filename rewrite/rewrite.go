// Package rewrite implements the graph rewrite engine: it applies a
// registered set of semantics-preserving graph transformations to a fixed
// point, improving the graph's performance characteristics and deciding
// device placement without changing its input/output mapping.
//
// The engine is organized as a prioritized sequence of stages --
// canonicalization, stabilization, specialization, fusion and device
// placement -- each holding passes. A pass scans the graph and reports
// whether it changed anything; the driver re-runs the whole sequence until no
// pass reports a change, bounded by a maximum iteration count to guarantee
// termination. Exceeding the bound is a non-fatal warning: compilation
// proceeds with the best graph obtained so far.
//
// Local rules are referentially transparent functions from one Apply to a
// replacement, or "no match". When several rules match the same node, they
// are tried in registration order and the first successful one wins; later
// rules are not tried against a node already rewritten in the same scan.
//
// A rule that produces an invalid replacement (incompatible type, a cycle) is
// a defect of the rewrite engine itself: the engine aborts compilation with a
// diagnostic naming the rule and the node, since an inconsistent graph must
// never reach code generation.
package rewrite

import (
	"github.com/pkg/errors"

	"github.com/sympile/sympile/graph"
)

// ErrInconsistency reports a rewrite rule that produced an invalid graph.
// It is fatal: compilation aborts rather than proceeding with a graph whose
// semantics can no longer be trusted.
var ErrInconsistency = errors.New("rewrite rule produced an inconsistent graph")

// LocalRule is a pure local transformation: given one Apply, it either
// returns replacement variables for the node's outputs, or nil for "no
// match". Rules must preserve the semantics of the graph's input/output
// mapping; they may only improve performance, numerical stability or device
// placement.
type LocalRule interface {
	Name() string
	Rewrite(fg *graph.FunctionGraph, node *graph.Apply) []*graph.Variable
}

// Pass is a whole-graph transformation. Run reports whether it changed the
// graph. An error aborts compilation.
type Pass interface {
	Name() string
	Run(fg *graph.FunctionGraph) (changed bool, err error)
}

// Stage is a named group of passes run together by the engine.
type Stage struct {
	Name   string
	Passes []Pass
}
