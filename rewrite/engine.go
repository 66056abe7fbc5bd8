package rewrite

import (
	"k8s.io/klog/v2"

	"github.com/sympile/sympile/graph"
)

// DefaultMaxIterations bounds the engine's fixpoint loop. Well-formed rule
// sets converge in a handful of iterations; the bound only matters for rule
// sets that keep undoing each other's work.
const DefaultMaxIterations = 8

// Engine drives a sequence of stages over a FunctionGraph until no pass
// reports a change, or the iteration bound is reached.
type Engine struct {
	stages        []Stage
	maxIterations int
}

// NewEngine creates an engine running the given stages in order.
func NewEngine(stages ...Stage) *Engine {
	return &Engine{stages: stages, maxIterations: DefaultMaxIterations}
}

// WithMaxIterations overrides the fixpoint iteration bound.
func (e *Engine) WithMaxIterations(n int) *Engine {
	e.maxIterations = n
	return e
}

// Run applies the stage sequence repeatedly until a full sweep changes
// nothing. Hitting the iteration bound is logged but not an error: the graph
// obtained so far is valid, just possibly not fully optimized. Errors from
// passes (notably ErrInconsistency) abort immediately.
func (e *Engine) Run(fg *graph.FunctionGraph) error {
	for iter := 0; iter < e.maxIterations; iter++ {
		anyChange := false
		for _, stage := range e.stages {
			for _, pass := range stage.Passes {
				changed, err := pass.Run(fg)
				if err != nil {
					return err
				}
				if changed {
					anyChange = true
					if klog.V(3).Enabled() {
						if integrityErr := fg.CheckIntegrity(); integrityErr != nil {
							klog.Errorf("rewrite: graph integrity broken after pass %s/%s: %v",
								stage.Name, pass.Name(), integrityErr)
						}
					}
				}
			}
		}
		if !anyChange {
			return nil
		}
	}
	klog.Warningf("rewrite: graph %q did not reach a fixpoint after %d iterations, continuing with the current graph",
		fg.Name(), e.maxIterations)
	return nil
}

// DefaultStages returns the standard stage sequence: canonicalization,
// stabilization, specialization, fusion and device placement.
func DefaultStages(placement *PlacementPass) []Stage {
	stages := []Stage{
		{Name: "canonicalize", Passes: []Pass{
			NewNodeRewriter("canonicalize",
				ConstantFolding{},
				AlgebraicSimplify{},
			),
		}},
		{Name: "stabilize", Passes: []Pass{
			NewNodeRewriter("stabilize",
				LogExpCancel{},
			),
		}},
		{Name: "specialize", Passes: []Pass{
			NewNodeRewriter("specialize",
				StaticShape{},
				ShapeSpecialize{},
			),
		}},
		{Name: "fuse", Passes: []Pass{
			NewNodeRewriter("fuse",
				UnaryChainFusion{},
			),
		}},
	}
	if placement != nil {
		stages = append(stages, Stage{Name: "place", Passes: []Pass{placement}})
	}
	return stages
}

// NewDefaultEngine creates an engine with the standard stage sequence.
// placement may be nil to skip device placement.
func NewDefaultEngine(placement *PlacementPass) *Engine {
	return NewEngine(DefaultStages(placement)...)
}
