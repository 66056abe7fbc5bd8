// Package grad implements the reverse-mode differentiation pass.
//
// Gradients traverses the graph from the output back to its inputs,
// accumulating for each variable the gradient of the scalar output with
// respect to it (its "VJP", vector-Jacobian product). For each Apply on the
// path, the op's gradient rule (graph.VJPAble) maps the gradients of the
// node's outputs to gradients of its inputs; contributions of a variable
// feeding multiple consumers are summed.
//
// The result is an ordinary set of new variables in the same FunctionGraph,
// rewritten and compiled by the same pipeline as any other computation.
package grad

import (
	"github.com/pkg/errors"

	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/ops"
	"github.com/sympile/sympile/types/tensors"
	"github.com/sympile/sympile/types/xslices"
)

// Gradients returns, for each variable in wrt, a new variable computing the
// gradient of output with respect to it. The output must be a floating-point
// scalar.
//
// It fails with graph.ErrNotDifferentiable, naming the offending op, if a
// gradient must flow through an op that does not define a gradient rule.
// Variables with no path to the output get a zero gradient.
func Gradients(output *graph.Variable, wrt ...*graph.Variable) ([]*graph.Variable, error) {
	if output == nil || len(wrt) == 0 {
		return nil, errors.New("grad.Gradients requires an output and at least one wrt variable")
	}
	fg := output.Graph()
	for _, v := range wrt {
		if v.Graph() != fg {
			return nil, errors.Errorf("wrt variable %s belongs to a different graph", v)
		}
	}
	outShape := output.Shape()
	if !outShape.IsScalar() || !outShape.DType.IsFloat() {
		return nil, errors.Errorf("grad.Gradients requires a float scalar output, got %s", outShape)
	}

	// Applies the output depends on, and applies any wrt variable can be
	// reached through. Gradients only flow through nodes in both sets.
	schedule, included := dependencyClosure(output)
	useful := usefulApplies(fg, wrt, included)

	vjps := make(map[graph.VarID]*graph.Variable)
	one := ops.ConstScalar(fg, outShape.DType, 1)
	vjps[output.ID()] = one

	// Reverse dependency order: by the time a node is visited, all its
	// consumers have pushed their contributions, already summed.
	xslices.Reverse(schedule)
	for _, node := range schedule {
		if !included[node.ID()] || !useful[node.ID()] {
			continue
		}
		outputGrads := make([]*graph.Variable, len(node.Outputs()))
		hasAny := false
		for ii, out := range node.Outputs() {
			outputGrads[ii] = vjps[out.ID()]
			if outputGrads[ii] != nil {
				hasAny = true
			}
		}
		if !hasAny {
			continue
		}
		needsInputGrad := false
		for _, input := range node.Inputs() {
			if differentiablePath(input, useful) {
				needsInputGrad = true
				break
			}
		}
		if !needsInputGrad {
			continue
		}

		vjpOp, ok := node.Op().(graph.VJPAble)
		if !ok {
			return nil, errors.WithMessagef(graph.ErrNotDifferentiable,
				"op %s (node %s)", node.Op().Name(), node)
		}
		// Fill the gradient of unused outputs with zeros, so rules can
		// assume one gradient per output.
		for ii, out := range node.Outputs() {
			if outputGrads[ii] == nil {
				outputGrads[ii] = zerosLike(out)
			}
		}
		inputGrads := vjpOp.VJP(node, outputGrads)
		if len(inputGrads) != len(node.Inputs()) {
			return nil, errors.Errorf(
				"gradient rule of op %s returned %d gradients for %d inputs",
				node.Op().Name(), len(inputGrads), len(node.Inputs()))
		}
		for ii, input := range node.Inputs() {
			g := inputGrads[ii]
			if g == nil {
				// Input declared non-differentiable by the rule.
				continue
			}
			if !g.Shape().DType.IsFloat() {
				return nil, errors.Errorf(
					"gradient rule of op %s produced non-float gradient %s for input #%d",
					node.Op().Name(), g.Shape(), ii)
			}
			if prev := vjps[input.ID()]; prev != nil {
				vjps[input.ID()] = ops.Add(prev, g)
			} else {
				vjps[input.ID()] = g
			}
		}
	}

	results := make([]*graph.Variable, len(wrt))
	for ii, v := range wrt {
		if g := vjps[v.ID()]; g != nil {
			results[ii] = g
		} else {
			results[ii] = zerosLike(v)
		}
	}
	return results, nil
}

// dependencyClosure returns the applies the variable depends on, in
// dependency order, plus the same as a set. It does not rely on the graph's
// designated outputs: gradients are usually requested before SetOutputs.
func dependencyClosure(v *graph.Variable) ([]*graph.Apply, map[graph.ApplyID]bool) {
	var ordered []*graph.Apply
	closure := make(map[graph.ApplyID]bool)
	var visit func(node *graph.Apply)
	visit = func(node *graph.Apply) {
		if closure[node.ID()] {
			return
		}
		closure[node.ID()] = true
		for _, input := range node.Inputs() {
			if input.Owner() != nil {
				visit(input.Owner())
			}
		}
		ordered = append(ordered, node)
	}
	if v.Owner() != nil {
		visit(v.Owner())
	}
	return ordered, closure
}

// usefulApplies returns the applies through which a wrt variable can be
// reached: the consumers, transitive, of each wrt variable, restricted to
// the included set.
func usefulApplies(fg *graph.FunctionGraph, wrt []*graph.Variable, included map[graph.ApplyID]bool) map[graph.ApplyID]bool {
	useful := make(map[graph.ApplyID]bool)
	var visit func(v *graph.Variable)
	visit = func(v *graph.Variable) {
		for _, client := range fg.Clients(v) {
			if client.IsOutput() {
				continue
			}
			node := client.Apply
			if !included[node.ID()] || useful[node.ID()] {
				continue
			}
			useful[node.ID()] = true
			for _, out := range node.Outputs() {
				visit(out)
			}
		}
	}
	for _, v := range wrt {
		visit(v)
	}
	return useful
}

// differentiablePath reports whether the variable leads back to a wrt
// variable: either it is produced by a useful apply, or it is itself a leaf
// that could be a wrt variable (the caller checks identity via the vjps map).
func differentiablePath(v *graph.Variable, useful map[graph.ApplyID]bool) bool {
	if !v.Shape().DType.IsFloat() {
		return false
	}
	if v.Owner() == nil {
		return !v.IsConstant()
	}
	return useful[v.Owner().ID()]
}

// zerosLike returns a variable evaluating to zeros with the shape of v.
func zerosLike(v *graph.Variable) *graph.Variable {
	fg := v.Graph()
	shape := v.Shape()
	if shape.IsFullyDefined() && !shape.IsScalar() {
		return fg.NewConstant("", tensors.FromShape(shape))
	}
	zero := ops.ConstScalar(fg, shape.DType, 0)
	if shape.IsScalar() {
		return zero
	}
	return ops.BroadcastLike(zero, v)
}
