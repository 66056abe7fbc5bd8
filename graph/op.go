/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package graph

import (
	"github.com/sympile/sympile/types/shapes"
	"github.com/sympile/sympile/types/tensors"
)

// Op is the contract every operation pluggable into the graph must implement:
// shape inference and an interpreted fallback evaluator.
//
// Extra capabilities are declared by implementing the optional interfaces
// below (VJPAble, InplaceSafe, ShapeClosedForm) or the code-generation
// interface defined in the codegen package. Capabilities are discovered with
// type assertions -- tagged dispatch over a closed set of variants, no
// reflection.
//
// Ops must be pure and stateless, or carry only immutable parameters set at
// construction: multiple Apply nodes (possibly in different graphs) may share
// one Op instance.
type Op interface {
	// Name identifies the operation, used in diagnostics and generated code.
	Name() string

	// InferShapes returns the output shapes for the given input shapes,
	// without evaluating any data. Returned shapes may be partially unknown.
	//
	// InferShapes is permitted to skip consistency validations between
	// inputs that a full evaluation would perform; see the package
	// documentation of the rewrite package for the consequences on
	// shape-only queries.
	InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error)

	// Eval is the interpreted fallback evaluator: it computes output values
	// from concrete input values. It must not modify the inputs unless the
	// op declares in-place safety and the caller authorized aliasing.
	Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error)
}

// EvalInto is implemented by ops that can compute into pre-allocated output
// tensors. The linker uses it to execute with reused storage: when the op
// also declares InplaceSafe, an output tensor may alias one of the inputs.
type EvalInto interface {
	EvalInto(inputs, outputs []*tensors.Tensor) error
}

// VJPAble is implemented by ops that define a gradient rule.
//
// VJP receives the Apply node and the gradients of the graph's scalar output
// with respect to each of the node's outputs, and returns new Variables
// computing the gradients with respect to each of the node's inputs. A nil
// entry means the corresponding input is not differentiable (e.g. an integer
// shape argument) and no gradient flows through it.
type VJPAble interface {
	VJP(node *Apply, outputGrads []*Variable) []*Variable
}

// InplaceSafe is implemented by ops that can compute an output directly into
// the storage of one of their inputs.
//
// InplacePairs maps output index to the input index whose storage may be
// reused. The linker only authorizes the reuse after checking no other live
// consumer of that input remains; an op must not assume aliasing unless the
// execution context granted it.
type InplaceSafe interface {
	InplacePairs() map[int]int
}

// ShapeClosedForm is implemented by ops that can express the shape of their
// outputs as a closed-form expression over the shapes of their inputs, without
// computing any value.
//
// ShapeExpr builds, in fg, variables evaluating to the shape vector of the
// outIdx-th output of node. shapeInput returns -- building it on first use --
// a Variable holding the shape of the ii-th node input as an int64 vector, or
// nil for a scalar input, which has no shape vector. Shape inputs the rule
// never requests are never built, so they do not linger in the graph.
// ShapeExpr returns nil if no closed form exists for this output, in which
// case the value computation is kept; a rule that returns nil must do so
// before requesting any shape input.
//
// A ShapeExpr rule is allowed to be unsound with respect to runtime
// shape-mismatch errors: if the rule does not itself validate consistency
// between multiple inputs, a shape-only query can produce an answer that a
// full evaluation would have rejected. This is a documented tradeoff, not a
// defect: shape-only queries favor speed over eager validation.
type ShapeClosedForm interface {
	ShapeExpr(fg *FunctionGraph, node *Apply, outIdx int, shapeInput func(ii int) *Variable) *Variable
}
