package rewrite

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/ops"
	"github.com/sympile/sympile/types/tensors"
)

// ConstantFolding evaluates nodes whose inputs are all constants and replaces
// their outputs with constant variables.
type ConstantFolding struct{}

// Name implements LocalRule.
func (ConstantFolding) Name() string { return "constant-folding" }

// Rewrite implements LocalRule.
func (ConstantFolding) Rewrite(fg *graph.FunctionGraph, node *graph.Apply) []*graph.Variable {
	inputs := node.Inputs()
	values := make([]*tensors.Tensor, len(inputs))
	for ii, input := range inputs {
		if !input.IsConstant() {
			return nil
		}
		values[ii] = input.ConstValue()
	}
	results, err := node.Op().Eval(values)
	if err != nil {
		// Leave the node in place: the error surfaces at execution, where the
		// caller can handle it.
		klog.V(2).Infof("rewrite: constant folding of %s failed, keeping the node: %v", node, err)
		return nil
	}
	replacements := make([]*graph.Variable, len(results))
	for ii, value := range results {
		replacements[ii] = fg.NewConstant("", value)
	}
	return replacements
}

// scalarConstValue returns the value of a scalar constant variable as a
// float64, or false if the variable is not a scalar constant of a numeric
// dtype.
func scalarConstValue(v *graph.Variable) (float64, bool) {
	if !v.IsConstant() || !v.Shape().IsScalar() {
		return 0, false
	}
	t := v.ConstValue()
	switch t.DType() {
	case dtypes.Float32:
		return float64(tensors.ToScalar[float32](t)), true
	case dtypes.Float64:
		return tensors.ToScalar[float64](t), true
	case dtypes.Float16:
		return float64(tensors.ToScalar[float16.Float16](t).Float32()), true
	case dtypes.Int32:
		return float64(tensors.ToScalar[int32](t)), true
	case dtypes.Int64:
		return float64(tensors.ToScalar[int64](t)), true
	}
	return 0, false
}

// sameShape reports whether v can stand in for the node output out without a
// broadcast: identical dtype and dimensions.
func sameShape(v, out *graph.Variable) bool {
	return v.Shape().Equal(out.Shape())
}

// AlgebraicSimplify removes arithmetic identities: x+0, 0+x, x-0, x*1, 1*x,
// x*0, 0*x, x/1 and pow(x, 1).
type AlgebraicSimplify struct{}

// Name implements LocalRule.
func (AlgebraicSimplify) Name() string { return "algebraic-simplify" }

// Rewrite implements LocalRule.
func (AlgebraicSimplify) Rewrite(fg *graph.FunctionGraph, node *graph.Apply) []*graph.Variable {
	inputs := node.Inputs()
	if len(inputs) != 2 {
		return nil
	}
	out := node.Output(0)
	x, y := inputs[0], inputs[1]
	cx, xIsConst := scalarConstValue(x)
	cy, yIsConst := scalarConstValue(y)

	switch node.Op().Name() {
	case "add":
		if yIsConst && cy == 0 && sameShape(x, out) {
			return []*graph.Variable{x}
		}
		if xIsConst && cx == 0 && sameShape(y, out) {
			return []*graph.Variable{y}
		}
	case "sub":
		if yIsConst && cy == 0 && sameShape(x, out) {
			return []*graph.Variable{x}
		}
	case "mul":
		if yIsConst && cy == 1 && sameShape(x, out) {
			return []*graph.Variable{x}
		}
		if xIsConst && cx == 1 && sameShape(y, out) {
			return []*graph.Variable{y}
		}
		if (yIsConst && cy == 0) || (xIsConst && cx == 0) {
			return []*graph.Variable{zerosLikeOutput(fg, node)}
		}
	case "div":
		if yIsConst && cy == 1 && sameShape(x, out) {
			return []*graph.Variable{x}
		}
	case "pow":
		if yIsConst && cy == 1 && sameShape(x, out) {
			return []*graph.Variable{x}
		}
	}
	return nil
}

// zerosLikeOutput builds a variable evaluating to zeros with the shape of the
// node's single output.
func zerosLikeOutput(fg *graph.FunctionGraph, node *graph.Apply) *graph.Variable {
	out := node.Output(0)
	shape := out.Shape()
	if shape.IsFullyDefined() && !shape.IsScalar() {
		return fg.NewConstant("", tensors.FromShape(shape))
	}
	zero := ops.ConstScalar(fg, shape.DType, 0)
	if shape.IsScalar() {
		return zero
	}
	// The output shape is partially unknown: broadcast against the operand
	// that defines it.
	for _, input := range node.Inputs() {
		if !input.Shape().IsScalar() {
			return ops.BroadcastLike(zero, input)
		}
	}
	return zero
}

// LogExpCancel cancels composed inverses: log(exp(x)) and exp(log(x)) become
// x. The second form is only an identity on the domain where log is defined;
// the graphs are considered equivalent under the usual floating-point
// stabilization license.
type LogExpCancel struct{}

// Name implements LocalRule.
func (LogExpCancel) Name() string { return "log-exp-cancel" }

// Rewrite implements LocalRule.
func (LogExpCancel) Rewrite(fg *graph.FunctionGraph, node *graph.Apply) []*graph.Variable {
	opName := node.Op().Name()
	if opName != "log" && opName != "exp" {
		return nil
	}
	producer := node.Inputs()[0].Owner()
	if producer == nil {
		return nil
	}
	inner := producer.Op().Name()
	if (opName == "log" && inner == "exp") || (opName == "exp" && inner == "log") {
		return []*graph.Variable{producer.Inputs()[0]}
	}
	return nil
}

// StaticShape replaces a shape query of a variable whose static shape is fully
// known with a constant vector.
type StaticShape struct{}

// Name implements LocalRule.
func (StaticShape) Name() string { return "static-shape" }

// Rewrite implements LocalRule.
func (StaticShape) Rewrite(fg *graph.FunctionGraph, node *graph.Apply) []*graph.Variable {
	if node.Op().Name() != "shape" {
		return nil
	}
	shape := node.Inputs()[0].Shape()
	if !shape.IsFullyDefined() {
		return nil
	}
	dims := make([]int64, shape.Rank())
	for ii, dim := range shape.Dimensions {
		dims[ii] = int64(dim)
	}
	return []*graph.Variable{ops.Const(fg, dims)}
}

// ShapeSpecialize pushes a shape query through the producer of its operand:
// shape(f(xs)) becomes the op's closed-form expression over shape(x) for each
// x in xs, when the producing op provides one (graph.ShapeClosedForm).
//
// When only the shape of a result is consumed, repeated application of this
// rule eliminates the value computation entirely: the heavy nodes lose their
// last client and are pruned, leaving pure shape arithmetic.
type ShapeSpecialize struct{}

// Name implements LocalRule.
func (ShapeSpecialize) Name() string { return "shape-specialize" }

// Rewrite implements LocalRule.
func (ShapeSpecialize) Rewrite(fg *graph.FunctionGraph, node *graph.Apply) []*graph.Variable {
	if node.Op().Name() != "shape" {
		return nil
	}
	queried := node.Inputs()[0]
	producer := queried.Owner()
	if producer == nil {
		return nil
	}
	closedForm, ok := producer.Op().(graph.ShapeClosedForm)
	if !ok {
		return nil
	}
	// Shape inputs are built on first request, memoized, so the closed form
	// only adds the shape queries it actually consumes to the graph. Scalar
	// operands have no shape vector and yield nil.
	built := make([]*graph.Variable, len(producer.Inputs()))
	shapeInput := func(ii int) *graph.Variable {
		input := producer.Inputs()[ii]
		if input.Shape().Rank() < 1 {
			return nil
		}
		if built[ii] == nil {
			built[ii] = ops.ShapeOf(input)
		}
		return built[ii]
	}
	expr := closedForm.ShapeExpr(fg, producer, queried.OutputIndex(), shapeInput)
	if expr == nil {
		return nil
	}
	return []*graph.Variable{expr}
}
