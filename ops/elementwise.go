package ops

import (
	"github.com/pkg/errors"

	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/types/shapes"
	"github.com/sympile/sympile/types/tensors"
)

// broadcastBinaryShapes merges the shapes of the two operands of an
// elementwise binary op: same dtype required, and either one operand is a
// scalar or both have the same rank with axis-by-axis compatible dimensions.
// Unknown axes take the dimension of the other operand when it is known.
func broadcastBinaryShapes(a, b shapes.Shape) (shapes.Shape, error) {
	if a.DType != b.DType {
		return shapes.Invalid(), errors.Errorf("operands have different dtypes: %s vs %s", a, b)
	}
	if a.IsScalar() {
		return b.Clone(), nil
	}
	if b.IsScalar() {
		return a.Clone(), nil
	}
	if a.Rank() != b.Rank() {
		return shapes.Invalid(), errors.Errorf("operands have different ranks: %s vs %s", a, b)
	}
	out := a.Clone()
	for axis := range out.Dimensions {
		da, db := a.Dimensions[axis], b.Dimensions[axis]
		switch {
		case da == db:
		case da == shapes.UnknownDim:
			out.Dimensions[axis] = db
		case db == shapes.UnknownDim:
		default:
			return shapes.Invalid(), errors.Errorf("incompatible dimensions on axis %d: %s vs %s", axis, a, b)
		}
	}
	return out, nil
}

// binaryBase carries the shared behavior of the elementwise binary ops:
// shape inference with scalar broadcasting, the interpreted evaluator, the
// in-place declaration and the closed-form shape rule.
type binaryBase struct {
	name    string
	kernels binaryKernelSet
}

func (op binaryBase) Name() string { return op.name }

func (op binaryBase) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("%s takes 2 inputs, got %d", op.name, len(inputs))
	}
	out, err := broadcastBinaryShapes(inputs[0], inputs[1])
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", op.name)
	}
	return []shapes.Shape{out}, nil
}

func (op binaryBase) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	outShape, err := broadcastBinaryShapes(inputs[0].Shape(), inputs[1].Shape())
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", op.name)
	}
	out := tensors.FromShape(outShape)
	if err := dispatchBinary(op.kernels, inputs[0], inputs[1], out); err != nil {
		return nil, errors.WithMessagef(err, "%s", op.name)
	}
	return []*tensors.Tensor{out}, nil
}

// EvalInto computes into the pre-allocated output, which may alias one of
// the inputs when the linker authorized in-place reuse.
func (op binaryBase) EvalInto(inputs, outputs []*tensors.Tensor) error {
	return errors.WithMessagef(dispatchBinary(op.kernels, inputs[0], inputs[1], outputs[0]), "%s", op.name)
}

// InplacePairs declares the output may reuse the storage of either input;
// the first input is preferred.
func (op binaryBase) InplacePairs() map[int]int { return map[int]int{0: 0} }

// ShapeExpr: the output shape is the shape of the non-scalar operand. It does
// not re-validate the compatibility of the operands' dimensions.
func (op binaryBase) ShapeExpr(fg *graph.FunctionGraph, node *graph.Apply, outIdx int, shapeInput func(ii int) *graph.Variable) *graph.Variable {
	if node.Inputs()[0].Shape().IsScalar() {
		return shapeInput(1)
	}
	return shapeInput(0)
}

type unaryBase struct {
	name    string
	kernels unaryKernelSet
}

func (op unaryBase) Name() string { return op.name }

func (op unaryBase) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("%s takes 1 input, got %d", op.name, len(inputs))
	}
	return []shapes.Shape{inputs[0].Clone()}, nil
}

func (op unaryBase) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	out := tensors.FromShape(inputs[0].Shape())
	if err := dispatchUnary(op.kernels, inputs[0], out); err != nil {
		return nil, errors.WithMessagef(err, "%s", op.name)
	}
	return []*tensors.Tensor{out}, nil
}

func (op unaryBase) EvalInto(inputs, outputs []*tensors.Tensor) error {
	return errors.WithMessagef(dispatchUnary(op.kernels, inputs[0], outputs[0]), "%s", op.name)
}

func (op unaryBase) InplacePairs() map[int]int { return map[int]int{0: 0} }

func (op unaryBase) ShapeExpr(fg *graph.FunctionGraph, node *graph.Apply, outIdx int, shapeInput func(ii int) *graph.Variable) *graph.Variable {
	return shapeInput(0)
}

// reduceForBroadcast adjusts the gradient flowing to an operand that was
// broadcast from a scalar: all contributions are summed back.
func reduceForBroadcast(grad *graph.Variable, input *graph.Variable) *graph.Variable {
	if input.Shape().IsScalar() && !grad.Shape().IsScalar() {
		return Sum(grad)
	}
	return grad
}

type addOp struct{ binaryBase }
type subOp struct{ binaryBase }
type mulOp struct{ binaryBase }
type divOp struct{ binaryBase }
type powOp struct{ binaryBase }
type negOp struct{ unaryBase }
type expOp struct{ unaryBase }
type logOp struct{ unaryBase }

func (op addOp) VJP(node *graph.Apply, outputGrads []*graph.Variable) []*graph.Variable {
	g := outputGrads[0]
	x, y := node.Inputs()[0], node.Inputs()[1]
	return []*graph.Variable{reduceForBroadcast(g, x), reduceForBroadcast(g, y)}
}

func (op subOp) VJP(node *graph.Apply, outputGrads []*graph.Variable) []*graph.Variable {
	g := outputGrads[0]
	x, y := node.Inputs()[0], node.Inputs()[1]
	return []*graph.Variable{reduceForBroadcast(g, x), reduceForBroadcast(Neg(g), y)}
}

func (op mulOp) VJP(node *graph.Apply, outputGrads []*graph.Variable) []*graph.Variable {
	g := outputGrads[0]
	x, y := node.Inputs()[0], node.Inputs()[1]
	return []*graph.Variable{
		reduceForBroadcast(Mul(g, y), x),
		reduceForBroadcast(Mul(g, x), y),
	}
}

func (op divOp) VJP(node *graph.Apply, outputGrads []*graph.Variable) []*graph.Variable {
	g := outputGrads[0]
	x, y := node.Inputs()[0], node.Inputs()[1]
	return []*graph.Variable{
		reduceForBroadcast(Div(g, y), x),
		reduceForBroadcast(Neg(Div(Mul(g, x), Mul(y, y))), y),
	}
}

func (op powOp) VJP(node *graph.Apply, outputGrads []*graph.Variable) []*graph.Variable {
	g := outputGrads[0]
	x, y := node.Inputs()[0], node.Inputs()[1]
	one := ConstScalar(node.Graph(), x.Shape().DType, 1)
	dx := Mul(g, Mul(y, Pow(x, Sub(y, one))))
	dy := Mul(g, Mul(node.Output(0), Log(x)))
	return []*graph.Variable{reduceForBroadcast(dx, x), reduceForBroadcast(dy, y)}
}

func (op negOp) VJP(node *graph.Apply, outputGrads []*graph.Variable) []*graph.Variable {
	return []*graph.Variable{Neg(outputGrads[0])}
}

func (op expOp) VJP(node *graph.Apply, outputGrads []*graph.Variable) []*graph.Variable {
	return []*graph.Variable{Mul(outputGrads[0], node.Output(0))}
}

func (op logOp) VJP(node *graph.Apply, outputGrads []*graph.Variable) []*graph.Variable {
	return []*graph.Variable{Div(outputGrads[0], node.Inputs()[0])}
}

// The ops are stateless: one shared instance per operation serves every
// Apply in every graph.
var (
	opAdd = addOp{binaryBase{name: "add", kernels: addKernels()}}
	opSub = subOp{binaryBase{name: "sub", kernels: subKernels()}}
	opMul = mulOp{binaryBase{name: "mul", kernels: mulKernels()}}
	opDiv = divOp{binaryBase{name: "div", kernels: divKernels()}}
	opPow = powOp{binaryBase{name: "pow", kernels: powKernels()}}
	opNeg = negOp{unaryBase{name: "neg", kernels: negKernels()}}
	opExp = expOp{unaryBase{name: "exp", kernels: expKernels()}}
	opLog = logOp{unaryBase{name: "log", kernels: logKernels()}}
)
