package ops

import (
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/types/shapes"
	"github.com/sympile/sympile/types/tensors"
)

// sumOp reduces all elements to a scalar.
type sumOp struct{}

func (op sumOp) Name() string { return "sum" }

func (op sumOp) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("sum takes 1 input, got %d", len(inputs))
	}
	return []shapes.Shape{{DType: inputs[0].DType}}, nil
}

func (op sumOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	in := inputs[0]
	out := tensors.FromShape(shapes.Shape{DType: in.DType()})
	switch in.DType() {
	case dtypes.Float32:
		sumFlat[float32](in, out)
	case dtypes.Float64:
		sumFlat[float64](in, out)
	case dtypes.Int32:
		sumFlat[int32](in, out)
	case dtypes.Int64:
		sumFlat[int64](in, out)
	default:
		return nil, errors.Errorf("sum: dtype %s not supported", in.DType())
	}
	return []*tensors.Tensor{out}, nil
}

func sumFlat[T interface {
	float32 | float64 | int32 | int64
}](in, out *tensors.Tensor) {
	var total T
	for _, v := range in.ConstFlat().([]T) {
		total += v
	}
	out.MutableFlat().([]T)[0] = total
}

func (op sumOp) VJP(node *graph.Apply, outputGrads []*graph.Variable) []*graph.Variable {
	return []*graph.Variable{BroadcastLike(outputGrads[0], node.Inputs()[0])}
}

var opSum = sumOp{}

// shapeOfOp returns the runtime shape of its input as an int64 vector.
// The input must have rank >= 1.
type shapeOfOp struct{}

func (op shapeOfOp) Name() string { return "shape" }

func (op shapeOfOp) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("shape takes 1 input, got %d", len(inputs))
	}
	if inputs[0].Rank() < 1 {
		return nil, errors.Errorf("shape requires an input of rank >= 1, got %s", inputs[0])
	}
	return []shapes.Shape{shapes.Make(dtypes.Int64, inputs[0].Rank())}, nil
}

func (op shapeOfOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	in := inputs[0]
	dims := make([]int64, in.Rank())
	for ii, dim := range in.Shape().Dimensions {
		dims[ii] = int64(dim)
	}
	return []*tensors.Tensor{tensors.FromFlatDataAndDimensions(dims, in.Rank())}, nil
}

var opShapeOf = shapeOfOp{}

// joinOp concatenates its inputs along axis 0.
//
// Shape inference takes the trailing dimensions from the first input without
// validating them against the other inputs: a shape-only query over a join of
// inputs with mismatched trailing dimensions answers without raising, even
// though a full evaluation would fail. This asymmetry is documented behavior,
// favoring shape-query speed over eager validation.
type joinOp struct{}

func (op joinOp) Name() string { return "join" }

func (op joinOp) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) == 0 {
		return nil, errors.New("join takes at least 1 input")
	}
	first := inputs[0]
	if first.Rank() < 1 {
		return nil, errors.Errorf("join requires inputs of rank >= 1, got %s", first)
	}
	out := first.Clone()
	dim0 := 0
	for ii, s := range inputs {
		if s.DType != first.DType {
			return nil, errors.Errorf("join input #%d dtype %s differs from %s", ii, s.DType, first.DType)
		}
		if s.Rank() != first.Rank() {
			return nil, errors.Errorf("join input #%d rank %d differs from %d", ii, s.Rank(), first.Rank())
		}
		if dim0 == shapes.UnknownDim || s.Dimensions[0] == shapes.UnknownDim {
			dim0 = shapes.UnknownDim
		} else {
			dim0 += s.Dimensions[0]
		}
	}
	out.Dimensions[0] = dim0
	return []shapes.Shape{out}, nil
}

// Eval performs the validation InferShapes skips: trailing dimensions of all
// inputs must match exactly.
func (op joinOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	first := inputs[0].Shape()
	dim0 := 0
	for ii, t := range inputs {
		s := t.Shape()
		if s.DType != first.DType || s.Rank() != first.Rank() {
			return nil, errors.Errorf("join input #%d shape %s incompatible with %s", ii, s, first)
		}
		for axis := 1; axis < s.Rank(); axis++ {
			if s.Dimensions[axis] != first.Dimensions[axis] {
				return nil, errors.Errorf("join input #%d has trailing dimension %d on axis %d, expected %d",
					ii, s.Dimensions[axis], axis, first.Dimensions[axis])
			}
		}
		dim0 += s.Dimensions[0]
	}
	outShape := first.Clone()
	outShape.Dimensions[0] = dim0
	out := tensors.FromShape(outShape)
	outFlat := reflect.ValueOf(out.MutableFlat())
	pos := 0
	for _, t := range inputs {
		inFlat := reflect.ValueOf(t.ConstFlat())
		reflect.Copy(outFlat.Slice(pos, pos+t.Size()), inFlat)
		pos += t.Size()
	}
	return []*tensors.Tensor{out}, nil
}

// ShapeExpr computes [sum of leading dimensions, trailing dims of the first
// input], never consulting the trailing dims of the other inputs.
func (op joinOp) ShapeExpr(fg *graph.FunctionGraph, node *graph.Apply, outIdx int, shapeInput func(ii int) *graph.Variable) *graph.Variable {
	rank := node.Inputs()[0].Shape().Rank()
	total := Slice1D(shapeInput(0), 0, 1)
	for ii := 1; ii < len(node.Inputs()); ii++ {
		total = Add(total, Slice1D(shapeInput(ii), 0, 1))
	}
	if rank == 1 {
		return total
	}
	return Join(total, Slice1D(shapeInput(0), 1, rank))
}

var opJoin = joinOp{}

// slice1DOp extracts the [start:stop) range of a rank-1 input.
type slice1DOp struct {
	start, stop int
}

func (op slice1DOp) Name() string { return "slice1d" }

func (op slice1DOp) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("slice1d takes 1 input, got %d", len(inputs))
	}
	if inputs[0].Rank() != 1 {
		return nil, errors.Errorf("slice1d requires a rank-1 input, got %s", inputs[0])
	}
	if op.start < 0 || op.stop < op.start {
		return nil, errors.Errorf("slice1d with invalid range [%d:%d]", op.start, op.stop)
	}
	return []shapes.Shape{shapes.Make(inputs[0].DType, op.stop - op.start)}, nil
}

func (op slice1DOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	in := inputs[0]
	if op.stop > in.Size() {
		return nil, errors.Errorf("slice1d range [%d:%d] out of bounds for size %d", op.start, op.stop, in.Size())
	}
	out := tensors.FromShape(shapes.Make(in.DType(), op.stop-op.start))
	reflect.Copy(reflect.ValueOf(out.MutableFlat()), reflect.ValueOf(in.ConstFlat()).Slice(op.start, op.stop))
	return []*tensors.Tensor{out}, nil
}

// reshapeOp rearranges the input into statically given dimensions.
type reshapeOp struct {
	dimensions []int
}

func (op reshapeOp) Name() string { return "reshape" }

func (op reshapeOp) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("reshape takes 1 input, got %d", len(inputs))
	}
	out := shapes.Make(inputs[0].DType, op.dimensions...)
	if inputs[0].IsFullyDefined() && inputs[0].Size() != out.Size() {
		return nil, errors.Errorf("reshape from %s to %s changes the number of elements", inputs[0], out)
	}
	return []shapes.Shape{out}, nil
}

func (op reshapeOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	in := inputs[0]
	outShape := shapes.Make(in.DType(), op.dimensions...)
	if in.Size() != outShape.Size() {
		return nil, errors.Errorf("reshape from %s to %s changes the number of elements", in.Shape(), outShape)
	}
	out := tensors.FromShape(outShape)
	reflect.Copy(reflect.ValueOf(out.MutableFlat()), reflect.ValueOf(in.ConstFlat()))
	return []*tensors.Tensor{out}, nil
}

func (op reshapeOp) VJP(node *graph.Apply, outputGrads []*graph.Variable) []*graph.Variable {
	inShape := node.Inputs()[0].Shape()
	if !inShape.IsFullyDefined() {
		return []*graph.Variable{nil}
	}
	return []*graph.Variable{Reshape(outputGrads[0], inShape.Dimensions...)}
}

// ShapeExpr: the target dimensions are static, so the shape is a constant.
// The input's shape is never queried.
func (op reshapeOp) ShapeExpr(fg *graph.FunctionGraph, node *graph.Apply, outIdx int, shapeInput func(ii int) *graph.Variable) *graph.Variable {
	dims := make([]int64, len(op.dimensions))
	for ii, dim := range op.dimensions {
		dims[ii] = int64(dim)
	}
	return Const(fg, dims)
}

// broadcastLikeOp broadcasts a scalar first input to the shape of the second.
type broadcastLikeOp struct{}

func (op broadcastLikeOp) Name() string { return "broadcast_like" }

func (op broadcastLikeOp) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("broadcast_like takes 2 inputs, got %d", len(inputs))
	}
	if !inputs[0].IsScalar() && !inputs[0].Equal(inputs[1]) {
		return nil, errors.Errorf("broadcast_like requires a scalar (or already matching) first input, got %s vs %s",
			inputs[0], inputs[1])
	}
	out := inputs[1].Clone()
	out.DType = inputs[0].DType
	return []shapes.Shape{out}, nil
}

func (op broadcastLikeOp) Eval(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	x, ref := inputs[0], inputs[1]
	outShape := ref.Shape().Clone()
	outShape.DType = x.DType()
	out := tensors.FromShape(outShape)
	outFlat := reflect.ValueOf(out.MutableFlat())
	xFlat := reflect.ValueOf(x.ConstFlat())
	if x.Size() == out.Size() {
		reflect.Copy(outFlat, xFlat)
	} else {
		scalar := xFlat.Index(0)
		for ii := 0; ii < outFlat.Len(); ii++ {
			outFlat.Index(ii).Set(scalar)
		}
	}
	return []*tensors.Tensor{out}, nil
}

func (op broadcastLikeOp) VJP(node *graph.Apply, outputGrads []*graph.Variable) []*graph.Variable {
	g := outputGrads[0]
	x := node.Inputs()[0]
	if x.Shape().IsScalar() && !g.Shape().IsScalar() {
		return []*graph.Variable{Sum(g), nil}
	}
	return []*graph.Variable{g, nil}
}

// ShapeExpr: the output shape is the reference input's shape.
func (op broadcastLikeOp) ShapeExpr(fg *graph.FunctionGraph, node *graph.Apply, outIdx int, shapeInput func(ii int) *graph.Variable) *graph.Variable {
	return shapeInput(1)
}

var opBroadcastLike = broadcastLikeOp{}
