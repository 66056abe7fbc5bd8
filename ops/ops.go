// Package ops is the operator catalog plugged into the graph core.
//
// Each operation implements the graph.Op contract -- shape inference plus an
// interpreted fallback evaluator -- and optionally the capability interfaces:
// a gradient rule (graph.VJPAble), an in-place-safety declaration
// (graph.InplaceSafe), a closed-form shape rule (graph.ShapeClosedForm) and C
// code generation (codegen.CGenOp).
//
// The package also provides the graph-building helpers users call directly:
//
//	fg := graph.New("example")
//	x := fg.NewInput("x", shapes.Make(dtypes.Float64))
//	y := fg.NewInput("y", shapes.Make(dtypes.Float64))
//	z := ops.Add(x, y)
//	fg.SetOutputs(z)
//
// The numeric semantics of individual operators are payload, not core: the
// compiler pipeline only relies on the operator contract.
package ops

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/sympile/sympile/config"
	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/types/shapes"
	"github.com/sympile/sympile/types/tensors"
)

// Add returns a variable computing the elementwise x + y.
func Add(x, y *graph.Variable) *graph.Variable {
	return x.Graph().Apply1(opAdd, x, y)
}

// Sub returns a variable computing the elementwise x - y.
func Sub(x, y *graph.Variable) *graph.Variable {
	return x.Graph().Apply1(opSub, x, y)
}

// Mul returns a variable computing the elementwise x * y.
func Mul(x, y *graph.Variable) *graph.Variable {
	return x.Graph().Apply1(opMul, x, y)
}

// Div returns a variable computing the elementwise x / y.
func Div(x, y *graph.Variable) *graph.Variable {
	return x.Graph().Apply1(opDiv, x, y)
}

// Pow returns a variable computing the elementwise x ** y.
func Pow(x, y *graph.Variable) *graph.Variable {
	return x.Graph().Apply1(opPow, x, y)
}

// Neg returns a variable computing -x.
func Neg(x *graph.Variable) *graph.Variable {
	return x.Graph().Apply1(opNeg, x)
}

// Exp returns a variable computing e**x.
func Exp(x *graph.Variable) *graph.Variable {
	return x.Graph().Apply1(opExp, x)
}

// Log returns a variable computing the natural logarithm of x.
func Log(x *graph.Variable) *graph.Variable {
	return x.Graph().Apply1(opLog, x)
}

// Sum returns a scalar variable with the sum of all elements of x.
func Sum(x *graph.Variable) *graph.Variable {
	return x.Graph().Apply1(opSum, x)
}

// ShapeOf returns an int64 vector variable with the runtime shape of x.
//
// If only the shape of a result is requested -- and not its value -- the
// rewrite engine replaces the computation of x with a closed-form expression
// over the shapes of x's own inputs, whenever x's op provides that rule.
func ShapeOf(x *graph.Variable) *graph.Variable {
	return x.Graph().Apply1(opShapeOf, x)
}

// Join concatenates the given variables along axis 0.
func Join(xs ...*graph.Variable) *graph.Variable {
	if len(xs) == 0 {
		exceptions.Panicf("ops.Join requires at least one input")
	}
	return xs[0].Graph().Apply1(opJoin, xs...)
}

// Slice1D returns x[start:stop] of a rank-1 variable.
func Slice1D(x *graph.Variable, start, stop int) *graph.Variable {
	return x.Graph().Apply1(slice1DOp{start: start, stop: stop}, x)
}

// Reshape returns a variable with the same data as x arranged with the given
// dimensions. The total size must match.
func Reshape(x *graph.Variable, dimensions ...int) *graph.Variable {
	return x.Graph().Apply1(reshapeOp{dimensions: dimensions}, x)
}

// BroadcastLike returns x broadcast to the shape of reference. x must be a
// scalar or already have the reference shape.
func BroadcastLike(x, reference *graph.Variable) *graph.Variable {
	return x.Graph().Apply1(opBroadcastLike, x, reference)
}

// Const creates a constant variable in fg from a Go value (scalar or
// multidimensional slice) or a *tensors.Tensor.
func Const(fg *graph.FunctionGraph, value any) *graph.Variable {
	return fg.NewConstant("", tensors.FromAnyValue(value))
}

// ConstScalar creates a scalar constant of the given dtype from a float64 value.
func ConstScalar(fg *graph.FunctionGraph, dtype dtypes.DType, value float64) *graph.Variable {
	return fg.NewConstant("", scalarTensor(dtype, value))
}

// ConstScalarX creates a scalar constant of the configured default float
// dtype (SYMPILE_FLOATX, see config.Options.FloatX) from a float64 value.
func ConstScalarX(fg *graph.FunctionGraph, value float64) *graph.Variable {
	return ConstScalar(fg, config.Get().FloatX, value)
}

// scalarTensor builds a one-element tensor of the given dtype holding value.
func scalarTensor(dtype dtypes.DType, value float64) *tensors.Tensor {
	t := tensors.FromShape(shapes.Shape{DType: dtype})
	switch dtype {
	case dtypes.Float32:
		tensors.MutableFlatData(t, func(flat []float32) { flat[0] = float32(value) })
	case dtypes.Float64:
		tensors.MutableFlatData(t, func(flat []float64) { flat[0] = value })
	case dtypes.Int32:
		tensors.MutableFlatData(t, func(flat []int32) { flat[0] = int32(value) })
	case dtypes.Int64:
		tensors.MutableFlatData(t, func(flat []int64) { flat[0] = int64(value) })
	case dtypes.Float16:
		tensors.MutableFlatData(t, func(flat []float16.Float16) { flat[0] = float16.Fromfloat32(float32(value)) })
	default:
		exceptions.Panicf("ops.ConstScalar: dtype %s not supported", dtype)
	}
	return t
}
