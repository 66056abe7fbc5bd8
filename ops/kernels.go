package ops

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/sympile/sympile/types/tensors"
)

// This file holds the interpreted-fallback kernels for the elementwise ops.
// Dispatch is a type switch over the closed set of supported dtypes, with one
// generic kernel instantiated per dtype -- no open-ended reflection.

// numericKernels groups the binary functions for one Go numeric type.
type binaryFn[T any] func(a, b T) T
type unaryFn[T any] func(a T) T

// broadcastIndex maps a flat output index to the flat index of an operand
// that may be a scalar.
func operandAt[T any](flat []T, idx int) T {
	if len(flat) == 1 {
		return flat[0]
	}
	return flat[idx]
}

// evalBinary runs an elementwise binary kernel, with scalar broadcasting on
// either side. out may alias a or b when in-place reuse was authorized.
func evalBinary[T dtypes.Supported](a, b, out *tensors.Tensor, fn binaryFn[T]) {
	flatA := a.ConstFlat().([]T)
	flatB := b.ConstFlat().([]T)
	flatOut := out.MutableFlat().([]T)
	for ii := range flatOut {
		flatOut[ii] = fn(operandAt(flatA, ii), operandAt(flatB, ii))
	}
}

func evalUnary[T dtypes.Supported](a, out *tensors.Tensor, fn unaryFn[T]) {
	flatA := a.ConstFlat().([]T)
	flatOut := out.MutableFlat().([]T)
	for ii := range flatOut {
		flatOut[ii] = fn(flatA[ii])
	}
}

// binaryKernelSet holds the per-dtype implementations of one binary op.
type binaryKernelSet struct {
	f32 binaryFn[float32]
	f64 binaryFn[float64]
	i32 binaryFn[int32]
	i64 binaryFn[int64]
}

// dispatchBinary selects the kernel for the output dtype. Float16 is computed
// through float32, the usual software fallback.
func dispatchBinary(ks binaryKernelSet, a, b, out *tensors.Tensor) error {
	switch out.DType() {
	case dtypes.Float32:
		evalBinary(a, b, out, ks.f32)
	case dtypes.Float64:
		evalBinary(a, b, out, ks.f64)
	case dtypes.Int32:
		evalBinary(a, b, out, ks.i32)
	case dtypes.Int64:
		evalBinary(a, b, out, ks.i64)
	case dtypes.Float16:
		evalBinary(a, b, out, func(x, y float16.Float16) float16.Float16 {
			return float16.Fromfloat32(ks.f32(x.Float32(), y.Float32()))
		})
	default:
		return errors.Errorf("dtype %s not supported by the interpreted kernels", out.DType())
	}
	return nil
}

type unaryKernelSet struct {
	f32 unaryFn[float32]
	f64 unaryFn[float64]
	i32 unaryFn[int32]
	i64 unaryFn[int64]
}

func dispatchUnary(ks unaryKernelSet, a, out *tensors.Tensor) error {
	switch out.DType() {
	case dtypes.Float32:
		evalUnary(a, out, ks.f32)
	case dtypes.Float64:
		evalUnary(a, out, ks.f64)
	case dtypes.Int32:
		if ks.i32 == nil {
			return errors.Errorf("op not defined for dtype %s", out.DType())
		}
		evalUnary(a, out, ks.i32)
	case dtypes.Int64:
		if ks.i64 == nil {
			return errors.Errorf("op not defined for dtype %s", out.DType())
		}
		evalUnary(a, out, ks.i64)
	case dtypes.Float16:
		evalUnary(a, out, func(x float16.Float16) float16.Float16 {
			return float16.Fromfloat32(ks.f32(x.Float32()))
		})
	default:
		return errors.Errorf("dtype %s not supported by the interpreted kernels", out.DType())
	}
	return nil
}

func addKernels() binaryKernelSet {
	return binaryKernelSet{
		f32: func(a, b float32) float32 { return a + b },
		f64: func(a, b float64) float64 { return a + b },
		i32: func(a, b int32) int32 { return a + b },
		i64: func(a, b int64) int64 { return a + b },
	}
}

func subKernels() binaryKernelSet {
	return binaryKernelSet{
		f32: func(a, b float32) float32 { return a - b },
		f64: func(a, b float64) float64 { return a - b },
		i32: func(a, b int32) int32 { return a - b },
		i64: func(a, b int64) int64 { return a - b },
	}
}

func mulKernels() binaryKernelSet {
	return binaryKernelSet{
		f32: func(a, b float32) float32 { return a * b },
		f64: func(a, b float64) float64 { return a * b },
		i32: func(a, b int32) int32 { return a * b },
		i64: func(a, b int64) int64 { return a * b },
	}
}

func divKernels() binaryKernelSet {
	return binaryKernelSet{
		f32: func(a, b float32) float32 { return a / b },
		f64: func(a, b float64) float64 { return a / b },
		i32: func(a, b int32) int32 { return a / b },
		i64: func(a, b int64) int64 { return a / b },
	}
}

func powKernels() binaryKernelSet {
	return binaryKernelSet{
		f32: func(a, b float32) float32 { return float32(math.Pow(float64(a), float64(b))) },
		f64: math.Pow,
		i32: func(a, b int32) int32 { return int32(math.Pow(float64(a), float64(b))) },
		i64: func(a, b int64) int64 { return int64(math.Pow(float64(a), float64(b))) },
	}
}

func negKernels() unaryKernelSet {
	return unaryKernelSet{
		f32: func(a float32) float32 { return -a },
		f64: func(a float64) float64 { return -a },
		i32: func(a int32) int32 { return -a },
		i64: func(a int64) int64 { return -a },
	}
}

func expKernels() unaryKernelSet {
	return unaryKernelSet{
		f32: func(a float32) float32 { return float32(math.Exp(float64(a))) },
		f64: math.Exp,
	}
}

func logKernels() unaryKernelSet {
	return unaryKernelSet{
		f32: func(a float32) float32 { return float32(math.Log(float64(a))) },
		f64: math.Log,
	}
}
