package ops

import "github.com/sympile/sympile/graph"

// unaryFusable is implemented by the elementwise unary ops whose kernels can
// be composed into a single fused loop.
type unaryFusable interface {
	graph.Op
	kernelSet() unaryKernelSet
}

func (op unaryBase) kernelSet() unaryKernelSet { return op.kernels }

// fusedUnaryOp is a chain of elementwise unary ops collapsed into one node:
// one pass over the data instead of one per stage, and no intermediate
// buffers. It behaves exactly like a plain unary op, so fused nodes can be
// fused again with their neighbors.
type fusedUnaryOp struct {
	unaryBase
}

// FuseUnary composes inner followed by outer into a single unary op. It
// reports false when either op is not a fusable elementwise unary.
func FuseUnary(inner, outer graph.Op) (graph.Op, bool) {
	innerFusable, ok := inner.(unaryFusable)
	if !ok {
		return nil, false
	}
	outerFusable, ok := outer.(unaryFusable)
	if !ok {
		return nil, false
	}
	return fusedUnaryOp{unaryBase{
		name:    inner.Name() + "+" + outer.Name(),
		kernels: composeUnaryKernels(innerFusable.kernelSet(), outerFusable.kernelSet()),
	}}, true
}

// composeUnaryKernels chains two kernel sets per dtype. A dtype either set
// does not support stays unsupported in the composition.
func composeUnaryKernels(first, second unaryKernelSet) unaryKernelSet {
	return unaryKernelSet{
		f32: composeFn(first.f32, second.f32),
		f64: composeFn(first.f64, second.f64),
		i32: composeFn(first.i32, second.i32),
		i64: composeFn(first.i64, second.i64),
	}
}

func composeFn[T any](first, second unaryFn[T]) unaryFn[T] {
	if first == nil || second == nil {
		return nil
	}
	return func(a T) T { return second(first(a)) }
}
