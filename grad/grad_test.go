package grad_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats/scalar"

	_ "github.com/sympile/sympile/backends/host"
	"github.com/sympile/sympile/grad"
	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/link"
	"github.com/sympile/sympile/ops"
	"github.com/sympile/sympile/types/shapes"
	"github.com/sympile/sympile/types/tensors"
)

// runGraph freezes, links and calls the graph with the given inputs.
func runGraph(t *testing.T, fg *graph.FunctionGraph, inputs ...*tensors.Tensor) []*tensors.Tensor {
	fg.Freeze()
	plan, err := link.NewPlan(fg)
	require.NoError(t, err)
	exec, err := link.NewExecutable(plan)
	require.NoError(t, err)
	outputs, err := exec.Call(inputs...)
	require.NoError(t, err)
	return outputs
}

func TestGradientsOfSumProduct(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 3))
	y := fg.NewInput("y", shapes.Make(dtypes.Float64, 3))
	z := ops.Sum(ops.Mul(x, y))

	grads, err := grad.Gradients(z, x, y)
	require.NoError(t, err)
	require.Len(t, grads, 2)
	fg.SetOutputs(z, grads[0], grads[1])

	xVal := tensors.FromValue([]float64{1, 2, 3})
	yVal := tensors.FromValue([]float64{4, 5, 6})
	outputs := runGraph(t, fg, xVal, yVal)
	require.Equal(t, float64(32), outputs[0].Value())
	// d(sum(x*y))/dx = y, and vice versa.
	require.Equal(t, []float64{4, 5, 6}, outputs[1].Value())
	require.Equal(t, []float64{1, 2, 3}, outputs[2].Value())
}

func TestGradientsScalarChain(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	y := fg.NewInput("y", shapes.Scalar[float64]())
	two := ops.ConstScalar(fg, dtypes.Float64, 2)
	// z = log(x^2 / y): dz/dx = 2/x, dz/dy = -1/y.
	z := ops.Log(ops.Div(ops.Pow(x, two), y))

	grads, err := grad.Gradients(z, x, y)
	require.NoError(t, err)
	fg.SetOutputs(grads[0], grads[1])

	outputs := runGraph(t, fg,
		tensors.FromValue(float64(3)), tensors.FromValue(float64(5)))
	gx := outputs[0].Value().(float64)
	gy := outputs[1].Value().(float64)
	require.True(t, scalar.EqualWithinAbsOrRel(gx, 2.0/3.0, 1e-9, 1e-9))
	require.True(t, scalar.EqualWithinAbsOrRel(gy, -1.0/5.0, 1e-9, 1e-9))
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	build := func() (*graph.FunctionGraph, *graph.Variable, *graph.Variable) {
		fg := graph.New(t.Name())
		x := fg.NewInput("x", shapes.Make(dtypes.Float64, 4))
		z := ops.Sum(ops.Mul(ops.Exp(ops.Neg(x)), x))
		return fg, x, z
	}

	// Analytic gradient.
	fg, x, z := build()
	grads, err := grad.Gradients(z, x)
	require.NoError(t, err)
	fg.SetOutputs(grads[0])
	point := []float64{0.5, -1, 2, 0}
	analytic := runGraph(t, fg, tensors.FromValue(point))[0].Value().([]float64)

	// Finite differences of the value graph around the same point.
	const eps = 1e-6
	valueAt := func(values []float64) float64 {
		fgValue, _, zValue := build()
		fgValue.SetOutputs(zValue)
		out := runGraph(t, fgValue, tensors.FromValue(values))
		return out[0].Value().(float64)
	}
	for ii := range point {
		bumped := append([]float64(nil), point...)
		bumped[ii] += eps
		upper := valueAt(bumped)
		bumped[ii] -= 2 * eps
		lower := valueAt(bumped)
		numeric := (upper - lower) / (2 * eps)
		require.True(t, scalar.EqualWithinAbsOrRel(analytic[ii], numeric, 1e-5, 1e-5),
			"axis %d: analytic %g vs finite-difference %g", ii, analytic[ii], numeric)
	}
}

func TestGradientsZeroForUnconnected(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	unused := fg.NewInput("unused", shapes.Make(dtypes.Float64, 2))
	z := ops.Mul(x, x)

	grads, err := grad.Gradients(z, x, unused)
	require.NoError(t, err)
	fg.SetOutputs(grads[0], grads[1])
	outputs := runGraph(t, fg,
		tensors.FromValue(float64(3)), tensors.FromValue([]float64{7, 7}))
	require.Equal(t, float64(6), outputs[0].Value())
	require.Equal(t, []float64{0, 0}, outputs[1].Value())
}

func TestGradientsErrors(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 3))
	vec := ops.Mul(x, x)
	// Non-scalar output.
	_, err := grad.Gradients(vec, x)
	require.Error(t, err)

	// Non-float output.
	i := fg.NewInput("i", shapes.Scalar[int64]())
	_, err = grad.Gradients(i, i)
	require.Error(t, err)

	// An op without a gradient rule on the path.
	sliced := ops.Sum(ops.Slice1D(x, 0, 2))
	_, err = grad.Gradients(sliced, x)
	require.ErrorIs(t, err, graph.ErrNotDifferentiable)
}
