package ops

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/sympile/sympile/config"
	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/types/shapes"
	"github.com/sympile/sympile/types/tensors"
)

func evalOp(t *testing.T, op graph.Op, inputs ...*tensors.Tensor) *tensors.Tensor {
	outputs, err := op.Eval(inputs)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	return outputs[0]
}

func TestElementwiseEval(t *testing.T) {
	a := tensors.FromValue([]float64{1, 2, 3})
	b := tensors.FromValue([]float64{10, 20, 30})
	require.Equal(t, []float64{11, 22, 33}, evalOp(t, opAdd, a, b).Value())
	require.Equal(t, []float64{-9, -18, -27}, evalOp(t, opSub, a, b).Value())
	require.Equal(t, []float64{10, 40, 90}, evalOp(t, opMul, a, b).Value())
	require.Equal(t, []float64{-1, -2, -3}, evalOp(t, opNeg, a).Value())

	// Scalar broadcast on either side.
	two := tensors.FromValue(float64(2))
	require.Equal(t, []float64{3, 4, 5}, evalOp(t, opAdd, a, two).Value())
	require.Equal(t, []float64{2, 4, 6}, evalOp(t, opMul, two, a).Value())
	require.Equal(t, []float64{1, 4, 9}, evalOp(t, opPow, a, two).Value())
}

func TestElementwiseEvalInto(t *testing.T) {
	a := tensors.FromValue([]float32{1, 2, 3})
	b := tensors.FromValue([]float32{4, 5, 6})
	// Output aliasing the first input, the declared in-place pair.
	require.NoError(t, opAdd.EvalInto([]*tensors.Tensor{a, b}, []*tensors.Tensor{a}))
	require.Equal(t, []float32{5, 7, 9}, a.Value())
}

func TestBroadcastBinaryShapes(t *testing.T) {
	vec := shapes.Make(dtypes.Float64, 3)
	scalar := shapes.Scalar[float64]()
	{
		out, err := broadcastBinaryShapes(vec, scalar)
		require.NoError(t, err)
		require.True(t, out.Equal(vec))
	}
	{
		out, err := broadcastBinaryShapes(scalar, vec)
		require.NoError(t, err)
		require.True(t, out.Equal(vec))
	}
	{
		partial := shapes.MakePartial(dtypes.Float64, shapes.UnknownDim)
		out, err := broadcastBinaryShapes(partial, vec)
		require.NoError(t, err)
		require.Equal(t, 3, out.Dim(0))
	}
	{
		_, err := broadcastBinaryShapes(vec, shapes.Make(dtypes.Float64, 4))
		require.Error(t, err)
	}
	{
		_, err := broadcastBinaryShapes(vec, shapes.Make(dtypes.Float32, 3))
		require.Error(t, err)
	}
}

func TestSum(t *testing.T) {
	a := tensors.FromValue([][]float64{{1, 2}, {3, 4}})
	out := evalOp(t, opSum, a)
	require.True(t, out.IsScalar())
	require.Equal(t, float64(10), out.Value())
}

func TestShapeOf(t *testing.T) {
	a := tensors.FromShape(shapes.Make(dtypes.Float32, 3, 4))
	out := evalOp(t, opShapeOf, a)
	require.Equal(t, []int64{3, 4}, out.Value())

	_, err := opShapeOf.InferShapes([]shapes.Shape{shapes.Scalar[float32]()})
	require.Error(t, err)
}

func TestJoinShapeInferenceSkipsTrailingValidation(t *testing.T) {
	a := shapes.Make(dtypes.Float64, 2, 5)
	b := shapes.Make(dtypes.Float64, 3, 7)
	// The trailing dimensions disagree, yet shape inference answers with the
	// first input's trailing dimensions. Full evaluation rejects the same
	// combination below.
	out, err := opJoin.InferShapes([]shapes.Shape{a, b})
	require.NoError(t, err)
	require.True(t, out[0].Equal(shapes.Make(dtypes.Float64, 5, 5)))

	_, err = opJoin.Eval([]*tensors.Tensor{tensors.FromShape(a), tensors.FromShape(b)})
	require.Error(t, err)
}

func TestJoinEval(t *testing.T) {
	a := tensors.FromValue([][]float64{{1, 2}})
	b := tensors.FromValue([][]float64{{3, 4}, {5, 6}})
	out := evalOp(t, opJoin, a, b)
	require.Equal(t, [][]float64{{1, 2}, {3, 4}, {5, 6}}, out.Value())
}

func TestSlice1D(t *testing.T) {
	a := tensors.FromValue([]int64{10, 20, 30, 40})
	out := evalOp(t, slice1DOp{start: 1, stop: 3}, a)
	require.Equal(t, []int64{20, 30}, out.Value())

	_, err := slice1DOp{start: 2, stop: 9}.Eval([]*tensors.Tensor{a})
	require.Error(t, err)
}

func TestReshape(t *testing.T) {
	a := tensors.FromValue([]float32{1, 2, 3, 4, 5, 6})
	out := evalOp(t, reshapeOp{dimensions: []int{2, 3}}, a)
	require.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, out.Value())

	_, err := reshapeOp{dimensions: []int{4}}.InferShapes([]shapes.Shape{a.Shape()})
	require.Error(t, err)
}

func TestBroadcastLike(t *testing.T) {
	scalar := tensors.FromValue(float64(7))
	ref := tensors.FromShape(shapes.Make(dtypes.Float64, 2, 2))
	out := evalOp(t, opBroadcastLike, scalar, ref)
	require.Equal(t, [][]float64{{7, 7}, {7, 7}}, out.Value())
}

func TestFuseUnary(t *testing.T) {
	fused, ok := FuseUnary(opNeg, opExp)
	require.True(t, ok)
	require.Equal(t, "neg+exp", fused.Name())

	a := tensors.FromValue([]float64{0})
	out := evalOp(t, fused, a)
	require.Equal(t, []float64{1}, out.Value())

	// Fused ops compose further.
	fused2, ok := FuseUnary(fused, opLog)
	require.True(t, ok)
	out2 := evalOp(t, fused2, a)
	require.Equal(t, []float64{0}, out2.Value())

	// Non-unary ops do not fuse.
	_, ok = FuseUnary(opAdd, opNeg)
	require.False(t, ok)
}

func TestBuilders(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 3))
	y := fg.NewInput("y", shapes.Scalar[float64]())

	sum := Add(x, BroadcastLike(y, x))
	require.True(t, sum.Shape().Equal(shapes.Make(dtypes.Float64, 3)))

	shapeVar := ShapeOf(sum)
	require.True(t, shapeVar.Shape().Equal(shapes.Make(dtypes.Int64, 1)))

	c := Const(fg, [][]float32{{1, 2}, {3, 4}})
	require.True(t, c.IsConstant())
	require.True(t, c.Shape().Equal(shapes.Make(dtypes.Float32, 2, 2)))

	half := ConstScalar(fg, dtypes.Float32, 0.5)
	require.Equal(t, float32(0.5), tensors.ToScalar[float32](half.ConstValue()))
}

// ConstScalarX follows the configured default float dtype.
func TestConstScalarX(t *testing.T) {
	fg := graph.New(t.Name())
	c := ConstScalarX(fg, 2)
	require.True(t, c.Shape().IsScalar())
	require.Equal(t, config.Get().FloatX, c.Shape().DType)
	if c.Shape().DType == dtypes.Float64 {
		require.Equal(t, float64(2), tensors.ToScalar[float64](c.ConstValue()))
	}
}
