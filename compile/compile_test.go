package compile_test

import (
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/sympile/sympile/compile"
	"github.com/sympile/sympile/config"
	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/ops"
	"github.com/sympile/sympile/types/shapes"
	"github.com/sympile/sympile/types/tensors"
)

func TestCompileAndCall(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 3))
	y := fg.NewInput("y", shapes.Make(dtypes.Float64, 3))
	fg.SetOutputs(ops.Add(ops.Mul(x, y), y))

	f, err := compile.Compile(fg)
	require.NoError(t, err)
	require.Equal(t, 2, f.NumInputs())
	require.True(t, f.Graph().Frozen())

	outputs, err := f.Call(
		tensors.FromValue([]float64{1, 2, 3}),
		tensors.FromValue([]float64{10, 20, 30}))
	require.NoError(t, err)
	require.Equal(t, []float64{20, 60, 120}, outputs[0].Value())

	// Wrong argument count.
	_, err = f.Call(tensors.FromValue([]float64{1, 2, 3}))
	require.Error(t, err)
}

func TestCompileValidation(t *testing.T) {
	fg := graph.New(t.Name())
	fg.NewInput("x", shapes.Scalar[float64]())
	_, err := compile.Compile(fg)
	require.Error(t, err, "no designated outputs")

	fg2 := graph.New(t.Name())
	x2 := fg2.NewInput("x", shapes.Scalar[float64]())
	fg2.SetOutputs(ops.Neg(x2))
	fg2.Freeze()
	_, err = compile.Compile(fg2)
	require.ErrorIs(t, err, graph.ErrFrozen)
}

func TestCompileOptNone(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 2))
	zero := ops.ConstScalar(fg, dtypes.Float64, 0)
	fg.SetOutputs(ops.Add(x, zero))

	f, err := compile.Compile(fg, compile.WithOptions(config.Options{Opt: config.OptNone}))
	require.NoError(t, err)
	// The identity-add survives: no rewriting happened.
	require.Equal(t, 1, f.Graph().NumApplies())

	outputs, err := f.Call(tensors.FromValue([]float64{4, 5}))
	require.NoError(t, err)
	require.Equal(t, []float64{4, 5}, outputs[0].Value())
}

func TestCompileRewritesByDefault(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 2))
	zero := ops.ConstScalar(fg, dtypes.Float64, 0)
	fg.SetOutputs(ops.Add(x, zero))

	f, err := compile.Compile(fg)
	require.NoError(t, err)
	require.Zero(t, f.Graph().NumApplies())
}

func TestCSourceForElementwiseGraph(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 4))
	y := fg.NewInput("y", shapes.Make(dtypes.Float64, 4))
	fg.SetOutputs(ops.Mul(ops.Add(x, y), x))

	f, err := compile.Compile(fg)
	require.NoError(t, err)
	require.NotEmpty(t, f.UnitName())
	source := f.CSource()
	require.Contains(t, source, f.UnitName()+"_run")
	require.True(t, strings.Contains(source, "sym_buf"))
}

func TestCSourceEmptyWhenUnsupported(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 4))
	fg.SetOutputs(ops.Sum(x))

	// No C lowering for the reduction: the function still compiles and runs
	// interpreted.
	f, err := compile.Compile(fg)
	require.NoError(t, err)
	require.Empty(t, f.CSource())
	require.Empty(t, f.UnitName())

	outputs, err := f.Call(tensors.FromValue([]float64{1, 2, 3, 4}))
	require.NoError(t, err)
	require.Equal(t, float64(10), outputs[0].Value())
}

func TestSharedValueAccumulates(t *testing.T) {
	fg := graph.New(t.Name())
	counter := compile.NewShared(fg, "counter", tensors.FromValue(float64(0)))
	x := fg.NewInput("x", shapes.Scalar[float64]())
	next := ops.Add(counter.Variable(), x)
	fg.SetOutputs(next)

	f, err := compile.Compile(fg, compile.WithUpdates(compile.Update{Shared: counter, Expr: next}))
	require.NoError(t, err)
	// The shared input is supplied implicitly.
	require.Equal(t, 1, f.NumInputs())

	for ii, want := range []float64{2, 4, 6} {
		outputs, err := f.Call(tensors.FromValue(float64(2)))
		require.NoError(t, err)
		require.Len(t, outputs, 1, "call %d", ii)
		require.Equal(t, want, outputs[0].Value())
		require.Equal(t, want, counter.Value().Value())
	}
}

func TestSharedSetValue(t *testing.T) {
	fg := graph.New(t.Name())
	s := compile.NewShared(fg, "state", tensors.FromValue([]float64{1, 2}))
	fg.SetOutputs(ops.Neg(s.Variable()))

	f, err := compile.Compile(fg)
	require.NoError(t, err)
	require.Zero(t, f.NumInputs())

	outputs, err := f.Call()
	require.NoError(t, err)
	require.Equal(t, []float64{-1, -2}, outputs[0].Value())

	require.NoError(t, s.SetValue(tensors.FromValue([]float64{10, 20})))
	outputs, err = f.Call()
	require.NoError(t, err)
	require.Equal(t, []float64{-10, -20}, outputs[0].Value())

	err = s.SetValue(tensors.FromValue([]float64{1, 2, 3}))
	require.ErrorIs(t, err, graph.ErrTypeMismatch)
}

func TestUpdateShapeMismatch(t *testing.T) {
	fg := graph.New(t.Name())
	s := compile.NewShared(fg, "state", tensors.FromValue([]float64{1, 2}))
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 3))
	fg.SetOutputs(ops.Sum(s.Variable()))

	_, err := compile.Compile(fg, compile.WithUpdates(compile.Update{Shared: s, Expr: x}))
	require.ErrorIs(t, err, graph.ErrTypeMismatch)
}
