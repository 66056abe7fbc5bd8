package rewrite_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/sympile/sympile/backends/host"
	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/link"
	"github.com/sympile/sympile/ops"
	"github.com/sympile/sympile/rewrite"
	"github.com/sympile/sympile/types/shapes"
	"github.com/sympile/sympile/types/tensors"
)

func runEngine(t *testing.T, fg *graph.FunctionGraph) {
	engine := rewrite.NewDefaultEngine(&rewrite.PlacementPass{})
	require.NoError(t, engine.Run(fg))
	require.NoError(t, fg.CheckIntegrity())
}

func callGraph(t *testing.T, fg *graph.FunctionGraph, inputs ...*tensors.Tensor) []*tensors.Tensor {
	fg.Freeze()
	plan, err := link.NewPlan(fg)
	require.NoError(t, err)
	exec, err := link.NewExecutable(plan)
	require.NoError(t, err)
	outputs, err := exec.Call(inputs...)
	require.NoError(t, err)
	return outputs
}

// opNames returns the multiset of op names scheduled in the graph.
func opNames(fg *graph.FunctionGraph) map[string]int {
	names := make(map[string]int)
	for _, node := range fg.Toposort() {
		names[node.Op().Name()]++
	}
	return names
}

func TestConstantFolding(t *testing.T) {
	fg := graph.New(t.Name())
	a := ops.Const(fg, []float64{1, 2, 3})
	b := ops.Const(fg, []float64{10, 20, 30})
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 3))
	z := ops.Mul(x, ops.Add(a, b))
	fg.SetOutputs(z)

	runEngine(t, fg)
	names := opNames(fg)
	require.Zero(t, names["add"])
	require.Equal(t, 1, names["mul"])

	outputs := callGraph(t, fg, tensors.FromValue([]float64{1, 1, 1}))
	require.Equal(t, []float64{11, 22, 33}, outputs[0].Value())
}

func TestAlgebraicSimplify(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 2))
	zero := ops.ConstScalar(fg, dtypes.Float64, 0)
	one := ops.ConstScalar(fg, dtypes.Float64, 1)
	z := ops.Div(ops.Mul(ops.Add(x, zero), one), one)
	fg.SetOutputs(z)

	runEngine(t, fg)
	// Everything collapses to the input itself.
	require.Equal(t, []*graph.Variable{x}, fg.Outputs())
	require.Zero(t, fg.NumApplies())
}

func TestMulByZero(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 2))
	zero := ops.ConstScalar(fg, dtypes.Float64, 0)
	fg.SetOutputs(ops.Mul(x, zero))

	runEngine(t, fg)
	require.Zero(t, opNames(fg)["mul"])
	outputs := callGraph(t, fg, tensors.FromValue([]float64{5, -5}))
	require.Equal(t, []float64{0, 0}, outputs[0].Value())
}

func TestLogExpCancel(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	fg.SetOutputs(ops.Log(ops.Exp(x)))

	runEngine(t, fg)
	require.Equal(t, []*graph.Variable{x}, fg.Outputs())
}

func TestUnaryChainFusion(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 3))
	fg.SetOutputs(ops.Exp(ops.Neg(x)))

	runEngine(t, fg)
	names := opNames(fg)
	require.Zero(t, names["neg"])
	require.Zero(t, names["exp"])
	require.Equal(t, 1, names["neg+exp"])

	outputs := callGraph(t, fg, tensors.FromValue([]float64{0, 0, 0}))
	require.Equal(t, []float64{1, 1, 1}, outputs[0].Value())
}

func TestFusionKeepsSharedIntermediates(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	neg := ops.Neg(x)
	// neg feeds two consumers: it must stay materialized.
	fg.SetOutputs(ops.Add(ops.Exp(neg), neg))

	runEngine(t, fg)
	require.Equal(t, 1, opNames(fg)["neg"])
}

// Requesting only the shape of a computation eliminates the value
// computation entirely.
func TestShapeOnlyQueryDropsValueComputation(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.MakePartial(dtypes.Float64, shapes.UnknownDim, shapes.UnknownDim))
	two := ops.ConstScalar(fg, dtypes.Float64, 2)
	squared := ops.Pow(x, two)
	fg.SetOutputs(ops.ShapeOf(squared))

	runEngine(t, fg)
	require.Zero(t, opNames(fg)["pow"])

	outputs := callGraph(t, fg, tensors.FromShape(shapes.Make(dtypes.Float64, 3, 4)))
	require.Equal(t, []int64{3, 4}, outputs[0].Value())
}

// Pushing a shape query through an elementwise op keeps only the shape query
// the closed form consumes: the other operand's shape query is never built,
// so nothing clientless is left behind in the graph.
func TestShapeSpecializeLeavesNoDanglingNodes(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.MakePartial(dtypes.Float64, shapes.UnknownDim))
	y := fg.NewInput("y", shapes.MakePartial(dtypes.Float64, shapes.UnknownDim))
	fg.SetOutputs(ops.ShapeOf(ops.Add(x, y)))

	runEngine(t, fg)
	names := opNames(fg)
	require.Zero(t, names["add"])
	require.Equal(t, 1, names["shape"])
	require.Equal(t, 1, fg.NumApplies())

	outputs := callGraph(t, fg,
		tensors.FromShape(shapes.Make(dtypes.Float64, 4)),
		tensors.FromShape(shapes.Make(dtypes.Float64, 4)))
	require.Equal(t, []int64{4}, outputs[0].Value())
}

// A shape-only query over a join with mismatched trailing dimensions answers
// without raising, although evaluating the join's value would fail.
// Documented unsoundness of the shape-only path.
func TestShapeOnlyJoinSkipsTrailingValidation(t *testing.T) {
	fg := graph.New(t.Name())
	a := fg.NewInput("a", shapes.Make(dtypes.Float64, 2, 5))
	b := fg.NewInput("b", shapes.Make(dtypes.Float64, 3, 7))
	joined := ops.Join(a, b)
	fg.SetOutputs(ops.ShapeOf(joined))

	runEngine(t, fg)
	require.Zero(t, opNames(fg)["join"])

	outputs := callGraph(t, fg,
		tensors.FromShape(shapes.Make(dtypes.Float64, 2, 5)),
		tensors.FromShape(shapes.Make(dtypes.Float64, 3, 7)))
	require.Equal(t, []int64{5, 5}, outputs[0].Value())
}

func TestStaticShapeBecomesConstant(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 3, 4))
	fg.SetOutputs(ops.ShapeOf(x))

	runEngine(t, fg)
	require.Zero(t, fg.NumApplies())
	out := fg.Outputs()[0]
	require.True(t, out.IsConstant())
	require.Equal(t, []int64{3, 4}, out.ConstValue().Value())
}

func TestRewriteEquivalenceAndIdempotence(t *testing.T) {
	build := func() *graph.FunctionGraph {
		fg := graph.New(t.Name())
		x := fg.NewInput("x", shapes.Make(dtypes.Float64, 4))
		y := fg.NewInput("y", shapes.Make(dtypes.Float64, 4))
		zero := ops.ConstScalar(fg, dtypes.Float64, 0)
		z := ops.Sum(ops.Exp(ops.Neg(ops.Add(ops.Mul(x, y), zero))))
		fg.SetOutputs(z)
		return fg
	}
	xVal := tensors.FromValue([]float64{0.1, 0.2, 0.3, 0.4})
	yVal := tensors.FromValue([]float64{1, -1, 2, -2})

	plain := build()
	reference := callGraph(t, plain, xVal, yVal)[0].Value()

	rewritten := build()
	runEngine(t, rewritten)
	applies := rewritten.NumApplies()

	// Idempotence: a second engine run changes nothing.
	runEngine(t, rewritten)
	require.Equal(t, applies, rewritten.NumApplies())

	optimized := callGraph(t, rewritten, xVal, yVal)[0].Value()
	require.InDelta(t, reference.(float64), optimized.(float64), 1e-12)
}

// badRule proposes a replacement with an incompatible shape.
type badRule struct{}

func (badRule) Name() string { return "bad-rule" }

func (badRule) Rewrite(fg *graph.FunctionGraph, node *graph.Apply) []*graph.Variable {
	if node.Op().Name() != "neg" {
		return nil
	}
	return []*graph.Variable{ops.ConstScalar(fg, dtypes.Float64, 0)}
}

// panicRule throws while matching, the way graph-building helpers do on
// programming errors.
type panicRule struct{}

func (panicRule) Name() string { return "panic-rule" }

func (panicRule) Rewrite(fg *graph.FunctionGraph, node *graph.Apply) []*graph.Variable {
	exceptions.Panicf("panic rule always panics on node %s", node)
	return nil
}

func TestInconsistentRuleAbortsCompilation(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 3))
	fg.SetOutputs(ops.Neg(x))

	engine := rewrite.NewEngine(rewrite.Stage{
		Name:   "broken",
		Passes: []rewrite.Pass{rewrite.NewNodeRewriter("broken", badRule{})},
	})
	err := engine.Run(fg)
	require.ErrorIs(t, err, rewrite.ErrInconsistency)
}

func TestPanickingRuleAbortsCompilation(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	fg.SetOutputs(ops.Neg(x))

	engine := rewrite.NewEngine(rewrite.Stage{
		Name:   "broken",
		Passes: []rewrite.Pass{rewrite.NewNodeRewriter("broken", panicRule{})},
	})
	err := engine.Run(fg)
	require.ErrorIs(t, err, rewrite.ErrInconsistency)
}

func TestPlacementAnnotatesDefaultDevice(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	z := ops.Neg(x)
	fg.SetOutputs(z)

	runEngine(t, fg)
	require.Equal(t, "host", z.Owner().Device())
}

func TestPlacementFallsBackOnUnknownDevice(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	z := ops.Neg(x)
	z.Owner().SetDevice("quantum0")
	fg.SetOutputs(z)

	runEngine(t, fg)
	require.Equal(t, "host", z.Owner().Device())

	// Strict placement makes the same situation fatal.
	fg2 := graph.New(t.Name())
	x2 := fg2.NewInput("x", shapes.Scalar[float64]())
	z2 := ops.Neg(x2)
	z2.Owner().SetDevice("quantum0")
	fg2.SetOutputs(z2)
	engine := rewrite.NewEngine(rewrite.Stage{
		Name:   "place",
		Passes: []rewrite.Pass{&rewrite.PlacementPass{Strict: true}},
	})
	require.Error(t, engine.Run(fg2))
}
