/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package graph_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/ops"
	"github.com/sympile/sympile/types/shapes"
)

func newBinaryGraph(t *testing.T) (*graph.FunctionGraph, *graph.Variable, *graph.Variable, *graph.Variable) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	y := fg.NewInput("y", shapes.Scalar[float64]())
	z := ops.Add(x, y)
	fg.SetOutputs(z)
	return fg, x, y, z
}

func TestBuild(t *testing.T) {
	fg, x, y, z := newBinaryGraph(t)
	require.Equal(t, 1, fg.NumApplies())
	require.NotNil(t, z.Owner())
	require.Equal(t, "add", z.Owner().Op().Name())
	require.Equal(t, []*graph.Variable{x, y}, z.Owner().Inputs())
	require.Len(t, fg.Clients(x), 1)
	require.Len(t, fg.Clients(z), 1)
	require.True(t, fg.Clients(z)[0].IsOutput())
	require.NoError(t, fg.CheckIntegrity())

	// Inputs from another graph are rejected at build time.
	other := graph.New("other")
	w := other.NewInput("w", shapes.Scalar[float64]())
	require.Panics(t, func() { ops.Add(x, w) })
}

func TestReplace(t *testing.T) {
	fg, x, y, z := newBinaryGraph(t)
	sub := ops.Sub(x, y)
	require.NoError(t, fg.Replace(z, sub, "test"))
	require.Equal(t, []*graph.Variable{sub}, fg.Outputs())
	// The add node lost its last client and was pruned.
	require.Nil(t, fg.Clients(z))
	require.False(t, fg.Contains(z.Owner()))
	require.NoError(t, fg.CheckIntegrity())

	// Replacing a variable no longer in the graph is a silent no-op.
	require.NoError(t, fg.Replace(z, x, "test"))
	require.Equal(t, []*graph.Variable{sub}, fg.Outputs())
}

func TestReplaceTypeMismatch(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 3))
	y := fg.NewInput("y", shapes.Make(dtypes.Float64, 4))
	doubled := ops.Add(x, x)
	fg.SetOutputs(doubled)

	err := fg.Replace(doubled, y, "test")
	require.ErrorIs(t, err, graph.ErrTypeMismatch)
	require.Equal(t, []*graph.Variable{doubled}, fg.Outputs())

	// The unsafe variant skips the check.
	require.NoError(t, fg.ReplaceUnsafe(doubled, y, "test"))
	require.Equal(t, []*graph.Variable{y}, fg.Outputs())
}

func TestReplaceCycle(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	a := ops.Neg(x)
	b := ops.Exp(a)
	fg.SetOutputs(b)

	// Replacing a with b would make exp consume its own output.
	err := fg.Replace(a, b, "test")
	require.ErrorIs(t, err, graph.ErrCycle)
	require.NoError(t, fg.CheckIntegrity())
}

func TestPruneCascade(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	c := ops.ConstScalar(fg, dtypes.Float64, 2)
	chain := ops.Exp(ops.Mul(x, c))
	fg.SetOutputs(chain)
	require.Equal(t, 2, fg.NumApplies())

	direct := ops.Neg(x)
	fg.SetOutputs(direct)
	// Both mul and exp become unreachable and are pruned; the constant loses
	// its last client and is dropped, the graph input stays.
	require.Equal(t, 1, fg.NumApplies())
	require.False(t, fg.ContainsVariable(c))
	require.True(t, fg.ContainsVariable(x))
	require.NoError(t, fg.CheckIntegrity())
}

func TestReplaceReimportsPrunedSubgraph(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	a := ops.Neg(x)
	b := ops.Exp(a)
	fg.SetOutputs(b)

	require.NoError(t, fg.Replace(b, a, "test"))
	require.False(t, fg.Contains(b.Owner()))
	require.Equal(t, []*graph.Variable{a}, fg.Outputs())

	// Replacing back re-imports the pruned exp node.
	require.NoError(t, fg.Replace(a, b, "test"))
	require.True(t, fg.Contains(b.Owner()))
	require.Equal(t, []*graph.Variable{b}, fg.Outputs())
	require.NoError(t, fg.CheckIntegrity())
}

func TestFreeze(t *testing.T) {
	fg, x, _, z := newBinaryGraph(t)
	fg.Freeze()
	require.True(t, fg.Frozen())
	err := fg.Replace(z, x, "test")
	require.ErrorIs(t, err, graph.ErrFrozen)
	require.Panics(t, func() { fg.NewInput("late", shapes.Scalar[float64]()) })
	require.Panics(t, func() { ops.Neg(x) })
}

type recordingListener struct {
	imports, prunes int
	changes         int
}

func (l *recordingListener) OnImport(fg *graph.FunctionGraph, node *graph.Apply, reason string) {
	l.imports++
}

func (l *recordingListener) OnPrune(fg *graph.FunctionGraph, node *graph.Apply, reason string) {
	l.prunes++
}

func (l *recordingListener) OnChangeInput(fg *graph.FunctionGraph, client graph.Client, old, new *graph.Variable, reason string) {
	l.changes++
}

func TestListeners(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	listener := &recordingListener{}
	fg.AttachListener(listener)

	a := ops.Neg(x)
	require.Equal(t, 1, listener.imports)
	b := ops.Exp(a)
	fg.SetOutputs(b)
	require.Equal(t, 2, listener.imports)

	require.NoError(t, fg.Replace(a, x, "test"))
	require.Equal(t, 1, listener.changes)
	require.Equal(t, 1, listener.prunes)

	fg.DetachListener(listener)
	ops.Neg(x)
	require.Equal(t, 2, listener.imports)
}

func TestShapeInferenceFailurePanics(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Make(dtypes.Float64, 3))
	y := fg.NewInput("y", shapes.Make(dtypes.Float32, 3))
	require.Panics(t, func() { ops.Add(x, y) })
}

func TestToposort(t *testing.T) {
	fg := graph.New(t.Name())
	x := fg.NewInput("x", shapes.Scalar[float64]())
	a := ops.Neg(x)
	b := ops.Exp(a)
	c := ops.Add(a, b)
	fg.SetOutputs(c)

	schedule := fg.Toposort()
	require.Len(t, schedule, 3)
	position := make(map[graph.ApplyID]int)
	for ii, node := range schedule {
		position[node.ID()] = ii
	}
	require.Less(t, position[a.Owner().ID()], position[b.Owner().ID()])
	require.Less(t, position[b.Owner().ID()], position[c.Owner().ID()])

	// Unreachable nodes are not scheduled.
	ops.Log(x)
	require.Len(t, fg.Toposort(), 3)
}
