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

// Package graph implements the symbolic computation graph at the core of sympile.
//
// The main elements of the package are:
//
//   - Variable: a typed edge of the graph, carrying a static shape (element
//     dtype plus per-axis dimensions, possibly unknown), optionally a constant
//     value, and a name. Variables are immutable once created.
//
//   - Apply: a node binding an Op to an ordered list of input Variables and
//     producing an ordered list of output Variables. Variables and Applies
//     alternate, forming a bipartite-like directed acyclic graph.
//
//   - Op: a stateless (or parameter-only) description of a computation. Given
//     input shapes it determines output shapes, it can evaluate values for the
//     interpreted fallback path, and optionally provides code generation, a
//     gradient rule and an in-place-safety declaration -- see op.go for the
//     capability interfaces.
//
//   - FunctionGraph: the container of a computation -- its input Variables,
//     output Variables and every Apply reachable between them. It owns the
//     mutation API used by the rewrite engine (Replace, pruning), maintains a
//     clients index (which Apply consumes which Variable at which position),
//     and keeps the acyclicity and type-consistency invariants after every
//     mutation.
//
// Graph building and mutation are single-threaded and synchronous: a
// FunctionGraph must not be mutated concurrently. Once compilation of the
// graph begins, the graph is frozen (see FunctionGraph.Freeze) and any further
// mutation fails.
//
// ## Error handling
//
// Following the project convention, graph-building functions (NewInput,
// AddApply, ...) panic with a stack-carrying error (github.com/gomlx/exceptions)
// on programming errors: an invalid shape, an input from another graph. The
// mutation API used by the rewrite engine (Replace and friends) returns
// ordinary errors instead, since a failed rewrite attempt is an expected
// condition the engine must handle.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/sympile/sympile/types/shapes"
	"github.com/sympile/sympile/types/tensors"
)

// VarID is the unique id of a Variable within its FunctionGraph. It is a
// stable index into the graph's arena: ids survive pruning.
type VarID int

// ApplyID is the unique id of an Apply within its FunctionGraph.
type ApplyID int

// InvalidVarID is the id of a Variable that failed to be created.
const InvalidVarID = VarID(-1)

// Variable is a typed edge in the graph: the result of an Apply, a graph
// input, or a constant. It is immutable once created.
type Variable struct {
	fg    *FunctionGraph
	id    VarID
	name  string
	shape shapes.Shape

	// owner is the Apply that produces this variable, nil for graph inputs
	// and constants. outputIndex is this variable's position in owner's
	// outputs.
	owner       *Apply
	outputIndex int

	// constValue is set for constant variables only.
	constValue *tensors.Tensor
}

// ID of the variable within its FunctionGraph.
func (v *Variable) ID() VarID { return v.id }

// Graph returns the FunctionGraph that owns this variable.
func (v *Variable) Graph() *FunctionGraph { return v.fg }

// Name of the variable. Auto-generated if not given at creation.
func (v *Variable) Name() string { return v.name }

// Shape of the variable, its static type.
func (v *Variable) Shape() shapes.Shape { return v.shape }

// Owner returns the Apply producing this variable, or nil for graph inputs
// and constants.
func (v *Variable) Owner() *Apply { return v.owner }

// OutputIndex returns the position of this variable in its owner's outputs.
// It returns 0 for inputs and constants.
func (v *Variable) OutputIndex() int { return v.outputIndex }

// IsConstant reports whether the variable carries a concrete constant value.
func (v *Variable) IsConstant() bool { return v.constValue != nil }

// ConstValue returns the constant value of the variable, or nil.
func (v *Variable) ConstValue() *tensors.Tensor { return v.constValue }

// String implements fmt.Stringer.
func (v *Variable) String() string {
	if v == nil {
		return "Variable(nil)"
	}
	return fmt.Sprintf("%s%s", v.name, v.shape)
}

// Apply is a node of the graph: the application of an Op to an ordered list
// of input Variables, producing an ordered list of output Variables.
type Apply struct {
	fg      *FunctionGraph
	id      ApplyID
	op      Op
	inputs  []*Variable
	outputs []*Variable

	// device is the placement annotation honored by the linker when
	// allocating storage. Empty means the default device.
	device string
}

// ID of the apply within its FunctionGraph.
func (a *Apply) ID() ApplyID { return a.id }

// Graph returns the FunctionGraph that owns this apply.
func (a *Apply) Graph() *FunctionGraph { return a.fg }

// Op performed by this apply. Multiple applies may share one Op instance.
func (a *Apply) Op() Op { return a.op }

// Inputs of the apply. The returned slice must not be modified.
func (a *Apply) Inputs() []*Variable { return a.inputs }

// Outputs of the apply. The returned slice must not be modified.
func (a *Apply) Outputs() []*Variable { return a.outputs }

// Output returns the idx-th output variable.
func (a *Apply) Output(idx int) *Variable { return a.outputs[idx] }

// Device returns the device placement annotation, empty for the default.
func (a *Apply) Device() string { return a.device }

// SetDevice annotates the apply with a device placement. Used by the
// device-placement rewrite stage; the linker honors it when allocating
// storage and inserting transfers.
func (a *Apply) SetDevice(device string) { a.device = device }

// String implements fmt.Stringer.
func (a *Apply) String() string {
	if a == nil {
		return "Apply(nil)"
	}
	inputs := make([]string, len(a.inputs))
	for ii, v := range a.inputs {
		inputs[ii] = v.name
	}
	outputs := make([]string, len(a.outputs))
	for ii, v := range a.outputs {
		outputs[ii] = v.String()
	}
	return fmt.Sprintf("%s(%s) -> %s", a.op.Name(), strings.Join(inputs, ", "), strings.Join(outputs, ", "))
}

// Client is one consumer position of a Variable: either the Index-th input of
// Apply, or -- if Apply is nil -- the Index-th designated graph output.
type Client struct {
	Apply *Apply
	Index int
}

// IsOutput reports whether the client is a designated graph output position.
func (c Client) IsOutput() bool { return c.Apply == nil }

func (c Client) String() string {
	if c.IsOutput() {
		return fmt.Sprintf("output[%d]", c.Index)
	}
	return fmt.Sprintf("%s.inputs[%d]", c.Apply.op.Name(), c.Index)
}

// FunctionGraph is the top-level container of a computation graph: the set of
// input Variables, output Variables, and all Apply nodes reachable between
// them. It is the sole owner of the arena of Variables and Applies, and owns
// the mutation API used by rewrites.
type FunctionGraph struct {
	name string

	// Arenas. Ids are stable: pruned nodes leave their entry in place but are
	// removed from the live set.
	variables []*Variable
	applies   []*Apply

	inputs  []*Variable
	outputs []*Variable

	// clients maps each live variable id to its consumer positions.
	clients map[VarID][]Client

	// liveApplies is the set of applies currently part of the graph.
	liveApplies map[ApplyID]bool

	listeners []Listener

	frozen bool

	nextName int
}

// New creates an empty FunctionGraph with the given name.
func New(name string) *FunctionGraph {
	if name == "" {
		name = "fgraph"
	}
	return &FunctionGraph{
		name:        name,
		clients:     make(map[VarID][]Client),
		liveApplies: make(map[ApplyID]bool),
	}
}

// Name of the computation this FunctionGraph defines.
func (fg *FunctionGraph) Name() string { return fg.name }

// Inputs returns the graph input variables, in creation order.
func (fg *FunctionGraph) Inputs() []*Variable { return fg.inputs }

// Outputs returns the designated graph outputs.
func (fg *FunctionGraph) Outputs() []*Variable { return fg.outputs }

// NumApplies returns the number of live Apply nodes.
func (fg *FunctionGraph) NumApplies() int { return len(fg.liveApplies) }

// Applies returns the live Apply nodes in id order.
func (fg *FunctionGraph) Applies() []*Apply {
	all := make([]*Apply, 0, len(fg.liveApplies))
	for _, a := range fg.applies {
		if fg.liveApplies[a.id] {
			all = append(all, a)
		}
	}
	return all
}

// Contains reports whether the apply is live in this graph.
func (fg *FunctionGraph) Contains(a *Apply) bool {
	return a != nil && a.fg == fg && fg.liveApplies[a.id]
}

// ContainsVariable reports whether the variable is live in this graph.
func (fg *FunctionGraph) ContainsVariable(v *Variable) bool {
	if v == nil || v.fg != fg {
		return false
	}
	_, ok := fg.clients[v.id]
	return ok
}

// Clients returns the consumer positions of the variable. The returned slice
// must not be modified.
func (fg *FunctionGraph) Clients(v *Variable) []Client {
	return fg.clients[v.id]
}

// Frozen reports whether the graph was frozen for compilation.
func (fg *FunctionGraph) Frozen() bool { return fg.frozen }

// Freeze marks the graph as frozen: compilation has begun and no further
// mutation is permitted while the linker plan is derived and executed.
func (fg *FunctionGraph) Freeze() { fg.frozen = true }

// AssertMutable panics if the graph is frozen.
func (fg *FunctionGraph) AssertMutable() {
	if fg.frozen {
		exceptions.Panicf("FunctionGraph %q is frozen for compilation: no further mutation is permitted", fg.name)
	}
}

// autoName generates a fresh variable name.
func (fg *FunctionGraph) autoName(prefix string) string {
	fg.nextName++
	return fmt.Sprintf("%s%d", prefix, fg.nextName-1)
}

// String converts the graph to a multi-line listing of its live nodes.
func (fg *FunctionGraph) String() string {
	parts := []string{fmt.Sprintf("FunctionGraph %q: %d inputs, %d outputs, %d applies",
		fg.name, len(fg.inputs), len(fg.outputs), fg.NumApplies())}
	for _, a := range fg.Applies() {
		parts = append(parts, fmt.Sprintf("  #%d\t%s", a.id, a))
	}
	return strings.Join(parts, "\n")
}

// newVariable allocates a variable in the arena. It does not register clients.
func (fg *FunctionGraph) newVariable(name string, shape shapes.Shape, owner *Apply, outputIndex int) *Variable {
	if name == "" {
		name = fg.autoName("v")
	}
	v := &Variable{
		fg:          fg,
		id:          VarID(len(fg.variables)),
		name:        name,
		shape:       shape,
		owner:       owner,
		outputIndex: outputIndex,
	}
	fg.variables = append(fg.variables, v)
	fg.clients[v.id] = nil
	return v
}

// NewInput creates a graph input variable with the given (possibly partial) shape.
func (fg *FunctionGraph) NewInput(name string, shape shapes.Shape) *Variable {
	fg.AssertMutable()
	if !shape.Ok() {
		exceptions.Panicf("FunctionGraph %q: NewInput(%q) with invalid shape", fg.name, name)
	}
	v := fg.newVariable(name, shape, nil, 0)
	fg.inputs = append(fg.inputs, v)
	return v
}

// NewConstant creates a constant variable holding the given tensor value.
func (fg *FunctionGraph) NewConstant(name string, value *tensors.Tensor) *Variable {
	fg.AssertMutable()
	value.AssertValid()
	v := fg.newVariable(name, value.Shape(), nil, 0)
	v.constValue = value
	return v
}

// validateOwnership panics if any of the variables belongs to another graph.
func (fg *FunctionGraph) validateOwnership(vars ...*Variable) {
	for ii, v := range vars {
		if v == nil {
			exceptions.Panicf("FunctionGraph %q: variable #%d is nil", fg.name, ii)
		}
		if v.fg != fg {
			exceptions.Panicf("FunctionGraph %q: variable %q belongs to a different graph (%q)",
				fg.name, v.name, v.fg.name)
		}
	}
}

// AddApply creates an Apply of op over the given inputs, runs the op's shape
// inference, and returns the output variables. The new node is immediately
// part of the graph and registered as a client of each of its inputs.
func (fg *FunctionGraph) AddApply(op Op, inputs ...*Variable) []*Variable {
	fg.AssertMutable()
	fg.validateOwnership(inputs...)
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, v := range inputs {
		inputShapes[ii] = v.shape
	}
	outputShapes, err := op.InferShapes(inputShapes)
	if err != nil {
		panic(errors.WithMessagef(err, "FunctionGraph %q: shape inference for op %s failed", fg.name, op.Name()))
	}
	a := &Apply{
		fg:     fg,
		id:     ApplyID(len(fg.applies)),
		op:     op,
		inputs: append([]*Variable(nil), inputs...),
	}
	fg.applies = append(fg.applies, a)
	fg.liveApplies[a.id] = true
	a.outputs = make([]*Variable, len(outputShapes))
	for ii, shape := range outputShapes {
		a.outputs[ii] = fg.newVariable(fg.autoName(op.Name()+"."), shape, a, ii)
	}
	for ii, v := range inputs {
		fg.clients[v.id] = append(fg.clients[v.id], Client{Apply: a, Index: ii})
	}
	fg.notifyImport(a, "build")
	return a.outputs
}

// Apply1 is a shortcut for AddApply for single-output ops.
func (fg *FunctionGraph) Apply1(op Op, inputs ...*Variable) *Variable {
	outputs := fg.AddApply(op, inputs...)
	if len(outputs) != 1 {
		exceptions.Panicf("FunctionGraph %q: op %s produced %d outputs, Apply1 requires exactly one",
			fg.name, op.Name(), len(outputs))
	}
	return outputs[0]
}

// SetOutputs designates the graph outputs. It can be called again before the
// graph is frozen, replacing the previous designation.
func (fg *FunctionGraph) SetOutputs(outputs ...*Variable) {
	fg.AssertMutable()
	fg.validateOwnership(outputs...)
	old := fg.outputs
	fg.outputs = append([]*Variable(nil), outputs...)
	// Register the new output clients before retiring the old ones, so a
	// variable kept across the change is never transiently clientless.
	for ii, v := range outputs {
		fg.clients[v.id] = append(fg.clients[v.id], Client{Apply: nil, Index: ii})
	}
	for ii, v := range old {
		fg.removeClient(v, Client{Apply: nil, Index: ii}, "set-outputs")
	}
}
