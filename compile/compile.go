// Package compile assembles the whole pipeline into a callable Function:
// rewrite the graph to its fixpoint, freeze it, derive the linker plan, and
// wrap the executable together with the shared-value bookkeeping.
//
// It also exposes the generated C source of the compiled unit when every
// scheduled operation supports code generation; execution itself always goes
// through the interpreted linker, so a graph with uncompilable nodes still
// runs.
package compile

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/sympile/sympile/backends/host"
	"github.com/sympile/sympile/codegen"
	"github.com/sympile/sympile/config"
	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/link"
	"github.com/sympile/sympile/rewrite"
	"github.com/sympile/sympile/types/tensors"
)

// Update binds a shared variable to the expression that produces its next
// value: after every call, the shared variable takes the expression's result.
type Update struct {
	Shared *Shared
	Expr   *graph.Variable
}

// settings collects the per-compilation options.
type settings struct {
	options config.Options
	updates []Update
}

// Option customizes one compilation.
type Option func(*settings)

// WithOptions overrides the global options for this compilation.
func WithOptions(options config.Options) Option {
	return func(s *settings) { s.options = options }
}

// WithUpdates registers shared-variable updates applied after every call.
func WithUpdates(updates ...Update) Option {
	return func(s *settings) { s.updates = append(s.updates, updates...) }
}

// Function is a compiled graph: a callable taking one tensor per non-shared
// graph input and returning the designated outputs.
type Function struct {
	fg   *graph.FunctionGraph
	exec *link.Executable

	// inputSources maps each graph input position to the caller argument
	// index, or to the shared variable supplying it.
	inputSources []inputSource
	numArgs      int

	// numOutputs is the number of caller-visible outputs; results beyond it
	// are shared updates.
	numOutputs int
	updates    []Update

	unit *codegen.Unit
}

type inputSource struct {
	argIndex int
	shared   *Shared
}

// Compile rewrites, freezes and links the graph. The graph must have its
// outputs designated; it is frozen on success and cannot be mutated further.
func Compile(fg *graph.FunctionGraph, opts ...Option) (*Function, error) {
	s := &settings{options: config.Get()}
	for _, opt := range opts {
		opt(s)
	}
	if fg.Frozen() {
		return nil, errors.WithMessagef(graph.ErrFrozen, "compile: graph %q was already compiled", fg.Name())
	}
	if len(fg.Outputs()) == 0 {
		return nil, errors.Errorf("compile: graph %q has no designated outputs", fg.Name())
	}
	numOutputs := len(fg.Outputs())

	// Shared updates ride along as extra outputs: they are computed by the
	// same schedule and split off after each call.
	if len(s.updates) > 0 {
		outputs := append([]*graph.Variable(nil), fg.Outputs()...)
		for _, update := range s.updates {
			if update.Shared == nil || update.Expr == nil {
				return nil, errors.New("compile: update with nil shared or expression")
			}
			if !update.Shared.Variable().Shape().CompatibleWith(update.Expr.Shape()) {
				return nil, errors.WithMessagef(graph.ErrTypeMismatch,
					"compile: update of shared %q from expression of shape %s",
					update.Shared.Variable().Name(), update.Expr.Shape())
			}
			outputs = append(outputs, update.Expr)
		}
		fg.SetOutputs(outputs...)
	}

	if s.options.Opt != config.OptNone {
		placement := &rewrite.PlacementPass{
			DefaultDevice: s.options.Device,
			Strict:        s.options.StrictDevice,
		}
		engine := rewrite.NewDefaultEngine(placement)
		if s.options.Opt == config.OptAggressive {
			engine.WithMaxIterations(4 * rewrite.DefaultMaxIterations)
		}
		if err := engine.Run(fg); err != nil {
			return nil, errors.WithMessagef(err, "compile: rewriting graph %q", fg.Name())
		}
	}

	fg.Freeze()
	plan, err := link.NewPlan(fg)
	if err != nil {
		return nil, err
	}
	exec, err := link.NewExecutable(plan)
	if err != nil {
		return nil, err
	}

	f := &Function{
		fg:         fg,
		exec:       exec,
		numOutputs: numOutputs,
		updates:    s.updates,
	}
	for _, in := range fg.Inputs() {
		if shared := sharedOf(in); shared != nil {
			f.inputSources = append(f.inputSources, inputSource{argIndex: -1, shared: shared})
			continue
		}
		f.inputSources = append(f.inputSources, inputSource{argIndex: f.numArgs})
		f.numArgs++
	}

	// Lower to C when every node supports it; the source is exposed for
	// inspection and external compilation, execution stays interpreted.
	unit, cgenErr := codegen.EmitUnit(fg, plan.Schedule())
	switch {
	case cgenErr == nil:
		f.unit = unit
	case errors.Is(cgenErr, codegen.ErrCodeGenUnsupported):
		klog.V(1).Infof("compile: graph %q has no full C lowering, interpreted only: %v", fg.Name(), cgenErr)
	default:
		return nil, errors.WithMessagef(cgenErr, "compile: lowering graph %q", fg.Name())
	}

	if klog.V(1).Enabled() {
		var intermediateBytes uint64
		for _, node := range plan.Schedule() {
			for _, out := range node.Outputs() {
				if out.Shape().IsFullyDefined() {
					intermediateBytes += uint64(out.Shape().Memory())
				}
			}
		}
		klog.Infof("compile: graph %q linked, %d nodes scheduled, ~%s of intermediate storage",
			fg.Name(), len(plan.Schedule()), humanize.Bytes(intermediateBytes))
	}
	return f, nil
}

// Graph returns the compiled (rewritten, frozen) graph.
func (f *Function) Graph() *graph.FunctionGraph { return f.fg }

// NumInputs returns the number of tensors Call expects, shared inputs
// excluded.
func (f *Function) NumInputs() int { return f.numArgs }

// CSource returns the generated C unit source, or "" when some scheduled
// operation has no C lowering.
func (f *Function) CSource() string {
	if f.unit == nil {
		return ""
	}
	return f.unit.Source
}

// UnitName returns the unique name of the generated C unit, or "".
func (f *Function) UnitName() string {
	if f.unit == nil {
		return ""
	}
	return f.unit.Name
}

// Call runs the compiled graph: one tensor per non-shared input, in the
// inputs' declaration order. Shared variables contribute their current value
// and absorb their update before Call returns.
//
// Concurrent calls are safe for functions without updates; updates serialize
// through the shared variables' own locking but make concurrent calls
// order-dependent.
func (f *Function) Call(args ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(args) != f.numArgs {
		return nil, errors.Errorf("compile: function %q takes %d arguments, got %d",
			f.fg.Name(), f.numArgs, len(args))
	}
	inputs := make([]*tensors.Tensor, len(f.inputSources))
	for ii, source := range f.inputSources {
		if source.shared != nil {
			inputs[ii] = source.shared.Value()
			continue
		}
		inputs[ii] = args[source.argIndex]
	}
	results, err := f.exec.Call(inputs...)
	if err != nil {
		return nil, err
	}
	for ii, update := range f.updates {
		update.Shared.setValue(results[f.numOutputs+ii])
	}
	return results[:f.numOutputs], nil
}
