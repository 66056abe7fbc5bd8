// Package link turns a frozen FunctionGraph into a callable: it derives an
// execution plan (a topological schedule, per-variable use counts and
// in-place reuse authorizations) and implements the interpreted executor that
// runs the plan over the ops' evaluators.
//
// The plan is ephemeral and one-directional: it is derived after rewriting
// and never feeds back into the graph. Any valid topological order is an
// acceptable schedule; the plan makes no ordering promise beyond dependency
// correctness.
//
// In-place reuse is authorized at plan time, before any execution: an output
// may take over the storage of an input only when the op declares the pair
// safe (graph.InplaceSafe plus graph.EvalInto), the shapes match exactly,
// this node is the input's only consumer, and the input is an intermediate --
// never a graph input, a constant or a designated output, whose buffers the
// executor does not own.
package link

import (
	"github.com/pkg/errors"

	"github.com/sympile/sympile/backends"
	"github.com/sympile/sympile/graph"
)

// Plan is the derived execution plan of one frozen graph.
type Plan struct {
	fg       *graph.FunctionGraph
	schedule []*graph.Apply

	// useCount maps each variable to its number of consumer positions in the
	// schedule plus its designated-output positions. The executor reclaims a
	// buffer when its remaining count reaches zero.
	useCount map[graph.VarID]int

	// inplace maps an apply to its authorized output-to-input storage
	// takeovers.
	inplace map[graph.ApplyID]map[int]int

	// devices lists the distinct device names annotated in the schedule.
	devices []string
}

// NewPlan derives the execution plan for fg. The graph must be frozen: the
// plan caches structure that any further mutation would invalidate.
func NewPlan(fg *graph.FunctionGraph) (*Plan, error) {
	if !fg.Frozen() {
		return nil, errors.Errorf("link: graph %q must be frozen before planning", fg.Name())
	}
	if len(fg.Outputs()) == 0 {
		return nil, errors.Errorf("link: graph %q has no designated outputs", fg.Name())
	}
	if err := fg.CheckIntegrity(); err != nil {
		return nil, errors.WithMessagef(err, "link: graph %q failed integrity check", fg.Name())
	}

	p := &Plan{
		fg:       fg,
		schedule: fg.Toposort(),
		useCount: make(map[graph.VarID]int),
		inplace:  make(map[graph.ApplyID]map[int]int),
	}
	for _, node := range p.schedule {
		for _, input := range node.Inputs() {
			p.useCount[input.ID()]++
		}
	}
	isOutput := make(map[graph.VarID]bool)
	for _, out := range fg.Outputs() {
		p.useCount[out.ID()]++
		isOutput[out.ID()] = true
	}

	seenDevice := make(map[string]bool)
	for _, node := range p.schedule {
		device := node.Device()
		if device == "" {
			device = backends.HostDeviceName
		}
		if !seenDevice[device] {
			seenDevice[device] = true
			p.devices = append(p.devices, device)
		}
		p.authorizeInplace(node, isOutput)
	}
	return p, nil
}

// authorizeInplace records the storage takeovers allowed for one node.
func (p *Plan) authorizeInplace(node *graph.Apply, isOutput map[graph.VarID]bool) {
	inplaceOp, ok := node.Op().(graph.InplaceSafe)
	if !ok {
		return
	}
	if _, ok := node.Op().(graph.EvalInto); !ok {
		return
	}
	if node.Device() != "" && node.Device() != backends.HostDeviceName {
		// Device-resident values go through transfer buffers; only host
		// storage is taken over directly.
		return
	}
	var authorized map[int]int
	taken := make(map[int]bool)
	for outIdx, inIdx := range inplaceOp.InplacePairs() {
		if taken[inIdx] {
			continue
		}
		input := node.Inputs()[inIdx]
		output := node.Outputs()[outIdx]
		if input.Owner() == nil {
			// Graph inputs and constants are caller-owned.
			continue
		}
		if input.Owner().Device() != "" && input.Owner().Device() != backends.HostDeviceName {
			continue
		}
		if isOutput[input.ID()] {
			continue
		}
		if p.useCount[input.ID()] != 1 {
			// Another consumer still needs the input's value.
			continue
		}
		if !input.Shape().IsFullyDefined() || !input.Shape().Equal(output.Shape()) {
			continue
		}
		if authorized == nil {
			authorized = make(map[int]int)
		}
		authorized[outIdx] = inIdx
		taken[inIdx] = true
	}
	if authorized != nil {
		p.inplace[node.ID()] = authorized
	}
}

// Schedule returns the planned execution order. The slice must not be modified.
func (p *Plan) Schedule() []*graph.Apply { return p.schedule }

// Graph returns the planned graph.
func (p *Plan) Graph() *graph.FunctionGraph { return p.fg }

// InplacePairs returns the authorized storage takeovers of the node, or nil.
func (p *Plan) InplacePairs(node *graph.Apply) map[int]int { return p.inplace[node.ID()] }

// Devices returns the distinct device names the schedule touches.
func (p *Plan) Devices() []string { return p.devices }
