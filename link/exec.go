package link

import (
	"github.com/pkg/errors"

	"github.com/sympile/sympile/backends"
	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/types/tensors"
)

// Executable is the callable produced by linking: it runs the plan's schedule
// over the ops' evaluators, managing buffers per the plan.
//
// An Executable is safe for concurrent Call invocations: each call owns a
// private slot set, nothing mutable is shared between invocations.
type Executable struct {
	plan           *Plan
	backendsByName map[string]backends.Backend
}

// NewExecutable initializes the backends the plan's devices require and
// returns the callable. It fails with backends.ErrDeviceUnavailable when an
// annotated device cannot be initialized: placement resolved availability
// earlier, so a failure here means the device broke between rewrite and link.
func NewExecutable(p *Plan) (*Executable, error) {
	e := &Executable{
		plan:           p,
		backendsByName: make(map[string]backends.Backend),
	}
	for _, device := range p.Devices() {
		backend, err := backends.New(device)
		if err != nil {
			return nil, err
		}
		e.backendsByName[device] = backend
	}
	return e, nil
}

// Plan returns the execution plan of the executable.
func (e *Executable) Plan() *Plan { return e.plan }

// slot is the per-invocation storage of one variable: a host tensor, or a
// device buffer for values produced under a device annotation.
type slot struct {
	host   *tensors.Tensor
	buf    backends.Buffer
	device string

	// borrowed storage (graph inputs, constants) and storage taken over by
	// an in-place consumer must not be reclaimed by this invocation.
	borrowed bool
	moved    bool
}

// invocation is the private state of one Call: the slot set and the
// remaining-use counters driving reclamation.
type invocation struct {
	exec      *Executable
	slots     map[graph.VarID]*slot
	remaining map[graph.VarID]int
}

// Call runs the schedule with the given input values and returns the
// designated outputs, freshly owned by the caller. Input tensors are borrowed
// for the duration of the call and never modified.
func (e *Executable) Call(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	fg := e.plan.Graph()
	if len(inputs) != len(fg.Inputs()) {
		return nil, errors.Errorf("link: graph %q takes %d inputs, got %d",
			fg.Name(), len(fg.Inputs()), len(inputs))
	}
	inv := &invocation{
		exec:      e,
		slots:     make(map[graph.VarID]*slot),
		remaining: make(map[graph.VarID]int, len(e.plan.useCount)),
	}
	for id, count := range e.plan.useCount {
		inv.remaining[id] = count
	}
	for ii, declared := range fg.Inputs() {
		value := inputs[ii]
		value.AssertValid()
		if !declared.Shape().CompatibleWith(value.Shape()) {
			return nil, errors.Errorf("link: input %s declared %s, got value of shape %s",
				declared.Name(), declared.Shape(), value.Shape())
		}
		inv.slots[declared.ID()] = &slot{host: value, borrowed: true}
	}

	for _, node := range e.plan.Schedule() {
		if err := inv.run(node); err != nil {
			inv.reclaimAll()
			return nil, errors.WithMessagef(err, "link: executing node %s", node)
		}
	}

	results := make([]*tensors.Tensor, len(fg.Outputs()))
	seen := make(map[graph.VarID]bool)
	for ii, out := range fg.Outputs() {
		value, err := inv.hostValue(out)
		if err != nil {
			inv.reclaimAll()
			return nil, err
		}
		if s := inv.slots[out.ID()]; (s != nil && s.borrowed) || out.Owner() == nil || seen[out.ID()] {
			// The caller must own every returned tensor: clone values that
			// alias an input, a constant, or another output position.
			value = value.Clone()
		} else {
			inv.slots[out.ID()].moved = true
		}
		seen[out.ID()] = true
		results[ii] = value
	}
	inv.reclaimAll()
	return results, nil
}

// run executes one node: gathers host input values, dispatches to the
// evaluator (in-place when authorized), stores the outputs and reclaims
// inputs whose last consumer just ran.
func (inv *invocation) run(node *graph.Apply) error {
	inputValues := make([]*tensors.Tensor, len(node.Inputs()))
	for ii, input := range node.Inputs() {
		value, err := inv.hostValue(input)
		if err != nil {
			return err
		}
		inputValues[ii] = value
	}

	var outputs []*tensors.Tensor
	var err error
	if pairs := inv.exec.plan.InplacePairs(node); pairs != nil {
		outputs, err = inv.runInplace(node, inputValues, pairs)
	} else {
		outputs, err = node.Op().Eval(inputValues)
	}
	if err != nil {
		return err
	}
	if len(outputs) != len(node.Outputs()) {
		return errors.Errorf("op %s produced %d outputs, expected %d",
			node.Op().Name(), len(outputs), len(node.Outputs()))
	}

	device := node.Device()
	if device == "" {
		device = backends.HostDeviceName
	}
	for ii, out := range node.Outputs() {
		s := &slot{host: outputs[ii]}
		if device != backends.HostDeviceName {
			// Device-annotated results live in device storage; consumers
			// transfer them back on demand.
			backend := inv.exec.backendsByName[device]
			buf, bufErr := backend.FromHost(outputs[ii])
			if bufErr != nil {
				return bufErr
			}
			outputs[ii].Finalize()
			s = &slot{buf: buf, device: device}
		}
		inv.slots[out.ID()] = s
	}

	for _, input := range node.Inputs() {
		inv.release(input)
	}
	return nil
}

// runInplace executes the node through EvalInto, handing authorized inputs'
// storage over to the outputs and allocating the rest.
func (inv *invocation) runInplace(node *graph.Apply, inputValues []*tensors.Tensor, pairs map[int]int) ([]*tensors.Tensor, error) {
	for outIdx, out := range node.Outputs() {
		if _, ok := pairs[outIdx]; !ok && !out.Shape().IsFullyDefined() {
			// Cannot preallocate: fall back to the plain evaluator.
			return node.Op().Eval(inputValues)
		}
	}
	outputs := make([]*tensors.Tensor, len(node.Outputs()))
	for outIdx, out := range node.Outputs() {
		if inIdx, ok := pairs[outIdx]; ok {
			outputs[outIdx] = inputValues[inIdx]
			inv.slots[node.Inputs()[inIdx].ID()].moved = true
			continue
		}
		outputs[outIdx] = tensors.FromShape(out.Shape())
	}
	if err := node.Op().(graph.EvalInto).EvalInto(inputValues, outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}

// hostValue returns the host tensor of a variable, transferring from device
// storage when needed. Constants resolve to their (borrowed) value.
func (inv *invocation) hostValue(v *graph.Variable) (*tensors.Tensor, error) {
	s := inv.slots[v.ID()]
	if s == nil {
		if v.IsConstant() {
			s = &slot{host: v.ConstValue(), borrowed: true}
			inv.slots[v.ID()] = s
			return s.host, nil
		}
		return nil, errors.Errorf("variable %s has no value; schedule or graph inconsistency", v)
	}
	if s.host == nil {
		backend := inv.exec.backendsByName[s.device]
		if err := backend.Synchronize(); err != nil {
			return nil, err
		}
		host, err := backend.ToHost(s.buf)
		if err != nil {
			return nil, err
		}
		s.host = host
	}
	return s.host, nil
}

// release decrements the remaining-use count of a variable and reclaims its
// storage once the last consumer ran.
func (inv *invocation) release(v *graph.Variable) {
	inv.remaining[v.ID()]--
	if inv.remaining[v.ID()] > 0 {
		return
	}
	inv.reclaim(v.ID())
}

func (inv *invocation) reclaim(id graph.VarID) {
	s := inv.slots[id]
	if s == nil || s.borrowed {
		return
	}
	if !s.moved && s.host != nil {
		s.host.Finalize()
	}
	if s.buf != nil {
		s.buf.Finalize()
	}
	delete(inv.slots, id)
}

// reclaimAll releases every slot still held, at the end of the invocation or
// on its error path.
func (inv *invocation) reclaimAll() {
	for id := range inv.slots {
		inv.reclaim(id)
	}
}
