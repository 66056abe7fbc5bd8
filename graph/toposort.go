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

package graph

import (
	"sort"

	"github.com/pkg/errors"
)

// Toposort returns the live Apply nodes reachable from the graph outputs, in
// a dependency-consistent order: every node appears after all the producers
// of its inputs.
//
// Within that constraint the order is deterministic (by arena id) but not
// otherwise specified: any valid topological order is an acceptable execution
// schedule.
func (fg *FunctionGraph) Toposort() []*Apply {
	reachable := fg.reachableApplies()
	ordered := make([]*Apply, 0, len(reachable))
	visited := make(map[ApplyID]bool, len(reachable))

	var visit func(a *Apply)
	visit = func(a *Apply) {
		if visited[a.id] {
			return
		}
		visited[a.id] = true
		for _, input := range a.inputs {
			if input.owner != nil && reachable[input.owner.id] {
				visit(input.owner)
			}
		}
		ordered = append(ordered, a)
	}

	// Start from the output producers in a stable order.
	roots := make([]*Apply, 0, len(fg.outputs))
	for _, out := range fg.outputs {
		if out.owner != nil {
			roots = append(roots, out.owner)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].id < roots[j].id })
	for _, root := range roots {
		visit(root)
	}
	return ordered
}

// reachableApplies returns the set of live applies reachable from the outputs.
func (fg *FunctionGraph) reachableApplies() map[ApplyID]bool {
	reachable := make(map[ApplyID]bool)
	var stack []*Apply
	for _, out := range fg.outputs {
		if out.owner != nil {
			stack = append(stack, out.owner)
		}
	}
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[a.id] {
			continue
		}
		reachable[a.id] = true
		for _, input := range a.inputs {
			if input.owner != nil {
				stack = append(stack, input.owner)
			}
		}
	}
	return reachable
}

// CheckIntegrity validates the cached bookkeeping of the graph: the live sets
// must match reachability, and the clients index must be consistent with the
// Apply input lists and the designated outputs. Used by tests and by the
// rewrite engine at high verbosity levels.
func (fg *FunctionGraph) CheckIntegrity() error {
	reachable := fg.reachableApplies()
	for id := range reachable {
		if !fg.liveApplies[id] {
			return errors.Errorf("apply #%d is reachable from the outputs but not live", id)
		}
	}
	for id := range fg.liveApplies {
		node := fg.applies[id]
		for ii, input := range node.inputs {
			clientsOfInput, ok := fg.clients[input.id]
			if !ok {
				return errors.Errorf("apply #%d input #%d (%s) has no clients entry", id, ii, input.name)
			}
			found := false
			for _, client := range clientsOfInput {
				if client.Apply == node && client.Index == ii {
					found = true
					break
				}
			}
			if !found {
				return errors.Errorf("clients index missing entry (%s, %d) for variable %s", node, ii, input.name)
			}
			if input.owner == nil && !input.IsConstant() && input.fg == fg {
				isInput := false
				for _, in := range fg.inputs {
					if in == input {
						isInput = true
						break
					}
				}
				if !isInput {
					return errors.WithMessagef(ErrMissingInput, "variable %s consumed by %s", input.name, node)
				}
			}
		}
	}
	for ii, out := range fg.outputs {
		found := false
		for _, client := range fg.clients[out.id] {
			if client.IsOutput() && client.Index == ii {
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("output #%d (%s) missing its output client entry", ii, out.name)
		}
	}
	for id, clientsOfVar := range fg.clients {
		v := fg.variables[id]
		for _, client := range clientsOfVar {
			if client.IsOutput() {
				if client.Index >= len(fg.outputs) || fg.outputs[client.Index] != v {
					return errors.Errorf("stale output client %s for variable %s", client, v.name)
				}
				continue
			}
			if !fg.liveApplies[client.Apply.id] {
				return errors.Errorf("client %s of variable %s is not live", client, v.name)
			}
			if client.Apply.inputs[client.Index] != v {
				return errors.Errorf("inconsistent clients index: %s does not consume %s at #%d",
					client.Apply, v.name, client.Index)
			}
		}
	}
	return nil
}
