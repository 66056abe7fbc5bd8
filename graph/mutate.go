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
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Listener observes mutations of a FunctionGraph. Listeners are notified
// synchronously, before the next mutation is attempted, so they never operate
// on stale state. The rewrite engine uses them for its bookkeeping.
type Listener interface {
	// OnImport is called when a new Apply becomes part of the graph.
	OnImport(fg *FunctionGraph, node *Apply, reason string)

	// OnPrune is called when an Apply is removed from the graph.
	OnPrune(fg *FunctionGraph, node *Apply, reason string)

	// OnChangeInput is called after a client position was rewired from old
	// to new.
	OnChangeInput(fg *FunctionGraph, client Client, old, new *Variable, reason string)
}

// AttachListener registers a change listener. Attaching the same listener
// twice is a no-op.
func (fg *FunctionGraph) AttachListener(l Listener) {
	if slices.Contains(fg.listeners, l) {
		return
	}
	fg.listeners = append(fg.listeners, l)
}

// DetachListener removes a previously attached listener.
func (fg *FunctionGraph) DetachListener(l Listener) {
	idx := slices.Index(fg.listeners, l)
	if idx >= 0 {
		fg.listeners = slices.Delete(fg.listeners, idx, idx+1)
	}
}

func (fg *FunctionGraph) notifyImport(node *Apply, reason string) {
	for _, l := range fg.listeners {
		l.OnImport(fg, node, reason)
	}
}

func (fg *FunctionGraph) notifyPrune(node *Apply, reason string) {
	for _, l := range fg.listeners {
		l.OnPrune(fg, node, reason)
	}
}

func (fg *FunctionGraph) notifyChangeInput(client Client, old, new *Variable, reason string) {
	for _, l := range fg.listeners {
		l.OnChangeInput(fg, client, old, new, reason)
	}
}

// Replace rewires every client of old to consume new instead, everywhere old
// is consumed, including designated graph outputs.
//
// It fails with ErrTypeMismatch if new's static type cannot stand in for
// old's (see ReplaceUnsafe for the explicit override), and with ErrCycle if
// new transitively depends on any consumer of old, which would make the graph
// cyclic. If old is not part of the graph, Replace silently returns nil: this
// makes rewrites of multi-output nodes simpler to write.
//
// reason names the rewrite or operation in progress, for diagnostics and
// listener bookkeeping.
func (fg *FunctionGraph) Replace(old, new *Variable, reason string) error {
	return fg.replaceImpl(old, new, reason, true)
}

// ReplaceUnsafe is Replace without the static-type compatibility check. The
// caller vouches for the semantic validity of the substitution.
func (fg *FunctionGraph) ReplaceUnsafe(old, new *Variable, reason string) error {
	return fg.replaceImpl(old, new, reason, false)
}

func (fg *FunctionGraph) replaceImpl(old, new *Variable, reason string, check bool) error {
	if fg.frozen {
		return errors.WithMessagef(ErrFrozen, "replace %s -> %s (%s)", old, new, reason)
	}
	if old == nil || new == nil {
		return errors.Errorf("Replace called with nil variable (reason=%s)", reason)
	}
	if new.fg != fg {
		return errors.Errorf("replacement variable %s belongs to a different graph (reason=%s)", new, reason)
	}
	if old == new {
		return nil
	}
	if !fg.ContainsVariable(old) {
		// Not in the graph: silent no-op, see the method documentation.
		return nil
	}
	if check && !old.shape.CompatibleWith(new.shape) {
		return errors.WithMessagef(ErrTypeMismatch,
			"cannot replace %s (shape %s) with %s (shape %s), reason=%s",
			old.name, old.shape, new.name, new.shape, reason)
	}

	// A cycle appears iff the replacement depends, transitively, on one of
	// the consumers of the variable being replaced.
	if new.owner != nil {
		consumers := make(map[*Apply]bool)
		for _, client := range fg.clients[old.id] {
			if !client.IsOutput() {
				consumers[client.Apply] = true
			}
		}
		if len(consumers) > 0 && fg.dependsOnAny(new.owner, consumers) {
			return errors.WithMessagef(ErrCycle,
				"cannot replace %s with %s, reason=%s", old.name, new.name, reason)
		}
	}

	if klog.V(2).Enabled() {
		klog.Infof("graph %q: replace %s -> %s (%s)", fg.name, old, new, reason)
	}
	for _, client := range slices.Clone(fg.clients[old.id]) {
		fg.changeClientInput(client, old, new, reason)
	}
	return nil
}

// ReplaceAll applies Replace to each (old, new) pair, stopping at the first error.
func (fg *FunctionGraph) ReplaceAll(pairs [][2]*Variable, reason string) error {
	for _, pair := range pairs {
		if err := fg.Replace(pair[0], pair[1], reason); err != nil {
			return err
		}
	}
	return nil
}

// changeClientInput rewires one client position from old to new, updates the
// clients index, cascades pruning of anything left unreachable, and notifies
// listeners -- in this order, synchronously.
func (fg *FunctionGraph) changeClientInput(client Client, old, new *Variable, reason string) {
	if client.IsOutput() {
		fg.outputs[client.Index] = new
	} else {
		client.Apply.inputs[client.Index] = new
	}
	if new.owner != nil && !fg.liveApplies[new.owner.id] {
		fg.importApply(new.owner, reason)
	}
	fg.clients[new.id] = append(fg.clients[new.id], client)
	fg.removeClient(old, client, reason)
	fg.notifyChangeInput(client, old, new, reason)
}

// removeClient removes one consumer position of v and recursively prunes
// variables and applies left without clients.
//
// A variable with zero clients that is not a designated graph output (and not
// a graph input) is removed; if all the outputs of its producing Apply are
// clientless, the Apply is pruned as well and the removal cascades to its
// inputs. The traversal is an explicit stack, not recursion.
func (fg *FunctionGraph) removeClient(v *Variable, clientToRemove Client, reason string) {
	type removal struct {
		v      *Variable
		client Client
	}
	stack := []removal{{v, clientToRemove}}
	for len(stack) > 0 {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		v := entry.v

		clientsOfV, live := fg.clients[v.id]
		if !live {
			// Already pruned through another path of the cascade.
			continue
		}
		idx := slices.Index(clientsOfV, entry.client)
		if idx >= 0 {
			clientsOfV = slices.Delete(clientsOfV, idx, idx+1)
			fg.clients[v.id] = clientsOfV
		}
		if len(clientsOfV) > 0 {
			continue
		}

		if v.owner == nil {
			// Graph inputs stay part of the graph even with no remaining
			// clients: they define the callable's signature. Clientless
			// constants are dropped.
			if v.IsConstant() {
				delete(fg.clients, v.id)
			}
			continue
		}

		node := v.owner
		anyClients := false
		for _, output := range node.outputs {
			if len(fg.clients[output.id]) > 0 {
				anyClients = true
				break
			}
		}
		if anyClients {
			continue
		}
		delete(fg.liveApplies, node.id)
		for _, output := range node.outputs {
			delete(fg.clients, output.id)
		}
		if klog.V(3).Enabled() {
			klog.Infof("graph %q: prune %s (%s)", fg.name, node, reason)
		}
		fg.notifyPrune(node, reason)
		for ii, input := range node.inputs {
			stack = append(stack, removal{input, Client{Apply: node, Index: ii}})
		}
	}
}

// importApply brings a previously pruned Apply (and, recursively, everything
// it depends on) back into the live set, re-registering its input clients.
// Nodes are imported in dependency order, each one notified to listeners.
func (fg *FunctionGraph) importApply(node *Apply, reason string) {
	if node.fg != fg {
		panic(errors.WithMessagef(ErrMissingInput,
			"apply %s belongs to a different graph", node))
	}
	for _, input := range node.inputs {
		if input.owner != nil && !fg.liveApplies[input.owner.id] {
			fg.importApply(input.owner, reason)
		}
	}
	fg.liveApplies[node.id] = true
	for _, output := range node.outputs {
		if _, ok := fg.clients[output.id]; !ok {
			fg.clients[output.id] = nil
		}
	}
	for ii, input := range node.inputs {
		client := Client{Apply: node, Index: ii}
		if !slices.Contains(fg.clients[input.id], client) {
			fg.clients[input.id] = append(fg.clients[input.id], client)
		}
	}
	fg.notifyImport(node, reason)
}

// dependsOnAny reports whether node transitively depends on any apply in targets.
func (fg *FunctionGraph) dependsOnAny(node *Apply, targets map[*Apply]bool) bool {
	visited := make(map[ApplyID]bool)
	stack := []*Apply{node}
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[a.id] {
			continue
		}
		visited[a.id] = true
		if targets[a] {
			return true
		}
		for _, input := range a.inputs {
			if input.owner != nil {
				stack = append(stack, input.owner)
			}
		}
	}
	return false
}
