package rewrite

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/sympile/sympile/graph"
)

// NodeRewriter is a Pass that scans the live Apply nodes in dependency order
// and tries its local rules against each one. Nodes created by a replacement
// are appended to the worklist and rescanned in the same run, so a rewrite
// immediately exposes new opportunities to the following scans.
type NodeRewriter struct {
	name  string
	rules []LocalRule
}

// NewNodeRewriter creates a pass applying the given rules in order: for a
// given node the first rule that matches wins.
func NewNodeRewriter(name string, rules ...LocalRule) *NodeRewriter {
	return &NodeRewriter{name: name, rules: rules}
}

// Name implements Pass.
func (p *NodeRewriter) Name() string { return p.name }

// worklistTracker collects applies imported during replacements, so the
// scan revisits the affected region. It is notified synchronously by the
// FunctionGraph before any further mutation.
type worklistTracker struct {
	queue []*graph.Apply
}

func (t *worklistTracker) OnImport(fg *graph.FunctionGraph, node *graph.Apply, reason string) {
	t.queue = append(t.queue, node)
}

func (t *worklistTracker) OnPrune(fg *graph.FunctionGraph, node *graph.Apply, reason string) {}

func (t *worklistTracker) OnChangeInput(fg *graph.FunctionGraph, client graph.Client, old, new *graph.Variable, reason string) {
	// The consumer sees a new input: rescan it.
	if !client.IsOutput() {
		t.queue = append(t.queue, client.Apply)
	}
}

// Run implements Pass. The scan is an explicit worklist, not recursion:
// termination is the engine's responsibility via its iteration bound, and a
// single run visits each queued node exactly once.
func (p *NodeRewriter) Run(fg *graph.FunctionGraph) (changed bool, err error) {
	tracker := &worklistTracker{queue: fg.Toposort()}
	fg.AttachListener(tracker)
	defer fg.DetachListener(tracker)

	for idx := 0; idx < len(tracker.queue); idx++ {
		node := tracker.queue[idx]
		if !fg.Contains(node) {
			// Pruned by an earlier replacement in this same scan.
			continue
		}
		for _, rule := range p.rules {
			applied, ruleErr := p.tryRule(fg, rule, node)
			if ruleErr != nil {
				return changed, ruleErr
			}
			if applied {
				changed = true
				if klog.V(2).Enabled() {
					klog.Infof("rewrite: %s/%s rewrote node #%d", p.name, rule.Name(), node.ID())
				}
				// First successful match wins; the node was replaced, so
				// later rules are not tried against it in this scan.
				break
			}
		}
	}
	return changed, nil
}

// tryRule runs one rule against one node and commits its replacement.
// A panic escaping the rule, or a replacement the graph refuses (type
// mismatch, cycle), is an engine defect reported as ErrInconsistency.
func (p *NodeRewriter) tryRule(fg *graph.FunctionGraph, rule LocalRule, node *graph.Apply) (applied bool, err error) {
	var replacements []*graph.Variable
	err = exceptions.TryCatch[error](func() {
		replacements = rule.Rewrite(fg, node)
	})
	if err != nil {
		return false, errors.WithMessagef(ErrInconsistency,
			"rule %q failed on node %s: %+v", rule.Name(), node, err)
	}
	if replacements == nil {
		return false, nil
	}
	if len(replacements) != len(node.Outputs()) {
		return false, errors.WithMessagef(ErrInconsistency,
			"rule %q returned %d replacements for node %s with %d outputs",
			rule.Name(), len(replacements), node, len(node.Outputs()))
	}
	outputs := slices.Clone(node.Outputs())
	for ii, newVar := range replacements {
		if newVar == nil || newVar == outputs[ii] {
			continue
		}
		if replaceErr := fg.Replace(outputs[ii], newVar, rule.Name()); replaceErr != nil {
			return false, errors.WithMessagef(ErrInconsistency,
				"rule %q on node %s: %v", rule.Name(), node, replaceErr)
		}
		applied = true
	}
	return applied, nil
}
