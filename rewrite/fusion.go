package rewrite

import (
	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/ops"
)

// UnaryChainFusion collapses chains of elementwise unary nodes into single
// fused nodes: exp(neg(x)) executes as one loop over the data, with no
// intermediate buffer.
//
// Only chains where the intermediate value has no other consumer are fused:
// if anything else reads neg(x), the intermediate must be materialized anyway
// and fusion would duplicate work. Fused nodes are themselves fusable, so a
// longer chain collapses over successive scans.
type UnaryChainFusion struct{}

// Name implements LocalRule.
func (UnaryChainFusion) Name() string { return "unary-chain-fusion" }

// Rewrite implements LocalRule.
func (UnaryChainFusion) Rewrite(fg *graph.FunctionGraph, node *graph.Apply) []*graph.Variable {
	if len(node.Inputs()) != 1 || len(node.Outputs()) != 1 {
		return nil
	}
	intermediate := node.Inputs()[0]
	producer := intermediate.Owner()
	if producer == nil || len(producer.Inputs()) != 1 || len(producer.Outputs()) != 1 {
		return nil
	}
	if len(fg.Clients(intermediate)) != 1 {
		return nil
	}
	fusedOp, ok := ops.FuseUnary(producer.Op(), node.Op())
	if !ok {
		return nil
	}
	return []*graph.Variable{fg.Apply1(fusedOp, producer.Inputs()[0])}
}
