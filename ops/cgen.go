package ops

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/sympile/sympile/codegen"
	"github.com/sympile/sympile/graph"
)

// C lowering of the elementwise ops: one loop over the output, with scalar
// operands indexed at zero. Ops without an entry here (and ops over dtypes
// with no C type) report ErrCodeGenUnsupported, landing the whole unit on the
// interpreted fallback.

// cBinaryExpr returns a format string with two %s operand slots, or "".
func cBinaryExpr(name string, dtype dtypes.DType) string {
	switch name {
	case "add":
		return "%s + %s"
	case "sub":
		return "%s - %s"
	case "mul":
		return "%s * %s"
	case "div":
		return "%s / %s"
	case "pow":
		switch dtype {
		case dtypes.Float32:
			return "powf(%s, %s)"
		case dtypes.Float64:
			return "pow(%s, %s)"
		}
		return fmt.Sprintf("(%s)pow((double)%%s, (double)%%s)", codegen.CType(dtype))
	}
	return ""
}

// cUnaryExpr returns a format string with one %s operand slot, or "".
func cUnaryExpr(name string, dtype dtypes.DType) string {
	switch name {
	case "neg":
		return "-%s"
	case "exp":
		switch dtype {
		case dtypes.Float32:
			return "expf(%s)"
		case dtypes.Float64:
			return "exp(%s)"
		}
	case "log":
		switch dtype {
		case dtypes.Float32:
			return "logf(%s)"
		case dtypes.Float64:
			return "log(%s)"
		}
	}
	return ""
}

// operandRef returns the C expression reading element i of an operand,
// indexing scalars at zero.
func operandRef(vs *codegen.VarSpec, elemType string) string {
	idx := "i"
	if vs.Variable.Shape().IsScalar() {
		idx = "0"
	}
	return fmt.Sprintf("((%s *)%s->data)[%s]", elemType, vs.CName, idx)
}

// EmitCode implements codegen.CGenOp.
func (op binaryBase) EmitCode(ctx *codegen.EmitContext, node *graph.Apply, inputs, outputs []*codegen.VarSpec) error {
	out := outputs[0]
	elemType := codegen.CType(out.Variable.Shape().DType)
	expr := cBinaryExpr(op.name, out.Variable.Shape().DType)
	if elemType == "" || expr == "" {
		return errors.WithMessagef(codegen.ErrCodeGenUnsupported,
			"op %s over dtype %s", op.name, out.Variable.Shape().DType)
	}
	w := ctx.W
	w.P("int64_t i, n = %d;", out.Variable.Shape().Size())
	w.P("%s *o = (%s *)%s->data;", elemType, elemType, out.CName)
	w.P("for (i = 0; i < n; i++) {")
	w.In()
	if op.name == "div" && !out.Variable.Shape().DType.IsFloat() {
		// Integer division by zero is undefined behavior in C.
		ctx.FailIf(fmt.Sprintf("%s == 0", operandRef(inputs[1], elemType)), "integer division by zero")
	}
	rhs := fmt.Sprintf(expr, operandRef(inputs[0], elemType), operandRef(inputs[1], elemType))
	w.P("o[i] = %s;", rhs)
	w.Out()
	w.P("}")
	return nil
}

// EmitCode implements codegen.CGenOp.
func (op unaryBase) EmitCode(ctx *codegen.EmitContext, node *graph.Apply, inputs, outputs []*codegen.VarSpec) error {
	out := outputs[0]
	elemType := codegen.CType(out.Variable.Shape().DType)
	expr := cUnaryExpr(op.name, out.Variable.Shape().DType)
	if elemType == "" || expr == "" {
		return errors.WithMessagef(codegen.ErrCodeGenUnsupported,
			"op %s over dtype %s", op.name, out.Variable.Shape().DType)
	}
	w := ctx.W
	w.P("int64_t i, n = %d;", out.Variable.Shape().Size())
	w.P("%s *o = (%s *)%s->data;", elemType, elemType, out.CName)
	w.P("for (i = 0; i < n; i++) {")
	w.In()
	w.P("o[i] = %s;", fmt.Sprintf(expr, operandRef(inputs[0], elemType)))
	w.Out()
	w.P("}")
	return nil
}
