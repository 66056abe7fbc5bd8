package codegen

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/types/xslices"
)

// Unit is the source of one compiled C unit: a self-contained translation
// unit exposing a single entry point
//
//	int <name>_run(sym_buf **args, int n_args,
//	               sym_buf **outs, int n_outs, const char **err_msg);
//
// args holds the graph inputs followed by the constants, in Args order; outs
// holds one slot per designated graph output. The entry point returns 0 on
// success; on failure it returns 1 with *err_msg pointing at a static
// description, having run every cleanup stage.
type Unit struct {
	// Name is the globally unique identifier of the unit, usable as a C
	// identifier prefix and as a compilation-cache key.
	Name string

	// Source is the complete C source of the unit.
	Source string

	// Args lists the extracted variables (graph inputs, then constants) in
	// argument order.
	Args []*VarSpec

	// Outs lists the synced variables in output order.
	Outs []*VarSpec
}

// CType maps a dtype to the C element type, or "" when the dtype has no C
// lowering.
func CType(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Float32:
		return "float"
	case dtypes.Float64:
		return "double"
	case dtypes.Int32:
		return "int32_t"
	case dtypes.Int64:
		return "int64_t"
	}
	return ""
}

// EmitUnit lowers a scheduled graph into one C unit following the five-stage
// protocol. The schedule must be a valid topological order of fg's reachable
// nodes (see FunctionGraph.Toposort).
//
// It fails with ErrCodeGenUnsupported -- naming the node -- when any
// scheduled operation lacks code generation, when a variable's shape is not
// fully defined, or when a dtype has no C lowering. The caller falls back to
// the interpreted linker.
func EmitUnit(fg *graph.FunctionGraph, schedule []*graph.Apply) (*Unit, error) {
	unitName := "sym_unit_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	specs := make(map[graph.VarID]*VarSpec)
	var declared []*VarSpec

	outIndexOf := make(map[graph.VarID]int)
	for ii, out := range fg.Outputs() {
		outIndexOf[out.ID()] = ii
	}

	declare := func(v *graph.Variable, argIndex int) (*VarSpec, error) {
		if vs, found := specs[v.ID()]; found {
			return vs, nil
		}
		if !v.Shape().IsFullyDefined() {
			return nil, errors.WithMessagef(ErrCodeGenUnsupported,
				"variable %s has a partially unknown shape", v)
		}
		if CType(v.Shape().DType) == "" {
			return nil, errors.WithMessagef(ErrCodeGenUnsupported,
				"variable %s has dtype %s", v, v.Shape().DType)
		}
		vs := &VarSpec{
			Variable:     v,
			CName:        fmt.Sprintf("v%d", v.ID()),
			ArgIndex:     argIndex,
			OutIndex:     -1,
			cleanupLabel: fmt.Sprintf("cleanup_v%d", v.ID()),
		}
		switch {
		case argIndex >= 0:
			vs.Ownership = Borrows
		default:
			vs.Ownership = Owns
		}
		if outIdx, isOut := outIndexOf[v.ID()]; isOut {
			vs.OutIndex = outIdx
			vs.Ownership = Transfers
		}
		specs[v.ID()] = vs
		declared = append(declared, vs)
		return vs, nil
	}

	// Declaration order: graph inputs, then constants in first-use order,
	// then node outputs in schedule order.
	var args []*VarSpec
	for _, in := range fg.Inputs() {
		vs, err := declare(in, len(args))
		if err != nil {
			return nil, err
		}
		args = append(args, vs)
	}
	for _, node := range schedule {
		for _, input := range node.Inputs() {
			if input.IsConstant() {
				vs, err := declare(input, len(args))
				if err != nil {
					return nil, err
				}
				if vs.ArgIndex == len(args) {
					args = append(args, vs)
				}
			}
		}
	}
	for _, node := range schedule {
		if _, ok := node.Op().(CGenOp); !ok {
			return nil, errors.WithMessagef(ErrCodeGenUnsupported,
				"op %s (node %s)", node.Op().Name(), node)
		}
		for _, out := range node.Outputs() {
			if _, err := declare(out, -1); err != nil {
				return nil, err
			}
		}
	}
	for _, out := range fg.Outputs() {
		if _, found := specs[out.ID()]; !found {
			// An output fed from a constant no node consumes: it still must
			// be extracted, not allocated.
			argIndex := -1
			if out.IsConstant() {
				argIndex = len(args)
			}
			vs, err := declare(out, argIndex)
			if err != nil {
				return nil, err
			}
			if argIndex >= 0 {
				args = append(args, vs)
			}
		}
	}
	if len(declared) == 0 {
		return nil, errors.WithMessagef(ErrCodeGenUnsupported, "graph %q compiles to an empty unit", fg.Name())
	}

	w := NewWriter()
	emitPreamble(w, unitName)

	w.P("int %s_run(sym_buf **args, int n_args, sym_buf **outs, int n_outs, const char **err_msg) {", unitName)
	w.In()
	w.P("const char *sym_err = NULL;")
	for _, vs := range declared {
		w.P("sym_buf *%s = NULL; /* %s */", vs.CName, strings.ToLower(vs.Ownership.String()))
	}
	w.Blank()

	// The failure token: the entry of the cleanup chain, which is the
	// cleanup stage of the last declared variable. Every buffer is declared
	// NULL above and release of NULL is a no-op, so the token is valid from
	// the first stage on.
	fail := xslices.Last(declared).cleanupLabel
	ctx := &EmitContext{W: w, Fail: fail}

	w.P("if (n_args != %d || n_outs != %d) {", len(args), len(fg.Outputs()))
	w.In()
	w.P("sym_err = \"argument count mismatch\";")
	w.P("goto %s;", fail)
	w.Out()
	w.P("}")
	w.Blank()

	// Stage init XOR extract, in declaration order.
	for _, vs := range declared {
		size := vs.Variable.Shape().Size()
		if vs.Extracted() {
			w.P("%s = sym_buf_extract(args[%d], %d * (int64_t)sizeof(%s));",
				vs.CName, vs.ArgIndex, size, CType(vs.Variable.Shape().DType))
			ctx.FailIf(fmt.Sprintf("%s == NULL", vs.CName),
				fmt.Sprintf("invalid value for %s", vs.Variable.Name()))
		} else {
			w.P("%s = sym_buf_alloc(%d * sizeof(%s));", vs.CName, size, CType(vs.Variable.Shape().DType))
			ctx.FailIf(fmt.Sprintf("%s == NULL", vs.CName),
				fmt.Sprintf("allocation failed for %s", vs.Variable.Name()))
		}
	}
	w.Blank()

	// Stage op code, in schedule order.
	for _, node := range schedule {
		inputs := make([]*VarSpec, len(node.Inputs()))
		for ii, input := range node.Inputs() {
			inputs[ii] = specs[input.ID()]
		}
		outputs := make([]*VarSpec, len(node.Outputs()))
		for ii, out := range node.Outputs() {
			outputs[ii] = specs[out.ID()]
		}
		w.P("/* #%d %s */", node.ID(), node.Op().Name())
		w.P("{")
		w.In()
		if err := node.Op().(CGenOp).EmitCode(ctx, node, inputs, outputs); err != nil {
			return nil, errors.WithMessagef(err, "emitting code for node %s", node)
		}
		w.Out()
		w.P("}")
	}
	w.Blank()

	// Stage sync: acquire the new reference before releasing the old one.
	for _, out := range fg.Outputs() {
		vs := specs[out.ID()]
		w.P("sym_buf_acquire(%s);", vs.CName)
		w.P("if (outs[%d] != NULL) sym_buf_release(outs[%d]);", vs.OutIndex, vs.OutIndex)
		w.P("outs[%d] = %s;", vs.OutIndex, vs.CName)
	}
	w.Blank()

	// Stage cleanup: one label per variable, reverse declaration order,
	// falling through. Reached by both the success path above and every
	// failure jump.
	for ii := len(declared) - 1; ii >= 0; ii-- {
		vs := declared[ii]
		w.Label(vs.cleanupLabel)
		w.P("sym_buf_release(%s);", vs.CName)
	}
	w.P("if (sym_err != NULL) {")
	w.In()
	w.P("if (err_msg != NULL) *err_msg = sym_err;")
	w.P("return 1;")
	w.Out()
	w.P("}")
	w.P("return 0;")
	w.Out()
	w.P("}")

	outs := xslices.Map(fg.Outputs(), func(out *graph.Variable) *VarSpec {
		return specs[out.ID()]
	})
	return &Unit{
		Name:   unitName,
		Source: w.String(),
		Args:   args,
		Outs:   outs,
	}, nil
}

// emitPreamble writes the self-contained runtime of the unit: the refcounted
// buffer type and its helpers, all static so units can be linked together.
func emitPreamble(w *Writer, unitName string) {
	w.P("/* %s: generated code, do not edit. */", unitName)
	w.P("#include <stdint.h>")
	w.P("#include <stdlib.h>")
	w.P("#include <string.h>")
	w.P("#include <math.h>")
	w.Blank()
	w.P("#ifndef SYM_BUF_DEFINED")
	w.P("#define SYM_BUF_DEFINED")
	w.P("typedef struct sym_buf {")
	w.In()
	w.P("void *data;")
	w.P("int64_t size;")
	w.P("int refcount;")
	w.Out()
	w.P("} sym_buf;")
	w.Blank()
	w.P("static sym_buf *sym_buf_alloc(int64_t bytes) {")
	w.In()
	w.P("sym_buf *b = (sym_buf *)malloc(sizeof(sym_buf));")
	w.P("if (b == NULL) return NULL;")
	w.P("b->data = calloc(1, bytes);")
	w.P("if (b->data == NULL) { free(b); return NULL; }")
	w.P("b->size = bytes;")
	w.P("b->refcount = 1;")
	w.P("return b;")
	w.Out()
	w.P("}")
	w.Blank()
	w.P("static void sym_buf_acquire(sym_buf *b) {")
	w.In()
	w.P("if (b != NULL) b->refcount++;")
	w.Out()
	w.P("}")
	w.Blank()
	w.P("static void sym_buf_release(sym_buf *b) {")
	w.In()
	w.P("if (b == NULL) return;")
	w.P("if (--b->refcount == 0) { free(b->data); free(b); }")
	w.Out()
	w.P("}")
	w.Blank()
	w.P("static sym_buf *sym_buf_extract(sym_buf *b, int64_t bytes) {")
	w.In()
	w.P("if (b == NULL || b->data == NULL || b->size != bytes) return NULL;")
	w.P("sym_buf_acquire(b);")
	w.P("return b;")
	w.Out()
	w.P("}")
	w.P("#endif /* SYM_BUF_DEFINED */")
	w.Blank()
}
