// Package codegen implements the C code-generation protocol: it lowers a
// scheduled FunctionGraph into the source of one self-contained C unit.
//
// Each compiled variable goes through a fixed five-stage protocol inside the
// unit's entry function:
//
//   - declare: the storage declaration, a null-initialized buffer pointer.
//   - init XOR extract: init allocates a fresh zeroed buffer (intermediates
//     and outputs); extract validates and adopts an externally supplied value
//     (graph inputs and constants). Exactly one of the two runs per variable
//     per invocation.
//   - op code: the fragments emitted by each operation, consuming and
//     producing the declared buffers. On error a fragment must jump to the
//     shared failure label -- never return or exit -- so every cleanup stage
//     below still runs.
//   - sync: for designated outputs only, publishes the unit-local buffer to
//     the caller-visible slot. The new value's reference is acquired before
//     the old value's is released, so the external slot never observes a
//     transient empty state, and the old reference is released before it is
//     overwritten, so it never leaks.
//   - cleanup: runs for every declared variable, in strict reverse order of
//     declaration, on both the success and the failure path. The stages are
//     a chain of labels the op code jumps into; each label releases one
//     variable and falls through to the next.
//
// Operations participate by implementing CGenOp. An operation that cannot
// generate code for a given type combination reports ErrCodeGenUnsupported,
// and the caller falls back to interpreted execution.
package codegen

import (
	"github.com/pkg/errors"

	"github.com/sympile/sympile/graph"
)

// ErrCodeGenUnsupported reports an operation (or a type combination) the code
// generator cannot lower. It triggers fallback to the interpreted linker; it
// is only fatal when the caller demanded compiled execution.
var ErrCodeGenUnsupported = errors.New("code generation not supported")

// Ownership annotates how a generated fragment holds a buffer. EmitUnit
// writes the annotation into each declaration's trailing comment, so the
// generated source documents who releases what.
type Ownership int

const (
	// Borrows: the buffer is owned by the caller for the whole invocation.
	// Graph inputs are borrowed.
	Borrows Ownership = iota

	// Owns: the buffer is created and released by the unit. Intermediates
	// are owned.
	Owns

	// Transfers: the buffer is created by the unit and handed to the caller
	// at sync. Designated outputs transfer.
	Transfers
)

//go:generate go tool enumer -type Ownership -output=gen_ownership_enumer.go codegen.go

// VarSpec is the compiled form of one graph variable: its C name, its storage
// protocol stages and its ownership annotation.
type VarSpec struct {
	// Variable is the graph variable this spec compiles.
	Variable *graph.Variable

	// CName is the unique per-instance C identifier of the buffer.
	CName string

	// Ownership of the buffer held under CName.
	Ownership Ownership

	// ArgIndex is the position in the unit's argument array for extracted
	// variables (inputs and constants), -1 otherwise.
	ArgIndex int

	// OutIndex is the position in the unit's output array for synced
	// variables, -1 otherwise.
	OutIndex int

	// cleanupLabel is the label of this variable's cleanup stage.
	cleanupLabel string
}

// Extracted reports whether the variable's value is supplied by the caller
// (stage extract) rather than allocated by the unit (stage init).
func (vs *VarSpec) Extracted() bool { return vs.ArgIndex >= 0 }

// Synced reports whether the variable is published to the caller at the end
// of a successful run.
func (vs *VarSpec) Synced() bool { return vs.OutIndex >= 0 }

// CGenOp is the code-generation capability of an operation.
//
// EmitCode writes the fragment computing the node's outputs from its inputs.
// inputs and outputs give the VarSpec of each operand, in the node's order.
// The fragment must route every error through ctx.Fail (see EmitContext) and
// must not return, exit or long-jump past the unit's cleanup chain.
//
// It returns ErrCodeGenUnsupported when the operation cannot be lowered for
// this combination of operand types.
type CGenOp interface {
	EmitCode(ctx *EmitContext, node *graph.Apply, inputs, outputs []*VarSpec) error
}

// EmitContext is handed to CGenOp.EmitCode: the writer positioned inside the
// unit's body and the shared failure-handling token.
type EmitContext struct {
	// W is the unit source writer.
	W *Writer

	// Fail is the label of the cleanup chain's entry: the failure token
	// every error exit must jump to, after setting the unit's err variable.
	Fail string
}

// FailIf emits a guarded jump to the failure token: when cond (a C
// expression) holds, err is set to the given message and control transfers to
// the cleanup chain.
func (ctx *EmitContext) FailIf(cond, message string) {
	ctx.W.P("if (%s) {", cond)
	ctx.W.In()
	ctx.W.P("sym_err = %q;", message)
	ctx.W.P("goto %s;", ctx.Fail)
	ctx.W.Out()
	ctx.W.P("}")
}
