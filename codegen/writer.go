package codegen

import (
	"fmt"
	"strings"
)

// Writer accumulates generated C source with indentation tracking.
type Writer struct {
	sb     strings.Builder
	indent int
}

// NewWriter creates an empty source writer.
func NewWriter() *Writer { return &Writer{} }

// P writes one line at the current indentation.
func (w *Writer) P(format string, args ...any) {
	for ii := 0; ii < w.indent; ii++ {
		w.sb.WriteString("    ")
	}
	fmt.Fprintf(&w.sb, format, args...)
	w.sb.WriteByte('\n')
}

// Blank writes an empty line.
func (w *Writer) Blank() { w.sb.WriteByte('\n') }

// In increases the indentation level.
func (w *Writer) In() { w.indent++ }

// Out decreases the indentation level.
func (w *Writer) Out() {
	if w.indent > 0 {
		w.indent--
	}
}

// Label writes a C label at column zero, outside the indentation flow.
func (w *Writer) Label(name string) {
	fmt.Fprintf(&w.sb, "%s:\n", name)
}

// String returns the accumulated source.
func (w *Writer) String() string { return w.sb.String() }
