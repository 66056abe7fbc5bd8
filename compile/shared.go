package compile

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/sympile/sympile/graph"
	"github.com/sympile/sympile/types/tensors"
)

// Shared is a graph input with a persistent value: the value survives across
// calls, every compiled Function over the graph reads it implicitly, and an
// Update registered at compilation replaces it after each call.
type Shared struct {
	v *graph.Variable

	mu    sync.Mutex
	value *tensors.Tensor
}

var (
	sharedMu    sync.Mutex
	sharedByVar = make(map[*graph.Variable]*Shared)
)

// NewShared creates a shared variable in fg holding the given initial value.
// The returned Shared's Variable is an ordinary graph input usable in any
// expression.
func NewShared(fg *graph.FunctionGraph, name string, value *tensors.Tensor) *Shared {
	value.AssertValid()
	s := &Shared{
		v:     fg.NewInput(name, value.Shape()),
		value: value,
	}
	sharedMu.Lock()
	sharedByVar[s.v] = s
	sharedMu.Unlock()
	return s
}

// sharedOf returns the Shared backing a graph input, or nil for ordinary
// inputs.
func sharedOf(v *graph.Variable) *Shared {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	return sharedByVar[v]
}

// Variable returns the graph input the shared value feeds.
func (s *Shared) Variable() *graph.Variable { return s.v }

// Value returns the current value of the shared variable.
func (s *Shared) Value() *tensors.Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// SetValue replaces the current value. The new value's shape must be
// compatible with the declared shape of the shared input.
func (s *Shared) SetValue(value *tensors.Tensor) error {
	value.AssertValid()
	if !s.v.Shape().CompatibleWith(value.Shape()) {
		return errors.WithMessagef(graph.ErrTypeMismatch,
			"shared %q declared %s, got value of shape %s", s.v.Name(), s.v.Shape(), value.Shape())
	}
	s.setValue(value)
	return nil
}

func (s *Shared) setValue(value *tensors.Tensor) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}
