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

// Package tensors implements Tensor, a multi-dimensional array defined by its
// shape (a DType plus axes dimensions) and a flat slice with its contents.
//
// Tensors are the values flowing in and out of compiled computations: the
// compiler core treats them as opaque typed buffers with a shape and element
// kind, and only manages their transfer into and out of compiled storage.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape): a tensor of the given shape filled with zeros.
//   - FromScalarAndDimensions[T](value, dimensions...): filled with a scalar.
//   - FromFlatDataAndDimensions[T](data, dimensions...): from flat data.
//   - FromValue[S](value): from a Go scalar or (regular) multidimensional slice.
//   - FromAnyValue(value any): non-generic version of FromValue; a no-op if
//     value is already a *Tensor.
package tensors

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/sympile/sympile/types/shapes"
)

// Tensor is a multidimensional array of one of the supported DTypes.
// The contents are stored as a flat slice in row-major order.
//
// A Tensor owns its storage. Compiled units borrow input tensors for the
// duration of a call and transfer ownership of freshly allocated output
// tensors back to the caller.
type Tensor struct {
	shape shapes.Shape

	// flat is a slice of the Go type corresponding to shape.DType.
	flat any
}

// MultiDimensionSlice lists the Go types a Tensor can be constructed from with
// FromValue: scalars or arbitrarily nested (regular) slices.
type MultiDimensionSlice interface {
	bool | float16.Float16 | float32 | float64 |
		int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		[]bool | []float16.Float16 | []float32 | []float64 |
		[]int8 | []int16 | []int32 | []int64 | []uint8 | []uint16 | []uint32 | []uint64 |
		[][]bool | [][]float16.Float16 | [][]float32 | [][]float64 |
		[][]int8 | [][]int16 | [][]int32 | [][]int64 | [][]uint8 | [][]uint16 | [][]uint32 | [][]uint64 |
		[][][]float32 | [][][]float64 | [][][]int32 | [][][]int64
}

// FromShape returns a Tensor with the given shape, initialized with zeros.
// The shape must be fully defined.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("tensors.FromShape: invalid shape"))
	}
	if !shape.IsFullyDefined() {
		exceptions.Panicf("tensors.FromShape: shape %s is not fully defined", shape)
	}
	size := shape.Size()
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size)
	return &Tensor{shape: shape, flat: flatV.Interface()}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions,
// initialized from the flattened values.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: shape %s requires %d values, %d given",
			shape, shape.Size(), len(data))
	}
	t := FromShape(shape)
	copy(t.flat.([]T), data)
	return t
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled
// with the given scalar value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	t := FromShape(shape)
	flat := t.flat.([]T)
	for ii := range flat {
		flat[ii] = value
	}
	return t
}

// FromValue creates a tensor from a Go scalar or multidimensional slice.
// Slices of rank > 1 must be regular: all sub-slices with the same dimensions.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is the non-generic version of FromValue. If value is already a
// *Tensor it is returned unchanged.
func FromAnyValue(value any) *Tensor {
	if t, ok := value.(*Tensor); ok {
		return t
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "tensors.FromAnyValue(%T)", value))
	}
	t := FromShape(shape)
	flatV := reflect.ValueOf(t.flat)
	pos := 0
	copyValueRecursively(flatV, reflect.ValueOf(value), &pos)
	return t
}

// shapeForValue walks the nested slices checking regularity and inferring the shape.
func shapeForValue(value any) (shape shapes.Shape, err error) {
	v := reflect.ValueOf(value)
	t := v.Type()
	rank := 0
	for t.Kind() == reflect.Slice {
		rank++
		t = t.Elem()
	}
	dtype := dtypes.FromGoType(t)
	if dtype == dtypes.InvalidDType {
		err = errors.Errorf("unsupported element type %s", t)
		return
	}
	dims := make([]int, 0, rank)
	vIter := v
	for vIter.Kind() == reflect.Slice {
		if vIter.Len() == 0 {
			err = errors.Errorf("cannot build a tensor from an empty slice")
			return
		}
		dims = append(dims, vIter.Len())
		vIter = vIter.Index(0)
	}
	if rank == 0 {
		return shapes.Shape{DType: dtype}, nil
	}
	shape = shapes.Make(dtype, dims...)
	if err = checkRegular(v, dims); err != nil {
		return shapes.Invalid(), err
	}
	return
}

func checkRegular(v reflect.Value, dims []int) error {
	if len(dims) == 0 {
		return nil
	}
	if v.Len() != dims[0] {
		return errors.Errorf("irregular multidimensional slice: expected dimension %d, found %d", dims[0], v.Len())
	}
	if len(dims) > 1 {
		for ii := 0; ii < v.Len(); ii++ {
			if err := checkRegular(v.Index(ii), dims[1:]); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyValueRecursively(flat reflect.Value, v reflect.Value, pos *int) {
	if v.Kind() != reflect.Slice {
		flat.Index(*pos).Set(v)
		*pos++
		return
	}
	for ii := 0; ii < v.Len(); ii++ {
		copyValueRecursively(flat, v.Index(ii), pos)
	}
}

// Shape of the tensor, including its DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType is a shortcut to Tensor.Shape().DType.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank is a shortcut to Tensor.Shape().Rank().
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements stored in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// IsScalar reports whether the tensor holds a single value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// AssertValid panics if the tensor is nil or has been finalized.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensors.Tensor is nil")
	}
	if t.flat == nil {
		exceptions.Panicf("tensors.Tensor(shape=%s) has been finalized", t.shape)
	}
}

// Finalize releases the storage of the tensor, leaving it invalid.
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.flat = nil
}

// ConstFlat returns the flat data slice. The data is owned by the tensor and
// must not be modified -- see MutableFlatData for a mutable accessor.
func (t *Tensor) ConstFlat() any {
	t.AssertValid()
	return t.flat
}

// MutableFlat returns the flat data slice for modification. Use it for
// reflect-based writes whose element type is only known at runtime;
// MutableFlatData is the typed accessor.
func (t *Tensor) MutableFlat() any {
	t.AssertValid()
	return t.flat
}

// ConstFlatData calls accessFn with the flat data as a []T. It panics if T is
// not the Go type of the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	t.AssertValid()
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		exceptions.Panicf("tensors.ConstFlatData[%T] used with tensor of dtype %s",
			*new(T), t.shape.DType)
	}
	accessFn(t.flat.([]T))
}

// MutableFlatData calls accessFn with the flat data as a mutable []T.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	t.AssertValid()
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		exceptions.Panicf("tensors.MutableFlatData[%T] used with tensor of dtype %s",
			*new(T), t.shape.DType)
	}
	accessFn(t.flat.([]T))
}

// ToScalar returns the value of a scalar (or one-element) tensor.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	t.AssertValid()
	if t.Size() != 1 {
		exceptions.Panicf("tensors.ToScalar on tensor with %d elements (shape=%s)", t.Size(), t.shape)
	}
	return t.flat.([]T)[0]
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	clone := FromShape(t.shape.Clone())
	reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(t.flat))
	return clone
}

// Equal compares two tensors for exact equality of shape and contents.
func (t *Tensor) Equal(t2 *Tensor) bool {
	t.AssertValid()
	t2.AssertValid()
	if !t.shape.Equal(t2.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, t2.flat)
}

// Value returns the tensor contents as a Go scalar (rank-0) or nested
// multidimensional slices.
func (t *Tensor) Value() any {
	t.AssertValid()
	flatV := reflect.ValueOf(t.flat)
	if t.shape.IsScalar() {
		return flatV.Index(0).Interface()
	}
	pos := 0
	return buildValueRecursively(flatV, t.shape.Dimensions, &pos)
}

func buildValueRecursively(flat reflect.Value, dims []int, pos *int) any {
	if len(dims) == 1 {
		section := reflect.MakeSlice(flat.Type(), dims[0], dims[0])
		reflect.Copy(section, flat.Slice(*pos, *pos+dims[0]))
		*pos += dims[0]
		return section.Interface()
	}
	sliceT := flat.Type()
	for range dims[1:] {
		sliceT = reflect.SliceOf(sliceT)
	}
	section := reflect.MakeSlice(sliceT, dims[0], dims[0])
	for ii := 0; ii < dims[0]; ii++ {
		section.Index(ii).Set(reflect.ValueOf(buildValueRecursively(flat, dims[1:], pos)))
	}
	return section.Interface()
}

// String prints a summary of the tensor: shape and, for small tensors, values.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	if t.flat == nil {
		return fmt.Sprintf("Tensor(%s, finalized)", t.shape)
	}
	const maxSizeToPrint = 16
	if t.Size() <= maxSizeToPrint {
		return fmt.Sprintf("%s: %v", t.shape, t.Value())
	}
	flatV := reflect.ValueOf(t.flat)
	parts := make([]string, 0, maxSizeToPrint)
	for ii := 0; ii < maxSizeToPrint; ii++ {
		parts = append(parts, fmt.Sprintf("%v", flatV.Index(ii).Interface()))
	}
	return fmt.Sprintf("%s: [%s, ...]", t.shape, strings.Join(parts, ", "))
}
