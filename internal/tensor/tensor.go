// Package tensor defines the host-side tensor exchanged across the engine
// boundary: a shape and a flat row-major float32 buffer.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	ErrNegativeDim = errors.New("negative dimension")
	ErrDataLength  = errors.New("data length does not match shape")
)

// Tensor is a value type. It never references device memory.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// New validates shape against data and returns the tensor. data is not copied.
func New(shape []int64, data []float32) (Tensor, error) {
	t := Tensor{Shape: shape, Data: data}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// Zeros allocates a zero-filled tensor of the given shape.
func Zeros(shape []int64) (Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	return Tensor{Shape: slices.Clone(shape), Data: make([]float32, n)}, nil
}

// NumElements returns the product of dims. A rank-0 shape holds one element.
func NumElements(shape []int64) (int, error) {
	n := int64(1)
	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("dim %d is %d: %w", i, d, ErrNegativeDim)
		}
		if d != 0 && n > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		n *= d
	}
	return int(n), nil
}

func (t Tensor) NumElements() int {
	n, err := NumElements(t.Shape)
	if err != nil {
		return -1
	}
	return n
}

// Validate checks the len(Data) == product(Shape) invariant.
func (t Tensor) Validate() error {
	n, err := NumElements(t.Shape)
	if err != nil {
		return err
	}
	if len(t.Data) != n {
		return fmt.Errorf("shape %v wants %d elements, got %d: %w", t.Shape, n, len(t.Data), ErrDataLength)
	}
	return nil
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Equal compares shape and data element-wise. NaN is never equal to NaN.
func (t Tensor) Equal(o Tensor) bool {
	return SameShape(t.Shape, o.Shape) && slices.Equal(t.Data, o.Data)
}

func SameShape(a, b []int64) bool {
	return slices.Equal(a, b)
}

func (t Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}
