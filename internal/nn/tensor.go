// Package nn is a small host module system: dense and convolutional transforms with learnable
// weights, containers that name their children, and a forward call that lets an Interceptor
// rewrite any module's output without touching the module itself.
package nn

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a dense row-major array. Shape[0] is the batch dimension for activations.
type Tensor struct {
	Shape []int
	Data  []float64
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NewTensor wraps data with shape; the data is not copied.
func NewTensor(data []float64, shape ...int) (*Tensor, error) {
	for _, d := range shape {
		if d < 0 {
			return nil, errors.Errorf("nn: negative dimension in shape %v", shape)
		}
	}
	if numel(shape) != len(data) {
		return nil, errors.Errorf("nn: shape %v needs %d values, got %d", shape, numel(shape), len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Zeros returns a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, numel(shape))}
}

// Len is the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Batch is the size of the first dimension, or 1 for a scalar.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

func (t *Tensor) rowLen() int {
	if t.Batch() == 0 {
		return 0
	}
	return len(t.Data) / t.Batch()
}

// Row returns the values of batch entry i, sharing storage with t.
func (t *Tensor) Row(i int) []float64 {
	n := t.rowLen()
	return t.Data[i*n : (i+1)*n]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

// Select gathers the given batch rows into a new tensor.
func (t *Tensor) Select(rows []int) *Tensor {
	shape := append([]int(nil), t.Shape...)
	if len(shape) > 0 {
		shape[0] = len(rows)
	}
	out := &Tensor{Shape: shape, Data: make([]float64, 0, len(rows)*t.rowLen())}
	for _, r := range rows {
		out.Data = append(out.Data, t.Row(r)...)
	}
	return out
}

// matrix views t as (rows x last dim), sharing storage.
func (t *Tensor) matrix() (*mat.Dense, error) {
	if len(t.Shape) == 0 {
		return nil, errors.New("nn: scalar has no matrix view")
	}
	cols := t.Shape[len(t.Shape)-1]
	if cols == 0 || len(t.Data) == 0 {
		return nil, errors.Errorf("nn: empty tensor of shape %v", t.Shape)
	}
	return mat.NewDense(len(t.Data)/cols, cols, t.Data), nil
}
