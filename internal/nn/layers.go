package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Affine is a module computing weight-times-input plus an optional bias. The weight is kept as
// a 2-D matrix (out x fan-in) whatever the module's natural weight shape.
type Affine interface {
	Module
	Weights() *mat.Dense
	Biases() []float64
	SetBiases(b []float64)
}

// ResetUniform draws weights and bias from U(-1/sqrt(fan_in), 1/sqrt(fan_in)).
func ResetUniform(a Affine, rng *rand.Rand) {
	w := a.Weights()
	_, fanIn := w.Dims()
	bound := 1 / math.Sqrt(float64(fanIn))
	raw := w.RawMatrix().Data
	for i := range raw {
		raw[i] = (2*rng.Float64() - 1) * bound
	}
	for i, b := 0, a.Biases(); i < len(b); i++ {
		b[i] = (2*rng.Float64() - 1) * bound
	}
}

// Linear maps the last dimension from In to Out features.
type Linear struct {
	In, Out int
	Weight  *mat.Dense // Out x In
	Bias    []float64  // nil when the layer has no bias
	Frozen  bool       // excluded from training
}

// NewLinear returns a zero-initialized layer.
func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{In: in, Out: out, Weight: mat.NewDense(out, in, nil)}
	if bias {
		l.Bias = make([]float64, out)
	}
	return l
}

func (l *Linear) Weights() *mat.Dense   { return l.Weight }
func (l *Linear) Biases() []float64     { return l.Bias }
func (l *Linear) SetBiases(b []float64) { l.Bias = b }

func (l *Linear) Forward(x *Tensor, _ Interceptor) (*Tensor, error) {
	if len(x.Shape) == 0 || x.Shape[len(x.Shape)-1] != l.In {
		return nil, errors.Errorf("nn: linear(%d->%d) got input shape %v", l.In, l.Out, x.Shape)
	}
	shape := append(append([]int(nil), x.Shape[:len(x.Shape)-1]...), l.Out)
	if x.Len() == 0 {
		return Zeros(shape...), nil
	}
	xm, err := x.matrix()
	if err != nil {
		return nil, err
	}
	var y mat.Dense
	y.Mul(xm, l.Weight.T())
	out := &Tensor{Shape: shape, Data: y.RawMatrix().Data}
	if l.Bias != nil {
		for i := 0; i < len(out.Data); i += l.Out {
			for j, b := range l.Bias {
				out.Data[i+j] += b
			}
		}
	}
	return out, nil
}

// Conv2d is a 2-D convolution over NCHW input with square stride and zero padding.
type Conv2d struct {
	InCh, OutCh     int
	KH, KW          int
	Stride, Padding int
	Weight          *mat.Dense // OutCh x InCh*KH*KW
	Bias            []float64
	Frozen          bool
}

// NewConv2d returns a zero-initialized convolution. A stride below 1 means 1.
func NewConv2d(inCh, outCh, kh, kw, stride, padding int, bias bool) *Conv2d {
	c := &Conv2d{
		InCh: inCh, OutCh: outCh, KH: kh, KW: kw,
		Stride: max(stride, 1), Padding: padding,
		Weight: mat.NewDense(outCh, inCh*kh*kw, nil),
	}
	if bias {
		c.Bias = make([]float64, outCh)
	}
	return c
}

func (c *Conv2d) Weights() *mat.Dense   { return c.Weight }
func (c *Conv2d) Biases() []float64     { return c.Bias }
func (c *Conv2d) SetBiases(b []float64) { c.Bias = b }

// WeightShape is the natural (out, in, kh, kw) shape of the kernel.
func (c *Conv2d) WeightShape() []int { return []int{c.OutCh, c.InCh, c.KH, c.KW} }

// OutSize returns the spatial output size for an h x w input.
func (c *Conv2d) OutSize(h, w int) (int, int) {
	return (h+2*c.Padding-c.KH)/c.Stride + 1, (w+2*c.Padding-c.KW)/c.Stride + 1
}

func (c *Conv2d) Forward(x *Tensor, _ Interceptor) (*Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != c.InCh {
		return nil, errors.Errorf("nn: conv2d(%d->%d) got input shape %v, want (N,%d,H,W)", c.InCh, c.OutCh, x.Shape, c.InCh)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := c.OutSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("nn: conv2d kernel %dx%d does not fit input %dx%d", c.KH, c.KW, h, w)
	}
	out := Zeros(n, c.OutCh, oh, ow)
	if n == 0 {
		return out, nil
	}
	k := c.InCh * c.KH * c.KW
	cols := mat.NewDense(k, oh*ow, nil)
	plane := oh * ow
	for b := 0; b < n; b++ {
		img := x.Row(b)
		c.im2col(img, h, w, oh, ow, cols)
		dst := mat.NewDense(c.OutCh, plane, out.Row(b))
		dst.Mul(c.Weight, cols)
		for o, bias := range c.Bias {
			row := out.Row(b)[o*plane : (o+1)*plane]
			for i := range row {
				row[i] += bias
			}
		}
	}
	return out, nil
}

// im2col lays out every receptive field of img as a column of cols.
func (c *Conv2d) im2col(img []float64, h, w, oh, ow int, cols *mat.Dense) {
	for ch := 0; ch < c.InCh; ch++ {
		for ky := 0; ky < c.KH; ky++ {
			for kx := 0; kx < c.KW; kx++ {
				r := (ch*c.KH+ky)*c.KW + kx
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.Stride - c.Padding + ky
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.Stride - c.Padding + kx
						v := 0.0
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							v = img[(ch*h+iy)*w+ix]
						}
						cols.Set(r, oy*ow+ox, v)
					}
				}
			}
		}
	}
}

// Dropout zeroes each value with probability P while Training, scaling survivors by 1/(1-P).
// Outside training it is the identity.
type Dropout struct {
	P        float64
	Training bool
	rng      *rand.Rand
}

func NewDropout(p float64, seed int64) *Dropout {
	return &Dropout{P: p, rng: rand.New(rand.NewSource(seed))}
}

func (d *Dropout) Forward(x *Tensor, _ Interceptor) (*Tensor, error) {
	if !d.Training || d.P <= 0 {
		return x, nil
	}
	out := x.Clone()
	if d.P >= 1 {
		clear(out.Data)
		return out, nil
	}
	keep := 1 / (1 - d.P)
	for i := range out.Data {
		if d.rng.Float64() < d.P {
			out.Data[i] = 0
		} else {
			out.Data[i] *= keep
		}
	}
	return out, nil
}

// Flatten merges all dimensions after the batch one.
type Flatten struct{}

func (Flatten) Forward(x *Tensor, _ Interceptor) (*Tensor, error) {
	if len(x.Shape) < 2 {
		return x, nil
	}
	return &Tensor{Shape: []int{x.Shape[0], numel(x.Shape[1:])}, Data: x.Data}, nil
}

// SetTraining switches every Dropout under m.
func SetTraining(m Module, training bool) {
	_ = Walk(m, func(_ string, m Module) error {
		if d, ok := m.(*Dropout); ok {
			d.Training = training
		}
		return nil
	})
}
