package nn

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func tensor(t *testing.T, data []float64, shape ...int) *Tensor {
	t.Helper()
	x, err := NewTensor(data, shape...)
	require.NoError(t, err)
	return x
}

func TestLinearForward(t *testing.T) {
	l := NewLinear(3, 2, true)
	l.Weight = mat.NewDense(2, 3, []float64{1, 0, -1, 2, 1, 0})
	copy(l.Bias, []float64{0.5, -1})

	y, err := l.Forward(tensor(t, []float64{1, 2, 3, 0, 1, 0}, 2, 3), nil)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, y.Shape)
	require.InDeltaSlice(t, []float64{-1.5, 3, 0.5, 0}, y.Data, 1e-12)

	_, err = l.Forward(tensor(t, []float64{1, 2}, 1, 2), nil)
	require.Error(t, err)

	empty, err := l.Forward(Zeros(0, 3), nil)
	require.NoError(t, err)
	require.Equal(t, []int{0, 2}, empty.Shape)
}

func TestConv2dForward(t *testing.T) {
	// A 2x2 box filter over a 3x3 ramp.
	c := NewConv2d(1, 1, 2, 2, 1, 0, true)
	c.Weight = mat.NewDense(1, 4, []float64{1, 1, 1, 1})
	c.Bias[0] = 10
	x := tensor(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8}, 1, 1, 3, 3)
	y, err := c.Forward(x, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 2, 2}, y.Shape)
	require.InDeltaSlice(t, []float64{18, 22, 30, 34}, y.Data, 1e-12)

	// Padding 1 with stride 2 keeps the corners only partially covered.
	c = NewConv2d(1, 1, 2, 2, 2, 1, false)
	c.Weight = mat.NewDense(1, 4, []float64{1, 1, 1, 1})
	y, err = c.Forward(x, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 2, 2}, y.Shape)
	require.InDeltaSlice(t, []float64{0, 3, 9, 24}, y.Data, 1e-12)

	_, err = c.Forward(tensor(t, make([]float64, 18), 1, 2, 3, 3), nil)
	require.Error(t, err)
}

func TestConv1x1MatchesLinearPerPixel(t *testing.T) {
	c := NewConv2d(2, 3, 1, 1, 1, 0, false)
	c.Weight = mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	l := NewLinear(2, 3, false)
	l.Weight = mat.DenseCopyOf(c.Weight)

	// Two channels over a 1x2 image: pixels (1,3) and (2,4).
	y, err := c.Forward(tensor(t, []float64{1, 2, 3, 4}, 1, 2, 1, 2), nil)
	require.NoError(t, err)
	lin, err := l.Forward(tensor(t, []float64{1, 3, 2, 4}, 2, 2), nil)
	require.NoError(t, err)
	for px := 0; px < 2; px++ {
		for o := 0; o < 3; o++ {
			require.InDelta(t, lin.Data[px*3+o], y.Data[o*2+px], 1e-12)
		}
	}
}

func TestDropout(t *testing.T) {
	x := tensor(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, 2, 4)
	d := NewDropout(0.5, 1)
	y, err := d.Forward(x, nil)
	require.NoError(t, err)
	require.Same(t, x, y, "identity outside training")

	SetTraining(Seq(d), true)
	require.True(t, d.Training)
	y, err = d.Forward(x, nil)
	require.NoError(t, err)
	for i, v := range y.Data {
		if v != 0 {
			require.InDelta(t, 2*x.Data[i], v, 1e-12)
		}
	}

	other := NewDropout(0.5, 1)
	other.Training = true
	z, err := other.Forward(x, nil)
	require.NoError(t, err)
	require.Equal(t, y.Data, z.Data, "same seed, same mask")
}

type recorder struct {
	seen []Module
}

func (r *recorder) Intercept(m Module, _, out *Tensor) (*Tensor, error) {
	r.seen = append(r.seen, m)
	return out, nil
}

type doubler struct{ target Module }

func (d doubler) Intercept(m Module, _, out *Tensor) (*Tensor, error) {
	if m != d.target {
		return out, nil
	}
	y := out.Clone()
	for i := range y.Data {
		y.Data[i] *= 2
	}
	return y, nil
}

func TestSequentialCallAndWalk(t *testing.T) {
	l1 := NewLinear(2, 2, false)
	l1.Weight = mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	l2 := NewLinear(2, 1, true)
	l2.Weight = mat.NewDense(1, 2, []float64{1, 1})
	inner := Seq(l2)
	model := (&Sequential{}).Add("proj", l1).Add("head", inner).Add("", Flatten{})

	x := tensor(t, []float64{1, 2}, 1, 2)
	y, err := Call(model, x, nil)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{3}, y.Data, 1e-12)

	rec := &recorder{}
	_, err = Call(model, x, rec)
	require.NoError(t, err)
	require.Equal(t, []Module{l1, l2, inner, Flatten{}, model}, rec.seen)

	y, err = Call(model, x, doubler{target: l1})
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{6}, y.Data, 1e-12)

	var names []string
	require.NoError(t, Walk(model, func(name string, _ Module) error {
		names = append(names, name)
		return nil
	}))
	require.Equal(t, []string{"", "proj", "head", "head.0", "2"}, names)

	m, ok := Find(model, "head.0")
	require.True(t, ok)
	require.Same(t, l2, m)
	_, ok = Find(model, "head.1")
	require.False(t, ok)

	stop := errors.New("stop")
	require.Equal(t, stop, Walk(model, func(string, Module) error { return stop }))

	_, err = Call(model, tensor(t, []float64{1, 2, 3}, 1, 3), nil)
	require.ErrorContains(t, err, "proj")
}

func TestStateAndLoad(t *testing.T) {
	l := NewLinear(2, 2, true)
	l.Frozen = true
	c := NewConv2d(1, 2, 3, 3, 1, 1, false)
	model := (&Sequential{}).Add("fc", l).Add("conv", c)

	entries := State(model)
	require.Len(t, entries, 3)
	require.Equal(t, "fc.weight", entries[0].Name)
	require.False(t, entries[0].Trainable)
	require.Equal(t, "fc.bias", entries[1].Name)
	require.Equal(t, "conv.weight", entries[2].Name)
	require.Equal(t, []int{2, 1, 3, 3}, entries[2].Tensor.Shape)
	require.True(t, entries[2].Param && entries[2].Trainable)

	require.NoError(t, Load(entries, map[string]*Tensor{
		"fc.bias": tensor(t, []float64{7, 8}, 2),
	}))
	require.Equal(t, []float64{7, 8}, l.Bias)

	sd := StateDict(model)
	sd["fc.weight"].Data[3] = 5
	require.Equal(t, 5.0, l.Weight.At(1, 1), "state shares storage")

	require.Error(t, Load(entries, map[string]*Tensor{"fc.nope": Zeros(1)}))
	require.Error(t, Load(entries, map[string]*Tensor{"fc.bias": Zeros(3)}))
}

func TestTensorHelpers(t *testing.T) {
	_, err := NewTensor([]float64{1, 2, 3}, 2, 2)
	require.Error(t, err)

	x := tensor(t, []float64{1, 2, 3, 4, 5, 6}, 3, 2)
	require.Equal(t, 3, x.Batch())
	require.Equal(t, []float64{3, 4}, x.Row(1))
	sel := x.Select([]int{2, 0})
	require.Equal(t, []int{2, 2}, sel.Shape)
	require.Equal(t, []float64{5, 6, 1, 2}, sel.Data)

	cl := x.Clone()
	cl.Data[0] = 100
	require.Equal(t, 1.0, x.Data[0])
}
