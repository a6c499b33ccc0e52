package lora

import (
	"math"

	"github.com/pkg/errors"

	"github.com/qrv0/arblora/internal/nn"
)

// ErrUnsupportedHost is returned when a block is attached to anything but a dense or a
// convolutional layer.
var ErrUnsupportedHost = errors.New("lora: unsupported host module")

// Rank is an adapter's inner dimension, either absolute or a fraction of the host's output
// dimension.
type Rank struct {
	abs  int
	frac float64
}

// AbsRank is a fixed rank.
func AbsRank(r int) Rank { return Rank{abs: r} }

// FracRank is round(outDim*f), at least 1.
func FracRank(f float64) Rank { return Rank{frac: f} }

func (r Rank) resolve(outDim int) (int, error) {
	switch {
	case r.abs > 0:
		return r.abs, nil
	case r.frac > 0:
		return max(int(math.RoundToEven(float64(outDim)*r.frac)), 1), nil
	}
	return 0, errors.Errorf("lora: rank must be positive, got %+v", r)
}

// host is the closed set of layers a block can wrap.
type host interface {
	nn.Affine
	outDim() int
	// newLayer builds the down and up projections for the given rank.
	newLayer(rank int, bias bool) (down, up nn.Affine)
}

type denseHost struct{ *nn.Linear }

func (h denseHost) outDim() int { return h.Out }

func (h denseHost) newLayer(rank int, bias bool) (nn.Affine, nn.Affine) {
	return nn.NewLinear(h.In, rank, false), nn.NewLinear(rank, h.Out, bias)
}

type spatialHost struct{ *nn.Conv2d }

func (h spatialHost) outDim() int { return h.OutCh }

// The down projection carries the host's kernel, stride and padding; the up projection is 1x1.
func (h spatialHost) newLayer(rank int, bias bool) (nn.Affine, nn.Affine) {
	down := nn.NewConv2d(h.InCh, rank, h.KH, h.KW, h.Stride, h.Padding, false)
	up := nn.NewConv2d(rank, h.OutCh, 1, 1, 1, 0, bias)
	return down, up
}

func hostOf(m nn.Module) (host, error) {
	switch m := m.(type) {
	case *nn.Linear:
		return denseHost{m}, nil
	case *nn.Conv2d:
		return spatialHost{m}, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedHost, "%T", m)
}

// Eligible reports whether a block can be attached to m.
func Eligible(m nn.Module) bool {
	_, err := hostOf(m)
	return err == nil
}
