// Package lora attaches low-rank adapters to the dense and convolutional layers of an nn model.
//
// Adapters live in a Registry, a side table from host module to its ordered blocks. The host
// modules are never modified until a block is collapsed into them; running a model through
// the registry (nn.Call(model, x, reg)) adds every attached block's contribution to its
// host's output.
package lora

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/qrv0/arblora/internal/lowrank"
	"github.com/qrv0/arblora/internal/nn"
)

// Mode selects how a masked forward writes the adapter contribution.
type Mode int

const (
	// Mutate adds into the host output buffer.
	Mutate Mode = iota
	// Copy leaves the host output untouched and returns a new buffer.
	Copy
)

func (m Mode) String() string {
	if m == Copy {
		return "copy"
	}
	return "mutate"
}

// MaskRange selects a fractional range of the batch dimension.
type MaskRange struct {
	Start, End float64
}

// Rows returns the batch rows [int(n*Start), int(n*End)).
func (r MaskRange) Rows(n int) []int {
	lo, hi := max(int(float64(n)*r.Start), 0), min(int(float64(n)*r.End), n)
	rows := make([]int, 0, max(hi-lo, 0))
	for i := lo; i < hi; i++ {
		rows = append(rows, i)
	}
	return rows
}

// Options configures new blocks.
type Options struct {
	Rank    Rank
	Dropout float64 // between the up projection and the output
	// Scale of 0 means a fixed factor of 1; anything else is divided by the rank.
	Scale float64
	Bias  bool // bias on the up projection
	Mode  Mode
	Mask  *MaskRange
	// UseApprox seeds the projections from a rank-truncated SVD of the host weight instead of
	// random down and zero up weights.
	UseApprox     bool
	ClampQuantile float64 // SVD init only; 0 disables
	Seed          int64
}

// DefaultOptions returns rank 1, scale 1, no dropout.
func DefaultOptions() Options {
	return Options{Rank: AbsRank(1), Scale: 1, ClampQuantile: 0.99, Seed: 42}
}

// Block is one adapter on one host: dropout(up(down(x))) * scale added to the host output.
type Block struct {
	// ID is the attachment order on the host at creation time.
	ID int

	reg     *Registry
	key     nn.Module
	host    host
	rank    int
	scale   *nn.Tensor
	down    nn.Affine
	up      nn.Affine
	dropout *nn.Dropout
	layer   *nn.Sequential

	mask      *MaskRange
	mode      Mode
	collapsed bool
	rng       *rand.Rand
}

func newBlock(reg *Registry, m nn.Module, opts Options, rng *rand.Rand) (*Block, error) {
	h, err := hostOf(m)
	if err != nil {
		return nil, err
	}
	rank, err := opts.Rank.resolve(h.outDim())
	if err != nil {
		return nil, err
	}
	b := &Block{
		reg:  reg,
		key:  m,
		host: h,
		rank: rank,
		mode: opts.Mode,
		rng:  rng,
	}
	scale := 1.0
	if opts.Scale != 0 {
		scale = opts.Scale / float64(rank)
	}
	b.scale = &nn.Tensor{Shape: []int{}, Data: []float64{scale}}
	b.down, b.up = h.newLayer(rank, opts.Bias)
	b.dropout = nn.NewDropout(opts.Dropout, rng.Int63())
	b.layer = (&nn.Sequential{}).
		Add("lora_down", b.down).
		Add("lora_up", b.up).
		Add("dropout", b.dropout)
	b.ID = reg.add(m, b)
	return b, nil
}

// Init sets the projection weights. Without approximation the down projection is drawn
// uniformly and the up projection zeroed, so the block starts as an exact no-op. With it,
// up*down is the best rank-r approximation of the host weight.
func (b *Block) Init(useApprox bool, clampQuantile float64) error {
	upW, downW := b.up.Weights(), b.down.Weights()
	if !useApprox {
		nn.ResetUniform(b.down, b.rng)
		upW.Zero()
		clear(b.up.Biases())
		return nil
	}
	u, v, err := lowrank.Approximate(b.host.Weights(), b.rank, clampQuantile)
	if err != nil {
		return errors.WithMessagef(err, "lora: init block %d", b.ID)
	}
	// A rank above the host's smaller dimension leaves the extra inner dims at zero.
	upW.Zero()
	downW.Zero()
	upW.Copy(u)
	downW.Copy(v)
	clear(b.up.Biases())
	return nil
}

// Forward adds the scaled adapter output to out. Under a mask only the selected rows change.
// After Collapse the block passes out through.
func (b *Block) Forward(in, out *nn.Tensor) (*nn.Tensor, error) {
	if b.collapsed {
		return out, nil
	}
	x, rows := in, []int(nil)
	if b.mask != nil {
		rows = b.mask.Rows(out.Batch())
		x = in.Select(rows)
	}
	delta, err := nn.Call(b.layer, x, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "lora: block %d", b.ID)
	}
	if rows == nil {
		rows = make([]int, out.Batch())
		for i := range rows {
			rows[i] = i
		}
	}
	if len(delta.Data) != len(rows)*len(out.Row(0)) {
		return nil, errors.Errorf("lora: block %d produced shape %v for host output %v", b.ID, delta.Shape, out.Shape)
	}
	dst := out
	if b.mode == Copy {
		dst = out.Clone()
	}
	s := b.Scale()
	for j, r := range rows {
		row, d := dst.Row(r), delta.Row(j)
		for i := range row {
			row[i] += d[i] * s
		}
	}
	return dst, nil
}

// Collapse folds the adapter into the host: weight = weight*baseAlpha + alpha*(up*down).
// An up-projection bias is installed on a host without one, otherwise blended the same way.
// The block stops contributing afterwards and is expected to be detached.
func (b *Block) Collapse(alpha, baseAlpha float64) error {
	if b.collapsed {
		return errors.Errorf("lora: block %d already collapsed", b.ID)
	}
	w := b.host.Weights()
	var delta mat.Dense
	delta.Mul(b.up.Weights(), b.down.Weights())
	if r, c := w.Dims(); !sameDims(&delta, r, c) {
		dr, dc := delta.Dims()
		return errors.Errorf("lora: block %d delta is %dx%d, host weight %dx%d", b.ID, dr, dc, r, c)
	}
	delta.Scale(alpha, &delta)
	w.Scale(baseAlpha, w)
	w.Add(w, &delta)

	if ub := b.up.Biases(); ub != nil {
		if hb := b.host.Biases(); hb == nil {
			b.host.SetBiases(append([]float64(nil), ub...))
		} else {
			for i := range hb {
				hb[i] = hb[i]*baseAlpha + alpha*ub[i]
			}
		}
	}
	b.collapsed = true
	return nil
}

// CollapseScaled collapses with the block's own scale as alpha.
func (b *Block) CollapseScaled(baseAlpha float64) error {
	return b.Collapse(b.Scale(), baseAlpha)
}

func sameDims(m mat.Matrix, r, c int) bool {
	mr, mc := m.Dims()
	return mr == r && mc == c
}

// Detach removes the block from its host's collection. Detaching twice is a no-op.
func (b *Block) Detach() { b.reg.remove(b) }

// SetMask restricts the contribution to a batch range; nil removes the restriction.
func (b *Block) SetMask(r *MaskRange) {
	if r != nil {
		cp := *r
		r = &cp
	}
	b.mask = r
}

func (b *Block) SetMode(m Mode) { b.mode = m }
func (b *Block) Mode() Mode { return b.mode }
func (b *Block) Mask() *MaskRange { return b.mask }
func (b *Block) Rank() int { return b.rank }
func (b *Block) Scale() float64 { return b.scale.Data[0] }
func (b *Block) Host() nn.Module { return b.key }
func (b *Block) Collapsed() bool { return b.collapsed }
func (b *Block) Train(training bool) { b.dropout.Training = training }
func (b *Block) Down() nn.Affine { return b.down }
func (b *Block) Up() nn.Affine { return b.up }
func (b *Block) Layer() *nn.Sequential { return b.layer }

// LocalState lists the projection weights under "layer." and the scale buffer.
func (b *Block) LocalState() []nn.Entry {
	var out []nn.Entry
	for _, e := range nn.State(b.layer) {
		e.Name = nn.Join("layer", e.Name)
		out = append(out, e)
	}
	return append(out, nn.Entry{Name: "scale", Tensor: b.scale})
}
