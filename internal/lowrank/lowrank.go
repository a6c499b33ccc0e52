// Package lowrank computes rank-truncated factorizations of weight matrices.
package lowrank

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Approximate returns U (m x rank) and V (rank x n) with U*V the best rank-r approximation of
// w, where U carries the singular values. A rank above min(m, n) is reduced to it.
//
// With 0 < clampQuantile < 1, the values of U and V are clamped to [-q, q] where q is that
// quantile of their combined values.
func Approximate(w mat.Matrix, rank int, clampQuantile float64) (u, v *mat.Dense, err error) {
	m, n := w.Dims()
	if rank < 1 {
		return nil, nil, errors.Errorf("lowrank: rank %d < 1", rank)
	}
	var svd mat.SVD
	if ok := svd.Factorize(w, mat.SVDThin); !ok {
		return nil, nil, errors.Errorf("lowrank: svd factorization of %dx%d matrix failed", m, n)
	}
	s := svd.Values(nil)
	r := min(rank, len(s))

	var uFull, vFull mat.Dense
	svd.UTo(&uFull)
	svd.VTo(&vFull)
	u = mat.NewDense(m, r, nil)
	u.Mul(uFull.Slice(0, m, 0, r), mat.NewDiagDense(r, s[:r]))
	v = mat.DenseCopyOf(vFull.Slice(0, n, 0, r).T())

	if clampQuantile > 0 && clampQuantile < 1 {
		hi := quantile(append(append([]float64(nil), u.RawMatrix().Data...), v.RawMatrix().Data...), clampQuantile)
		clamp(u, -hi, hi)
		clamp(v, -hi, hi)
	}
	return u, v, nil
}

// quantile interpolates linearly between the closest ranks.
func quantile(xs []float64, q float64) float64 {
	sort.Float64s(xs)
	pos := q * float64(len(xs)-1)
	lo := int(math.Floor(pos))
	if lo+1 >= len(xs) {
		return xs[len(xs)-1]
	}
	frac := pos - float64(lo)
	return xs[lo] + frac*(xs[lo+1]-xs[lo])
}

func clamp(d *mat.Dense, lo, hi float64) {
	d.Apply(func(_, _ int, x float64) float64 {
		return math.Max(lo, math.Min(hi, x))
	}, d)
}
