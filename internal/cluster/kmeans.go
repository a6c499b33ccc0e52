package cluster

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// ErrTooManyClusters is returned when k exceeds the number of distinct points.
var ErrTooManyClusters = errors.New("cluster: more clusters than distinct points")

// Clusterer groups scalar points into k clusters. Labels index into centers.
type Clusterer interface {
	Cluster(points []float64, k int) (labels []int, centers []float64, err error)
}

// KMeans is a seeded 1-D k-means with k-means++ seeding and several restarts.
// Centers are returned in ascending order, so label 0 is always the smallest center.
type KMeans struct {
	Seed     int64
	Iters    int
	Restarts int
}

func NewKMeans(seed int64) *KMeans { return &KMeans{Seed: seed, Iters: 300, Restarts: 10} }

func (km *KMeans) Cluster(points []float64, k int) ([]int, []float64, error) {
	n := len(points)
	if k < 1 {
		return nil, nil, errors.Errorf("cluster: k=%d must be positive", k)
	}
	if k > n {
		return nil, nil, errors.Wrapf(ErrTooManyClusters, "k=%d, %d points", k, n)
	}
	if d := distinct(points); k > d {
		return nil, nil, errors.Wrapf(ErrTooManyClusters, "k=%d, %d distinct values", k, d)
	}
	iters, restarts := km.Iters, km.Restarts
	if iters < 1 {
		iters = 300
	}
	if restarts < 1 {
		restarts = 1
	}
	rng := rand.New(rand.NewSource(km.Seed))
	var bestLabels []int
	var bestCenters []float64
	bestInertia := math.Inf(1)
	for r := 0; r < restarts; r++ {
		centers := seedPlusPlus(points, k, rng)
		labels, inertia := lloyd(points, centers, iters)
		if inertia < bestInertia {
			bestInertia, bestLabels, bestCenters = inertia, labels, centers
		}
	}
	return sortClusters(bestLabels, bestCenters)
}

func distinct(points []float64) int {
	seen := make(map[float64]struct{}, len(points))
	for _, p := range points {
		seen[p] = struct{}{}
	}
	return len(seen)
}

// seedPlusPlus picks k distinct initial centers, each new one with probability proportional
// to its squared distance from the nearest chosen center.
func seedPlusPlus(points []float64, k int, rng *rand.Rand) []float64 {
	n := len(points)
	centers := make([]float64, 0, k)
	centers = append(centers, points[rng.Intn(n)])
	d2 := make([]float64, n)
	for len(centers) < k {
		sum := 0.0
		for i, p := range points {
			d2[i] = math.Inf(1)
			for _, c := range centers {
				d := (p - c) * (p - c)
				if d < d2[i] {
					d2[i] = d
				}
			}
			sum += d2[i]
		}
		target := rng.Float64() * sum
		pick := -1
		acc := 0.0
		for i := range points {
			if d2[i] == 0 {
				continue
			}
			pick = i
			acc += d2[i]
			if acc >= target {
				break
			}
		}
		centers = append(centers, points[pick])
	}
	return centers
}

// nearest returns the index of the closest center, first one on ties.
func nearest(p float64, centers []float64) (int, float64) {
	best, bestd := 0, math.Inf(1)
	for j, c := range centers {
		d := math.Abs(p - c)
		if d < bestd {
			best, bestd = j, d
		}
	}
	return best, bestd
}

func lloyd(points, centers []float64, iters int) ([]int, float64) {
	n, k := len(points), len(centers)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	sums := make([]float64, k)
	counts := make([]int, k)
	for it := 0; it < iters; it++ {
		changed := false
		for i, p := range points {
			j, _ := nearest(p, centers)
			if labels[i] != j {
				labels[i] = j
				changed = true
			}
		}
		if !changed && it > 0 {
			break
		}
		clear(sums)
		clear(counts)
		for i, p := range points {
			sums[labels[i]] += p
			counts[labels[i]]++
		}
		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				centers[j] = sums[j] / float64(counts[j])
				continue
			}
			// empty cluster: move it onto the worst-served point
			far, fard := 0, -1.0
			for i, p := range points {
				if d := math.Abs(p - centers[labels[i]]); d > fard {
					far, fard = i, d
				}
			}
			centers[j] = points[far]
			labels[far] = j
		}
	}
	inertia := 0.0
	for i, p := range points {
		d := p - centers[labels[i]]
		inertia += d * d
	}
	return labels, inertia
}

func sortClusters(labels []int, centers []float64) ([]int, []float64, error) {
	k := len(centers)
	order := make([]int, k)
	for j := range order {
		order[j] = j
	}
	sort.SliceStable(order, func(a, b int) bool { return centers[order[a]] < centers[order[b]] })
	remap := make([]int, k)
	sorted := make([]float64, k)
	for newID, oldID := range order {
		remap[oldID] = newID
		sorted[newID] = centers[oldID]
	}
	out := make([]int, len(labels))
	counts := make([]int, k)
	for i, l := range labels {
		out[i] = remap[l]
		counts[out[i]]++
	}
	for j, c := range counts {
		if c == 0 {
			return nil, nil, errors.Errorf("cluster: cluster %d ended empty", j)
		}
	}
	return out, sorted, nil
}
