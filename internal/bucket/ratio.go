package bucket

import (
	"context"
	"fmt"
	"image"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/qrv0/arblora/internal/cluster"
	"github.com/qrv0/arblora/internal/imgsize"
)

// Config configures a RatioBucket. Start from DefaultConfig.
type Config struct {
	Root       string
	TargetArea int
	StepSize   int
	NumBucket  int
	// RatioMax bounds width/height (and height/width) of the candidate grid in ratio mode.
	RatioMax float64

	// CachePath, when set, is loaded instead of building if the file exists, and is
	// written by Finalize otherwise.
	CachePath string

	// PadSeed seeds resampling of bucket members in Finalize.
	PadSeed int64
	// ShuffleSeed plus the epoch number seeds Reshuffle.
	ShuffleSeed int64

	// Files overrides listing Root; names are relative to Root.
	Files     []string
	Clusterer cluster.Clusterer
	Probe     imgsize.Options
}

func DefaultConfig(root string) Config {
	return Config{
		Root:        root,
		TargetArea:  640 * 640,
		StepSize:    8,
		NumBucket:   10,
		RatioMax:    4,
		PadSeed:     42,
		ShuffleSeed: 42,
	}
}

func (c Config) validate() error {
	switch {
	case c.TargetArea <= 0:
		return errors.Errorf("bucket: target area %d must be positive", c.TargetArea)
	case c.StepSize <= 0:
		return errors.Errorf("bucket: step size %d must be positive", c.StepSize)
	case c.NumBucket <= 0:
		return errors.Errorf("bucket: bucket count %d must be positive", c.NumBucket)
	}
	return nil
}

// RatioBucket assigns images to NumBucket aspect-ratio buckets.
//
// Buckets are built once, padded once by Finalize and reordered by Reshuffle at the start of
// every epoch. None of the methods lock: Reshuffle must not overlap with Item calls.
type RatioBucket struct {
	cfg Config

	fileNames    []string
	buckets      [][]int
	sizeBuckets  []Size
	ratiosLog    []float64
	idxBucketMap []int
	dataLen      int

	bs        int
	idxArb    []int
	fromCache bool
}

// FromRatios builds buckets from a grid of candidate sizes around the target area, then
// assigns every image to the bucket with the nearest log2 aspect ratio.
func FromRatios(ctx context.Context, cfg Config) (*RatioBucket, error) {
	return open(ctx, cfg, (*RatioBucket).buildFromRatios)
}

// FromImages clusters the log2 aspect ratios of the images themselves.
func FromImages(ctx context.Context, cfg Config) (*RatioBucket, error) {
	return open(ctx, cfg, (*RatioBucket).buildFromImages)
}

func open(ctx context.Context, cfg Config, build func(*RatioBucket, context.Context) error) (*RatioBucket, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Clusterer == nil {
		cfg.Clusterer = cluster.NewKMeans(0)
	}
	b := &RatioBucket{cfg: cfg}
	if cfg.CachePath != "" {
		if _, err := os.Stat(cfg.CachePath); err == nil {
			if err := b.Load(cfg.CachePath); err != nil {
				return nil, err
			}
			return b, nil
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "bucket: stat cache %s", cfg.CachePath)
		}
		klog.V(1).Infof("bucket cache %s not found, building", cfg.CachePath)
	}
	if cfg.Files != nil {
		b.fileNames = append([]string(nil), cfg.Files...)
	} else {
		files, err := imgsize.List(cfg.Root)
		if err != nil {
			return nil, err
		}
		b.fileNames = files
	}
	if err := build(b, ctx); err != nil {
		return nil, err
	}
	klog.Infof("buckets info: %s", b.Summary())
	return b, nil
}

type candidate struct {
	area     int
	logRatio float64
	w, h     int
}

// candidateSizes enumerates the step-aligned grid and keeps the 3*NumBucket sizes whose area
// is closest to the target.
func candidateSizes(area, step, numBucket int, ratioMax float64) ([]candidate, error) {
	if ratioMax < 1 {
		return nil, errors.Errorf("bucket: ratio max %g must be >= 1", ratioMax)
	}
	sizeLow := int(math.Sqrt(float64(area) / ratioMax))
	sizeHigh := int(math.Round(ratioMax * float64(sizeLow)))
	sizeLow = sizeLow / step * step
	sizeHigh = sizeHigh / step * step
	if sizeLow <= 0 {
		return nil, errors.Errorf("bucket: area %d too small for step %d and ratio max %g", area, step, ratioMax)
	}
	var cands []candidate
	for w := sizeLow; w <= sizeHigh; w += step {
		for h := sizeLow; h <= sizeHigh; h += step {
			cands = append(cands, candidate{area: w * h, logRatio: math.Log2(float64(w) / float64(h)), w: w, h: h})
		}
	}
	errArea := func(c candidate) int {
		d := c.area - area
		if d < 0 {
			return -d
		}
		return d
	}
	sort.SliceStable(cands, func(i, j int) bool { return errArea(cands[i]) < errArea(cands[j]) })
	if keep := 3 * numBucket; len(cands) > keep {
		cands = cands[:keep]
	}
	return cands, nil
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func (b *RatioBucket) buildFromRatios(ctx context.Context) error {
	klog.Info("build buckets from ratios")
	cfg := b.cfg
	cands, err := candidateSizes(cfg.TargetArea, cfg.StepSize, cfg.NumBucket, cfg.RatioMax)
	if err != nil {
		return err
	}
	points := make([]float64, len(cands))
	for i, c := range cands {
		points[i] = c.logRatio
	}
	labels, _, err := cfg.Clusterer.Cluster(points, cfg.NumBucket)
	if err != nil {
		return errors.WithMessage(err, "bucket: cluster candidate ratios")
	}

	b.buckets = make([][]int, cfg.NumBucket)
	b.sizeBuckets = make([]Size, cfg.NumBucket)
	b.ratiosLog = make([]float64, cfg.NumBucket)
	for k := 0; k < cfg.NumBucket; k++ {
		var members []int
		var vals []float64
		for i, l := range labels {
			if l == k {
				members = append(members, i)
				vals = append(vals, points[i])
			}
		}
		if len(members) == 0 {
			return errors.Errorf("bucket: cluster %d has no candidate sizes", k)
		}
		med := median(vals)
		pick, best := members[0], math.Inf(1)
		for _, i := range members {
			if d := math.Abs(points[i] - med); d < best {
				pick, best = i, d
			}
		}
		b.ratiosLog[k] = cands[pick].logRatio
		b.sizeBuckets[k] = Size{W: cands[pick].w, H: cands[pick].h}
		b.buckets[k] = []int{}
	}

	sizes, err := imgsize.ProbeAll(ctx, cfg.Root, b.fileNames, cfg.Probe)
	if err != nil {
		return err
	}
	b.idxBucketMap = make([]int, len(b.fileNames))
	for i, s := range sizes {
		k := nearestBucket(b.ratiosLog, math.Log2(float64(s.W)/float64(s.H)))
		b.buckets[k] = append(b.buckets[k], i)
		b.idxBucketMap[i] = k
	}
	return nil
}

// nearestBucket returns the bucket whose log ratio is closest to r. Exact ties go to the
// lowest bucket id.
func nearestBucket(ratiosLog []float64, r float64) int {
	best, bestd := 0, math.Inf(1)
	for k, lr := range ratiosLog {
		if d := math.Abs(lr - r); d < bestd {
			best, bestd = k, d
		}
	}
	return best
}

// stepRound rounds x to the nearest multiple of step, halves to even.
func stepRound(x float64, step int) int {
	return int(math.RoundToEven(x/float64(step))) * step
}

func (b *RatioBucket) buildFromImages(ctx context.Context) error {
	klog.Info("build buckets from images")
	cfg := b.cfg
	b.buckets = make([][]int, cfg.NumBucket)
	b.sizeBuckets = make([]Size, cfg.NumBucket)
	b.ratiosLog = make([]float64, cfg.NumBucket)
	b.idxBucketMap = make([]int, len(b.fileNames))
	for k := range b.buckets {
		b.buckets[k] = []int{}
	}
	if len(b.fileNames) == 0 {
		side := stepRound(math.Sqrt(float64(cfg.TargetArea)), cfg.StepSize)
		for k := range b.sizeBuckets {
			b.sizeBuckets[k] = Size{W: side, H: side}
		}
		return nil
	}

	sizes, err := imgsize.ProbeAll(ctx, cfg.Root, b.fileNames, cfg.Probe)
	if err != nil {
		return err
	}
	ratios := make([]float64, len(sizes))
	for i, s := range sizes {
		ratios[i] = math.Log2(float64(s.W) / float64(s.H))
	}
	labels, centers, err := cfg.Clusterer.Cluster(ratios, cfg.NumBucket)
	if err != nil {
		return errors.WithMessage(err, "bucket: cluster image ratios")
	}
	for k, c := range centers {
		ratio := math.Exp2(c)
		h := math.Sqrt(float64(cfg.TargetArea) / ratio)
		w := h * ratio
		b.ratiosLog[k] = c
		b.sizeBuckets[k] = Size{W: stepRound(w, cfg.StepSize), H: stepRound(h, cfg.StepSize)}
	}
	for i, k := range labels {
		b.buckets[k] = append(b.buckets[k], i)
		b.idxBucketMap[i] = k
	}
	return nil
}

// Summary is a one-line description of bucket sizes and occupancy.
func (b *RatioBucket) Summary() string {
	parts := make([]string, len(b.buckets))
	for k, bk := range b.buckets {
		s := b.sizeBuckets[k]
		parts[k] = fmt.Sprintf("size:%dx%d, num:%s", s.W, s.H, humanize.Comma(int64(len(bk))))
	}
	return strings.Join(parts, ", ")
}

// Finalize pads every bucket to a multiple of bs by resampling its own members with
// replacement, then saves the cache when one is configured. bs is the global batch size
// (per-device batch * devices * accumulation steps).
//
// A cache-loaded bucket is not padded again; its buckets must already be multiples of bs.
func (b *RatioBucket) Finalize(bs int) error {
	if bs < 1 {
		return errors.Errorf("bucket: batch size %d must be positive", bs)
	}
	b.bs = bs
	if b.fromCache {
		for k, bk := range b.buckets {
			if len(bk)%bs != 0 {
				return errors.Errorf("bucket: cached bucket %d has %d items, not a multiple of batch size %d", k, len(bk), bs)
			}
		}
		return nil
	}

	rng := rand.New(rand.NewSource(b.cfg.PadSeed))
	b.dataLen = 0
	for k, bk := range b.buckets {
		if rest := len(bk) % bs; rest > 0 {
			n := len(bk)
			for i := 0; i < bs-rest; i++ {
				bk = append(bk, bk[rng.Intn(n)])
			}
			b.buckets[k] = bk
		}
		b.dataLen += len(bk)
	}
	if b.cfg.CachePath != "" {
		return b.Save(b.cfg.CachePath)
	}
	return nil
}

// Reshuffle derives the order for epoch: items are shuffled within each bucket, the
// concatenation is cut into batches of bs and the batches are shuffled as whole rows.
// The same epoch always yields the same order.
func (b *RatioBucket) Reshuffle(epoch int) error {
	if b.bs == 0 {
		return errors.New("bucket: Reshuffle called before Finalize")
	}
	rng := rand.New(rand.NewSource(b.cfg.ShuffleSeed + int64(epoch)))
	flat := make([]int, 0, b.dataLen)
	for _, bk := range b.buckets {
		start := len(flat)
		flat = append(flat, bk...)
		part := flat[start:]
		rng.Shuffle(len(part), func(i, j int) { part[i], part[j] = part[j], part[i] })
	}
	if len(flat)%b.bs != 0 {
		return errors.Errorf("bucket: %d items do not split into batches of %d", len(flat), b.bs)
	}
	rows := len(flat) / b.bs
	perm := make([]int, rows)
	for i := range perm {
		perm[i] = i
	}
	rng.Shuffle(rows, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	order := make([]int, 0, len(flat))
	for _, r := range perm {
		order = append(order, flat[r*b.bs:(r+1)*b.bs]...)
	}
	b.idxArb = order
	return nil
}

func (b *RatioBucket) Item(i int) (Item, error) {
	if b.idxArb == nil {
		return Item{}, errors.New("bucket: Item called before Reshuffle")
	}
	if i < 0 || i >= len(b.idxArb) {
		return Item{}, errors.Errorf("bucket: index %d out of range [0,%d)", i, len(b.idxArb))
	}
	fidx := b.idxArb[i]
	return Item{
		Path: filepath.Join(b.cfg.Root, b.fileNames[fidx]),
		Size: b.sizeBuckets[b.idxBucketMap[fidx]],
	}, nil
}

func (b *RatioBucket) Len() int { return b.dataLen }

func (b *RatioBucket) CropResize(img image.Image, size Size) image.Image {
	return ResizeCropFix(img, size)
}

func (b *RatioBucket) BatchSize() int { return b.bs }

func (b *RatioBucket) FromCache() bool { return b.fromCache }

func (b *RatioBucket) NumBuckets() int { return len(b.buckets) }

// Bucket returns the file indices of bucket k, including padding duplicates.
func (b *RatioBucket) Bucket(k int) []int { return append([]int(nil), b.buckets[k]...) }

func (b *RatioBucket) BucketSize(k int) Size { return b.sizeBuckets[k] }

// BucketOf returns the bucket id of file index fidx.
func (b *RatioBucket) BucketOf(fidx int) int { return b.idxBucketMap[fidx] }

func (b *RatioBucket) FileNames() []string { return append([]string(nil), b.fileNames...) }

// Order returns the current epoch order of file indices.
func (b *RatioBucket) Order() []int { return append([]int(nil), b.idxArb...) }
