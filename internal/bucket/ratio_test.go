package bucket

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/qrv0/arblora/internal/imgsize"
)

// fakeDataset returns file names and a prober answering from a fixed table.
func fakeDataset(n int) ([]string, imgsize.Prober) {
	shapes := []Size{{512, 512}, {768, 512}, {512, 768}, {1024, 512}, {512, 1024}, {640, 480}, {480, 640}, {1920, 1080}, {1080, 1920}, {300, 1200}, {1200, 300}}
	names := make([]string, n)
	table := make(map[string]Size, n)
	for i := range names {
		names[i] = fmt.Sprintf("img_%03d.png", i)
		table[names[i]] = shapes[(i*7)%len(shapes)]
	}
	return names, func(path string) (Size, error) {
		s, ok := table[filepath.Base(path)]
		if !ok {
			return Size{}, os.ErrNotExist
		}
		return s, nil
	}
}

func testConfig(t *testing.T, n int) Config {
	cfg := DefaultConfig(t.TempDir())
	names, probe := fakeDataset(n)
	cfg.Files = names
	cfg.Probe = imgsize.Options{Prober: probe, Workers: 4}
	return cfg
}

func logRatio(s Size) float64 { return math.Log2(float64(s.W) / float64(s.H)) }

func TestCandidateSizes(t *testing.T) {
	cands, err := candidateSizes(640*640, 8, 10, 4)
	require.NoError(t, err)
	require.Len(t, cands, 30)
	for _, c := range cands {
		require.Zero(t, c.w%8)
		require.Zero(t, c.h%8)
		require.GreaterOrEqual(t, c.w, 320)
		require.LessOrEqual(t, c.w, 1280)
		require.InDelta(t, 640*640, c.area, 640*640*0.05)
	}
	require.Equal(t, 640*640, cands[0].area)

	_, err = candidateSizes(16, 8, 10, 4)
	require.Error(t, err)
	_, err = candidateSizes(640*640, 8, 10, 0.5)
	require.Error(t, err)
}

func TestFromRatiosAssignsNearestBucket(t *testing.T) {
	cfg := testConfig(t, 57)
	b, err := FromRatios(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, 10, b.NumBuckets())

	seen := make(map[int]int)
	for k := 0; k < b.NumBuckets(); k++ {
		s := b.BucketSize(k)
		require.Zero(t, s.W%8)
		require.Zero(t, s.H%8)
		for _, fidx := range b.Bucket(k) {
			seen[fidx]++
			require.Equal(t, k, b.BucketOf(fidx))
		}
	}
	require.Len(t, seen, 57)
	for _, c := range seen {
		require.Equal(t, 1, c)
	}

	_, probe := fakeDataset(57)
	for fidx, name := range b.FileNames() {
		s, err := probe(name)
		require.NoError(t, err)
		r := logRatio(s)
		got := math.Abs(logRatio(b.BucketSize(b.BucketOf(fidx))) - r)
		for k := 0; k < b.NumBuckets(); k++ {
			require.LessOrEqual(t, got, math.Abs(logRatio(b.BucketSize(k))-r)+1e-12)
		}
	}
}

func TestNearestBucketTieGoesToLowestID(t *testing.T) {
	require.Equal(t, 0, nearestBucket([]float64{-1, 1}, 0))
	require.Equal(t, 1, nearestBucket([]float64{-2, -1, 1}, 0))
	require.Equal(t, 2, nearestBucket([]float64{-2, -1, 1}, 0.9))
}

func TestFinalizePadsToBatchMultiples(t *testing.T) {
	for _, bs := range []int{1, 3, 4, 8} {
		t.Run(fmt.Sprint(bs), func(t *testing.T) {
			cfg := testConfig(t, 57)
			b, err := FromRatios(context.Background(), cfg)
			require.NoError(t, err)
			before := make([][]int, b.NumBuckets())
			for k := range before {
				before[k] = b.Bucket(k)
			}
			require.NoError(t, b.Finalize(bs))

			total := 0
			for k := 0; k < b.NumBuckets(); k++ {
				bk := b.Bucket(k)
				require.Zero(t, len(bk)%bs)
				require.Equal(t, before[k], bk[:len(before[k])])
				require.Less(t, len(bk)-len(before[k]), bs)
				for _, fidx := range bk {
					require.Equal(t, k, b.BucketOf(fidx))
				}
				total += len(bk)
			}
			require.Equal(t, total, b.Len())

			again, err := FromRatios(context.Background(), cfg)
			require.NoError(t, err)
			require.NoError(t, again.Finalize(bs))
			for k := 0; k < b.NumBuckets(); k++ {
				require.Equal(t, b.Bucket(k), again.Bucket(k))
			}
		})
	}
	cfg := testConfig(t, 5)
	b, err := FromRatios(context.Background(), cfg)
	require.NoError(t, err)
	require.Error(t, b.Finalize(0))
}

func TestReshuffle(t *testing.T) {
	const bs = 4
	cfg := testConfig(t, 57)
	b, err := FromRatios(context.Background(), cfg)
	require.NoError(t, err)
	_, err = b.Item(0)
	require.Error(t, err)
	require.Error(t, b.Reshuffle(0))
	require.NoError(t, b.Finalize(bs))

	require.NoError(t, b.Reshuffle(5))
	first := b.Order()
	require.Len(t, first, b.Len())
	require.NoError(t, b.Reshuffle(5))
	require.Equal(t, first, b.Order())

	require.NoError(t, b.Reshuffle(6))
	other := b.Order()
	require.NotEqual(t, first, other)

	sortedA := append([]int(nil), first...)
	sortedB := append([]int(nil), other...)
	sort.Ints(sortedA)
	sort.Ints(sortedB)
	require.Equal(t, sortedA, sortedB)

	for start := 0; start < len(other); start += bs {
		want := b.BucketOf(other[start])
		for _, fidx := range other[start : start+bs] {
			require.Equal(t, want, b.BucketOf(fidx))
		}
		it0, err := b.Item(start)
		require.NoError(t, err)
		for i := start + 1; i < start+bs; i++ {
			it, err := b.Item(i)
			require.NoError(t, err)
			require.Equal(t, it0.Size, it.Size)
		}
	}

	it, err := b.Item(0)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cfg.Root, b.FileNames()[other[0]]), it.Path)
	require.Equal(t, b.BucketSize(b.BucketOf(other[0])), it.Size)
	_, err = b.Item(b.Len())
	require.Error(t, err)
}

func TestCacheRoundTrip(t *testing.T) {
	const bs = 4
	cfg := testConfig(t, 57)
	cfg.CachePath = filepath.Join(t.TempDir(), "buckets.arb")
	built, err := FromRatios(context.Background(), cfg)
	require.NoError(t, err)
	require.False(t, built.FromCache())
	require.NoError(t, built.Finalize(bs))
	_, err = os.Stat(cfg.CachePath)
	require.NoError(t, err, "Finalize writes the configured cache")

	// A different file list proves nothing is rebuilt.
	cfg.Files = []string{"unrelated.png"}
	loaded, err := FromImages(context.Background(), cfg)
	require.NoError(t, err)
	require.True(t, loaded.FromCache())
	require.NoError(t, loaded.Finalize(bs))

	if diff := cmp.Diff(snapshotOf(built), snapshotOf(loaded), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("cache round trip mismatch (-built +loaded):\n%s", diff)
	}

	require.NoError(t, built.Reshuffle(3))
	require.NoError(t, loaded.Reshuffle(3))
	for i := 0; i < built.Len(); i++ {
		a, err := built.Item(i)
		require.NoError(t, err)
		b, err := loaded.Item(i)
		require.NoError(t, err)
		require.Equal(t, a, b)
	}

	stale, err := FromRatios(context.Background(), cfg)
	require.NoError(t, err)
	longest := 0
	for k := 0; k < stale.NumBuckets(); k++ {
		longest = max(longest, len(stale.Bucket(k)))
	}
	require.Error(t, stale.Finalize(longest+1), "cache padded for 4 cannot serve other batch sizes")
}

type snapshot struct {
	Files   []string
	Buckets [][]int
	Sizes   []Size
	Mapping []int
	Len     int
}

func snapshotOf(b *RatioBucket) snapshot {
	s := snapshot{Files: b.FileNames(), Len: b.Len()}
	for k := 0; k < b.NumBuckets(); k++ {
		s.Buckets = append(s.Buckets, b.Bucket(k))
		s.Sizes = append(s.Sizes, b.BucketSize(k))
	}
	for fidx := range s.Files {
		s.Mapping = append(s.Mapping, b.BucketOf(fidx))
	}
	return s
}

func TestCorruptCacheIsAnError(t *testing.T) {
	cfg := testConfig(t, 10)
	cfg.CachePath = filepath.Join(t.TempDir(), "buckets.arb")
	require.NoError(t, os.WriteFile(cfg.CachePath, []byte("definitely not a cache"), 0o644))
	_, err := FromRatios(context.Background(), cfg)
	require.Error(t, err)
}

func TestEmptyDataset(t *testing.T) {
	for name, build := range map[string]func(context.Context, Config) (*RatioBucket, error){
		"ratios": FromRatios,
		"images": FromImages,
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t, 0)
			cfg.Files = []string{}
			b, err := build(context.Background(), cfg)
			require.NoError(t, err)
			require.Equal(t, 10, b.NumBuckets())
			require.NoError(t, b.Finalize(4))
			require.Zero(t, b.Len())
			for k := 0; k < b.NumBuckets(); k++ {
				require.Empty(t, b.Bucket(k))
			}
			require.NoError(t, b.Reshuffle(1))
			_, err = b.Item(0)
			require.Error(t, err)
		})
	}
}

func TestFromImages(t *testing.T) {
	cfg := testConfig(t, 57)
	cfg.NumBucket = 5
	b, err := FromImages(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, 5, b.NumBuckets())

	total := 0
	prev := math.Inf(-1)
	for k := 0; k < b.NumBuckets(); k++ {
		s := b.BucketSize(k)
		require.Zero(t, s.W%8)
		require.Zero(t, s.H%8)
		require.InDelta(t, 640*640, s.W*s.H, 640*640*0.05)
		require.NotEmpty(t, b.Bucket(k))
		require.Greater(t, logRatio(s), prev)
		prev = logRatio(s)
		total += len(b.Bucket(k))
	}
	require.Equal(t, 57, total)

	// 11 distinct shapes cannot fill 12 clusters.
	cfg.NumBucket = 12
	_, err = FromImages(context.Background(), cfg)
	require.Error(t, err)
}

func TestSummary(t *testing.T) {
	b := &RatioBucket{
		buckets:     [][]int{{0, 1}, make([]int, 1234)},
		sizeBuckets: []Size{{640, 640}, {768, 512}},
	}
	require.Equal(t, "size:640x640, num:2, size:768x512, num:1,234", b.Summary())
}
