package main

import (
	"flag"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/qrv0/arblora/internal/bucket"
)

// buildConfig is the [bucket] table of an arb.toml file. Flags given on the command line win
// over the file.
type buildConfig struct {
	Bucket struct {
		Root        string  `toml:"root"`
		Cache       string  `toml:"cache"`
		Mode        string  `toml:"mode"`
		TargetArea  int     `toml:"target_area"`
		Step        int     `toml:"step"`
		NumBucket   int     `toml:"num_bucket"`
		RatioMax    float64 `toml:"ratio_max"`
		BatchSize   int     `toml:"batch_size"`
		PadSeed     int64   `toml:"pad_seed"`
		ShuffleSeed int64   `toml:"shuffle_seed"`
		Workers     int     `toml:"workers"`
	} `toml:"bucket"`
}

func defaultBuildConfig() buildConfig {
	d := bucket.DefaultConfig("")
	var c buildConfig
	c.Bucket.Mode = "ratios"
	c.Bucket.TargetArea = d.TargetArea
	c.Bucket.Step = d.StepSize
	c.Bucket.NumBucket = d.NumBucket
	c.Bucket.RatioMax = d.RatioMax
	c.Bucket.BatchSize = 1
	c.Bucket.PadSeed = d.PadSeed
	c.Bucket.ShuffleSeed = d.ShuffleSeed
	return c
}

// loadBuildConfig decodes path over c. Unknown keys are an error.
func loadBuildConfig(path string, c *buildConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "config")
	}
	defer f.Close()
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(c); err != nil {
		return errors.Wrapf(err, "config %s", path)
	}
	return nil
}

// bindBuildFlags registers the build flags on fs with c's values as defaults and returns a
// function that copies the explicitly set flags into c after fs is parsed.
func bindBuildFlags(fs *flag.FlagSet, c *buildConfig) func() {
	b := c.Bucket
	root := fs.String("root", b.Root, "image directory")
	cache := fs.String("cache", b.Cache, "bucket cache file; loaded when present, written after build")
	mode := fs.String("mode", b.Mode, "ratios: snap images to candidate sizes; images: cluster image ratios")
	area := fs.Int("area", b.TargetArea, "target pixel area")
	step := fs.Int("step", b.Step, "size step; every bucket dimension is a multiple of it")
	num := fs.Int("buckets", b.NumBucket, "number of buckets")
	ratioMax := fs.Float64("ratio-max", b.RatioMax, "largest aspect ratio")
	bs := fs.Int("bs", b.BatchSize, "batch size buckets are padded to")
	padSeed := fs.Int64("pad-seed", b.PadSeed, "seed for padding resamples")
	shuffleSeed := fs.Int64("shuffle-seed", b.ShuffleSeed, "base seed for epoch shuffles")
	workers := fs.Int("workers", b.Workers, "concurrent image header reads (0: default)")

	return func() {
		fs.Visit(func(f *flag.Flag) {
			b := &c.Bucket
			switch f.Name {
			case "root":
				b.Root = *root
			case "cache":
				b.Cache = *cache
			case "mode":
				b.Mode = *mode
			case "area":
				b.TargetArea = *area
			case "step":
				b.Step = *step
			case "buckets":
				b.NumBucket = *num
			case "ratio-max":
				b.RatioMax = *ratioMax
			case "bs":
				b.BatchSize = *bs
			case "pad-seed":
				b.PadSeed = *padSeed
			case "shuffle-seed":
				b.ShuffleSeed = *shuffleSeed
			case "workers":
				b.Workers = *workers
			}
		})
	}
}

// bucketConfig turns the file/flag settings into a bucket.Config.
func (c buildConfig) bucketConfig() bucket.Config {
	b := c.Bucket
	cfg := bucket.DefaultConfig(b.Root)
	cfg.CachePath = b.Cache
	cfg.TargetArea = b.TargetArea
	cfg.StepSize = b.Step
	cfg.NumBucket = b.NumBucket
	cfg.RatioMax = b.RatioMax
	cfg.PadSeed = b.PadSeed
	cfg.ShuffleSeed = b.ShuffleSeed
	cfg.Probe.Workers = b.Workers
	return cfg
}
