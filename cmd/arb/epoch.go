package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/qrv0/arblora/internal/bucket"
)

// cmdEpoch prints the item order of one epoch, one batch per block.
func cmdEpoch(args []string, stdout io.Writer) error {
	fs := newFlagSet("epoch")
	cache := fs.String("cache", "", "bucket cache file (required)")
	root := fs.String("root", "", "image directory the cached names are relative to")
	bs := fs.Int("bs", 1, "batch size the cache was padded to")
	epoch := fs.Int("epoch", 0, "epoch number")
	seed := fs.Int64("shuffle-seed", 42, "base seed for epoch shuffles")
	limit := fs.Int("limit", 0, "print at most this many batches (0: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cache == "" {
		return errors.New("-cache is required")
	}

	if _, err := os.Stat(*cache); err != nil {
		return errors.Wrap(err, "cache")
	}

	cfg := bucket.DefaultConfig(*root)
	cfg.CachePath = *cache
	cfg.ShuffleSeed = *seed
	b, err := bucket.FromRatios(context.Background(), cfg)
	if err != nil {
		return err
	}
	if err := b.Finalize(*bs); err != nil {
		return err
	}
	if err := b.Reshuffle(*epoch); err != nil {
		return err
	}

	for i := 0; i < b.Len(); i++ {
		batch := i / *bs
		if *limit > 0 && batch >= *limit {
			break
		}
		if i%*bs == 0 {
			fmt.Fprintf(stdout, "batch %d\n", batch)
		}
		it, err := b.Item(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "  %dx%d %s\n", it.Size.W, it.Size.H, it.Path)
	}
	return nil
}
